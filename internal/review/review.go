// Package review implements the actions a human reviewer takes on a
// parsed record after the pipeline has already merged it: confirm it,
// replace its data, or undo its merge. Review is deferred by design,
// so every action here operates on data that is already live in the
// cumulative chart.
package review

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chartwise-health/chartwise/internal/merger"
	"github.com/chartwise-health/chartwise/internal/model"
	"github.com/chartwise-health/chartwise/internal/store"
)

// Service executes review actions against the store and merger.
type Service struct {
	store  store.Store
	merger *merger.Merger
}

// NewService creates a review Service.
func NewService(st store.Store, m *merger.Merger) *Service {
	return &Service{store: st, merger: m}
}

func (s *Service) loadRecord(ctx context.Context, recordID string) (*model.ParsedRecord, error) {
	rec, err := s.store.GetParsedRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, eris.Errorf("review: record not found: %s", recordID)
	}
	return rec, nil
}

// MarkCorrect confirms a record's extraction as reviewed and accurate.
// The merged data stays exactly as it is.
func (s *Service) MarkCorrect(ctx context.Context, recordID, reviewer, notes string) (*model.ParsedRecord, error) {
	rec, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.ReviewStatus = model.ReviewReviewed
	rec.ReviewedBy = reviewer
	rec.ReviewedAt = &now
	rec.ReviewNotes = notes

	if err := s.store.UpdateParsedRecord(ctx, rec); err != nil {
		return nil, eris.Wrapf(err, "review: mark correct %s", recordID)
	}

	zap.L().Info("record marked correct",
		zap.String("record_id", recordID),
		zap.String("reviewer", reviewer))
	return rec, nil
}

// CorrectData replaces a record's extraction with reviewer-supplied
// data. Every resource must carry a known type tag. If the old data
// was merged, the old chart contribution is swapped for the replacement
// in a single transaction, so a failure partway can never leave a
// reviewed record whose data is missing from the chart.
func (s *Service) CorrectData(ctx context.Context, recordID, reviewer string, replacement model.ExtractionResult) (*model.ParsedRecord, error) {
	if err := validateResourceTypes(replacement); err != nil {
		return nil, err
	}

	rec, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.ReviewStatus = model.ReviewReviewed
	rec.ReviewedBy = reviewer
	rec.ReviewedAt = &now
	rec.FlagReason = ""

	if rec.IsMerged {
		if err := s.merger.Replace(ctx, rec, replacement); err != nil {
			return nil, err
		}
	} else {
		rec.Result = replacement
		if err := s.store.UpdateParsedRecord(ctx, rec); err != nil {
			return nil, eris.Wrapf(err, "review: correct data %s", recordID)
		}
	}

	zap.L().Info("record data corrected",
		zap.String("record_id", recordID),
		zap.String("reviewer", reviewer),
		zap.Int("resources", rec.Result.ResourceCount()))
	return rec, nil
}

// RollbackMerge undoes a record's merge and returns it to pending
// review. Returns the number of resources removed from the chart.
func (s *Service) RollbackMerge(ctx context.Context, recordID, reviewer, reason string) (int, error) {
	rec, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return 0, err
	}

	removed, err := s.merger.Rollback(ctx, rec, reason)
	if err != nil {
		return 0, err
	}

	rec.ReviewedBy = reviewer
	now := time.Now().UTC()
	rec.ReviewedAt = &now
	if err := s.store.UpdateParsedRecord(ctx, rec); err != nil {
		return removed, eris.Wrapf(err, "review: persist rollback reviewer %s", recordID)
	}
	return removed, nil
}

func validateResourceTypes(result model.ExtractionResult) error {
	known := make(map[model.ResourceType]bool, len(model.ResourceTypes))
	for _, t := range model.ResourceTypes {
		known[t] = true
	}
	for _, r := range result.AllResources() {
		if r.Type == "" {
			return eris.Errorf("review: resource %q is missing a type tag", r.Display)
		}
		if !known[r.Type] {
			return eris.Errorf("review: unknown resource type %q on %q", r.Type, r.Display)
		}
	}
	return nil
}
