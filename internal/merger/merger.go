// Package merger applies extraction results to the patient's
// cumulative chart. Merges are optimistic: a flagged record still
// merges, and review happens after the fact. Every mutation runs in a
// single transaction and leaves an audit entry, so a bad merge can be
// rolled back resource-for-resource.
package merger

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chartwise-health/chartwise/internal/model"
	"github.com/chartwise-health/chartwise/internal/store"
)

// Merger moves resources between parsed records and cumulative charts.
type Merger struct {
	store store.Store
}

// New creates a Merger backed by the given store.
func New(st store.Store) *Merger {
	return &Merger{store: st}
}

// Merge appends every resource from the record's extraction to the
// patient's cumulative chart, tagging each with the source document so
// a later rollback can remove exactly this merge's contribution.
// Already-merged records are a no-op. The append, the record update,
// and the audit entry commit or fail together.
func (m *Merger) Merge(ctx context.Context, rec *model.ParsedRecord) error {
	if rec.IsMerged {
		zap.L().Debug("record already merged, skipping",
			zap.String("record_id", rec.ID),
			zap.String("document_id", rec.DocumentID))
		return nil
	}

	resources := rec.Result.AllResources()
	tagged := make([]model.Resource, len(resources))
	for i, r := range resources {
		r.SourceDocID = rec.DocumentID
		tagged[i] = r
	}

	prevMerged, prevMergedAt := rec.IsMerged, rec.MergedAt
	now := time.Now().UTC()
	rec.IsMerged = true
	rec.MergedAt = &now

	err := m.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetOrCreateCumulative(ctx, rec.PatientID); err != nil {
			return err
		}
		if err := tx.AppendResources(ctx, rec.PatientID, tagged); err != nil {
			return err
		}
		if err := tx.UpdateParsedRecord(ctx, rec); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.MergeAudit{
			PatientID:     rec.PatientID,
			DocumentID:    rec.DocumentID,
			Action:        "merge",
			ResourceCount: len(tagged),
		})
	})
	if err != nil {
		rec.IsMerged, rec.MergedAt = prevMerged, prevMergedAt
		return eris.Wrapf(err, "merger: merge document %s", rec.DocumentID)
	}

	zap.L().Info("merged extraction into cumulative chart",
		zap.String("patient_id", rec.PatientID),
		zap.String("document_id", rec.DocumentID),
		zap.Int("resources", len(tagged)))
	return nil
}

// Replace atomically swaps a merged record's chart contribution for a
// replacement extraction: the old resources are removed, the new set
// appended, and the record persisted in one transaction, with a
// rollback and a merge audit entry. A failure anywhere leaves the
// chart and the record exactly as they were.
func (m *Merger) Replace(ctx context.Context, rec *model.ParsedRecord, replacement model.ExtractionResult) error {
	if !rec.IsMerged {
		return eris.Errorf("merger: record %s is not merged", rec.ID)
	}

	prev := *rec
	now := time.Now().UTC()
	rec.Result = replacement
	rec.MergedAt = &now

	resources := rec.Result.AllResources()
	tagged := make([]model.Resource, len(resources))
	for i, r := range resources {
		r.SourceDocID = rec.DocumentID
		tagged[i] = r
	}

	err := m.store.WithTx(ctx, func(tx store.Store) error {
		removed, err := tx.RemoveResourcesByDocument(ctx, rec.PatientID, rec.DocumentID)
		if err != nil {
			return err
		}
		if err := tx.AppendResources(ctx, rec.PatientID, tagged); err != nil {
			return err
		}
		if err := tx.UpdateParsedRecord(ctx, rec); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &model.MergeAudit{
			PatientID:     rec.PatientID,
			DocumentID:    rec.DocumentID,
			Action:        "rollback",
			ResourceCount: removed,
		}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.MergeAudit{
			PatientID:     rec.PatientID,
			DocumentID:    rec.DocumentID,
			Action:        "merge",
			ResourceCount: len(tagged),
		})
	})
	if err != nil {
		*rec = prev
		return eris.Wrapf(err, "merger: replace document %s", rec.DocumentID)
	}

	zap.L().Info("replaced merged extraction",
		zap.String("patient_id", rec.PatientID),
		zap.String("document_id", rec.DocumentID),
		zap.Int("resources", len(tagged)))
	return nil
}

// Rollback removes exactly the resources a prior merge of this record
// contributed and returns the record to pending review, unmerged. The
// removal count is returned for the caller to surface. Unmerged
// records cannot be rolled back.
func (m *Merger) Rollback(ctx context.Context, rec *model.ParsedRecord, reason string) (int, error) {
	if !rec.IsMerged {
		return 0, eris.Errorf("merger: record %s is not merged", rec.ID)
	}

	prev := *rec
	rec.IsMerged = false
	rec.MergedAt = nil
	rec.ReviewStatus = model.ReviewPending
	rec.AutoApproved = false
	rec.FlagReason = annotateRollback(rec.FlagReason, reason)

	var removed int
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		n, err := tx.RemoveResourcesByDocument(ctx, rec.PatientID, rec.DocumentID)
		if err != nil {
			return err
		}
		removed = n
		if err := tx.UpdateParsedRecord(ctx, rec); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.MergeAudit{
			PatientID:     rec.PatientID,
			DocumentID:    rec.DocumentID,
			Action:        "rollback",
			ResourceCount: n,
		})
	})
	if err != nil {
		*rec = prev
		return 0, eris.Wrapf(err, "merger: rollback document %s", rec.DocumentID)
	}

	zap.L().Info("rolled back merge",
		zap.String("patient_id", rec.PatientID),
		zap.String("document_id", rec.DocumentID),
		zap.Int("resources_removed", removed))
	return removed, nil
}

func annotateRollback(existing, reason string) string {
	note := "merge rolled back"
	if reason != "" {
		note += ": " + reason
	}
	if existing == "" {
		return note
	}
	return strings.TrimRight(existing, "; ") + "; " + note
}
