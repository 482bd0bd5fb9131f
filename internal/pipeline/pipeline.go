// Package pipeline orchestrates document processing end to end:
// claim the document under a row lock, extract its text, fan chunks
// out to the AI, aggregate and gate the result, then merge it into the
// patient's cumulative chart. Flagging defers review; it never blocks
// the merge.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chartwise-health/chartwise/internal/aggregate"
	"github.com/chartwise-health/chartwise/internal/chunker"
	"github.com/chartwise-health/chartwise/internal/config"
	"github.com/chartwise-health/chartwise/internal/cost"
	"github.com/chartwise-health/chartwise/internal/gate"
	"github.com/chartwise-health/chartwise/internal/merger"
	"github.com/chartwise-health/chartwise/internal/model"
	"github.com/chartwise-health/chartwise/internal/resilience"
	"github.com/chartwise-health/chartwise/internal/store"
	"github.com/chartwise-health/chartwise/internal/textextract"
	"github.com/chartwise-health/chartwise/pkg/anthropic"
)

// Status summarizes how Process left a document.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome reports the result of one Process call.
type Outcome struct {
	Status     Status
	DocumentID string
	RecordID   string
	Resources  int
	Decision   model.QualityDecision
	Reason     string
	CostUSD    float64
}

// Processor drives a single document through the extraction pipeline.
type Processor struct {
	cfg       *config.Config
	store     store.Store
	ai        anthropic.Client
	extractor textextract.Extractor
	merger    *merger.Merger
	conflicts gate.ConflictDetector
	retry     resilience.RetryConfig
	costs     *cost.Tracker
}

// New creates a Processor with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	aiClient anthropic.Client,
	extractor textextract.Extractor,
	m *merger.Merger,
) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     st,
		ai:        aiClient,
		extractor: extractor,
		merger:    m,
		conflicts: gate.IdentityDetector{},
		retry:     resilience.DefaultRetryConfig(),
		costs:     cost.NewTracker(cost.NewCalculator(cost.DefaultRates())),
	}
}

// Process runs the full pipeline for one document. Safe to invoke
// repeatedly: a document that already completed and merged is skipped
// without touching stored state.
func (p *Processor) Process(ctx context.Context, documentID string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.DocumentTimeout())
	defer cancel()

	log := zap.L().With(zap.String("document_id", documentID))

	doc, skip, err := p.claim(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if skip != nil {
		log.Info("document skipped", zap.String("reason", skip.Reason))
		return skip, nil
	}

	outcome, err := p.run(ctx, doc)
	if err != nil {
		// The document timeout may already have expired; persisting the
		// failure must still succeed or the document is stranded in
		// processing and skipped by every later invocation.
		failCtx, failCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer failCancel()
		if failErr := p.markFailed(failCtx, doc, err); failErr != nil {
			log.Error("failed to persist failure", zap.Error(failErr))
		}
		log.Warn("document failed",
			zap.Int("attempts", doc.Attempts),
			zap.Error(err))
		return &Outcome{
			Status:     StatusFailed,
			DocumentID: documentID,
			Reason:     err.Error(),
		}, nil
	}

	log.Info("document completed",
		zap.String("record_id", outcome.RecordID),
		zap.Int("resources", outcome.Resources),
		zap.String("review_status", string(outcome.Decision.ReviewStatus)),
		zap.Float64("cost_usd", outcome.CostUSD))
	return outcome, nil
}

// claim locks the document row and transitions it to processing.
// Everything runs in one transaction so two concurrent calls cannot
// both claim the same document. A nil doc with a non-nil Outcome means
// the document was skipped with zero writes.
func (p *Processor) claim(ctx context.Context, documentID string) (*model.Document, *Outcome, error) {
	var doc *model.Document
	var skip *Outcome

	err := p.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.LockDocument(ctx, documentID)
		if err != nil {
			return err
		}
		if locked == nil {
			return eris.Errorf("pipeline: document not found: %s", documentID)
		}

		switch locked.Status {
		case model.DocStatusCompleted:
			rec, err := tx.GetParsedRecordByDocument(ctx, documentID)
			if err != nil {
				return err
			}
			if rec != nil && rec.IsMerged {
				skip = &Outcome{
					Status:     StatusSkipped,
					DocumentID: documentID,
					RecordID:   rec.ID,
					Reason:     "already completed and merged",
				}
				return nil
			}
			// Completed but unmerged (e.g. rolled back): reprocessable.
		case model.DocStatusProcessing:
			skip = &Outcome{
				Status:     StatusSkipped,
				DocumentID: documentID,
				Reason:     "processing already in progress",
			}
			return nil
		case model.DocStatusFailed:
			if locked.Attempts >= p.cfg.Pipeline.MaxAttempts {
				skip = &Outcome{
					Status:     StatusFailed,
					DocumentID: documentID,
					Reason: fmt.Sprintf("attempt limit reached (%d): %s",
						locked.Attempts, locked.FailureReason),
				}
				return nil
			}
		}

		locked.Status = model.DocStatusProcessing
		locked.Attempts++
		locked.FailureReason = ""
		if err := tx.UpdateDocument(ctx, locked); err != nil {
			return err
		}
		doc = locked
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return doc, skip, nil
}

// run executes extraction through merge for a claimed document.
func (p *Processor) run(ctx context.Context, doc *model.Document) (*Outcome, error) {
	extraction, err := p.extractor.Extract(ctx, doc.FilePath)
	if err != nil {
		return nil, err
	}
	doc.PageCount = extraction.PageCount

	chunks := chunker.Split(extraction.Text, chunker.Config{
		MaxChunkSize:    p.cfg.Chunker.MaxChunkSize,
		OverlapSize:     p.cfg.Chunker.OverlapSize,
		PreserveContext: p.cfg.Chunker.PreserveContext,
	})
	zap.L().Debug("document chunked",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("pages", extraction.PageCount))

	result, err := aggregate.RunChunks(ctx, chunks, p.extractChunk(doc.ID), aggregate.Config{
		Workers:             p.cfg.Pipeline.Workers,
		SimilarityThreshold: p.cfg.Aggregate.SimilarityThreshold,
	})
	if err != nil {
		return nil, err
	}

	decision := p.decide(ctx, doc, result)

	rec, err := p.persistRecord(ctx, doc, result, decision)
	if err != nil {
		return nil, err
	}

	// Optimistic merge: the decision never blocks data from reaching
	// the chart, it only routes the record to human review.
	if err := p.merger.Merge(ctx, rec); err != nil {
		return nil, err
	}

	doc.Status = model.DocStatusCompleted
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return nil, err
	}

	return &Outcome{
		Status:     StatusCompleted,
		DocumentID: doc.ID,
		RecordID:   rec.ID,
		Resources:  result.ResourceCount(),
		Decision:   decision,
		CostUSD:    p.costs.DocumentTotal(doc.ID).CostUSD,
	}, nil
}

func (p *Processor) decide(ctx context.Context, doc *model.Document, result *model.ExtractionResult) model.QualityDecision {
	var conflicts []string
	patient, err := p.store.GetPatient(ctx, doc.PatientID)
	if err != nil {
		zap.L().Warn("patient lookup failed, skipping conflict check",
			zap.String("patient_id", doc.PatientID), zap.Error(err))
	} else if patient != nil {
		conflicts = p.conflicts.Detect(*patient, *result)
	}

	return gate.Decide(gate.Input{
		ExtractionConfidence: result.ExtractionConfidence,
		AIModelUsed:          result.AIModelUsed,
		FallbackMethodUsed:   result.FallbackMethodUsed,
		ResourceCount:        result.ResourceCount(),
		PatientConflicts:     conflicts,
	}, gate.Config{
		ConfidenceThreshold:     p.cfg.Gate.ConfidenceThreshold,
		HighConfidenceThreshold: p.cfg.Gate.HighConfidenceThreshold,
		MinResources:            p.cfg.Gate.MinResources,
	})
}

// persistRecord creates the document's parsed record, or refreshes it
// when a prior attempt already created one.
func (p *Processor) persistRecord(ctx context.Context, doc *model.Document, result *model.ExtractionResult, decision model.QualityDecision) (*model.ParsedRecord, error) {
	rec, err := p.store.GetParsedRecordByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &model.ParsedRecord{
			DocumentID: doc.ID,
			PatientID:  doc.PatientID,
			Result:     *result,
		}
		rec.ApplyDecision(decision)
		if err := p.store.CreateParsedRecord(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec.Result = *result
	rec.ApplyDecision(decision)
	if err := p.store.UpdateParsedRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *Processor) markFailed(ctx context.Context, doc *model.Document, cause error) error {
	doc.Status = model.DocStatusFailed
	doc.FailureReason = failureReason(cause)
	return p.store.UpdateDocument(ctx, doc)
}

// failureReason keeps the persisted reason human-readable: the root
// message, not the whole wrap chain.
func failureReason(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
