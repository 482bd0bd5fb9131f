// Package aggregate fans chunk-level extraction out over a bounded
// worker pool and reduces the partial results into one
// ExtractionResult, deduplicating near-identical resources across
// chunk boundaries.
package aggregate

import (
	"context"
	"runtime"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chartwise-health/chartwise/internal/model"
)

// ExtractFunc runs extraction for a single chunk. Failures are
// chunk-local: the aggregator omits the chunk's contribution instead
// of aborting the document.
type ExtractFunc func(ctx context.Context, chunk model.Chunk) (*model.ExtractionResult, error)

// Config controls fan-out and deduplication.
type Config struct {
	// Workers bounds concurrent chunk extractions. Zero means
	// 2 x GOMAXPROCS.
	Workers int
	// SimilarityThreshold above which two same-category resources are
	// considered duplicates.
	SimilarityThreshold float64
}

// DefaultConfig returns the standard aggregation parameters.
func DefaultConfig() Config {
	return Config{
		Workers:             2 * runtime.GOMAXPROCS(0),
		SimilarityThreshold: 0.85,
	}
}

// RunChunks extracts every chunk concurrently and merges whatever
// succeeded. It errors only when all chunks fail.
func RunChunks(ctx context.Context, chunks []model.Chunk, extract ExtractFunc, cfg Config) (*model.ExtractionResult, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}

	partials := make([]*model.ExtractionResult, len(chunks))
	failures := make([]error, len(chunks))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)

	for i, chunk := range chunks {
		g.Go(func() error {
			res, err := extract(gCtx, chunk)
			if err != nil {
				failures[i] = err
				zap.L().Warn("aggregate: chunk extraction failed",
					zap.Int("chunk_id", chunk.ChunkID),
					zap.Error(err),
				)
				return nil // Partial failure: omit, don't abort.
			}
			partials[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var succeeded []model.ExtractionResult
	for _, p := range partials {
		if p != nil {
			succeeded = append(succeeded, *p)
		}
	}

	if len(succeeded) == 0 {
		var firstErr error
		for _, err := range failures {
			if err != nil {
				firstErr = err
				break
			}
		}
		if firstErr != nil {
			return nil, eris.Wrap(firstErr, "aggregate: all chunks failed")
		}
		return nil, eris.New("aggregate: no chunk results")
	}

	merged := Merge(succeeded, cfg)
	return &merged, nil
}

// Merge reduces per-chunk partial results into one ExtractionResult.
// The reduction is order-insensitive up to the first-seen-wins
// deduplication rule: category lists are concatenated in chunk order,
// then deduplicated by normalized display-name similarity.
func Merge(partials []model.ExtractionResult, cfg Config) model.ExtractionResult {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}

	var out model.ExtractionResult
	var confSum float64
	var confCount int

	for _, p := range partials {
		for _, t := range model.ResourceTypes {
			out.SetCategory(t, append(out.Category(t), p.Category(t)...))
		}
		if p.ExtractionConfidence != nil {
			confSum += *p.ExtractionConfidence
			confCount++
		}
		if out.PatientName == "" {
			out.PatientName = p.PatientName
		}
		if out.PatientBirthDate == "" {
			out.PatientBirthDate = p.PatientBirthDate
		}
		if out.AIModelUsed == "" {
			out.AIModelUsed = p.AIModelUsed
		}
		if out.FallbackMethodUsed == "" {
			out.FallbackMethodUsed = p.FallbackMethodUsed
		}
		out.ProcessingTimeSeconds += p.ProcessingTimeSeconds
	}

	for _, t := range model.ResourceTypes {
		out.SetCategory(t, Dedupe(out.Category(t), cfg.SimilarityThreshold))
	}

	if confCount > 0 {
		mean := confSum / float64(confCount)
		out.ExtractionConfidence = &mean
	}
	return out
}
