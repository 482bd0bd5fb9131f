// Package gate implements the deterministic quality gate: a pure,
// priority-ordered rule engine that decides whether an extraction is
// auto-approved or flagged for human review. Check order is
// load-bearing: the first matching check wins and later checks are
// never evaluated.
package gate

import (
	"fmt"
	"strings"

	"github.com/chartwise-health/chartwise/internal/model"
)

// fallbackModelMarker flags extractions produced by a fallback engine
// rather than the primary model (matched case-insensitively against
// the model name).
const fallbackModelMarker = "fallback"

// Config holds the gate thresholds.
type Config struct {
	// ConfidenceThreshold is the inclusive minimum extraction
	// confidence for auto-approval.
	ConfidenceThreshold float64
	// HighConfidenceThreshold exempts extractions from the low
	// resource-count check.
	HighConfidenceThreshold float64
	// MinResources is the minimum resource count for auto-approval at
	// ordinary confidence.
	MinResources int
}

// DefaultConfig returns the standard gate thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:     0.80,
		HighConfidenceThreshold: 0.95,
		MinResources:            3,
	}
}

// Input carries everything the gate inspects. The gate reads these
// values and nothing else; it never touches stored state.
type Input struct {
	ExtractionConfidence *float64
	AIModelUsed          string
	FallbackMethodUsed   string
	ResourceCount        int
	PatientConflicts     []string
}

// Decide runs the ordered checks and returns the decision. Pure and
// idempotent: identical inputs always produce identical output.
func Decide(in Input, cfg Config) model.QualityDecision {
	// Default each threshold on its own so a partial Config never
	// silently disables a check.
	def := DefaultConfig()
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.HighConfidenceThreshold <= 0 {
		cfg.HighConfidenceThreshold = def.HighConfidenceThreshold
	}
	if cfg.MinResources <= 0 {
		cfg.MinResources = def.MinResources
	}

	// 1. Low or missing extraction confidence.
	if in.ExtractionConfidence == nil {
		return flagged("extraction confidence unavailable")
	}
	if *in.ExtractionConfidence < cfg.ConfidenceThreshold {
		return flagged(fmt.Sprintf("extraction confidence %.2f below threshold %.2f",
			*in.ExtractionConfidence, cfg.ConfidenceThreshold))
	}

	// 2. A fallback extraction path was used.
	if in.FallbackMethodUsed != "" ||
		strings.Contains(strings.ToLower(in.AIModelUsed), fallbackModelMarker) {
		engine := in.AIModelUsed
		if engine == "" {
			engine = in.FallbackMethodUsed
		}
		return flagged(fmt.Sprintf("fallback extraction method used (%s)", engine))
	}

	// 3. Nothing extracted at all.
	if in.ResourceCount == 0 {
		return flagged("zero resources extracted")
	}

	// 4. Thin extraction at ordinary confidence.
	if in.ResourceCount < cfg.MinResources && *in.ExtractionConfidence < cfg.HighConfidenceThreshold {
		return flagged(fmt.Sprintf("low resource count: %d resources at confidence %.2f",
			in.ResourceCount, *in.ExtractionConfidence))
	}

	// 5. Extracted identity disagrees with the known patient.
	if len(in.PatientConflicts) > 0 {
		return flagged("patient identity conflict: " + strings.Join(in.PatientConflicts, "; "))
	}

	// 6. All checks passed.
	return model.QualityDecision{
		ReviewStatus: model.ReviewAutoApproved,
		AutoApproved: true,
	}
}

func flagged(reason string) model.QualityDecision {
	return model.QualityDecision{
		ReviewStatus: model.ReviewFlagged,
		AutoApproved: false,
		FlagReason:   reason,
	}
}
