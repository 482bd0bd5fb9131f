// Package calibrate adjusts raw per-field confidence scores using
// label-shape heuristics and derives the review routing flags. All
// functions are pure and order-independent across fields.
package calibrate

import (
	"regexp"
	"strings"

	"github.com/chartwise-health/chartwise/internal/model"
)

// Config holds the calibration thresholds.
type Config struct {
	// ReviewThreshold marks fields below it as requiring human review.
	ReviewThreshold float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{ReviewThreshold: 0.30}
}

var (
	numericDate = regexp.MustCompile(`^\d{1,4}[/-]\d{1,2}[/-]\d{1,4}$`)
	digitRun    = regexp.MustCompile(`\d`)
)

// Calibrate returns the fields with adjusted confidence, derived
// confidence level, and review flag. The input slice is not mutated.
func Calibrate(fields []model.ExtractionField, cfg Config) []model.ExtractionField {
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = DefaultConfig().ReviewThreshold
	}

	out := make([]model.ExtractionField, len(fields))
	for i, f := range fields {
		f.Confidence = adjust(f.Label, f.Value, f.Confidence)
		f.ConfidenceLevel = Level(f.Confidence)
		f.RequiresReview = f.Confidence < cfg.ReviewThreshold
		out[i] = f
	}
	return out
}

// adjust applies label-shape heuristics and clamps to [0, 1].
func adjust(label, value string, conf float64) float64 {
	l := strings.ToLower(label)
	v := strings.TrimSpace(value)

	switch {
	case strings.Contains(l, "name"):
		if len(v) <= 1 {
			conf = min(conf, 0.3)
		} else if len(strings.Fields(v)) >= 2 {
			conf *= 1.1
		}
	case strings.Contains(l, "date") || strings.Contains(l, "dob") || strings.Contains(l, "birth"):
		if numericDate.MatchString(v) {
			conf *= 1.15
		} else {
			conf = min(conf, 0.6)
		}
	case strings.Contains(l, "mrn") || strings.Contains(l, "id") || strings.Contains(l, "number"):
		if len(digitRun.FindAllString(v, -1)) >= 3 {
			conf *= 1.1
		}
	}

	if len(v) == 1 {
		conf = min(conf, 0.3)
	}

	return clamp01(conf)
}

// Level buckets a confidence score.
func Level(conf float64) model.ConfidenceLevel {
	switch {
	case conf >= 0.8:
		return model.ConfidenceHigh
	case conf >= 0.5:
		return model.ConfidenceMedium
	case conf >= 0.3:
		return model.ConfidenceLow
	default:
		return model.ConfidenceVeryLow
	}
}

// MeanConfidence averages the confidence of the given resources.
// Returns nil for an empty set, which the gate treats as missing.
func MeanConfidence(resources []model.Resource) *float64 {
	if len(resources) == 0 {
		return nil
	}
	var sum float64
	for _, r := range resources {
		sum += r.Confidence
	}
	mean := sum / float64(len(resources))
	return &mean
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
