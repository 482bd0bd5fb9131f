package aggregate

import (
	"strings"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"

	"github.com/chartwise-health/chartwise/internal/model"
)

var (
	foldCaser = cases.Fold()
	levParams = levenshtein.NewParams()
)

// Dedupe removes near-duplicate resources from a single category list.
// Two resources are duplicates when the similarity of their normalized
// display names exceeds the threshold; the first-seen instance wins,
// so earlier chunks take precedence over overlap re-extractions.
func Dedupe(resources []model.Resource, threshold float64) []model.Resource {
	if len(resources) < 2 {
		return resources
	}

	var kept []model.Resource
	var keptNames []string

	for _, r := range resources {
		name := normalizeDisplay(r.Display)
		dup := false
		for _, existing := range keptNames {
			if Similarity(name, existing) > threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, r)
			keptNames = append(keptNames, name)
		}
	}
	return kept
}

// Similarity returns the normalized Levenshtein ratio of two strings
// in [0, 1], where 1 is an exact match.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, levParams)
}

// normalizeDisplay case-folds and collapses whitespace and punctuation
// so "Lisinopril 10mg" and "lisinopril  10 mg." compare close.
func normalizeDisplay(s string) string {
	s = foldCaser.String(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', ';', '(', ')':
			return -1
		default:
			return r
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
