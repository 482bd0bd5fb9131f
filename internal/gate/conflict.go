package gate

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/chartwise-health/chartwise/internal/model"
)

// ConflictDetector compares extracted patient identity fields against
// the known patient record. Implementations return one entry per
// conflicting field; each entry is rendered verbatim into the flag
// reason.
type ConflictDetector interface {
	Detect(patient model.Patient, result model.ExtractionResult) []string
}

// IdentityDetector is the default detector: it compares normalized
// name and birth date. Empty extracted values are not conflicts; a
// document that never states the patient's name cannot disagree.
type IdentityDetector struct{}

var foldCaser = cases.Fold()

// Detect reports normalized mismatches on name and birth date.
func (IdentityDetector) Detect(patient model.Patient, result model.ExtractionResult) []string {
	var conflicts []string

	if result.PatientName != "" && patient.Name != "" {
		if normalizeIdentity(result.PatientName) != normalizeIdentity(patient.Name) {
			conflicts = append(conflicts, fmt.Sprintf(
				"name: extracted=%q expected=%q", result.PatientName, patient.Name))
		}
	}

	if result.PatientBirthDate != "" && patient.BirthDate != "" {
		if normalizeDate(result.PatientBirthDate) != normalizeDate(patient.BirthDate) {
			conflicts = append(conflicts, fmt.Sprintf(
				"birth_date: extracted=%q expected=%q", result.PatientBirthDate, patient.BirthDate))
		}
	}

	return conflicts
}

// normalizeIdentity case-folds and collapses whitespace and periods so
// "DOE, Jane" and "Jane Doe" style variants compare equal on tokens.
func normalizeIdentity(s string) string {
	s = foldCaser.String(s)
	s = strings.ReplaceAll(s, ",", " ")
	s = strings.ReplaceAll(s, ".", "")
	tokens := strings.Fields(s)
	// Token order is not identity-bearing for "Last, First" records.
	for i := 1; i < len(tokens); i++ {
		for j := i; j > 0 && tokens[j] < tokens[j-1]; j-- {
			tokens[j], tokens[j-1] = tokens[j-1], tokens[j]
		}
	}
	return strings.Join(tokens, " ")
}

// normalizeDate reduces a date string to zero-stripped numeric
// components so 03/15/1962 and 3-15-1962 compare equal. Written-out
// dates fall back to folded text.
func normalizeDate(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	if len(parts) < 2 {
		return foldCaser.String(strings.TrimSpace(s))
	}
	for i, p := range parts {
		parts[i] = strings.TrimLeft(p, "0")
	}
	return strings.Join(parts, "-")
}
