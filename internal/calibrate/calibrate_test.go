package calibrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartwise-health/chartwise/internal/model"
)

func TestCalibrate_NameHeuristics(t *testing.T) {
	fields := Calibrate([]model.ExtractionField{
		{Label: "patient_name", Value: "Jane Doe", Confidence: 0.8},
		{Label: "patient_name", Value: "J", Confidence: 0.9},
	}, DefaultConfig())

	require.Len(t, fields, 2)
	assert.InDelta(t, 0.88, fields[0].Confidence, 1e-9) // multi-token boost
	assert.Equal(t, 0.3, fields[1].Confidence)          // single char capped
	assert.Equal(t, model.ConfidenceLow, fields[1].ConfidenceLevel)
}

func TestCalibrate_DateHeuristics(t *testing.T) {
	fields := Calibrate([]model.ExtractionField{
		{Label: "date_of_birth", Value: "03/15/1962", Confidence: 0.8},
		{Label: "date", Value: "sometime last spring", Confidence: 0.9},
	}, DefaultConfig())

	assert.InDelta(t, 0.92, fields[0].Confidence, 1e-9) // numeric date boost
	assert.Equal(t, 0.6, fields[1].Confidence)          // non-numeric cap
}

func TestCalibrate_IdentifierHeuristics(t *testing.T) {
	fields := Calibrate([]model.ExtractionField{
		{Label: "mrn", Value: "A128734", Confidence: 0.8},
		{Label: "mrn", Value: "AB", Confidence: 0.8},
	}, DefaultConfig())

	assert.InDelta(t, 0.88, fields[0].Confidence, 1e-9) // >= 3 digits boost
	assert.Equal(t, 0.8, fields[1].Confidence)          // no digits, unchanged
}

func TestCalibrate_ClampsToUnitInterval(t *testing.T) {
	fields := Calibrate([]model.ExtractionField{
		{Label: "patient_name", Value: "Ana Maria Ruiz Lopez", Confidence: 0.99},
		{Label: "note", Value: "x y z", Confidence: -0.5},
	}, DefaultConfig())

	assert.Equal(t, 1.0, fields[0].Confidence)
	assert.Equal(t, 0.0, fields[1].Confidence)
	assert.True(t, fields[1].RequiresReview)
}

func TestCalibrate_LevelsAndReviewFlag(t *testing.T) {
	cases := []struct {
		conf   float64
		level  model.ConfidenceLevel
		review bool
	}{
		{0.95, model.ConfidenceHigh, false},
		{0.80, model.ConfidenceHigh, false},
		{0.50, model.ConfidenceMedium, false},
		{0.30, model.ConfidenceLow, false},
		{0.29, model.ConfidenceVeryLow, true},
		{0.0, model.ConfidenceVeryLow, true},
	}

	for _, tc := range cases {
		fields := Calibrate([]model.ExtractionField{
			{Label: "note", Value: "some text", Confidence: tc.conf},
		}, DefaultConfig())
		assert.Equal(t, tc.level, fields[0].ConfidenceLevel, "conf %v", tc.conf)
		assert.Equal(t, tc.review, fields[0].RequiresReview, "conf %v", tc.conf)
	}
}

func TestCalibrate_OrderIndependent(t *testing.T) {
	a := model.ExtractionField{Label: "patient_name", Value: "Jane Doe", Confidence: 0.8}
	b := model.ExtractionField{Label: "date", Value: "01/02/2020", Confidence: 0.7}

	ab := Calibrate([]model.ExtractionField{a, b}, DefaultConfig())
	ba := Calibrate([]model.ExtractionField{b, a}, DefaultConfig())

	assert.Equal(t, ab[0], ba[1])
	assert.Equal(t, ab[1], ba[0])
}

func TestMeanConfidence(t *testing.T) {
	assert.Nil(t, MeanConfidence(nil))

	mean := MeanConfidence([]model.Resource{
		{Confidence: 0.8},
		{Confidence: 1.0},
	})
	require.NotNil(t, mean)
	assert.InDelta(t, 0.9, *mean, 1e-9)
}
