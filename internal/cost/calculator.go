// Package cost prices extraction-service token usage and accumulates
// per-document totals across chunk calls.
package cost

// ModelRate holds per-model token pricing in dollars per million
// tokens.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model identifiers to their pricing.
type Rates map[string]ModelRate

// Calculator computes dollar costs for extraction API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Message computes the cost of one extraction call. Unknown models
// price at zero rather than guessing.
func (c *Calculator) Message(model string, inputTokens, outputTokens int64) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}

	inCost := (float64(inputTokens) / 1e6) * rate.Input
	outCost := (float64(outputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns standard API pricing for the extraction models.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00,
		},
	}
}
