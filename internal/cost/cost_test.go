package cost

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculator_Message(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	// 1M input + 1M output at sonnet pricing.
	got := calc.Message("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.00, got, 1e-9)
}

func TestCalculator_UnknownModelIsFree(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	assert.Zero(t, calc.Message("some-future-model", 500_000, 500_000))
}

func TestTracker_AccumulatesPerDocument(t *testing.T) {
	tr := NewTracker(NewCalculator(DefaultRates()))

	tr.Record("doc-1", "claude-sonnet-4-5-20250929", 10_000, 2_000)
	tr.Record("doc-1", "claude-sonnet-4-5-20250929", 10_000, 2_000)
	tr.Record("doc-2", "claude-sonnet-4-5-20250929", 5_000, 1_000)

	d1 := tr.DocumentTotal("doc-1")
	assert.Equal(t, int64(20_000), d1.InputTokens)
	assert.Equal(t, int64(4_000), d1.OutputTokens)
	assert.InDelta(t, 0.12, d1.CostUSD, 1e-9)

	d2 := tr.DocumentTotal("doc-2")
	assert.InDelta(t, 0.03, d2.CostUSD, 1e-9)

	assert.InDelta(t, 0.15, tr.TotalCost(), 1e-9)
}

func TestTracker_UntrackedDocumentIsZero(t *testing.T) {
	tr := NewTracker(NewCalculator(DefaultRates()))

	dc := tr.DocumentTotal("never-seen")
	assert.Equal(t, "never-seen", dc.DocumentID)
	assert.Zero(t, dc.CostUSD)
}

func TestTracker_ConcurrentRecords(t *testing.T) {
	tr := NewTracker(NewCalculator(DefaultRates()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("doc-%d", n%2)
			for j := 0; j < 100; j++ {
				tr.Record(id, "claude-haiku-4-5-20251001", 1_000, 100)
			}
		}(i)
	}
	wg.Wait()

	total := tr.DocumentTotal("doc-0").InputTokens + tr.DocumentTotal("doc-1").InputTokens
	assert.Equal(t, int64(1_000_000), total)
}
