package cost

import "sync"

// DocumentCost is the accumulated usage for one document across all of
// its chunk extractions.
type DocumentCost struct {
	DocumentID   string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Tracker accumulates extraction costs per document. Safe for
// concurrent use by parallel chunk workers.
type Tracker struct {
	mu        sync.Mutex
	calc      *Calculator
	documents map[string]*DocumentCost
}

// NewTracker creates a Tracker pricing with the given calculator.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{
		calc:      calc,
		documents: make(map[string]*DocumentCost),
	}
}

// Record adds one call's token usage to a document's running total and
// returns the cost of that call.
func (t *Tracker) Record(documentID, model string, inputTokens, outputTokens int64) float64 {
	callCost := t.calc.Message(model, inputTokens, outputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	dc, ok := t.documents[documentID]
	if !ok {
		dc = &DocumentCost{DocumentID: documentID}
		t.documents[documentID] = dc
	}

	dc.InputTokens += inputTokens
	dc.OutputTokens += outputTokens
	dc.CostUSD += callCost

	return callCost
}

// DocumentTotal returns a copy of the running total for a document.
func (t *Tracker) DocumentTotal(documentID string) DocumentCost {
	t.mu.Lock()
	defer t.mu.Unlock()

	dc, ok := t.documents[documentID]
	if !ok {
		return DocumentCost{DocumentID: documentID}
	}
	return *dc
}

// TotalCost returns the dollar total across all tracked documents.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total float64
	for _, dc := range t.documents {
		total += dc.CostUSD
	}
	return total
}
