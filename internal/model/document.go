package model

import "time"

// DocumentStatus tracks processing state of an uploaded document.
type DocumentStatus string

const (
	DocStatusPending    DocumentStatus = "pending"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusCompleted  DocumentStatus = "completed"
	DocStatusFailed     DocumentStatus = "failed"
)

// Document is an uploaded medical document awaiting or having completed
// extraction. Exactly one ParsedRecord exists per document once
// extraction has run.
type Document struct {
	ID            string         `json:"id"`
	PatientID     string         `json:"patient_id"`
	FilePath      string         `json:"file_path"`
	OriginalName  string         `json:"original_name"`
	Status        DocumentStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	FailureReason string         `json:"failure_reason,omitempty"`
	PageCount     int            `json:"page_count,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Patient is the subject a document and its extracted data pertain to.
// Only the identity fields the conflict detector compares are modelled
// here; demographics beyond that live outside this service.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BirthDate string    `json:"birth_date,omitempty"` // YYYY-MM-DD
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is one context-preserving segment of an oversized document.
// Immutable once created; consumed by a single extraction call.
type Chunk struct {
	ChunkID     int    `json:"chunk_id"`
	Text        string `json:"text"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
	OverlapText string `json:"overlap_text,omitempty"`
}

// PromptText returns the text sent to the extraction service: the
// overlap seed from the previous chunk (when present) followed by the
// chunk body.
func (c Chunk) PromptText() string {
	if c.OverlapText == "" {
		return c.Text
	}
	return c.OverlapText + "\n" + c.Text
}
