package model

import "time"

// ReviewStatus is the review-axis state of a ParsedRecord. It runs in
// parallel to the document's processing status: flagging defers human
// review but never blocks the merge.
type ReviewStatus string

const (
	ReviewPending      ReviewStatus = "pending"
	ReviewAutoApproved ReviewStatus = "auto_approved"
	ReviewFlagged      ReviewStatus = "flagged"
	ReviewReviewed     ReviewStatus = "reviewed"
	ReviewRejected     ReviewStatus = "rejected"
)

// QualityDecision is the quality gate's verdict for one extraction.
// Pure output; computing it never mutates stored state.
type QualityDecision struct {
	ReviewStatus ReviewStatus `json:"review_status"`
	AutoApproved bool         `json:"auto_approved"`
	FlagReason   string       `json:"flag_reason,omitempty"`
}

// ParsedRecord owns one document's extraction result plus its quality
// decision and merge state. Exactly one exists per document.
type ParsedRecord struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"document_id"`
	PatientID  string           `json:"patient_id"`
	Result     ExtractionResult `json:"result"`

	ReviewStatus ReviewStatus `json:"review_status"`
	AutoApproved bool         `json:"auto_approved"`
	FlagReason   string       `json:"flag_reason,omitempty"`

	IsMerged bool       `json:"is_merged"`
	MergedAt *time.Time `json:"merged_at,omitempty"`

	ReviewedBy  string     `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes string     `json:"review_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyDecision copies a quality decision onto the record.
func (p *ParsedRecord) ApplyDecision(d QualityDecision) {
	p.ReviewStatus = d.ReviewStatus
	p.AutoApproved = d.AutoApproved
	p.FlagReason = d.FlagReason
}

// CumulativeRecord is the append-only bundle of all resources merged
// for a patient across documents. Mutated exclusively by the merger.
type CumulativeRecord struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	Resources []Resource `json:"resources"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MergeAudit is one audit entry written per merge or rollback call.
type MergeAudit struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patient_id"`
	DocumentID    string    `json:"document_id"`
	Action        string    `json:"action"` // "merge" or "rollback"
	ResourceCount int       `json:"resource_count"`
	CreatedAt     time.Time `json:"created_at"`
}
