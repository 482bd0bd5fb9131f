// Package store persists documents, parsed records, and the cumulative
// chart. Two implementations exist: Postgres (pgx) for deployments and
// SQLite (modernc) for local single-user setups.
package store

import (
	"context"

	"github.com/chartwise-health/chartwise/internal/model"
)

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Patients
	UpsertPatient(ctx context.Context, p *model.Patient) error
	GetPatient(ctx context.Context, id string) (*model.Patient, error)

	// Documents
	CreateDocument(ctx context.Context, d *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	// LockDocument loads a document with a row lock held for the rest
	// of the transaction. Call it inside WithTx; outside one the lock
	// is released immediately and provides no protection.
	LockDocument(ctx context.Context, id string) (*model.Document, error)
	UpdateDocument(ctx context.Context, d *model.Document) error
	ListDocumentsByPatient(ctx context.Context, patientID string) ([]model.Document, error)

	// Parsed records (exactly one per completed document)
	CreateParsedRecord(ctx context.Context, r *model.ParsedRecord) error
	GetParsedRecord(ctx context.Context, id string) (*model.ParsedRecord, error)
	GetParsedRecordByDocument(ctx context.Context, documentID string) (*model.ParsedRecord, error)
	UpdateParsedRecord(ctx context.Context, r *model.ParsedRecord) error

	// Cumulative chart
	GetOrCreateCumulative(ctx context.Context, patientID string) (*model.CumulativeRecord, error)
	GetCumulative(ctx context.Context, patientID string) (*model.CumulativeRecord, error)
	AppendResources(ctx context.Context, patientID string, resources []model.Resource) error
	// RemoveResourcesByDocument deletes exactly the resources a prior
	// merge of documentID contributed and returns how many went away.
	RemoveResourcesByDocument(ctx context.Context, patientID, documentID string) (int, error)

	// Audit trail
	AppendAudit(ctx context.Context, a *model.MergeAudit) error
	ListAudits(ctx context.Context, patientID string) ([]model.MergeAudit, error)

	// WithTx runs fn against a Store bound to a single transaction.
	// A non-nil error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
