package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/chartwise-health/chartwise/internal/db"
	"github.com/chartwise-health/chartwise/internal/model"
)

// PostgresStore implements Store using pgxpool. Transactional variants
// share all query code through the db.Queryer interface.
type PostgresStore struct {
	pool    db.Pool
	q       db.Queryer
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, q: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS patients (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	birth_date TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id             TEXT PRIMARY KEY,
	patient_id     TEXT NOT NULL REFERENCES patients(id),
	file_path      TEXT NOT NULL,
	original_name  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	attempts       INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT,
	page_count     INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS parsed_records (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL UNIQUE REFERENCES documents(id),
	patient_id    TEXT NOT NULL REFERENCES patients(id),
	result        JSONB NOT NULL,
	review_status TEXT NOT NULL DEFAULT 'pending',
	auto_approved BOOLEAN NOT NULL DEFAULT false,
	flag_reason   TEXT,
	is_merged     BOOLEAN NOT NULL DEFAULT false,
	merged_at     TIMESTAMPTZ,
	reviewed_by   TEXT,
	reviewed_at   TIMESTAMPTZ,
	review_notes  TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cumulative_records (
	id         TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL UNIQUE REFERENCES patients(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chart_resources (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL REFERENCES patients(id),
	source_doc_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	display       TEXT NOT NULL,
	detail        JSONB,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS merge_audits (
	id             TEXT PRIMARY KEY,
	patient_id     TEXT NOT NULL REFERENCES patients(id),
	document_id    TEXT NOT NULL,
	action         TEXT NOT NULL,
	resource_count INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_patient_id ON documents(patient_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_parsed_records_patient_id ON parsed_records(patient_id);
CREATE INDEX IF NOT EXISTS idx_chart_resources_patient_id ON chart_resources(patient_id);
CREATE INDEX IF NOT EXISTS idx_chart_resources_source_doc ON chart_resources(source_doc_id);
CREATE INDEX IF NOT EXISTS idx_merge_audits_patient_id ON merge_audits(patient_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.q.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// WithTx runs fn against a transaction-bound copy of the store.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return eris.New("postgres: WithTx requires a pool-backed store")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	txStore := &PostgresStore{q: tx}
	if err := fn(txStore); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// Patients

func (s *PostgresStore) UpsertPatient(ctx context.Context, p *model.Patient) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO patients (id, name, birth_date, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $2, birth_date = $3`,
		p.ID, p.Name, p.BirthDate, p.CreatedAt,
	)
	return eris.Wrap(err, "postgres: upsert patient")
}

func (s *PostgresStore) GetPatient(ctx context.Context, id string) (*model.Patient, error) {
	var p model.Patient
	err := s.q.QueryRow(ctx,
		`SELECT id, name, COALESCE(birth_date, ''), created_at FROM patients WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.BirthDate, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get patient %s", id)
	}
	return &p, nil
}

// Documents

const documentColumns = `id, patient_id, file_path, original_name, status, attempts, COALESCE(failure_reason, ''), page_count, created_at, updated_at`

func scanDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.PatientID, &d.FilePath, &d.OriginalName, &d.Status,
		&d.Attempts, &d.FailureReason, &d.PageCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = model.DocStatusPending
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.q.Exec(ctx,
		`INSERT INTO documents (id, patient_id, file_path, original_name, status, attempts, page_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.PatientID, d.FilePath, d.OriginalName, string(d.Status), d.Attempts, d.PageCount, d.CreatedAt, d.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: create document")
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	d, err := scanDocument(s.q.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return d, nil
}

func (s *PostgresStore) LockDocument(ctx context.Context, id string) (*model.Document, error) {
	d, err := scanDocument(s.q.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: lock document %s", id)
	}
	return d, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, d *model.Document) error {
	d.UpdatedAt = time.Now().UTC()
	tag, err := s.q.Exec(ctx,
		`UPDATE documents SET status = $2, attempts = $3, failure_reason = $4, page_count = $5, updated_at = $6
		 WHERE id = $1`,
		d.ID, string(d.Status), d.Attempts, nilIfEmpty(d.FailureReason), d.PageCount, d.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update document %s", d.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("document not found: %s", d.ID)
	}
	return nil
}

func (s *PostgresStore) ListDocumentsByPatient(ctx context.Context, patientID string) ([]model.Document, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

// Parsed records

const parsedRecordColumns = `id, document_id, patient_id, result, review_status, auto_approved,
	COALESCE(flag_reason, ''), is_merged, merged_at, COALESCE(reviewed_by, ''), reviewed_at,
	COALESCE(review_notes, ''), created_at, updated_at`

func scanParsedRecord(row pgx.Row) (*model.ParsedRecord, error) {
	var r model.ParsedRecord
	var resultJSON []byte
	err := row.Scan(&r.ID, &r.DocumentID, &r.PatientID, &resultJSON, &r.ReviewStatus,
		&r.AutoApproved, &r.FlagReason, &r.IsMerged, &r.MergedAt, &r.ReviewedBy,
		&r.ReviewedAt, &r.ReviewNotes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &r, nil
}

func (s *PostgresStore) CreateParsedRecord(ctx context.Context, r *model.ParsedRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ReviewStatus == "" {
		r.ReviewStatus = model.ReviewPending
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	resultJSON, err := json.Marshal(r.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	_, err = s.q.Exec(ctx,
		`INSERT INTO parsed_records
		 (id, document_id, patient_id, result, review_status, auto_approved, flag_reason, is_merged, merged_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.DocumentID, r.PatientID, resultJSON, string(r.ReviewStatus), r.AutoApproved,
		nilIfEmpty(r.FlagReason), r.IsMerged, r.MergedAt, r.CreatedAt, r.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: create parsed record")
}

func (s *PostgresStore) GetParsedRecord(ctx context.Context, id string) (*model.ParsedRecord, error) {
	r, err := scanParsedRecord(s.q.QueryRow(ctx,
		`SELECT `+parsedRecordColumns+` FROM parsed_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get parsed record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) GetParsedRecordByDocument(ctx context.Context, documentID string) (*model.ParsedRecord, error) {
	r, err := scanParsedRecord(s.q.QueryRow(ctx,
		`SELECT `+parsedRecordColumns+` FROM parsed_records WHERE document_id = $1`, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get parsed record for document %s", documentID)
	}
	return r, nil
}

func (s *PostgresStore) UpdateParsedRecord(ctx context.Context, r *model.ParsedRecord) error {
	r.UpdatedAt = time.Now().UTC()

	resultJSON, err := json.Marshal(r.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.q.Exec(ctx,
		`UPDATE parsed_records SET
			result = $2, review_status = $3, auto_approved = $4, flag_reason = $5,
			is_merged = $6, merged_at = $7, reviewed_by = $8, reviewed_at = $9,
			review_notes = $10, updated_at = $11
		 WHERE id = $1`,
		r.ID, resultJSON, string(r.ReviewStatus), r.AutoApproved, nilIfEmpty(r.FlagReason),
		r.IsMerged, r.MergedAt, nilIfEmpty(r.ReviewedBy), r.ReviewedAt,
		nilIfEmpty(r.ReviewNotes), r.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update parsed record %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("parsed record not found: %s", r.ID)
	}
	return nil
}

// Cumulative chart

func (s *PostgresStore) GetOrCreateCumulative(ctx context.Context, patientID string) (*model.CumulativeRecord, error) {
	_, err := s.q.Exec(ctx,
		`INSERT INTO cumulative_records (id, patient_id) VALUES ($1, $2)
		 ON CONFLICT (patient_id) DO NOTHING`,
		uuid.New().String(), patientID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create cumulative record")
	}
	return s.GetCumulative(ctx, patientID)
}

func (s *PostgresStore) GetCumulative(ctx context.Context, patientID string) (*model.CumulativeRecord, error) {
	var c model.CumulativeRecord
	err := s.q.QueryRow(ctx,
		`SELECT id, patient_id, updated_at FROM cumulative_records WHERE patient_id = $1`, patientID,
	).Scan(&c.ID, &c.PatientID, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cumulative record for patient %s", patientID)
	}

	rows, err := s.q.Query(ctx,
		`SELECT resource_type, display, detail, confidence, source_doc_id
		 FROM chart_resources WHERE patient_id = $1 ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chart resources")
	}
	defer rows.Close()

	for rows.Next() {
		var res model.Resource
		var detailJSON []byte
		if err := rows.Scan(&res.Type, &res.Display, &detailJSON, &res.Confidence, &res.SourceDocID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chart resource")
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &res.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal resource detail")
			}
		}
		c.Resources = append(c.Resources, res)
	}
	return &c, eris.Wrap(rows.Err(), "postgres: list chart resources iterate")
}

func (s *PostgresStore) AppendResources(ctx context.Context, patientID string, resources []model.Resource) error {
	if len(resources) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(resources))
	now := time.Now().UTC()
	for _, r := range resources {
		var detailJSON []byte
		if r.Detail != nil {
			var err error
			detailJSON, err = json.Marshal(r.Detail)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal resource detail")
			}
		}
		rows = append(rows, []any{
			uuid.New().String(), patientID, r.SourceDocID, string(r.Type), r.Display, detailJSON, r.Confidence, now,
		})
	}

	_, err := db.CopyFrom(ctx, s.q, "chart_resources",
		[]string{"id", "patient_id", "source_doc_id", "resource_type", "display", "detail", "confidence", "created_at"},
		rows)
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx,
		`UPDATE cumulative_records SET updated_at = $2 WHERE patient_id = $1`, patientID, now)
	return eris.Wrap(err, "postgres: touch cumulative record")
}

func (s *PostgresStore) RemoveResourcesByDocument(ctx context.Context, patientID, documentID string) (int, error) {
	tag, err := s.q.Exec(ctx,
		`DELETE FROM chart_resources WHERE patient_id = $1 AND source_doc_id = $2`,
		patientID, documentID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: remove resources for document %s", documentID)
	}
	return int(tag.RowsAffected()), nil
}

// Audit trail

func (s *PostgresStore) AppendAudit(ctx context.Context, a *model.MergeAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO merge_audits (id, patient_id, document_id, action, resource_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.PatientID, a.DocumentID, a.Action, a.ResourceCount, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudits(ctx context.Context, patientID string) ([]model.MergeAudit, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, patient_id, document_id, action, resource_count, created_at
		 FROM merge_audits WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audits")
	}
	defer rows.Close()

	var audits []model.MergeAudit
	for rows.Next() {
		var a model.MergeAudit
		if err := rows.Scan(&a.ID, &a.PatientID, &a.DocumentID, &a.Action, &a.ResourceCount, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		audits = append(audits, a)
	}
	return audits, eris.Wrap(rows.Err(), "postgres: list audits iterate")
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
