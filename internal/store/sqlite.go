package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/chartwise-health/chartwise/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// SQLite has a single writer; serializing store access through one
	// connection avoids SQLITE_BUSY churn under concurrent documents.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// q routes queries through the active transaction when one is bound.
type sqliteQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) q() sqliteQueryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS patients (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	birth_date TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
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
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS parsed_records (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL UNIQUE REFERENCES documents(id),
	patient_id    TEXT NOT NULL REFERENCES patients(id),
	result        TEXT NOT NULL,
	review_status TEXT NOT NULL DEFAULT 'pending',
	auto_approved INTEGER NOT NULL DEFAULT 0,
	flag_reason   TEXT,
	is_merged     INTEGER NOT NULL DEFAULT 0,
	merged_at     DATETIME,
	reviewed_by   TEXT,
	reviewed_at   DATETIME,
	review_notes  TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cumulative_records (
	id         TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL UNIQUE REFERENCES patients(id),
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS chart_resources (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL REFERENCES patients(id),
	source_doc_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	display       TEXT NOT NULL,
	detail        TEXT,
	confidence    REAL NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS merge_audits (
	id             TEXT PRIMARY KEY,
	patient_id     TEXT NOT NULL REFERENCES patients(id),
	document_id    TEXT NOT NULL,
	action         TEXT NOT NULL,
	resource_count INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_patient_id ON documents(patient_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_chart_resources_patient_id ON chart_resources(patient_id);
CREATE INDEX IF NOT EXISTS idx_chart_resources_source_doc ON chart_resources(source_doc_id);
CREATE INDEX IF NOT EXISTS idx_merge_audits_patient_id ON merge_audits(patient_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn against a transaction-bound copy of the store. SQLite
// transactions hold the write lock, which doubles as the document lock
// Postgres takes with FOR UPDATE.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return eris.New("sqlite: nested transactions not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}

	txStore := &SQLiteStore{db: s.db, tx: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback() //nolint:errcheck // surfacing fn's error
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// Patients

func (s *SQLiteStore) UpsertPatient(ctx context.Context, p *model.Patient) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO patients (id, name, birth_date, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, birth_date = excluded.birth_date`,
		p.ID, p.Name, p.BirthDate, p.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert patient")
}

func (s *SQLiteStore) GetPatient(ctx context.Context, id string) (*model.Patient, error) {
	var p model.Patient
	err := s.q().QueryRowContext(ctx,
		`SELECT id, name, COALESCE(birth_date, ''), created_at FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.BirthDate, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get patient %s", id)
	}
	return &p, nil
}

// Documents

const sqliteDocumentColumns = `id, patient_id, file_path, original_name, status, attempts, COALESCE(failure_reason, ''), page_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDocument(row rowScanner) (*model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.PatientID, &d.FilePath, &d.OriginalName, &d.Status,
		&d.Attempts, &d.FailureReason, &d.PageCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = model.DocStatusPending
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.q().ExecContext(ctx,
		`INSERT INTO documents (id, patient_id, file_path, original_name, status, attempts, page_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PatientID, d.FilePath, d.OriginalName, string(d.Status), d.Attempts, d.PageCount, d.CreatedAt, d.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: create document")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	d, err := scanSQLiteDocument(s.q().QueryRowContext(ctx,
		`SELECT `+sqliteDocumentColumns+` FROM documents WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return d, nil
}

// LockDocument is GetDocument under SQLite: the transaction's write
// lock already serializes processors.
func (s *SQLiteStore) LockDocument(ctx context.Context, id string) (*model.Document, error) {
	return s.GetDocument(ctx, id)
}

func (s *SQLiteStore) UpdateDocument(ctx context.Context, d *model.Document) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.q().ExecContext(ctx,
		`UPDATE documents SET status = ?, attempts = ?, failure_reason = ?, page_count = ?, updated_at = ?
		 WHERE id = ?`,
		string(d.Status), d.Attempts, nullString(d.FailureReason), d.PageCount, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update document %s", d.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("document not found: %s", d.ID)
	}
	return nil
}

func (s *SQLiteStore) ListDocumentsByPatient(ctx context.Context, patientID string) ([]model.Document, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT `+sqliteDocumentColumns+` FROM documents WHERE patient_id = ? ORDER BY created_at`, patientID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

// Parsed records

const sqliteParsedRecordColumns = `id, document_id, patient_id, result, review_status, auto_approved,
	COALESCE(flag_reason, ''), is_merged, merged_at, COALESCE(reviewed_by, ''), reviewed_at,
	COALESCE(review_notes, ''), created_at, updated_at`

func scanSQLiteParsedRecord(row rowScanner) (*model.ParsedRecord, error) {
	var r model.ParsedRecord
	var resultJSON []byte
	var mergedAt, reviewedAt sql.NullTime
	err := row.Scan(&r.ID, &r.DocumentID, &r.PatientID, &resultJSON, &r.ReviewStatus,
		&r.AutoApproved, &r.FlagReason, &r.IsMerged, &mergedAt, &r.ReviewedBy,
		&reviewedAt, &r.ReviewNotes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if mergedAt.Valid {
		r.MergedAt = &mergedAt.Time
	}
	if reviewedAt.Valid {
		r.ReviewedAt = &reviewedAt.Time
	}
	if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &r, nil
}

func (s *SQLiteStore) CreateParsedRecord(ctx context.Context, r *model.ParsedRecord) error {
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
		return eris.Wrap(err, "sqlite: marshal result")
	}

	_, err = s.q().ExecContext(ctx,
		`INSERT INTO parsed_records
		 (id, document_id, patient_id, result, review_status, auto_approved, flag_reason, is_merged, merged_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DocumentID, r.PatientID, string(resultJSON), string(r.ReviewStatus), r.AutoApproved,
		nullString(r.FlagReason), r.IsMerged, nullTime(r.MergedAt), r.CreatedAt, r.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: create parsed record")
}

func (s *SQLiteStore) GetParsedRecord(ctx context.Context, id string) (*model.ParsedRecord, error) {
	r, err := scanSQLiteParsedRecord(s.q().QueryRowContext(ctx,
		`SELECT `+sqliteParsedRecordColumns+` FROM parsed_records WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get parsed record %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) GetParsedRecordByDocument(ctx context.Context, documentID string) (*model.ParsedRecord, error) {
	r, err := scanSQLiteParsedRecord(s.q().QueryRowContext(ctx,
		`SELECT `+sqliteParsedRecordColumns+` FROM parsed_records WHERE document_id = ?`, documentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get parsed record for document %s", documentID)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateParsedRecord(ctx context.Context, r *model.ParsedRecord) error {
	r.UpdatedAt = time.Now().UTC()

	resultJSON, err := json.Marshal(r.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.q().ExecContext(ctx,
		`UPDATE parsed_records SET
			result = ?, review_status = ?, auto_approved = ?, flag_reason = ?,
			is_merged = ?, merged_at = ?, reviewed_by = ?, reviewed_at = ?,
			review_notes = ?, updated_at = ?
		 WHERE id = ?`,
		string(resultJSON), string(r.ReviewStatus), r.AutoApproved, nullString(r.FlagReason),
		r.IsMerged, nullTime(r.MergedAt), nullString(r.ReviewedBy), nullTime(r.ReviewedAt),
		nullString(r.ReviewNotes), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update parsed record %s", r.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("parsed record not found: %s", r.ID)
	}
	return nil
}

// Cumulative chart

func (s *SQLiteStore) GetOrCreateCumulative(ctx context.Context, patientID string) (*model.CumulativeRecord, error) {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO cumulative_records (id, patient_id) VALUES (?, ?)
		 ON CONFLICT (patient_id) DO NOTHING`,
		uuid.New().String(), patientID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create cumulative record")
	}
	return s.GetCumulative(ctx, patientID)
}

func (s *SQLiteStore) GetCumulative(ctx context.Context, patientID string) (*model.CumulativeRecord, error) {
	var c model.CumulativeRecord
	err := s.q().QueryRowContext(ctx,
		`SELECT id, patient_id, updated_at FROM cumulative_records WHERE patient_id = ?`, patientID,
	).Scan(&c.ID, &c.PatientID, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get cumulative record for patient %s", patientID)
	}

	rows, err := s.q().QueryContext(ctx,
		`SELECT resource_type, display, detail, confidence, source_doc_id
		 FROM chart_resources WHERE patient_id = ? ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chart resources")
	}
	defer rows.Close()

	for rows.Next() {
		var res model.Resource
		var detailJSON sql.NullString
		if err := rows.Scan(&res.Type, &res.Display, &detailJSON, &res.Confidence, &res.SourceDocID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chart resource")
		}
		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &res.Detail); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal resource detail")
			}
		}
		c.Resources = append(c.Resources, res)
	}
	return &c, eris.Wrap(rows.Err(), "sqlite: list chart resources iterate")
}

func (s *SQLiteStore) AppendResources(ctx context.Context, patientID string, resources []model.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, r := range resources {
		var detailJSON any
		if r.Detail != nil {
			b, err := json.Marshal(r.Detail)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal resource detail")
			}
			detailJSON = string(b)
		}
		_, err := s.q().ExecContext(ctx,
			`INSERT INTO chart_resources (id, patient_id, source_doc_id, resource_type, display, detail, confidence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), patientID, r.SourceDocID, string(r.Type), r.Display, detailJSON, r.Confidence, now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: append resource")
		}
	}
	_, err := s.q().ExecContext(ctx,
		`UPDATE cumulative_records SET updated_at = ? WHERE patient_id = ?`, now, patientID)
	return eris.Wrap(err, "sqlite: touch cumulative record")
}

func (s *SQLiteStore) RemoveResourcesByDocument(ctx context.Context, patientID, documentID string) (int, error) {
	res, err := s.q().ExecContext(ctx,
		`DELETE FROM chart_resources WHERE patient_id = ? AND source_doc_id = ?`,
		patientID, documentID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: remove resources for document %s", documentID)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Audit trail

func (s *SQLiteStore) AppendAudit(ctx context.Context, a *model.MergeAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO merge_audits (id, patient_id, document_id, action, resource_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.PatientID, a.DocumentID, a.Action, a.ResourceCount, a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudits(ctx context.Context, patientID string) ([]model.MergeAudit, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT id, patient_id, document_id, action, resource_count, created_at
		 FROM merge_audits WHERE patient_id = ? ORDER BY created_at`, patientID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audits")
	}
	defer rows.Close()

	var audits []model.MergeAudit
	for rows.Next() {
		var a model.MergeAudit
		if err := rows.Scan(&a.ID, &a.PatientID, &a.DocumentID, &a.Action, &a.ResourceCount, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		audits = append(audits, a)
	}
	return audits, eris.Wrap(rows.Err(), "sqlite: list audits iterate")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
