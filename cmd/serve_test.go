package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartwise-health/chartwise/internal/config"
	"github.com/chartwise-health/chartwise/internal/merger"
	"github.com/chartwise-health/chartwise/internal/model"
	"github.com/chartwise-health/chartwise/internal/pipeline"
	"github.com/chartwise-health/chartwise/internal/review"
	"github.com/chartwise-health/chartwise/internal/store"
	"github.com/chartwise-health/chartwise/internal/textextract"
	anthropicpkg "github.com/chartwise-health/chartwise/pkg/anthropic"
)

// stubAI returns a canned extraction response for every call.
type stubAI struct {
	text string
}

func (s *stubAI) CreateMessage(ctx context.Context, req anthropicpkg.MessageRequest) (*anthropicpkg.MessageResponse, error) {
	return &anthropicpkg.MessageResponse{
		ID:    "msg-stub",
		Model: req.Model,
		Content: []anthropicpkg.ContentBlock{
			{Type: "text", Text: s.text},
		},
	}, nil
}

// stubExtractor skips pdftotext and hands back fixed text.
type stubExtractor struct {
	text string
}

func (s *stubExtractor) Extract(ctx context.Context, pdfPath string) (*textextract.Extraction, error) {
	return &textextract.Extraction{Text: s.text, PageCount: 1}, nil
}

const stubExtractionJSON = `{
  "patient_name": {"value": "Jane Doe", "confidence": 0.95},
  "conditions": [
    {"value": "Hypertension", "confidence": 0.92},
    {"value": "Type 2 Diabetes", "confidence": 0.9}
  ],
  "medications": [
    {"value": "Lisinopril 10mg", "confidence": 0.9}
  ],
  "lab_results": [
    {"value": "HbA1c 7.2%", "confidence": 0.88}
  ]
}`

func serverTestConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 4096},
		Chunker:   config.ChunkerConfig{MaxChunkSize: 20000, OverlapSize: 200, PreserveContext: true},
		Pipeline: config.PipelineConfig{
			Workers:             2,
			ChunkTimeoutSecs:    30,
			DocumentTimeoutSecs: 60,
			MaxAttempts:         3,
		},
		Gate:      config.GateConfig{ConfidenceThreshold: 0.80, HighConfidenceThreshold: 0.95, MinResources: 3},
		Aggregate: config.AggregateConfig{SimilarityThreshold: 0.85},
	}
}

// newTestEnv builds an appEnv over a throwaway SQLite store with the AI
// and PDF collaborators stubbed out.
func newTestEnv(t *testing.T) *appEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	m := merger.New(st)
	proc := pipeline.New(
		serverTestConfig(),
		st,
		&stubAI{text: stubExtractionJSON},
		&stubExtractor{text: "Office visit note."},
		m,
	)

	return &appEnv{
		Store:     st,
		Processor: proc,
		Merger:    m,
		Review:    review.NewService(st, m),
	}
}

func seedServeDocument(t *testing.T, env *appEnv) *model.Document {
	t.Helper()
	ctx := context.Background()

	patient := &model.Patient{ID: uuid.NewString(), Name: "Jane Doe", BirthDate: "1962-03-15"}
	require.NoError(t, env.Store.UpsertPatient(ctx, patient))

	doc := &model.Document{
		ID:           uuid.NewString(),
		PatientID:    patient.ID,
		FilePath:     "/uploads/visit.pdf",
		OriginalName: "visit.pdf",
		Status:       model.DocStatusPending,
	}
	require.NoError(t, env.Store.CreateDocument(ctx, doc))
	return doc
}

func doRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	router := buildRouter(context.Background(), newTestEnv(t), 2)

	rr := doRequest(router, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_GetDocument(t *testing.T) {
	env := newTestEnv(t)
	router := buildRouter(context.Background(), env, 2)
	doc := seedServeDocument(t, env)

	rr := doRequest(router, http.MethodGet, "/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Document *model.Document     `json:"document"`
		Record   *model.ParsedRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Document)
	assert.Equal(t, doc.ID, resp.Document.ID)
	assert.Nil(t, resp.Record)
}

func TestRouter_GetDocument_NotFound(t *testing.T) {
	router := buildRouter(context.Background(), newTestEnv(t), 2)

	rr := doRequest(router, http.MethodGet, "/documents/"+uuid.NewString(), nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "document not found")
}

func TestRouter_ProcessDocument_Accepted(t *testing.T) {
	env := newTestEnv(t)
	router := buildRouter(context.Background(), env, 2)
	doc := seedServeDocument(t, env)

	rr := doRequest(router, http.MethodPost, "/documents/"+doc.ID+"/process", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, doc.ID, resp["document_id"])

	// Processing runs async; wait for the document to complete.
	require.Eventually(t, func() bool {
		d, err := env.Store.GetDocument(context.Background(), doc.ID)
		return err == nil && d != nil && d.Status == model.DocStatusCompleted
	}, 5*time.Second, 25*time.Millisecond)

	chart, err := env.Store.GetCumulative(context.Background(), doc.PatientID)
	require.NoError(t, err)
	require.NotNil(t, chart)
	assert.Len(t, chart.Resources, 4)
}

// blockingExtractor parks inside Extract until released, holding its
// processing slot open.
type blockingExtractor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingExtractor) Extract(ctx context.Context, pdfPath string) (*textextract.Extraction, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return &textextract.Extraction{Text: "Office visit note.", PageCount: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRouter_ProcessDocument_CapacityExhausted(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	ext := &blockingExtractor{started: make(chan struct{}, 1), release: make(chan struct{})}
	m := merger.New(st)
	env := &appEnv{
		Store:     st,
		Processor: pipeline.New(serverTestConfig(), st, &stubAI{text: stubExtractionJSON}, ext, m),
		Merger:    m,
		Review:    review.NewService(st, m),
	}
	router := buildRouter(context.Background(), env, 1)

	docA := seedServeDocument(t, env)
	docB := seedServeDocument(t, env)

	rr := doRequest(router, http.MethodPost, "/documents/"+docA.ID+"/process", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case <-ext.started:
	case <-time.After(5 * time.Second):
		t.Fatal("processing never started")
	}

	// The single slot is busy, so a second document is refused.
	rr = doRequest(router, http.MethodPost, "/documents/"+docB.ID+"/process", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "processing capacity exhausted")

	// Once the first document finishes, the slot frees up again.
	close(ext.release)
	require.Eventually(t, func() bool {
		rr := doRequest(router, http.MethodPost, "/documents/"+docB.ID+"/process", nil)
		return rr.Code == http.StatusAccepted
	}, 5*time.Second, 25*time.Millisecond)
}

func TestRouter_ProcessDocument_NotFound(t *testing.T) {
	router := buildRouter(context.Background(), newTestEnv(t), 2)

	rr := doRequest(router, http.MethodPost, "/documents/"+uuid.NewString()+"/process", nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_ReviewRecord(t *testing.T) {
	env := newTestEnv(t)
	router := buildRouter(context.Background(), env, 2)
	doc := seedServeDocument(t, env)

	rec := &model.ParsedRecord{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		PatientID:  doc.PatientID,
		Result: model.ExtractionResult{
			Conditions: []model.Resource{
				{Type: model.ResourceCondition, Display: "Hypertension", Confidence: 0.92},
			},
		},
		ReviewStatus: model.ReviewFlagged,
		FlagReason:   "patient identity conflict: name mismatch",
	}
	require.NoError(t, env.Store.CreateParsedRecord(context.Background(), rec))

	rr := doRequest(router, http.MethodPost, "/records/"+rec.ID+"/review", map[string]string{
		"reviewer": "dr.chen",
		"notes":    "verified against original chart",
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	var got model.ParsedRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, model.ReviewReviewed, got.ReviewStatus)
	assert.Equal(t, "dr.chen", got.ReviewedBy)
}

func TestRouter_ReviewRecord_MissingReviewer(t *testing.T) {
	router := buildRouter(context.Background(), newTestEnv(t), 2)

	rr := doRequest(router, http.MethodPost, "/records/"+uuid.NewString()+"/review", map[string]string{
		"notes": "no reviewer given",
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "reviewer is required")
}

func TestRouter_RollbackRecord_NotMerged(t *testing.T) {
	env := newTestEnv(t)
	router := buildRouter(context.Background(), env, 2)
	doc := seedServeDocument(t, env)

	rec := &model.ParsedRecord{
		ID:           uuid.NewString(),
		DocumentID:   doc.ID,
		PatientID:    doc.PatientID,
		ReviewStatus: model.ReviewAutoApproved,
	}
	require.NoError(t, env.Store.CreateParsedRecord(context.Background(), rec))

	rr := doRequest(router, http.MethodPost, "/records/"+rec.ID+"/rollback", map[string]string{
		"reviewer": "dr.chen",
		"reason":   "wrong patient",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "not merged")
}
