package merger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartwise-health/chartwise/internal/model"
	"github.com/chartwise-health/chartwise/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedParsedRecord(t *testing.T, st store.Store) *model.ParsedRecord {
	t.Helper()
	ctx := context.Background()

	p := &model.Patient{Name: "Jane Doe", BirthDate: "1962-03-15"}
	require.NoError(t, st.UpsertPatient(ctx, p))

	d := &model.Document{PatientID: p.ID, FilePath: "/uploads/visit.pdf", OriginalName: "visit.pdf"}
	require.NoError(t, st.CreateDocument(ctx, d))

	rec := &model.ParsedRecord{
		DocumentID: d.ID,
		PatientID:  p.ID,
		Result: model.ExtractionResult{
			Conditions: []model.Resource{
				{Type: model.ResourceCondition, Display: "Hypertension", Confidence: 0.92},
				{Type: model.ResourceCondition, Display: "Type 2 Diabetes", Confidence: 0.9},
			},
			Medications: []model.Resource{
				{Type: model.ResourceMedication, Display: "Lisinopril 10mg", Confidence: 0.9},
				{Type: model.ResourceMedication, Display: "Metformin 500mg", Confidence: 0.88},
			},
		},
	}
	require.NoError(t, st.CreateParsedRecord(ctx, rec))
	return rec
}

func TestMerge_AppendsTaggedResources(t *testing.T) {
	st := newTestStore(t)
	m := New(st)
	ctx := context.Background()

	rec := seedParsedRecord(t, st)
	require.NoError(t, m.Merge(ctx, rec))

	assert.True(t, rec.IsMerged)
	require.NotNil(t, rec.MergedAt)

	c, err := st.GetCumulative(ctx, rec.PatientID)
	require.NoError(t, err)
	require.Len(t, c.Resources, 4)
	for _, r := range c.Resources {
		assert.Equal(t, rec.DocumentID, r.SourceDocID)
	}

	audits, err := st.ListAudits(ctx, rec.PatientID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "merge", audits[0].Action)
	assert.Equal(t, 4, audits[0].ResourceCount)
}

func TestMerge_Idempotent(t *testing.T) {
	st := newTestStore(t)
	m := New(st)
	ctx := context.Background()

	rec := seedParsedRecord(t, st)
	require.NoError(t, m.Merge(ctx, rec))
	require.NoError(t, m.Merge(ctx, rec))

	c, err := st.GetCumulative(ctx, rec.PatientID)
	require.NoError(t, err)
	assert.Len(t, c.Resources, 4)

	audits, err := st.ListAudits(ctx, rec.PatientID)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestMerge_FlaggedRecordStillMerges(t *testing.T) {
	st := newTestStore(t)
	m := New(st)
	ctx := context.Background()

	rec := seedParsedRecord(t, st)
	rec.ApplyDecision(model.QualityDecision{
		ReviewStatus: model.ReviewFlagged,
		FlagReason:   "low resource count: 2 resources at confidence 0.85",
	})
	require.NoError(t, st.UpdateParsedRecord(ctx, rec))

	require.NoError(t, m.Merge(ctx, rec))

	c, err := st.GetCumulative(ctx, rec.PatientID)
	require.NoError(t, err)
	assert.Len(t, c.Resources, 4)
	assert.Equal(t, model.ReviewFlagged, rec.ReviewStatus)
}

func TestRollback_RemovesExactlyMergedResources(t *testing.T) {
	st := newTestStore(t)
	m := New(st)
	ctx := context.Background()

	rec := seedParsedRecord(t, st)
	require.NoError(t, m.Merge(ctx, rec))

	// A second document's resources must survive the rollback.
	otherDoc := &model.Document{PatientID: rec.PatientID, FilePath: "/uploads/labs.pdf", OriginalName: "labs.pdf"}
	require.NoError(t, st.CreateDocument(ctx, otherDoc))
	other := &model.ParsedRecord{
		DocumentID: otherDoc.ID,
		PatientID:  rec.PatientID,
		Result: model.ExtractionResult{
			LabResults: []model.Resource{
				{Type: model.ResourceLabResult, Display: "HbA1c 7.2%", Confidence: 0.95},
			},
		},
	}
	require.NoError(t, st.CreateParsedRecord(ctx, other))
	require.NoError(t, m.Merge(ctx, other))

	removed, err := m.Rollback(ctx, rec, "wrong patient")
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	assert.False(t, rec.IsMerged)
	assert.Nil(t, rec.MergedAt)
	assert.Equal(t, model.ReviewPending, rec.ReviewStatus)
	assert.False(t, rec.AutoApproved)
	assert.Contains(t, rec.FlagReason, "merge rolled back: wrong patient")

	c, err := st.GetCumulative(ctx, rec.PatientID)
	require.NoError(t, err)
	require.Len(t, c.Resources, 1)
	assert.Equal(t, "HbA1c 7.2%", c.Resources[0].Display)

	audits, err := st.ListAudits(ctx, rec.PatientID)
	require.NoError(t, err)
	require.Len(t, audits, 3)
	assert.Equal(t, "rollback", audits[2].Action)
	assert.Equal(t, 4, audits[2].ResourceCount)
}

func TestRollback_UnmergedRecordErrors(t *testing.T) {
	st := newTestStore(t)
	m := New(st)

	rec := seedParsedRecord(t, st)
	_, err := m.Rollback(context.Background(), rec, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not merged")
}

func TestRollback_ThenRemergeRestoresResources(t *testing.T) {
	st := newTestStore(t)
	m := New(st)
	ctx := context.Background()

	rec := seedParsedRecord(t, st)
	require.NoError(t, m.Merge(ctx, rec))

	_, err := m.Rollback(ctx, rec, "review requested")
	require.NoError(t, err)

	require.NoError(t, m.Merge(ctx, rec))

	c, err := st.GetCumulative(ctx, rec.PatientID)
	require.NoError(t, err)
	assert.Len(t, c.Resources, 4)
}
