package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propfolio/billintake/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testEmail() model.InboundEmail {
	return model.InboundEmail{
		MessageID: "msg-001",
		From:      "billing@waterco.example",
		Subject:   "Your August bill",
	}
}

func TestSQLiteJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, testEmail())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, model.JobStatusRunning))

	result := model.ExtractionResult{
		Success:    true,
		PDFBuffers: []model.PDFBuffer{{Name: "bill.pdf", Content: []byte("%PDF-1.7")}},
		Trace:      model.Trace{}.Add("lane_succeeded", map[string]any{"lane": "attachments"}),
	}
	require.NoError(t, s.CompleteJob(ctx, job.ID, &result))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusComplete, got.Status)
	assert.Equal(t, "msg-001", got.MessageID)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)
	// Raw bytes never round-trip through the store.
	require.Len(t, got.Result.PDFBuffers, 1)
	assert.Empty(t, got.Result.PDFBuffers[0].Content)
}

func TestSQLiteFailedResultMarksJobFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, testEmail())
	require.NoError(t, err)

	result := model.Failure("all extraction lanes exhausted", nil)
	require.NoError(t, s.CompleteJob(ctx, job.ID, &result))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, "all extraction lanes exhausted", got.Result.Error)
}

func TestSQLiteGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSQLiteUpdateStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.UpdateJobStatus(context.Background(), "missing", model.JobStatusRunning))
}

func TestSQLiteListJobsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1, err := s.CreateJob(ctx, testEmail())
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, model.InboundEmail{MessageID: "msg-002", From: "b@x.example", Subject: "s"})
	require.NoError(t, err)

	failed := model.Failure("nope", nil)
	require.NoError(t, s.CompleteJob(ctx, j1.ID, &failed))

	all, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyFailed, err := s.ListJobs(ctx, JobFilter{Status: model.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, j1.ID, onlyFailed[0].ID)

	limited, err := s.ListJobs(ctx, JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteTraceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, testEmail())
	require.NoError(t, err)

	trace := model.Trace{}.
		Add("extraction_started", map[string]any{"message_id": "msg-001"}).
		Add("lane_failed", map[string]any{"lane": "attachments", "error": "no attachments"}).
		Add("lane_succeeded", nil)
	require.NoError(t, s.AppendTrace(ctx, job.ID, trace))

	got, err := s.GetTrace(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "extraction_started", got[0].Step)
	assert.Equal(t, "lane_failed", got[1].Step)
	assert.Equal(t, "attachments", got[1].Data["lane"])
	assert.Equal(t, "lane_succeeded", got[2].Step)
	assert.Nil(t, got[2].Data)
}

func TestSQLiteAppendEmptyTrace(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendTrace(context.Background(), "whatever", nil))
}
