package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propfolio/billintake/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgresCreateJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO jobs`)).
		WithArgs(pgxmock.AnyArg(), "msg-001", "billing@waterco.example", "Your bill",
			model.JobStatusQueued, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), model.InboundEmail{
		MessageID: "msg-001",
		From:      "billing@waterco.example",
		Subject:   "Your bill",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateJobStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status`)).
		WithArgs(model.JobStatusRunning, pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateJobStatus(context.Background(), "job-1", model.JobStatusRunning))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateJobStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status`)).
		WithArgs(model.JobStatusRunning, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJobStatus(context.Background(), "missing", model.JobStatusRunning)
	assert.Error(t, err)
}

func TestPostgresCompleteJobFailedResult(t *testing.T) {
	s, mock := newMockStore(t)

	// A failed result must persist with the failed status.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET result`)).
		WithArgs(pgxmock.AnyArg(), model.JobStatusFailed, pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	result := model.Failure("all extraction lanes exhausted", nil)
	require.NoError(t, s.CompleteJob(context.Background(), "job-1", &result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetJob(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "message_id", "sender", "subject", "status", "result", "created_at", "updated_at"}).
		AddRow("job-1", "msg-001", "a@x.example", "subj", model.JobStatusComplete,
			[]byte(`{"success": true}`), now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, message_id, sender, subject, status, result, created_at, updated_at FROM jobs WHERE id =`)).
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobStatusComplete, job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Success)
}

func TestPostgresListJobsWithStatus(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "message_id", "sender", "subject", "status", "result", "created_at", "updated_at"}).
		AddRow("job-1", "msg-001", "a@x.example", "subj", model.JobStatusFailed, []byte(nil), now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = $1 ORDER BY created_at DESC LIMIT $2`)).
		WithArgs(model.JobStatusFailed, 50).
		WillReturnRows(rows)

	jobs, err := s.ListJobs(context.Background(), JobFilter{Status: model.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Nil(t, jobs[0].Result)
}

func TestPostgresAppendTrace(t *testing.T) {
	s, mock := newMockStore(t)

	trace := model.Trace{}.
		Add("extraction_started", map[string]any{"message_id": "msg-001"}).
		Add("lane_failed", nil)

	for range trace {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_trace`)).
			WithArgs("job-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, s.AppendTrace(context.Background(), "job-1", trace))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetTrace(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"step", "ts", "data"}).
		AddRow("extraction_started", now, []byte(`{"message_id": "msg-001"}`)).
		AddRow("lane_succeeded", now, []byte(nil))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT step, ts, data FROM job_trace WHERE job_id =`)).
		WithArgs("job-1").
		WillReturnRows(rows)

	trace, err := s.GetTrace(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, "msg-001", trace[0].Data["message_id"])
	assert.Nil(t, trace[1].Data)
}
