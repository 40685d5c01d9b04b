package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/propfolio/billintake/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. Satisfied by pgxmock
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
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
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	sender     TEXT NOT NULL,
	subject    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_trace (
	seq    BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	step   TEXT NOT NULL,
	ts     TIMESTAMPTZ NOT NULL,
	data   JSONB
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_message_id ON jobs(message_id);
CREATE INDEX IF NOT EXISTS idx_job_trace_job_id ON job_trace(job_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, email model.InboundEmail) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, message_id, sender, subject, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, email.MessageID, email.From, email.Subject, model.JobStatusQueued, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create job")
	}

	return &model.Job{
		ID:        id,
		MessageID: email.MessageID,
		From:      email.From,
		Subject:   email.Subject,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update job status")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not found", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, result *model.ExtractionResult) error {
	status := model.JobStatusComplete
	if result == nil || !result.Success {
		status = model.JobStatusFailed
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, status, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: complete job")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not found", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, message_id, sender, subject, status, result, created_at, updated_at FROM jobs WHERE id = $1`,
		jobID,
	)

	var job model.Job
	var resultJSON []byte
	err := row.Scan(&job.ID, &job.MessageID, &job.From, &job.Subject, &job.Status, &resultJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: job %s not found", jobID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get job")
	}
	if len(resultJSON) > 0 {
		var result model.ExtractionResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
		job.Result = &result
	}
	return &job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, message_id, sender, subject, status, result, created_at, updated_at FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var job model.Job
		var resultJSON []byte
		if err := rows.Scan(&job.ID, &job.MessageID, &job.From, &job.Subject, &job.Status, &resultJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if len(resultJSON) > 0 {
			var result model.ExtractionResult
			if err := json.Unmarshal(resultJSON, &result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal result")
			}
			job.Result = &result
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs rows")
}

func (s *PostgresStore) AppendTrace(ctx context.Context, jobID string, entries model.Trace) error {
	for _, e := range entries {
		dataJSON, err := json.Marshal(e.Data)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal trace data")
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO job_trace (job_id, step, ts, data) VALUES ($1, $2, $3, $4)`,
			jobID, e.Step, e.Timestamp, dataJSON,
		); err != nil {
			return eris.Wrap(err, "postgres: insert trace entry")
		}
	}
	return nil
}

func (s *PostgresStore) GetTrace(ctx context.Context, jobID string) (model.Trace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT step, ts, data FROM job_trace WHERE job_id = $1 ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get trace")
	}
	defer rows.Close()

	var trace model.Trace
	for rows.Next() {
		var entry model.TraceEntry
		var dataJSON []byte
		if err := rows.Scan(&entry.Step, &entry.Timestamp, &dataJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trace entry")
		}
		if len(dataJSON) > 0 && string(dataJSON) != "null" {
			if err := json.Unmarshal(dataJSON, &entry.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal trace data")
			}
		}
		trace = append(trace, entry)
	}
	return trace, eris.Wrap(rows.Err(), "postgres: trace rows")
}
