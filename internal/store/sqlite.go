package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/propfolio/billintake/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	sender     TEXT NOT NULL,
	subject    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_trace (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	step   TEXT NOT NULL,
	ts     DATETIME NOT NULL,
	data   TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_message_id ON jobs(message_id);
CREATE INDEX IF NOT EXISTS idx_job_trace_job_id ON job_trace(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, email model.InboundEmail) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, message_id, sender, subject, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, email.MessageID, email.From, email.Subject, model.JobStatusQueued, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create job")
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

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update job status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: job %s not found", jobID)
	}
	return nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result *model.ExtractionResult) error {
	status := model.JobStatusComplete
	if result == nil || !result.Success {
		status = model.JobStatusFailed
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), status, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: job %s not found", jobID)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, sender, subject, status, result, created_at, updated_at FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: job %s not found", jobID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get job")
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, message_id, sender, subject, status, result, created_at, updated_at FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs rows")
}

func (s *SQLiteStore) AppendTrace(ctx context.Context, jobID string, entries model.Trace) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append trace")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		dataJSON, err := json.Marshal(e.Data)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal trace data")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_trace (job_id, step, ts, data) VALUES (?, ?, ?, ?)`,
			jobID, e.Step, e.Timestamp, string(dataJSON),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert trace entry")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit append trace")
}

func (s *SQLiteStore) GetTrace(ctx context.Context, jobID string) (model.Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, ts, data FROM job_trace WHERE job_id = ? ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get trace")
	}
	defer rows.Close() //nolint:errcheck

	var trace model.Trace
	for rows.Next() {
		var entry model.TraceEntry
		var dataJSON sql.NullString
		if err := rows.Scan(&entry.Step, &entry.Timestamp, &dataJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trace entry")
		}
		if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
			if err := json.Unmarshal([]byte(dataJSON.String), &entry.Data); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal trace data")
			}
		}
		trace = append(trace, entry)
	}
	return trace, eris.Wrap(rows.Err(), "sqlite: trace rows")
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var resultJSON sql.NullString
	if err := row.Scan(&job.ID, &job.MessageID, &job.From, &job.Subject, &job.Status, &resultJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result model.ExtractionResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, err
		}
		job.Result = &result
	}
	return &job, nil
}
