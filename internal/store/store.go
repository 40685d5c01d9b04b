// Package store persists extraction jobs and their audit traces. It is
// the pipeline's observability sink: the trace is append-only per job.
package store

import (
	"context"

	"github.com/propfolio/billintake/internal/model"
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the job-tracking interface consumed by the pipeline.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, email model.InboundEmail) (*model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	CompleteJob(ctx context.Context, jobID string, result *model.ExtractionResult) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// Trace
	AppendTrace(ctx context.Context, jobID string, entries model.Trace) error
	GetTrace(ctx context.Context, jobID string) (model.Trace, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
