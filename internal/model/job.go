package model

import "time"

// JobStatus is the lifecycle state of one extraction job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job is the persisted record of one extraction attempt, keyed by a job
// identifier. The trace inside Result is append-only per job.
type Job struct {
	ID        string            `json:"id"`
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	Subject   string            `json:"subject"`
	Status    JobStatus         `json:"status"`
	Result    *ExtractionResult `json:"result,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
