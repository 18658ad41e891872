package model

import "time"

// JobKind names a scheduled unit of work.
type JobKind string

const (
	JobIngest JobKind = "ingest"
	JobScore  JobKind = "score"
	JobAlert  JobKind = "alert"
)

// JobKinds lists every kind the coordinator schedules.
var JobKinds = []JobKind{JobIngest, JobScore, JobAlert}

// JobStatus is the lifecycle state of a job run.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobRun is the audit record of one execution of a job kind for a slot.
type JobRun struct {
	RunID          string     `json:"run_id"`
	Kind           JobKind    `json:"kind"`
	IdempotencyKey string     `json:"idempotency_key"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         JobStatus  `json:"status"`
	Processed      int        `json:"processed"`
	Failed         int        `json:"failed"`
	Error          string     `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r JobRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobStats summarizes the records a job processed.
type JobStats struct {
	Processed int
	Failed    int
}
