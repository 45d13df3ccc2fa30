package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the queue state of a job. Transitions are strictly forward
// except the explicit retry path (running -> retry -> pending) which always
// increments Attempts.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobClaimed    JobStatus = "claimed"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobRetry      JobStatus = "retry"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
	// JobCancelling flags a running job whose cancellation was requested.
	// Workers observe it via the control channel and stop cooperatively.
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobDeadLetter, JobCancelled:
		return true
	}
	return false
}

// Job is one unit of deferred work persisted in forge_jobs.
type Job struct {
	ID               string
	JobType          string
	Input            json.RawMessage
	Output           json.RawMessage
	Status           JobStatus
	Priority         int
	Attempts         int
	MaxAttempts      int
	LastError        string
	ProgressPercent  int
	ProgressMessage  string
	WorkerCapability string // empty means claimable by any worker
	WorkerID         string
	IdempotencyKey   string
	ScheduledAt      time.Time
	CreatedAt        time.Time
	ClaimedAt        *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	LastHeartbeat    *time.Time
}

// DisplayStatus maps the persisted status to the externally visible one.
// A retried job is stored as pending (so the claim path and its partial index
// see one state) but is presented as retry until it is claimed again.
func (j *Job) DisplayStatus() JobStatus {
	if j.Status == JobPending && j.Attempts > 0 {
		return JobRetry
	}
	return j.Status
}

// DeadLetter is a job that exhausted retries, panicked, or failed permanently
// and awaits manual review.
type DeadLetter struct {
	ID            string
	OriginalJobID string
	JobType       string
	Input         json.RawMessage
	ErrorType     string // "exhausted", "permanent", or "panic"
	ErrorMessage  string
	StackTrace    *string
	Attempts      int
	LastWorkerID  string
	FailedAt      time.Time
	ReviewedAt    *time.Time
	ReviewedBy    *string
	Resolution    *string // "retried" or "discarded"
}
