package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Repository is the persistence surface of the job queue. The postgres
// package implements it; every method is a single statement or transaction so
// queue state transitions are atomic at READ COMMITTED.
//
// Methods taking a workerID enforce ownership: they match on worker_id and
// return domain.ErrJobOwnershipLost when the row was reclaimed by the stale
// sweep or released during drain.
type Repository interface {
	// Enqueue inserts a job row. When an idempotency key is set and a row
	// with that key already exists, the existing job is returned with
	// created=false and nothing is inserted.
	Enqueue(ctx context.Context, params EnqueueParams) (job *domain.Job, created bool, err error)

	// Claim atomically moves up to limit due pending jobs to claimed for this
	// worker, ordered by priority descending then scheduled_at ascending,
	// skipping rows locked by concurrent claimers. Jobs flagged with a
	// capability are only returned when it appears in capabilities.
	Claim(ctx context.Context, workerID string, capabilities []string, limit int) ([]*domain.Job, error)

	// MarkRunning transitions a claimed job to running.
	MarkRunning(ctx context.Context, jobID, workerID string) error

	// Heartbeat refreshes last_heartbeat and returns the job's current
	// status, letting the worker observe a cancellation request.
	Heartbeat(ctx context.Context, jobID, workerID string) (domain.JobStatus, error)

	// RecordProgress persists the progress pair and refreshes the heartbeat.
	RecordProgress(ctx context.Context, jobID, workerID string, percent int, message string) error

	// Complete transitions a running job to completed with its output.
	Complete(ctx context.Context, jobID, workerID string, output json.RawMessage) error

	// ScheduleRetry returns a failed execution to the queue: the row goes
	// back to pending with scheduled_at pushed out by delay and the error
	// recorded. Attempts stay as incremented by the claim.
	ScheduleRetry(ctx context.Context, jobID, workerID, lastError string, delay time.Duration) error

	// MarkFailed ends the job in the failed terminal state.
	MarkFailed(ctx context.Context, jobID, workerID, lastError string) error

	// MoveToDeadLetter ends the job in dead_letter and inserts the review
	// row, in one transaction.
	MoveToDeadLetter(ctx context.Context, jobID, workerID string, entry DeadLetterEntry) error

	// MarkCancelled ends the job in cancelled. Used both for handler-returned
	// Cancelled errors and for cancelling jobs that stopped cooperatively.
	MarkCancelled(ctx context.Context, jobID, workerID, reason string) error

	// RequestCancellation cancels a pending job outright, or flags a claimed
	// or running job cancelling and notifies its worker over the control
	// channel. Terminal jobs return domain.ErrJobNotCancellable.
	RequestCancellation(ctx context.Context, jobID string) error

	// SweepStaleJobs returns claimed/running jobs whose heartbeat is older
	// than the threshold to pending so another worker can reclaim them.
	// Jobs already at their attempt budget are failed instead. Reports how
	// many rows were transitioned.
	SweepStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)

	// ReleaseClaims returns this worker's claimed-but-not-started jobs to
	// pending during drain.
	ReleaseClaims(ctx context.Context, workerID string) (int64, error)

	// GetJob fetches a job by ID.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// ListDeadLetters pages through unreviewed dead letter entries, oldest
	// failure first.
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*domain.DeadLetter, error)

	// RetryDeadLetter marks the entry reviewed/retried and enqueues a fresh
	// pending job with the original type and input.
	RetryDeadLetter(ctx context.Context, deadLetterID, reviewer string) (*domain.Job, error)

	// DiscardDeadLetter marks the entry reviewed/discarded.
	DiscardDeadLetter(ctx context.Context, deadLetterID, reviewer string) error
}

// DeadLetterEntry is the review-queue record written when a job is
// dead-lettered.
type DeadLetterEntry struct {
	ErrorType    string // "exhausted", "permanent", or "panic"
	ErrorMessage string
	StackTrace   string
}
