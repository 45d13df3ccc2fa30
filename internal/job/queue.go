package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Queue is the enqueue-side API of the job subsystem. It resolves registered
// defaults, applies per-call options, and hands the insert to the repository.
type Queue struct {
	registry *Registry
	repo     Repository
}

// NewQueue builds a queue over the given registry and repository.
func NewQueue(registry *Registry, repo Repository) *Queue {
	return &Queue{registry: registry, repo: repo}
}

// Enqueue inserts a job of a registered type. The input is serialized to
// JSON; options override the type's registered defaults. With an idempotency
// key, a duplicate enqueue returns the existing job and created=false.
func (q *Queue) Enqueue(ctx context.Context, jobType string, input any, opts ...EnqueueOption) (*domain.Job, bool, error) {
	info, _, err := q.registry.Lookup(jobType)
	if err != nil {
		return nil, false, err
	}

	var raw json.RawMessage
	if input != nil {
		raw, err = json.Marshal(input)
		if err != nil {
			return nil, false, domain.NewError(domain.KindValidation, "marshal input for %q: %v", jobType, err)
		}
	}

	params := EnqueueParams{
		JobType:          jobType,
		Input:            raw,
		Priority:         50,
		MaxAttempts:      info.MaxAttempts,
		WorkerCapability: info.WorkerCapability,
		ScheduledAt:      time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&params)
	}

	job, created, err := q.repo.Enqueue(ctx, params)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %q: %w", jobType, err)
	}
	if !created {
		slog.DebugContext(ctx, "enqueue deduplicated by idempotency key",
			"job_type", jobType,
			"job_id", job.ID,
			"idempotency_key", params.IdempotencyKey)
	}
	return job, created, nil
}

// Get fetches a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return q.repo.GetJob(ctx, jobID)
}

// Cancel requests cancellation of a job. Pending jobs cancel immediately;
// claimed and running jobs are flagged and their worker is notified.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.repo.RequestCancellation(ctx, jobID)
}

// DeadLetters pages through unreviewed dead letter entries.
func (q *Queue) DeadLetters(ctx context.Context, limit, offset int) ([]*domain.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return q.repo.ListDeadLetters(ctx, limit, offset)
}

// RetryDeadLetter re-enqueues a dead-lettered job as a fresh pending row and
// marks the entry reviewed.
func (q *Queue) RetryDeadLetter(ctx context.Context, deadLetterID, reviewer string) (*domain.Job, error) {
	job, err := q.repo.RetryDeadLetter(ctx, deadLetterID, reviewer)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "dead letter retried",
		"dead_letter_id", deadLetterID,
		"new_job_id", job.ID,
		"job_type", job.JobType,
		"reviewed_by", reviewer)
	return job, nil
}

// DiscardDeadLetter marks a dead letter entry reviewed and discarded.
func (q *Queue) DiscardDeadLetter(ctx context.Context, deadLetterID, reviewer string) error {
	if err := q.repo.DiscardDeadLetter(ctx, deadLetterID, reviewer); err != nil {
		return err
	}
	slog.InfoContext(ctx, "dead letter discarded",
		"dead_letter_id", deadLetterID,
		"reviewed_by", reviewer)
	return nil
}
