package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/job"
)

// JobControlChannel carries cancellation pushes to worker pools. Payload is
// "cancel:<job_id>".
const JobControlChannel = "forge_job_control"

var _ job.Repository = (*Store)(nil)

const jobColumns = `
	id, job_type, input, output, status, priority, attempts, max_attempts,
	last_error, progress_percent, progress_message,
	COALESCE(worker_capability, ''), COALESCE(worker_id::text, ''),
	COALESCE(idempotency_key, ''),
	scheduled_at, created_at, claimed_at, started_at, completed_at, failed_at,
	last_heartbeat`

// jobColumnsQualified mirrors jobColumns with an explicit table alias for
// statements that join, where bare names would be ambiguous.
const jobColumnsQualified = `
	j.id, j.job_type, j.input, j.output, j.status, j.priority, j.attempts,
	j.max_attempts, j.last_error, j.progress_percent, j.progress_message,
	COALESCE(j.worker_capability, ''), COALESCE(j.worker_id::text, ''),
	COALESCE(j.idempotency_key, ''),
	j.scheduled_at, j.created_at, j.claimed_at, j.started_at, j.completed_at,
	j.failed_at, j.last_heartbeat`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.JobType, &j.Input, &j.Output, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.ProgressPercent, &j.ProgressMessage,
		&j.WorkerCapability, &j.WorkerID, &j.IdempotencyKey,
		&j.ScheduledAt, &j.CreatedAt, &j.ClaimedAt, &j.StartedAt,
		&j.CompletedAt, &j.FailedAt, &j.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// Enqueue inserts a job row. With an idempotency key the insert is a no-op on
// conflict and the existing row is returned, so concurrent duplicate
// enqueues converge on one job.
func (s *Store) Enqueue(ctx context.Context, params job.EnqueueParams) (*domain.Job, bool, error) {
	insert := `
		INSERT INTO forge_jobs
			(job_type, input, priority, max_attempts, worker_capability,
			 idempotency_key, scheduled_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`

	if params.IdempotencyKey == "" {
		j, err := scanJob(s.db().QueryRow(ctx,
			insert+" RETURNING "+jobColumns,
			params.JobType, params.Input, params.Priority, params.MaxAttempts,
			params.WorkerCapability, params.IdempotencyKey, params.ScheduledAt))
		if err != nil {
			return nil, false, fmt.Errorf("insert job: %w", err)
		}
		return j, true, nil
	}

	// ON CONFLICT DO NOTHING returns no row on conflict; a second read picks
	// up the winner regardless of which session inserted it.
	j, err := scanJob(s.db().QueryRow(ctx,
		insert+` ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL
			 DO NOTHING
		 RETURNING `+jobColumns,
		params.JobType, params.Input, params.Priority, params.MaxAttempts,
		params.WorkerCapability, params.IdempotencyKey, params.ScheduledAt))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	existing, err := scanJob(s.db().QueryRow(ctx,
		`SELECT `+jobColumns+` FROM forge_jobs WHERE idempotency_key = $1`,
		params.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("load existing job for idempotency key: %w", err)
	}
	return existing, false, nil
}

// Claim moves up to limit due pending jobs to claimed for workerID. The inner
// select walks the pending partial index in priority order and skips rows
// locked by concurrent claimers, so two workers never receive the same job.
func (s *Store) Claim(ctx context.Context, workerID string, capabilities []string, limit int) ([]*domain.Job, error) {
	if capabilities == nil {
		capabilities = []string{}
	}
	rows, err := s.db().Query(ctx, `
		WITH claimable AS (
			SELECT id FROM forge_jobs
			WHERE status = 'pending'
			  AND scheduled_at <= now()
			  AND (worker_capability IS NULL OR worker_capability = ANY($2))
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE forge_jobs j
		SET status = 'claimed',
		    worker_id = $1,
		    claimed_at = now(),
		    last_heartbeat = now(),
		    attempts = attempts + 1
		FROM claimable
		WHERE j.id = claimable.id
		RETURNING `+jobColumnsQualified,
		workerID, capabilities, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions a claimed job to running for its owning worker.
func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'running', started_at = now(), last_heartbeat = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'claimed'`,
		jobID, workerID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// Heartbeat refreshes last_heartbeat and reports the current status so the
// worker can observe a cancellation flag.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := s.db().QueryRow(ctx, `
		UPDATE forge_jobs
		SET last_heartbeat = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'running', 'cancelling')
		RETURNING status`,
		jobID, workerID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrJobOwnershipLost
		}
		return "", fmt.Errorf("heartbeat job: %w", err)
	}
	return status, nil
}

// RecordProgress persists the progress pair; it doubles as a heartbeat.
func (s *Store) RecordProgress(ctx context.Context, jobID, workerID string, percent int, message string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET progress_percent = $3, progress_message = $4, last_heartbeat = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('running', 'cancelling')`,
		jobID, workerID, percent, message)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// Complete ends the job successfully.
func (s *Store) Complete(ctx context.Context, jobID, workerID string, output json.RawMessage) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'completed', output = $3, progress_percent = 100,
		    completed_at = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('running', 'cancelling')`,
		jobID, workerID, output)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// ScheduleRetry hands a failed execution back to the queue. The row returns
// to pending with the delay applied; attempts keep the claim's increment so
// the budget check stays monotonic. The pending status keeps the claim path
// and its partial index to one state; readers derive the retry display state.
func (s *Store) ScheduleRetry(ctx context.Context, jobID, workerID, lastError string, delay time.Duration) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'pending',
		    worker_id = NULL,
		    claimed_at = NULL,
		    started_at = NULL,
		    last_heartbeat = NULL,
		    last_error = $3,
		    scheduled_at = $4,
		    failed_at = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'running', 'cancelling')`,
		jobID, workerID, lastError, time.Now().UTC().Add(delay))
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// MarkFailed ends the job in the failed terminal state.
func (s *Store) MarkFailed(ctx context.Context, jobID, workerID, lastError string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'failed', last_error = $3, failed_at = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'running', 'cancelling')`,
		jobID, workerID, lastError)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// MoveToDeadLetter ends the job in dead_letter and writes the review row in
// one transaction.
func (s *Store) MoveToDeadLetter(ctx context.Context, jobID, workerID string, entry job.DeadLetterEntry) error {
	return s.WithTx(ctx, "move_to_dead_letter", func(tx *Store) error {
		j, err := scanJob(tx.db().QueryRow(ctx, `
			UPDATE forge_jobs
			SET status = 'dead_letter', last_error = $3, failed_at = now()
			WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'running', 'cancelling')
			RETURNING `+jobColumns,
			jobID, workerID, entry.ErrorMessage))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrJobOwnershipLost
			}
			return err
		}

		_, err = tx.db().Exec(ctx, `
			INSERT INTO forge_dead_letters
				(original_job_id, job_type, input, error_type, error_message,
				 stack_trace, attempts, last_worker_id)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
			j.ID, j.JobType, j.Input, entry.ErrorType, entry.ErrorMessage,
			entry.StackTrace, j.Attempts, workerID)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
}

// MarkCancelled ends the job in cancelled.
func (s *Store) MarkCancelled(ctx context.Context, jobID, workerID, reason string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'cancelled', last_error = $3, completed_at = now()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'running', 'cancelling')`,
		jobID, workerID, reason)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// RequestCancellation cancels a pending job outright; a claimed or running
// job is flagged cancelling and its worker is pushed a control notification.
func (s *Store) RequestCancellation(ctx context.Context, jobID string) error {
	return s.WithTx(ctx, "request_cancellation", func(tx *Store) error {
		var status domain.JobStatus
		err := tx.db().QueryRow(ctx,
			`SELECT status FROM forge_jobs WHERE id = $1 FOR UPDATE`,
			jobID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock job for cancellation: %w", err)
		}

		switch status {
		case domain.JobPending:
			_, err = tx.db().Exec(ctx, `
				UPDATE forge_jobs
				SET status = 'cancelled', completed_at = now(),
				    last_error = 'cancelled before execution'
				WHERE id = $1`, jobID)
			return err
		case domain.JobClaimed, domain.JobRunning:
			if _, err = tx.db().Exec(ctx,
				`UPDATE forge_jobs SET status = 'cancelling' WHERE id = $1`,
				jobID); err != nil {
				return err
			}
			// Delivered on commit; the owning pool cancels the handler context.
			_, err = tx.db().Exec(ctx,
				`SELECT pg_notify($1, 'cancel:' || $2)`,
				JobControlChannel, jobID)
			return err
		case domain.JobCancelling:
			return nil
		default:
			return domain.ErrJobNotCancellable
		}
	})
}

// SweepStaleJobs reclaims claimed/running jobs whose heartbeat went silent.
// Jobs with attempt budget left return to pending; exhausted ones fail.
func (s *Store) SweepStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	requeued, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
		    started_at = NULL, last_heartbeat = NULL,
		    last_error = 'reclaimed: worker heartbeat lost',
		    scheduled_at = now()
		WHERE status IN ('claimed', 'running', 'cancelling')
		  AND last_heartbeat < $1
		  AND attempts < max_attempts`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale jobs: %w", err)
	}

	failed, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'failed', failed_at = now(),
		    last_error = 'worker heartbeat lost with no attempts remaining'
		WHERE status IN ('claimed', 'running', 'cancelling')
		  AND last_heartbeat < $1
		  AND attempts >= max_attempts`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted stale jobs: %w", err)
	}

	return requeued.RowsAffected() + failed.RowsAffected(), nil
}

// ReleaseClaims hands back this worker's claimed-but-not-started jobs.
func (s *Store) ReleaseClaims(ctx context.Context, workerID string) (int64, error) {
	// The release undoes the claim, so the attempt increment is returned too.
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_jobs
		SET status = 'pending', worker_id = NULL, claimed_at = NULL,
		    last_heartbeat = NULL, attempts = attempts - 1
		WHERE worker_id = $1 AND status = 'claimed'`,
		workerID)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJob fetches one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(s.db().QueryRow(ctx,
		`SELECT `+jobColumns+` FROM forge_jobs WHERE id = $1`, jobID))
}

// ListDeadLetters pages unreviewed entries, oldest failures first.
func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]*domain.DeadLetter, error) {
	rows, err := s.db().Query(ctx, `
		SELECT id, COALESCE(original_job_id::text, ''), job_type, input,
		       error_type, error_message, stack_trace, attempts,
		       last_worker_id, failed_at, reviewed_at, reviewed_by, resolution
		FROM forge_dead_letters
		WHERE reviewed_at IS NULL
		ORDER BY failed_at ASC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		if err := rows.Scan(
			&d.ID, &d.OriginalJobID, &d.JobType, &d.Input,
			&d.ErrorType, &d.ErrorMessage, &d.StackTrace, &d.Attempts,
			&d.LastWorkerID, &d.FailedAt, &d.ReviewedAt, &d.ReviewedBy,
			&d.Resolution,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, &d)
	}
	return entries, rows.Err()
}

// RetryDeadLetter enqueues a fresh job from the entry and marks it reviewed,
// atomically. Concurrent reviews of the same entry lose on reviewed_at.
func (s *Store) RetryDeadLetter(ctx context.Context, deadLetterID, reviewer string) (*domain.Job, error) {
	var retried *domain.Job
	err := s.WithTx(ctx, "retry_dead_letter", func(tx *Store) error {
		var d domain.DeadLetter
		err := tx.db().QueryRow(ctx, `
			UPDATE forge_dead_letters
			SET reviewed_at = now(), reviewed_by = $2, resolution = 'retried'
			WHERE id = $1 AND reviewed_at IS NULL
			RETURNING job_type, input`,
			deadLetterID, reviewer).Scan(&d.JobType, &d.Input)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrDeadLetterNotFound
			}
			return fmt.Errorf("review dead letter: %w", err)
		}

		retried, err = scanJob(tx.db().QueryRow(ctx, `
			INSERT INTO forge_jobs (job_type, input)
			VALUES ($1, $2)
			RETURNING `+jobColumns,
			d.JobType, d.Input))
		if err != nil {
			return fmt.Errorf("re-enqueue dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retried, nil
}

// DiscardDeadLetter marks the entry reviewed and discarded.
func (s *Store) DiscardDeadLetter(ctx context.Context, deadLetterID, reviewer string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_dead_letters
		SET reviewed_at = now(), reviewed_by = $2, resolution = 'discarded'
		WHERE id = $1 AND reviewed_at IS NULL`,
		deadLetterID, reviewer)
	if err != nil {
		return fmt.Errorf("discard dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}
