package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/forgelabs/forge/internal/cron"
	"github.com/forgelabs/forge/internal/domain"
)

var _ cron.Repository = (*Store)(nil)

// ClaimRun races for one cron occurrence. ON CONFLICT DO NOTHING on the
// (cron_name, scheduled_time) unique pair returns no row to losers, which is
// the whole exactly-once mechanism; a split-brain second leader just loses
// the insert.
func (s *Store) ClaimRun(ctx context.Context, name string, scheduledTime time.Time, nodeID string, catchUp bool) (*domain.CronRun, error) {
	var run domain.CronRun
	err := s.db().QueryRow(ctx, `
		INSERT INTO forge_cron_runs (cron_name, scheduled_time, status, node_id, catch_up)
		VALUES ($1, $2, 'running', $3, $4)
		ON CONFLICT (cron_name, scheduled_time) DO NOTHING
		RETURNING id, cron_name, scheduled_time, status, node_id, catch_up,
		          started_at, completed_at, error`,
		name, scheduledTime, nodeID, catchUp).Scan(
		&run.ID, &run.CronName, &run.ScheduledTime, &run.Status, &run.NodeID,
		&run.CatchUp, &run.StartedAt, &run.CompletedAt, &run.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // occurrence already claimed
		}
		return nil, fmt.Errorf("claim cron run: %w", err)
	}
	return &run, nil
}

// CompleteCronRun finalizes the run row.
func (s *Store) CompleteCronRun(ctx context.Context, runID, runErr string) error {
	status := domain.CronRunCompleted
	if runErr != "" {
		status = domain.CronRunFailed
	}
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_cron_runs
		SET status = $2, error = $3, completed_at = now()
		WHERE id = $1 AND status = 'running'`,
		runID, status, runErr)
	if err != nil {
		return fmt.Errorf("complete cron run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// LastCompletedTime returns the newest completed occurrence for catch-up.
func (s *Store) LastCompletedTime(ctx context.Context, name string) (time.Time, bool, error) {
	var t time.Time
	err := s.db().QueryRow(ctx, `
		SELECT scheduled_time FROM forge_cron_runs
		WHERE cron_name = $1 AND status = 'completed'
		ORDER BY scheduled_time DESC
		LIMIT 1`, name).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last completed cron time: %w", err)
	}
	return t, true, nil
}
