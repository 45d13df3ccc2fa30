package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/workflow"
)

var _ workflow.Store = (*Store)(nil)

const workflowRunColumns = `
	id, workflow_name, version, input, output, status, current_step,
	COALESCE(node_id::text, ''), started_at, completed_at, last_heartbeat, error`

func scanWorkflowRun(row pgx.Row) (*domain.WorkflowRun, error) {
	var r domain.WorkflowRun
	err := row.Scan(
		&r.ID, &r.WorkflowName, &r.Version, &r.Input, &r.Output, &r.Status,
		&r.CurrentStep, &r.NodeID, &r.StartedAt, &r.CompletedAt,
		&r.LastHeartbeat, &r.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow run: %w", err)
	}
	return &r, nil
}

// CreateRun inserts the run in the created state.
func (s *Store) CreateRun(ctx context.Context, name string, version int, input json.RawMessage) (*domain.WorkflowRun, error) {
	run, err := scanWorkflowRun(s.db().QueryRow(ctx, `
		INSERT INTO forge_workflow_runs (workflow_name, version, input)
		VALUES ($1, $2, $3)
		RETURNING `+workflowRunColumns,
		name, version, input))
	if err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	return run, nil
}

// MarkRunRunning claims the run for nodeID. Idempotent for the current owner
// so a resumed run can re-enter without a status dance.
func (s *Store) MarkRunRunning(ctx context.Context, runID, nodeID string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_workflow_runs
		SET status = 'running', node_id = $2, last_heartbeat = now()
		WHERE id = $1 AND status IN ('created', 'running', 'waiting')`,
		runID, nodeID)
	if err != nil {
		return fmt.Errorf("mark workflow running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RunHeartbeat refreshes the heartbeat and returns the current status. The
// status read lets the executor notice an external cancellation.
func (s *Store) RunHeartbeat(ctx context.Context, runID, nodeID string) (domain.WorkflowStatus, error) {
	var status domain.WorkflowStatus
	err := s.db().QueryRow(ctx, `
		UPDATE forge_workflow_runs
		SET last_heartbeat = now()
		WHERE id = $1 AND (node_id = $2 OR node_id IS NULL)
		RETURNING status`,
		runID, nodeID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("workflow heartbeat: %w", err)
	}
	return status, nil
}

// SetCurrentStep records the step the run is in.
func (s *Store) SetCurrentStep(ctx context.Context, runID, stepName string) error {
	_, err := s.db().Exec(ctx,
		`UPDATE forge_workflow_runs SET current_step = $2 WHERE id = $1`,
		runID, stepName)
	if err != nil {
		return fmt.Errorf("set current step: %w", err)
	}
	return nil
}

// RecordStepStart upserts the step row as running. A completed row is left
// untouched: the unique (run, step) pair is the exactly-once checkpoint.
func (s *Store) RecordStepStart(ctx context.Context, runID, stepName string) error {
	_, err := s.db().Exec(ctx, `
		INSERT INTO forge_workflow_steps (workflow_run_id, step_name, status)
		VALUES ($1, $2, 'running')
		ON CONFLICT (workflow_run_id, step_name) DO UPDATE SET
			status = 'running', started_at = now(), error = ''
		WHERE forge_workflow_steps.status NOT IN ('completed', 'compensated')`,
		runID, stepName)
	if err != nil {
		return fmt.Errorf("record step start: %w", err)
	}
	return nil
}

// RecordStepComplete finalizes a step with its result.
func (s *Store) RecordStepComplete(ctx context.Context, runID, stepName string, result json.RawMessage) error {
	_, err := s.db().Exec(ctx, `
		UPDATE forge_workflow_steps
		SET status = 'completed', result = $3, completed_at = now()
		WHERE workflow_run_id = $1 AND step_name = $2 AND status <> 'completed'`,
		runID, stepName, result)
	if err != nil {
		return fmt.Errorf("record step complete: %w", err)
	}
	return nil
}

// RecordStepFailure finalizes a step as failed or skipped.
func (s *Store) RecordStepFailure(ctx context.Context, runID, stepName string, status domain.StepStatus, stepErr string) error {
	_, err := s.db().Exec(ctx, `
		UPDATE forge_workflow_steps
		SET status = $3, error = $4, completed_at = now()
		WHERE workflow_run_id = $1 AND step_name = $2`,
		runID, stepName, status, stepErr)
	if err != nil {
		return fmt.Errorf("record step failure: %w", err)
	}
	return nil
}

// RecordStepCompensated flips a completed step to compensated.
func (s *Store) RecordStepCompensated(ctx context.Context, runID, stepName string) error {
	_, err := s.db().Exec(ctx, `
		UPDATE forge_workflow_steps
		SET status = 'compensated', completed_at = now()
		WHERE workflow_run_id = $1 AND step_name = $2 AND status = 'completed'`,
		runID, stepName)
	if err != nil {
		return fmt.Errorf("record step compensated: %w", err)
	}
	return nil
}

// LoadSteps returns the run's recorded steps in start order.
func (s *Store) LoadSteps(ctx context.Context, runID string) ([]*domain.WorkflowStep, error) {
	rows, err := s.db().Query(ctx, `
		SELECT workflow_run_id, step_name, status, result, error,
		       started_at, completed_at
		FROM forge_workflow_steps
		WHERE workflow_run_id = $1
		ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.WorkflowStep
	for rows.Next() {
		var st domain.WorkflowStep
		if err := rows.Scan(&st.WorkflowRunID, &st.StepName, &st.Status,
			&st.Result, &st.Error, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// CompleteRun finalizes the run.
func (s *Store) CompleteRun(ctx context.Context, runID string, status domain.WorkflowStatus, output json.RawMessage, runErr string) error {
	_, err := s.db().Exec(ctx, `
		UPDATE forge_workflow_runs
		SET status = $2, output = $3, error = $4, completed_at = now()
		WHERE id = $1`,
		runID, status, output, runErr)
	if err != nil {
		return fmt.Errorf("complete workflow run: %w", err)
	}
	return nil
}

// SetRunStatus transitions the run status.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status domain.WorkflowStatus) error {
	tag, err := s.db().Exec(ctx,
		`UPDATE forge_workflow_runs SET status = $2 WHERE id = $1`,
		runID, status)
	if err != nil {
		return fmt.Errorf("set workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return scanWorkflowRun(s.db().QueryRow(ctx,
		`SELECT `+workflowRunColumns+` FROM forge_workflow_runs WHERE id = $1`,
		runID))
}

// ClaimOrphanedRuns takes over non-terminal runs whose heartbeat went silent.
// SKIP LOCKED keeps two recovering nodes from claiming the same run.
func (s *Store) ClaimOrphanedRuns(ctx context.Context, nodeID string, olderThan time.Duration, limit int) ([]*domain.WorkflowRun, error) {
	rows, err := s.db().Query(ctx, `
		WITH orphaned AS (
			SELECT id FROM forge_workflow_runs
			WHERE status IN ('running', 'waiting')
			  AND (last_heartbeat IS NULL OR last_heartbeat < $2)
			ORDER BY started_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE forge_workflow_runs r
		SET node_id = $1, last_heartbeat = now()
		FROM orphaned
		WHERE r.id = orphaned.id
		RETURNING r.id, r.workflow_name, r.version, r.input, r.output,
		          r.status, r.current_step, COALESCE(r.node_id::text, ''),
		          r.started_at, r.completed_at, r.last_heartbeat, r.error`,
		nodeID, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("claim orphaned runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
