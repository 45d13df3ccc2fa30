package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/reactive"
)

var _ reactive.Snapshots = (*Store)(nil)

type jobWire struct {
	ID              string           `json:"id"`
	JobType         string           `json:"job_type"`
	Status          domain.JobStatus `json:"status"`
	Priority        int              `json:"priority"`
	Attempts        int              `json:"attempts"`
	MaxAttempts     int              `json:"max_attempts"`
	LastError       string           `json:"last_error,omitempty"`
	ProgressPercent int              `json:"progress_percent"`
	ProgressMessage string           `json:"progress_message,omitempty"`
	Output          json.RawMessage  `json:"output,omitempty"`
	ScheduledAt     time.Time        `json:"scheduled_at"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	FailedAt        *time.Time       `json:"failed_at,omitempty"`
}

type workflowStepWire struct {
	StepName    string            `json:"step_name"`
	Status      domain.StepStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

type workflowWire struct {
	ID           string                `json:"id"`
	WorkflowName string                `json:"workflow_name"`
	Version      int                   `json:"version"`
	Status       domain.WorkflowStatus `json:"status"`
	CurrentStep  string                `json:"current_step,omitempty"`
	Output       json.RawMessage       `json:"output,omitempty"`
	Error        string                `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Steps        []workflowStepWire    `json:"steps"`
}

// JobSnapshot builds the push payload for one job. The visible status is the
// display status, so a retried pending job is pushed as retry.
func (s *Store) JobSnapshot(ctx context.Context, jobID string) (json.RawMessage, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobWire{
		ID:              j.ID,
		JobType:         j.JobType,
		Status:          j.DisplayStatus(),
		Priority:        j.Priority,
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		LastError:       j.LastError,
		ProgressPercent: j.ProgressPercent,
		ProgressMessage: j.ProgressMessage,
		Output:          j.Output,
		ScheduledAt:     j.ScheduledAt,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		FailedAt:        j.FailedAt,
	})
}

// WorkflowSnapshot builds the push payload for one run, steps in start order.
// Step results are omitted; they can be large and entity subscribers only need
// progress shape.
func (s *Store) WorkflowSnapshot(ctx context.Context, runID string) (json.RawMessage, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.LoadSteps(ctx, runID)
	if err != nil {
		return nil, err
	}

	wire := workflowWire{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		Version:      run.Version,
		Status:       run.Status,
		CurrentStep:  run.CurrentStep,
		Output:       run.Output,
		Error:        run.Error,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Steps:        make([]workflowStepWire, 0, len(steps)),
	}
	for _, step := range steps {
		wire.Steps = append(wire.Steps, workflowStepWire{
			StepName:    step.StepName,
			Status:      step.Status,
			Error:       step.Error,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
		})
	}
	return json.Marshal(wire)
}

// StepRunID resolves a step row to its parent run for change routing.
func (s *Store) StepRunID(ctx context.Context, stepID string) (string, error) {
	var runID string
	err := s.db().QueryRow(ctx,
		`SELECT workflow_run_id FROM forge_workflow_steps WHERE id = $1`,
		stepID).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("resolve step run: %w", err)
	}
	return runID, nil
}
