package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Store is the checkpoint persistence surface. The postgres package
// implements it; each method is one transaction, so every checkpoint the
// engine records survives a crash between any two statements.
type Store interface {
	// CreateRun inserts the run in the created state and returns it.
	CreateRun(ctx context.Context, name string, version int, input json.RawMessage) (*domain.WorkflowRun, error)

	// MarkRunRunning flips created/waiting to running under this node.
	MarkRunRunning(ctx context.Context, runID, nodeID string) error

	// RunHeartbeat refreshes the run heartbeat and reports the current
	// status so the executor can observe an external cancellation.
	RunHeartbeat(ctx context.Context, runID, nodeID string) (domain.WorkflowStatus, error)

	// SetCurrentStep records which step the run is in, for observability.
	SetCurrentStep(ctx context.Context, runID, stepName string) error

	// RecordStepStart inserts the step row in the running state. Re-entry on
	// resume upserts the existing non-terminal row rather than erroring.
	RecordStepStart(ctx context.Context, runID, stepName string) error

	// RecordStepComplete finalizes the step with its result. The unique
	// (run, step) row is the exactly-once checkpoint: a completed step is
	// never recorded twice.
	RecordStepComplete(ctx context.Context, runID, stepName string, result json.RawMessage) error

	// RecordStepFailure finalizes the step as failed or skipped.
	RecordStepFailure(ctx context.Context, runID, stepName string, status domain.StepStatus, stepErr string) error

	// RecordStepCompensated flips a completed step to compensated.
	RecordStepCompensated(ctx context.Context, runID, stepName string) error

	// LoadSteps returns all recorded steps for a run in insertion order.
	// Resume rebuilds the in-memory step cache from this.
	LoadSteps(ctx context.Context, runID string) ([]*domain.WorkflowStep, error)

	// CompleteRun finalizes the run.
	CompleteRun(ctx context.Context, runID string, status domain.WorkflowStatus, output json.RawMessage, runErr string) error

	// SetRunStatus transitions the run status (running -> compensating, or an
	// external cancel request).
	SetRunStatus(ctx context.Context, runID string, status domain.WorkflowStatus) error

	// GetRun fetches one run.
	GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error)

	// ClaimOrphanedRuns atomically takes over non-terminal runs whose
	// heartbeat is older than the threshold, reassigning them to nodeID.
	ClaimOrphanedRuns(ctx context.Context, nodeID string, olderThan time.Duration, limit int) ([]*domain.WorkflowRun, error)
}
