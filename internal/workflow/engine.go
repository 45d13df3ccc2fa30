package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// EngineConfig tunes run execution and orphan recovery.
type EngineConfig struct {
	NodeID          string
	Heartbeat       time.Duration // run heartbeat cadence
	OrphanThreshold time.Duration // heartbeat age before a run counts as orphaned
	ResumeInterval  time.Duration // orphan scan cadence
	ResumeBatch     int
}

func (c *EngineConfig) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 4 * c.Heartbeat
	}
	if c.ResumeInterval <= 0 {
		c.ResumeInterval = 30 * time.Second
	}
	if c.ResumeBatch <= 0 {
		c.ResumeBatch = 20
	}
}

var errRunCancelled = errors.New("workflow run cancelled")

// Engine starts, executes, resumes, and compensates workflow runs. The
// database row plus the step checkpoints are the whole execution state: any
// node can pick up a run whose owner died and re-invoke the handler, with
// completed steps replayed from their recorded results.
type Engine struct {
	cfg      EngineConfig
	registry *Registry
	store    Store

	wg sync.WaitGroup
}

// NewEngine builds the workflow engine.
func NewEngine(cfg EngineConfig, registry *Registry, store Store) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, registry: registry, store: store}
}

// Start validates the workflow name, persists the run, and hands it to a
// background executor. It returns the run ID without waiting for execution.
// The run is pinned to the latest registered version.
func (e *Engine) Start(ctx context.Context, name string, input any) (string, error) {
	info, handler, err := e.registry.Latest(name)
	if err != nil {
		return "", err
	}

	var raw json.RawMessage
	if input != nil {
		raw, err = json.Marshal(input)
		if err != nil {
			return "", domain.NewError(domain.KindValidation, "marshal input for workflow %q: %v", name, err)
		}
	}

	run, err := e.store.CreateRun(ctx, name, info.Version, raw)
	if err != nil {
		return "", fmt.Errorf("create workflow run: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(run, info, handler)
	}()
	return run.ID, nil
}

// Cancel requests cancellation. A created run cancels immediately; a running
// run's executor observes the status flip on its next heartbeat and unwinds.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return domain.NewError(domain.KindConflict, "workflow run %s already %s", runID, run.Status)
	}
	return e.store.SetRunStatus(ctx, runID, domain.WorkflowCancelled)
}

// GetRun fetches a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// Run drives orphan recovery until ctx is cancelled, then waits for in-flight
// executors. The first scan happens immediately so a restarting node picks up
// its own previous runs without waiting a full interval.
func (e *Engine) Run(ctx context.Context) error {
	e.resumeOrphans(ctx)

	ticker := time.NewTicker(e.cfg.ResumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		case <-ticker.C:
			e.resumeOrphans(ctx)
		}
	}
}

// resumeOrphans claims runs whose owner stopped heartbeating and re-invokes
// their handlers under the version each run started with.
func (e *Engine) resumeOrphans(ctx context.Context) {
	runs, err := e.store.ClaimOrphanedRuns(ctx, e.cfg.NodeID, e.cfg.OrphanThreshold, e.cfg.ResumeBatch)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "orphaned run scan failed", "error", err)
		}
		return
	}

	for _, run := range runs {
		info, handler, err := e.registry.Version(run.WorkflowName, run.Version)
		if err != nil {
			// This binary doesn't carry the pinned version. Leave the run for
			// a node that does; the claim heartbeat expires again.
			slog.WarnContext(ctx, "cannot resume workflow run",
				"run_id", run.ID,
				"workflow", run.WorkflowName,
				"version", run.Version,
				"error", err)
			continue
		}
		slog.InfoContext(ctx, "resuming orphaned workflow run",
			"run_id", run.ID,
			"workflow", run.WorkflowName,
			"version", run.Version)

		e.wg.Add(1)
		go func(run *domain.WorkflowRun) {
			defer e.wg.Done()
			e.execute(run, info, handler)
		}(run)
	}
}

// execute drives one run to a terminal state. It deliberately detaches from
// the caller's context: starting a workflow is fire-and-forget, and shutdown
// is handled by the run surviving in the database for another node to resume.
func (e *Engine) execute(run *domain.WorkflowRun, info Info, handler Handler) {
	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	execCtx, cancelTimeout := context.WithTimeout(runCtx, info.Timeout)
	defer cancelTimeout()

	if err := e.store.MarkRunRunning(execCtx, run.ID, e.cfg.NodeID); err != nil {
		slog.ErrorContext(execCtx, "mark workflow running failed",
			"run_id", run.ID, "error", err)
		return
	}

	stopHeartbeat := e.startHeartbeat(runCtx, run.ID, cancel)
	defer stopHeartbeat()

	steps, err := e.store.LoadSteps(execCtx, run.ID)
	if err != nil {
		slog.ErrorContext(execCtx, "load workflow steps failed",
			"run_id", run.ID, "error", err)
		return
	}

	wfCtx := newRunContext(execCtx, run, e.store, steps)

	slog.InfoContext(execCtx, "workflow run executing",
		"run_id", run.ID,
		"workflow", run.WorkflowName,
		"version", run.Version,
		"replayed_steps", len(steps))

	output, handlerErr := runHandlerBody(wfCtx, handler, run.Input)
	stopHeartbeat()

	e.finalize(run, wfCtx, output, handlerErr)
}

func runHandlerBody(ctx *Context, handler Handler, input json.RawMessage) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return handler(ctx, input)
}

// finalize maps the handler outcome onto the run's terminal state, running
// the saga unwind when the handler failed.
func (e *Engine) finalize(run *domain.WorkflowRun, wfCtx *Context, output any, handlerErr error) {
	ctx := context.Background()

	cancelled := errors.Is(handlerErr, errRunCancelled) ||
		errors.Is(context.Cause(wfCtx.Context), errRunCancelled)

	if handlerErr == nil && !cancelled {
		raw, err := json.Marshal(output)
		if err != nil {
			handlerErr = fmt.Errorf("marshal workflow output: %w", err)
		} else {
			if err := e.store.CompleteRun(ctx, run.ID, domain.WorkflowCompleted, raw, ""); err != nil {
				slog.ErrorContext(ctx, "complete workflow run failed", "run_id", run.ID, "error", err)
			}
			slog.InfoContext(ctx, "workflow run completed",
				"run_id", run.ID, "workflow", run.WorkflowName)
			return
		}
	}

	terminal := domain.WorkflowCompensated
	runErr := ""
	if handlerErr != nil {
		runErr = handlerErr.Error()
	}
	if cancelled {
		terminal = domain.WorkflowCancelled
		runErr = "cancelled"
	} else {
		if err := e.store.SetRunStatus(ctx, run.ID, domain.WorkflowCompensating); err != nil {
			slog.ErrorContext(ctx, "set compensating failed", "run_id", run.ID, "error", err)
		}
	}

	if !e.compensate(ctx, run, wfCtx.compensations) {
		terminal = domain.WorkflowFailed
	}

	if err := e.store.CompleteRun(ctx, run.ID, terminal, nil, runErr); err != nil {
		slog.ErrorContext(ctx, "finalize workflow run failed", "run_id", run.ID, "error", err)
	}
	slog.WarnContext(ctx, "workflow run ended",
		"run_id", run.ID,
		"workflow", run.WorkflowName,
		"status", terminal,
		"error", runErr)
}

// compensate unwinds recorded compensations in reverse order, passing each
// its captured step result. A compensator failure doesn't stop the unwind but
// poisons the terminal state. Returns true when every compensator succeeded.
func (e *Engine) compensate(ctx context.Context, run *domain.WorkflowRun, stack []compensation) bool {
	allOK := true
	for i := len(stack) - 1; i >= 0; i-- {
		comp := stack[i]

		compCtx, cancel := context.WithTimeout(ctx, comp.timeout)
		err := runCompensator(compCtx, comp)
		cancel()

		if err != nil {
			allOK = false
			slog.ErrorContext(ctx, "compensation failed",
				"run_id", run.ID, "step", comp.stepName, "error", err)
			continue
		}
		if err := e.store.RecordStepCompensated(ctx, run.ID, comp.stepName); err != nil {
			slog.ErrorContext(ctx, "record compensated failed",
				"run_id", run.ID, "step", comp.stepName, "error", err)
		}
		slog.InfoContext(ctx, "step compensated", "run_id", run.ID, "step", comp.stepName)
	}
	return allOK
}

func runCompensator(ctx context.Context, comp compensation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensator panic: %v", r)
		}
	}()
	return comp.fn(ctx, comp.result)
}

// startHeartbeat keeps the run row fresh and watches for an external cancel.
func (e *Engine) startHeartbeat(ctx context.Context, runID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(e.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := e.store.RunHeartbeat(ctx, runID, e.cfg.NodeID)
				switch {
				case err != nil:
					slog.Warn("workflow heartbeat failed", "run_id", runID, "error", err)
				case status == domain.WorkflowCancelled:
					cancel(errRunCancelled)
					return
				}
			}
		}
	}()
	return stop
}
