package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// ErrStepSkipped is returned by an optional step that failed. The handler
// continues; the step is recorded as skipped and joins no compensation.
var ErrStepSkipped = errors.New("optional step failed and was skipped")

// StepError carries a failed step's identity up to the engine, which uses it
// to start compensation.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepFunc is the body of one step. Non-deterministic values (random IDs,
// wall-clock reads, external calls) must be produced inside a step so their
// results are captured in the checkpoint and replayed on resume.
type StepFunc func(ctx context.Context) (any, error)

// CompensateFunc undoes one completed step. It receives the step's recorded
// result as captured at completion time.
type CompensateFunc func(ctx context.Context, result json.RawMessage) error

type compensation struct {
	stepName string
	fn       CompensateFunc
	result   json.RawMessage
	timeout  time.Duration
}

// Context is the workflow execution context: the checkpoint API plus the
// deterministic clock. One Context exists per run invocation; a resumed run
// gets a fresh Context with the cache rebuilt from forge_workflow_steps.
type Context struct {
	context.Context

	run   *domain.WorkflowRun
	store Store

	cache         map[string]*domain.WorkflowStep
	compensations []compensation
}

func newRunContext(ctx context.Context, run *domain.WorkflowRun, store Store, steps []*domain.WorkflowStep) *Context {
	cache := make(map[string]*domain.WorkflowStep, len(steps))
	for _, s := range steps {
		cache[s.StepName] = s
	}
	return &Context{Context: ctx, run: run, store: store, cache: cache}
}

// RunID returns the workflow run's ID.
func (c *Context) RunID() string { return c.run.ID }

// WorkflowTime returns the run's logical start time. Handlers use it instead
// of the wall clock so replays observe the same instant.
func (c *Context) WorkflowTime() time.Time { return c.run.StartedAt }

// Step opens the fluent checkpoint builder for a named step.
func (c *Context) Step(name string) *StepBuilder {
	return &StepBuilder{ctx: c, name: name, timeout: 5 * time.Minute}
}

// StepBuilder configures one step before Run executes it.
type StepBuilder struct {
	ctx        *Context
	name       string
	timeout    time.Duration
	compensate CompensateFunc
	optional   bool
}

// Timeout bounds the step body (and its compensator, if any).
func (b *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	if d > 0 {
		b.timeout = d
	}
	return b
}

// Compensate registers the undo to run if a later step fails.
func (b *StepBuilder) Compensate(fn CompensateFunc) *StepBuilder {
	b.compensate = fn
	return b
}

// Optional makes a failure of this step non-fatal: it is recorded as skipped
// and Run returns ErrStepSkipped instead of propagating.
func (b *StepBuilder) Optional() *StepBuilder {
	b.optional = true
	return b
}

// Run executes the step exactly once per run. A step already completed in a
// previous invocation short-circuits to its recorded result without running
// the body; its compensator still joins the stack so a later failure unwinds
// it.
func (b *StepBuilder) Run(fn StepFunc) (json.RawMessage, error) {
	c := b.ctx

	if cached, ok := c.cache[b.name]; ok && cached.Status == domain.StepCompleted {
		c.pushCompensation(b, cached.Result)
		return cached.Result, nil
	}

	if err := c.store.SetCurrentStep(c.Context, c.run.ID, b.name); err != nil {
		return nil, &StepError{Step: b.name, Err: err}
	}
	if err := c.store.RecordStepStart(c.Context, c.run.ID, b.name); err != nil {
		return nil, &StepError{Step: b.name, Err: err}
	}

	stepCtx, cancel := context.WithTimeout(c.Context, b.timeout)
	defer cancel()

	output, err := runStepBody(stepCtx, fn)
	if err != nil {
		return nil, c.finishFailedStep(b, err)
	}

	result, err := json.Marshal(output)
	if err != nil {
		return nil, c.finishFailedStep(b, fmt.Errorf("marshal step result: %w", err))
	}
	if err := c.store.RecordStepComplete(c.Context, c.run.ID, b.name, result); err != nil {
		return nil, &StepError{Step: b.name, Err: err}
	}

	c.cache[b.name] = &domain.WorkflowStep{
		WorkflowRunID: c.run.ID,
		StepName:      b.name,
		Status:        domain.StepCompleted,
		Result:        result,
	}
	c.pushCompensation(b, result)
	return result, nil
}

func runStepBody(ctx context.Context, fn StepFunc) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Context) finishFailedStep(b *StepBuilder, stepErr error) error {
	if b.optional {
		if recErr := c.store.RecordStepFailure(c.Context, c.run.ID, b.name, domain.StepSkipped, stepErr.Error()); recErr != nil {
			return &StepError{Step: b.name, Err: recErr}
		}
		c.cache[b.name] = &domain.WorkflowStep{
			WorkflowRunID: c.run.ID,
			StepName:      b.name,
			Status:        domain.StepSkipped,
			Error:         stepErr.Error(),
		}
		return ErrStepSkipped
	}

	if recErr := c.store.RecordStepFailure(c.Context, c.run.ID, b.name, domain.StepFailed, stepErr.Error()); recErr != nil {
		stepErr = errors.Join(stepErr, recErr)
	}
	return &StepError{Step: b.name, Err: stepErr}
}

func (c *Context) pushCompensation(b *StepBuilder, result json.RawMessage) {
	if b.compensate == nil {
		return
	}
	c.compensations = append(c.compensations, compensation{
		stepName: b.name,
		fn:       b.compensate,
		result:   result,
		timeout:  b.timeout,
	})
}

// === Low-level checkpoint API ===
//
// Handlers using these directly are expected to consult IsStepCompleted /
// StepResult before redoing work, which is what makes re-execution after a
// crash idempotent.

// IsStepCompleted reports whether the named step already completed in this
// run.
func (c *Context) IsStepCompleted(name string) bool {
	s, ok := c.cache[name]
	return ok && s.Status == domain.StepCompleted
}

// StepResult returns the recorded result of a completed step.
func (c *Context) StepResult(name string) (json.RawMessage, bool) {
	s, ok := c.cache[name]
	if !ok || s.Status != domain.StepCompleted {
		return nil, false
	}
	return s.Result, true
}

// RecordStepStart checkpoints a step as running.
func (c *Context) RecordStepStart(name string) error {
	return c.store.RecordStepStart(c.Context, c.run.ID, name)
}

// RecordStepComplete checkpoints a step's result.
func (c *Context) RecordStepComplete(name string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	if err := c.store.RecordStepComplete(c.Context, c.run.ID, name, raw); err != nil {
		return err
	}
	c.cache[name] = &domain.WorkflowStep{
		WorkflowRunID: c.run.ID,
		StepName:      name,
		Status:        domain.StepCompleted,
		Result:        raw,
	}
	return nil
}

// RecordStepFailure checkpoints a step failure.
func (c *Context) RecordStepFailure(name string, stepErr error) error {
	return c.store.RecordStepFailure(c.Context, c.run.ID, name, domain.StepFailed, stepErr.Error())
}
