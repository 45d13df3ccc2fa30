package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/domain"
)

// memStore is an in-memory workflow.Store for engine tests. It mirrors the
// SQL implementation's semantics closely enough to exercise checkpointing,
// replay, and compensation ordering.
type memStore struct {
	mu    sync.Mutex
	runs  map[string]*domain.WorkflowRun
	steps map[string][]*domain.WorkflowStep // ordered by first start
}

func newMemStore() *memStore {
	return &memStore{
		runs:  make(map[string]*domain.WorkflowRun),
		steps: make(map[string][]*domain.WorkflowStep),
	}
}

func (m *memStore) CreateRun(ctx context.Context, name string, version int, input json.RawMessage) (*domain.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &domain.WorkflowRun{
		ID:           uuid.NewString(),
		WorkflowName: name,
		Version:      version,
		Input:        input,
		Status:       domain.WorkflowCreated,
		StartedAt:    time.Now().UTC(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) MarkRunRunning(ctx context.Context, runID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = domain.WorkflowRunning
	run.NodeID = nodeID
	return nil
}

func (m *memStore) RunHeartbeat(ctx context.Context, runID, nodeID string) (domain.WorkflowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return "", domain.ErrNotFound
	}
	now := time.Now().UTC()
	run.LastHeartbeat = &now
	return run.Status, nil
}

func (m *memStore) SetCurrentStep(ctx context.Context, runID, stepName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.CurrentStep = stepName
	}
	return nil
}

func (m *memStore) findStep(runID, stepName string) *domain.WorkflowStep {
	for _, s := range m.steps[runID] {
		if s.StepName == stepName {
			return s
		}
	}
	return nil
}

func (m *memStore) RecordStepStart(ctx context.Context, runID, stepName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findStep(runID, stepName); s != nil {
		if s.Status != domain.StepCompleted && s.Status != domain.StepCompensated {
			s.Status = domain.StepRunning
		}
		return nil
	}
	m.steps[runID] = append(m.steps[runID], &domain.WorkflowStep{
		WorkflowRunID: runID,
		StepName:      stepName,
		Status:        domain.StepRunning,
		StartedAt:     time.Now().UTC(),
	})
	return nil
}

func (m *memStore) RecordStepComplete(ctx context.Context, runID, stepName string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findStep(runID, stepName)
	if s == nil {
		return domain.ErrNotFound
	}
	s.Status = domain.StepCompleted
	s.Result = result
	return nil
}

func (m *memStore) RecordStepFailure(ctx context.Context, runID, stepName string, status domain.StepStatus, stepErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findStep(runID, stepName)
	if s == nil {
		return domain.ErrNotFound
	}
	s.Status = status
	s.Error = stepErr
	return nil
}

func (m *memStore) RecordStepCompensated(ctx context.Context, runID, stepName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findStep(runID, stepName); s != nil && s.Status == domain.StepCompleted {
		s.Status = domain.StepCompensated
	}
	return nil
}

func (m *memStore) LoadSteps(ctx context.Context, runID string) ([]*domain.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]*domain.WorkflowStep, len(m.steps[runID]))
	copy(steps, m.steps[runID])
	return steps, nil
}

func (m *memStore) CompleteRun(ctx context.Context, runID string, status domain.WorkflowStatus, output json.RawMessage, runErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = status
	run.Output = output
	run.Error = runErr
	now := time.Now().UTC()
	run.CompletedAt = &now
	return nil
}

func (m *memStore) SetRunStatus(ctx context.Context, runID string, status domain.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = status
	return nil
}

func (m *memStore) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *memStore) ClaimOrphanedRuns(ctx context.Context, nodeID string, olderThan time.Duration, limit int) ([]*domain.WorkflowRun, error) {
	return nil, nil
}

func (m *memStore) run(t *testing.T, runID string) *domain.WorkflowRun {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	require.True(t, ok)
	return run
}

func waitTerminal(t *testing.T, store *memStore, runID string) *domain.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		run := store.runs[runID]
		terminal := run != nil && run.Status.Terminal()
		store.mu.Unlock()
		if terminal {
			return store.run(t, runID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return nil
}

func testEngine(store *memStore) (*Engine, *Registry) {
	registry := NewRegistry()
	engine := NewEngine(EngineConfig{NodeID: uuid.NewString()}, registry, store)
	return engine, registry
}

func TestWorkflowHappyPath(t *testing.T) {
	store := newMemStore()
	engine, registry := testEngine(store)

	registry.Register(Info{Name: "order"}, func(ctx *Context, input json.RawMessage) (any, error) {
		if _, err := ctx.Step("reserve").Run(func(context.Context) (any, error) {
			return "reserved", nil
		}); err != nil {
			return nil, err
		}
		if _, err := ctx.Step("charge").Run(func(context.Context) (any, error) {
			return 42, nil
		}); err != nil {
			return nil, err
		}
		return "done", nil
	})

	runID, err := engine.Start(context.Background(), "order", map[string]string{"sku": "x"})
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	assert.Equal(t, domain.WorkflowCompleted, run.Status)
	assert.JSONEq(t, `"done"`, string(run.Output))

	steps, err := store.LoadSteps(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, domain.StepCompleted, steps[0].Status)
	assert.Equal(t, domain.StepCompleted, steps[1].Status)
}

func TestWorkflowStartUnknownName(t *testing.T) {
	store := newMemStore()
	engine, _ := testEngine(store)

	_, err := engine.Start(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestWorkflowCompensationReverseOrder(t *testing.T) {
	store := newMemStore()
	engine, registry := testEngine(store)

	var mu sync.Mutex
	var compensated []string
	record := func(name string) CompensateFunc {
		return func(ctx context.Context, result json.RawMessage) error {
			mu.Lock()
			compensated = append(compensated, name)
			mu.Unlock()
			return nil
		}
	}

	registry.Register(Info{Name: "saga"}, func(ctx *Context, input json.RawMessage) (any, error) {
		if _, err := ctx.Step("a").Compensate(record("a")).Run(func(context.Context) (any, error) {
			return "a-done", nil
		}); err != nil {
			return nil, err
		}
		if _, err := ctx.Step("b").Compensate(record("b")).Run(func(context.Context) (any, error) {
			return "b-done", nil
		}); err != nil {
			return nil, err
		}
		if _, err := ctx.Step("c").Run(func(context.Context) (any, error) {
			return nil, errors.New("charge declined")
		}); err != nil {
			return nil, err
		}
		return nil, nil
	})

	runID, err := engine.Start(context.Background(), "saga", nil)
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	assert.Equal(t, domain.WorkflowCompensated, run.Status)
	assert.Contains(t, run.Error, "charge declined")

	mu.Lock()
	assert.Equal(t, []string{"b", "a"}, compensated)
	mu.Unlock()

	steps, _ := store.LoadSteps(context.Background(), runID)
	byName := map[string]domain.StepStatus{}
	for _, s := range steps {
		byName[s.StepName] = s.Status
	}
	assert.Equal(t, domain.StepCompensated, byName["a"])
	assert.Equal(t, domain.StepCompensated, byName["b"])
	assert.Equal(t, domain.StepFailed, byName["c"])
}

func TestWorkflowCompensatorFailurePoisonsTerminalState(t *testing.T) {
	store := newMemStore()
	engine, registry := testEngine(store)

	var mu sync.Mutex
	var compensated []string

	registry.Register(Info{Name: "saga"}, func(ctx *Context, input json.RawMessage) (any, error) {
		if _, err := ctx.Step("a").Compensate(func(ctx context.Context, result json.RawMessage) error {
			mu.Lock()
			compensated = append(compensated, "a")
			mu.Unlock()
			return nil
		}).Run(func(context.Context) (any, error) {
			return "a-done", nil
		}); err != nil {
			return nil, err
		}
		if _, err := ctx.Step("b").Compensate(func(ctx context.Context, result json.RawMessage) error {
			return errors.New("undo failed")
		}).Run(func(context.Context) (any, error) {
			return "b-done", nil
		}); err != nil {
			return nil, err
		}
		if _, err := ctx.Step("c").Run(func(context.Context) (any, error) {
			return nil, errors.New("boom")
		}); err != nil {
			return nil, err
		}
		return nil, nil
	})

	runID, err := engine.Start(context.Background(), "saga", nil)
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	// b's compensator failed: best-effort unwind still ran a's, but the run
	// ends failed rather than compensated.
	assert.Equal(t, domain.WorkflowFailed, run.Status)
	mu.Lock()
	assert.Equal(t, []string{"a"}, compensated)
	mu.Unlock()
}

func TestWorkflowOptionalStepFailure(t *testing.T) {
	store := newMemStore()
	engine, registry := testEngine(store)

	registry.Register(Info{Name: "notify"}, func(ctx *Context, input json.RawMessage) (any, error) {
		if _, err := ctx.Step("required").Run(func(context.Context) (any, error) {
			return "ok", nil
		}); err != nil {
			return nil, err
		}
		_, err := ctx.Step("send-email").Optional().Run(func(context.Context) (any, error) {
			return nil, errors.New("smtp down")
		})
		if err != nil && !errors.Is(err, ErrStepSkipped) {
			return nil, err
		}
		return "finished", nil
	})

	runID, err := engine.Start(context.Background(), "notify", nil)
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	assert.Equal(t, domain.WorkflowCompleted, run.Status)

	steps, _ := store.LoadSteps(context.Background(), runID)
	byName := map[string]domain.StepStatus{}
	for _, s := range steps {
		byName[s.StepName] = s.Status
	}
	assert.Equal(t, domain.StepCompleted, byName["required"])
	assert.Equal(t, domain.StepSkipped, byName["send-email"])
}

func TestWorkflowResumeReplaysCompletedSteps(t *testing.T) {
	store := newMemStore()
	engine, registry := testEngine(store)

	var mu sync.Mutex
	executions := map[string]int{}
	count := func(name string) {
		mu.Lock()
		executions[name]++
		mu.Unlock()
	}

	registry.Register(Info{Name: "resumable"}, func(ctx *Context, input json.RawMessage) (any, error) {
		first, err := ctx.Step("first").Run(func(context.Context) (any, error) {
			count("first")
			return "first-value", nil
		})
		if err != nil {
			return nil, err
		}
		if _, err := ctx.Step("second").Run(func(context.Context) (any, error) {
			count("second")
			return "second-value", nil
		}); err != nil {
			return nil, err
		}
		return json.RawMessage(first), nil
	})

	// Simulate a crash after "first": seed the run and its checkpoint, then
	// execute as the resume path would.
	run, err := store.CreateRun(context.Background(), "resumable", 1, nil)
	require.NoError(t, err)
	require.NoError(t, store.RecordStepStart(context.Background(), run.ID, "first"))
	require.NoError(t, store.RecordStepComplete(context.Background(), run.ID, "first", json.RawMessage(`"first-value"`)))

	info, handler, err := registry.Version("resumable", 1)
	require.NoError(t, err)
	engine.wg.Add(1)
	go func() {
		defer engine.wg.Done()
		engine.execute(run, info, handler)
	}()

	final := waitTerminal(t, store, run.ID)
	assert.Equal(t, domain.WorkflowCompleted, final.Status)
	assert.JSONEq(t, `"first-value"`, string(final.Output))

	mu.Lock()
	assert.Zero(t, executions["first"], "completed step must not re-execute")
	assert.Equal(t, 1, executions["second"])
	mu.Unlock()
}

func TestWorkflowPanicCompensates(t *testing.T) {
	store := newMemStore()
	engine, registry := testEngine(store)

	var mu sync.Mutex
	var compensated bool

	registry.Register(Info{Name: "panicky"}, func(ctx *Context, input json.RawMessage) (any, error) {
		if _, err := ctx.Step("setup").Compensate(func(ctx context.Context, result json.RawMessage) error {
			mu.Lock()
			compensated = true
			mu.Unlock()
			return nil
		}).Run(func(context.Context) (any, error) {
			return "ok", nil
		}); err != nil {
			return nil, err
		}
		panic("handler exploded")
	})

	runID, err := engine.Start(context.Background(), "panicky", nil)
	require.NoError(t, err)

	run := waitTerminal(t, store, runID)
	assert.Equal(t, domain.WorkflowCompensated, run.Status)
	assert.Contains(t, run.Error, "panic")
	mu.Lock()
	assert.True(t, compensated)
	mu.Unlock()
}

func TestWorkflowVersionPinning(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Info{Name: "v", Version: 1}, func(ctx *Context, input json.RawMessage) (any, error) {
		return "v1", nil
	})
	registry.Register(Info{Name: "v", Version: 2}, func(ctx *Context, input json.RawMessage) (any, error) {
		return "v2", nil
	})

	info, _, err := registry.Latest("v")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Version)

	info, _, err = registry.Version("v", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)

	_, _, err = registry.Version("v", 3)
	require.Error(t, err)
}

func TestWorkflowTimeIsStable(t *testing.T) {
	store := newMemStore()
	run, err := store.CreateRun(context.Background(), "t", 1, nil)
	require.NoError(t, err)

	ctx := newRunContext(context.Background(), run, store, nil)
	assert.Equal(t, run.StartedAt, ctx.WorkflowTime())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, run.StartedAt, ctx.WorkflowTime())
}

func TestLowLevelCheckpointAPI(t *testing.T) {
	store := newMemStore()
	run, err := store.CreateRun(context.Background(), "low", 1, nil)
	require.NoError(t, err)

	steps, _ := store.LoadSteps(context.Background(), run.ID)
	ctx := newRunContext(context.Background(), run, store, steps)

	assert.False(t, ctx.IsStepCompleted("fetch"))
	require.NoError(t, ctx.RecordStepStart("fetch"))
	require.NoError(t, ctx.RecordStepComplete("fetch", map[string]int{"rows": 3}))

	assert.True(t, ctx.IsStepCompleted("fetch"))
	result, ok := ctx.StepResult("fetch")
	require.True(t, ok)
	assert.JSONEq(t, `{"rows":3}`, string(result))
}
