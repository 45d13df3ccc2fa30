package reactive

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Querier executes a registered query function, recording everything the
// execution reads into the supplied read set.
type Querier interface {
	Execute(ctx context.Context, function string, args json.RawMessage, rs *ReadSet) (json.RawMessage, error)
}

// Snapshots builds push payloads from current database state.
type Snapshots interface {
	// JobSnapshot returns the current state of one job as a wire payload.
	JobSnapshot(ctx context.Context, jobID string) (json.RawMessage, error)
	// WorkflowSnapshot returns one run with its steps in order.
	WorkflowSnapshot(ctx context.Context, runID string) (json.RawMessage, error)
	// StepRunID resolves a workflow step row to its parent run.
	StepRunID(ctx context.Context, stepID string) (string, error)
}

// Sink delivers push frames to sessions. The WebSocket hub implements it;
// sends are non-blocking on the hub side (bounded per-session queues).
type Sink interface {
	SendData(sessionID, clientSubID string, data json.RawMessage)
	SendJobUpdate(sessionID, clientSubID string, data json.RawMessage)
	SendWorkflowUpdate(sessionID, clientSubID string, data json.RawMessage)
}

// ReactorConfig tunes re-execution coalescing.
type ReactorConfig struct {
	Debounce    time.Duration // quiet period before re-executing a query
	MaxDebounce time.Duration // hard cap on total deferral under sustained churn
}

func (c *ReactorConfig) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 50 * time.Millisecond
	}
	if c.MaxDebounce < c.Debounce {
		c.MaxDebounce = 4 * c.Debounce
	}
}

// Reactor routes parsed changes and progress events to live subscriptions.
// Job and workflow pushes are handled inline (one snapshot read per change);
// query re-executions are debounced per subscription and run on their own
// goroutines, serialized per subscription so a session always sees that
// query's results in execution order.
type Reactor struct {
	cfg       ReactorConfig
	manager   *Manager
	querier   Querier
	snapshots Snapshots
	sink      Sink

	mu      sync.Mutex
	pending map[string]*pendingQuery
	wg      sync.WaitGroup
}

type pendingQuery struct {
	timer    *time.Timer
	deadline time.Time
}

// NewReactor wires the router.
func NewReactor(cfg ReactorConfig, manager *Manager, querier Querier, snapshots Snapshots, sink Sink) *Reactor {
	cfg.applyDefaults()
	return &Reactor{
		cfg:       cfg,
		manager:   manager,
		querier:   querier,
		snapshots: snapshots,
		sink:      sink,
		pending:   make(map[string]*pendingQuery),
	}
}

// Run consumes the change and progress streams until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context, changes <-chan Notification, progress <-chan ProgressEvent) error {
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case n, ok := <-changes:
			if !ok {
				r.wg.Wait()
				return nil
			}
			r.handleNotification(ctx, n)
		case ev, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			r.handleProgress(ctx, ev)
		}
	}
}

func (r *Reactor) handleNotification(ctx context.Context, n Notification) {
	if n.Lagged > 0 {
		// Dropped notifications: anything may have changed. Re-execute every
		// query subscription rather than guessing.
		slog.WarnContext(ctx, "change stream lagged, invalidating all queries",
			"lagged", n.Lagged)
		for _, sub := range r.manager.AllQueries() {
			r.scheduleQuery(ctx, sub)
		}
	}

	if n.Payload == "" {
		return // lag-only notification
	}

	change, err := ParseChange(n.Payload)
	if err != nil {
		slog.WarnContext(ctx, "unparseable change notification",
			"payload", n.Payload, "error", err)
		return
	}
	r.route(ctx, change)
}

// route implements the per-table dispatch: job and workflow tables feed
// entity subscribers, everything else goes through read-set invalidation.
func (r *Reactor) route(ctx context.Context, change Change) {
	switch change.Table {
	case "forge_jobs":
		r.pushJob(ctx, change.RowID)
	case "forge_workflow_steps":
		if change.RowID == "" {
			return
		}
		runID, err := r.snapshots.StepRunID(ctx, change.RowID)
		if err != nil {
			slog.DebugContext(ctx, "step change without resolvable run",
				"step_id", change.RowID, "error", err)
			return
		}
		r.pushWorkflow(ctx, runID)
	case "forge_workflow_runs":
		r.pushWorkflow(ctx, change.RowID)
	default:
		for _, sub := range r.manager.QueriesInvalidatedBy(change) {
			r.scheduleQuery(ctx, sub)
		}
	}
}

func (r *Reactor) pushJob(ctx context.Context, jobID string) {
	subs := r.manager.JobSubscribers(jobID)
	if len(subs) == 0 {
		return
	}
	data, err := r.snapshots.JobSnapshot(ctx, jobID)
	if err != nil {
		slog.WarnContext(ctx, "job snapshot failed", "job_id", jobID, "error", err)
		return
	}
	for _, sub := range subs {
		r.sink.SendJobUpdate(sub.SessionID, sub.ClientSubID, data)
	}
}

func (r *Reactor) pushWorkflow(ctx context.Context, runID string) {
	subs := r.manager.WorkflowSubscribers(runID)
	if len(subs) == 0 {
		return
	}
	data, err := r.snapshots.WorkflowSnapshot(ctx, runID)
	if err != nil {
		slog.WarnContext(ctx, "workflow snapshot failed", "run_id", runID, "error", err)
		return
	}
	for _, sub := range subs {
		r.sink.SendWorkflowUpdate(sub.SessionID, sub.ClientSubID, data)
	}
}

// handleProgress fast-paths in-process progress to entity subscribers without
// touching the database.
func (r *Reactor) handleProgress(ctx context.Context, ev ProgressEvent) {
	frame, err := json.Marshal(map[string]any{
		"id":               ev.TargetID,
		"progress_percent": ev.Percent,
		"progress_message": ev.Message,
	})
	if err != nil {
		return
	}

	switch ev.Kind {
	case ProgressJob:
		for _, sub := range r.manager.JobSubscribers(ev.TargetID) {
			r.sink.SendJobUpdate(sub.SessionID, sub.ClientSubID, frame)
		}
	case ProgressWorkflow:
		for _, sub := range r.manager.WorkflowSubscribers(ev.TargetID) {
			r.sink.SendWorkflowUpdate(sub.SessionID, sub.ClientSubID, frame)
		}
	}
}

// scheduleQuery debounces a re-execution. A burst of changes collapses into
// one run after the quiet period; sustained churn still executes at least
// every MaxDebounce.
func (r *Reactor) scheduleQuery(ctx context.Context, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if p, ok := r.pending[sub.ID]; ok {
		if now.Add(r.cfg.Debounce).Before(p.deadline) {
			p.timer.Reset(r.cfg.Debounce)
		}
		return
	}

	p := &pendingQuery{deadline: now.Add(r.cfg.MaxDebounce)}
	p.timer = time.AfterFunc(r.cfg.Debounce, func() {
		r.mu.Lock()
		delete(r.pending, sub.ID)
		r.mu.Unlock()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.executeQuery(ctx, sub)
		}()
	})
	r.pending[sub.ID] = p
}

// executeQuery re-runs the subscription's function and pushes the new result.
// The per-subscription mutex keeps executions (and their sends) in order.
func (r *Reactor) executeQuery(ctx context.Context, sub *Subscription) {
	sub.runMu.Lock()
	defer sub.runMu.Unlock()

	if _, live := r.manager.Get(sub.ID); !live {
		return
	}

	if err := r.runAndSendLocked(ctx, sub, false); err != nil {
		slog.WarnContext(ctx, "subscription re-execution failed",
			"subscription_id", sub.ID,
			"function", sub.FunctionName,
			"error", err)
	}
}

// RunQuery performs the initial execution for a new subscription, sending the
// first data frame through the sink.
func (r *Reactor) RunQuery(ctx context.Context, sub *Subscription) error {
	sub.runMu.Lock()
	defer sub.runMu.Unlock()
	return r.runAndSendLocked(ctx, sub, true)
}

// runAndSendLocked executes the subscription's function, replacing its read
// set with what the execution touched. The result is sent unless its
// fingerprint matches the last frame already delivered; the fingerprint is
// recorded under runMu together with the send, so a concurrent change never
// observes one without the other. force bypasses the suppression for the
// initial frame.
func (r *Reactor) runAndSendLocked(ctx context.Context, sub *Subscription, force bool) error {
	sub.ReadSet.Reset()
	data, err := r.querier.Execute(ctx, sub.FunctionName, sub.Args, sub.ReadSet)
	if err != nil {
		return err
	}

	fp := ResultFingerprint(data)
	if !force && fp == sub.lastResult {
		return nil
	}
	sub.lastResult = fp
	r.sink.SendData(sub.SessionID, sub.ClientSubID, data)
	return nil
}
