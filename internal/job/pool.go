package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	WorkerID      string // the owning node's ID
	Capabilities  []string
	MaxConcurrent int
	PollInterval  time.Duration
	BatchSize     int
	Heartbeat     time.Duration // per-job heartbeat cadence while running
	DrainTimeout  time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// ProgressPublisher receives progress events for live fan-out. The persisted
// progress row is the source of truth; this is the low-latency path.
type ProgressPublisher interface {
	PublishJobProgress(jobID string, percent int, message string)
}

// Pool claims and executes jobs. Claiming is poll-driven with SKIP LOCKED so
// any number of pools across nodes contend safely; execution is bounded by a
// semaphore and each job runs under its own deadline with panic isolation.
type Pool struct {
	cfg      PoolConfig
	registry *Registry
	repo     Repository
	progress ProgressPublisher // optional

	sem      chan struct{}
	wg       sync.WaitGroup
	draining chan struct{}
	drainOne sync.Once

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc // job ID -> cancel
}

// errCancellationRequested distinguishes a cooperative cancel from a timeout.
var errCancellationRequested = errors.New("cancellation requested")

// NewPool builds a worker pool. progress may be nil.
func NewPool(cfg PoolConfig, registry *Registry, repo Repository, progress ProgressPublisher) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		registry: registry,
		repo:     repo,
		progress: progress,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		draining: make(chan struct{}),
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

// Run polls for claimable jobs until ctx is cancelled, then drains. It blocks
// for the lifetime of the pool.
func (p *Pool) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "worker pool started",
		"worker_id", p.cfg.WorkerID,
		"capabilities", p.cfg.Capabilities,
		"max_concurrent", p.cfg.MaxConcurrent,
		"poll_interval", p.cfg.PollInterval)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.drain()
		case <-ticker.C:
			if err := p.claimAndDispatch(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "claim cycle failed",
					"worker_id", p.cfg.WorkerID,
					"error", err)
			}
		}
	}
}

// CancelJob cancels an in-flight job owned by this pool. Called when a
// cancellation push arrives on the control channel; a no-op when the job is
// not running here.
func (p *Pool) CancelJob(jobID string) {
	p.mu.Lock()
	cancel, ok := p.inflight[jobID]
	p.mu.Unlock()
	if ok {
		cancel(errCancellationRequested)
	}
}

func (p *Pool) claimAndDispatch(ctx context.Context) error {
	free := p.cfg.MaxConcurrent - len(p.sem)
	if free <= 0 {
		return nil
	}
	batch := min(free, p.cfg.BatchSize)

	jobs, err := p.repo.Claim(ctx, p.cfg.WorkerID, p.cfg.Capabilities, batch)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}

	for _, job := range jobs {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			// Claimed but no slot and shutting down; drain releases it.
			return ctx.Err()
		}
		p.wg.Add(1)
		go func(job *domain.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(job)
		}(job)
	}
	return nil
}

// execute runs one claimed job to a terminal disposition. It deliberately
// takes no parent context: a pool shutdown must not abort a running handler
// before the drain deadline.
func (p *Pool) execute(job *domain.Job) {
	info, handler, err := p.registry.Lookup(job.JobType)
	if err != nil {
		// A job type this binary doesn't know. Another deployment may; put
		// it back with a delay rather than failing it.
		_ = p.repo.ScheduleRetry(context.Background(), job.ID, p.cfg.WorkerID,
			"no handler registered on worker", time.Minute)
		return
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	execCtx, cancelTimeout := context.WithTimeout(runCtx, info.Timeout)
	defer cancelTimeout()

	p.mu.Lock()
	p.inflight[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, job.ID)
		p.mu.Unlock()
	}()

	if err := p.repo.MarkRunning(execCtx, job.ID, p.cfg.WorkerID); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.Warn("job reclaimed before start", "job_id", job.ID, "worker_id", p.cfg.WorkerID)
			return
		}
		slog.ErrorContext(execCtx, "mark running failed", "job_id", job.ID, "error", err)
		return
	}

	stopHeartbeat := p.startHeartbeat(runCtx, job.ID, cancel)
	defer stopHeartbeat()

	start := time.Now()
	output, handlerErr := p.runHandler(execCtx, job, info, handler)
	stopHeartbeat()

	// Handlers usually surface a cancelled context as context.Canceled; the
	// cause distinguishes a cancellation push from the drain deadline.
	if errors.Is(handlerErr, context.Canceled) {
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			handlerErr = cause
		}
	}

	p.routeResult(job, info, output, handlerErr, time.Since(start))
}

// runHandler invokes the handler with panic recovery. A panic becomes a
// PanicError carrying the stack.
func (p *Pool) runHandler(ctx context.Context, job *domain.Job, info Info, handler Handler) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()

	jobCtx := &Context{
		Context:  ctx,
		Job:      job,
		WorkerID: p.cfg.WorkerID,
		progress: func(ctx context.Context, percent int, message string) error {
			if err := p.repo.RecordProgress(ctx, job.ID, p.cfg.WorkerID, percent, message); err != nil {
				return err
			}
			if p.progress != nil {
				p.progress.PublishJobProgress(job.ID, percent, message)
			}
			return nil
		},
	}
	return handler(jobCtx, job.Input)
}

// startHeartbeat refreshes the job row on a ticker so the stale sweep leaves
// it alone, and turns a cancelling status into a context cancellation. The
// returned stop function is idempotent.
func (p *Pool) startHeartbeat(ctx context.Context, jobID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(p.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := p.repo.Heartbeat(ctx, jobID, p.cfg.WorkerID)
				switch {
				case errors.Is(err, domain.ErrJobOwnershipLost):
					cancel(domain.ErrJobOwnershipLost)
					return
				case err != nil:
					slog.Warn("job heartbeat failed", "job_id", jobID, "error", err)
				case status == domain.JobCancelling:
					cancel(errCancellationRequested)
					return
				}
			}
		}
	}()
	return stop
}

// routeResult maps the handler outcome onto a queue transition.
func (p *Pool) routeResult(job *domain.Job, info Info, output any, handlerErr error, elapsed time.Duration) {
	ctx := context.Background()
	logAttrs := []any{
		"job_id", job.ID,
		"job_type", job.JobType,
		"worker_id", p.cfg.WorkerID,
		"attempt", job.Attempts,
		"duration_ms", elapsed.Milliseconds(),
	}

	switch {
	case handlerErr == nil:
		var raw json.RawMessage
		if output != nil {
			var err error
			if raw, err = json.Marshal(output); err != nil {
				handlerErr = Permanent(fmt.Errorf("marshal output: %w", err))
				break
			}
		}
		if err := p.repo.Complete(ctx, job.ID, p.cfg.WorkerID, raw); err != nil {
			slog.Error("complete failed", append(logAttrs, "error", err)...)
			return
		}
		slog.Info("job completed", logAttrs...)
		return
	}

	p.routeFailure(ctx, job, info, handlerErr, logAttrs)
}

func (p *Pool) routeFailure(ctx context.Context, job *domain.Job, info Info, handlerErr error, logAttrs []any) {
	logAttrs = append(logAttrs, "error", handlerErr)

	switch {
	case IsCancelled(handlerErr) || errors.Is(handlerErr, errCancellationRequested):
		if err := p.repo.MarkCancelled(ctx, job.ID, p.cfg.WorkerID, handlerErr.Error()); err != nil {
			slog.Error("mark cancelled failed", append(logAttrs, "db_error", err)...)
		} else {
			slog.Info("job cancelled", logAttrs...)
		}

	case errors.Is(handlerErr, domain.ErrJobOwnershipLost):
		// The sweep already moved the row on; nothing to write.
		slog.Warn("job ownership lost mid-execution", logAttrs...)

	case p.drainingNow() && errors.Is(handlerErr, context.Canceled):
		// Drain deadline hit; hand the job straight back to the queue.
		if err := p.repo.ScheduleRetry(ctx, job.ID, p.cfg.WorkerID, "worker drained", 0); err != nil {
			slog.Error("release on drain failed", append(logAttrs, "db_error", err)...)
		}

	case IsPanic(handlerErr):
		var panicErr PanicError
		errors.As(handlerErr, &panicErr)
		p.deadLetterOrFail(ctx, job, info, DeadLetterEntry{
			ErrorType:    "panic",
			ErrorMessage: panicErr.Error(),
			StackTrace:   panicErr.StackTrace,
		}, logAttrs)

	case IsPermanent(handlerErr):
		p.deadLetterOrFail(ctx, job, info, DeadLetterEntry{
			ErrorType:    "permanent",
			ErrorMessage: handlerErr.Error(),
		}, logAttrs)

	case job.Attempts < job.MaxAttempts:
		delay := info.Backoff.Delay(job.Attempts)
		if err := p.repo.ScheduleRetry(ctx, job.ID, p.cfg.WorkerID, handlerErr.Error(), delay); err != nil {
			slog.Error("schedule retry failed", append(logAttrs, "db_error", err)...)
		} else {
			slog.Warn("job failed, retry scheduled", append(logAttrs, "retry_in", delay)...)
		}

	default:
		p.deadLetterOrFail(ctx, job, info, DeadLetterEntry{
			ErrorType:    "exhausted",
			ErrorMessage: handlerErr.Error(),
		}, logAttrs)
	}
}

func (p *Pool) deadLetterOrFail(ctx context.Context, job *domain.Job, info Info, entry DeadLetterEntry, logAttrs []any) {
	if info.DeadLetter {
		if err := p.repo.MoveToDeadLetter(ctx, job.ID, p.cfg.WorkerID, entry); err != nil {
			slog.Error("dead letter failed", append(logAttrs, "db_error", err)...)
			return
		}
		slog.Error("job dead lettered", append(logAttrs, "error_type", entry.ErrorType)...)
		return
	}
	if err := p.repo.MarkFailed(ctx, job.ID, p.cfg.WorkerID, entry.ErrorMessage); err != nil {
		slog.Error("mark failed failed", append(logAttrs, "db_error", err)...)
		return
	}
	slog.Error("job failed permanently", logAttrs...)
}

func (p *Pool) drainingNow() bool {
	select {
	case <-p.draining:
		return true
	default:
		return false
	}
}

// drain stops claiming, releases claimed-but-not-started jobs, and waits for
// in-flight work up to the drain timeout. Jobs still running at the deadline
// have their contexts cancelled and go back to the queue.
func (p *Pool) drain() error {
	p.drainOne.Do(func() { close(p.draining) })
	ctx := context.Background()

	released, err := p.repo.ReleaseClaims(ctx, p.cfg.WorkerID)
	if err != nil {
		slog.Error("release claims on drain failed", "worker_id", p.cfg.WorkerID, "error", err)
	} else if released > 0 {
		slog.Info("released unstarted claims", "worker_id", p.cfg.WorkerID, "count", released)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool drained", "worker_id", p.cfg.WorkerID)
		return nil
	case <-time.After(p.cfg.DrainTimeout):
	}

	p.mu.Lock()
	for id, cancel := range p.inflight {
		slog.Warn("cancelling job at drain deadline", "job_id", id, "worker_id", p.cfg.WorkerID)
		cancel(context.Canceled)
	}
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("worker pool drained after deadline", "worker_id", p.cfg.WorkerID)
	return nil
}
