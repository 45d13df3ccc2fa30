package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Repository is the persistence surface for cron runs. The postgres package
// implements it.
type Repository interface {
	// ClaimRun inserts the run row for (name, scheduledTime). The unique
	// constraint on that pair makes the insert the exactly-once gate: the
	// returned run is nil when another node already owns the occurrence.
	ClaimRun(ctx context.Context, name string, scheduledTime time.Time, nodeID string, catchUp bool) (*domain.CronRun, error)

	// CompleteCronRun finalizes the run as completed, or failed when runErr is
	// non-empty.
	CompleteCronRun(ctx context.Context, runID, runErr string) error

	// LastCompletedTime returns the most recent completed scheduled_time for
	// a cron, or ok=false when it has never completed.
	LastCompletedTime(ctx context.Context, name string) (t time.Time, ok bool, err error)
}

// Leadership gates the scheduler to the current scheduler leader.
type Leadership interface {
	IsLeader() bool
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	NodeID string
	Tick   time.Duration
}

// Scheduler fires registered crons on the scheduler leader. Each tick it
// enumerates occurrences in the lookback window [now - 2*tick, now] and races
// peers for each one through the run-claim insert; duplicate leaders during a
// partition both try, and exactly one insert wins.
type Scheduler struct {
	cfg        SchedulerConfig
	registry   *Registry
	repo       Repository
	leadership Leadership

	wg sync.WaitGroup

	// wasLeader tracks leadership edges so each takeover runs one catch-up
	// pass before regular ticking.
	wasLeader bool
}

// NewScheduler builds the cron scheduler.
func NewScheduler(cfg SchedulerConfig, registry *Registry, repo Repository, leadership Leadership) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Scheduler{cfg: cfg, registry: registry, repo: repo, leadership: leadership}
}

// Run ticks until ctx is cancelled, then waits for in-flight handlers.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.leadership.IsLeader() {
		s.wasLeader = false
		return
	}

	if !s.wasLeader {
		s.wasLeader = true
		s.catchUp(ctx, now)
	}

	from := now.Add(-2 * s.cfg.Tick)
	for _, entry := range s.registry.Entries() {
		for _, occurrence := range entry.Occurrences(from, now, 100) {
			s.claimAndRun(ctx, entry, occurrence, false)
		}
	}
}

// catchUp claims missed occurrences since the last completed run, oldest
// first, bounded per cron. Runs once per leadership takeover.
func (s *Scheduler) catchUp(ctx context.Context, now time.Time) {
	for _, entry := range s.registry.Entries() {
		if !entry.Info.CatchUp {
			continue
		}
		last, ok, err := s.repo.LastCompletedTime(ctx, entry.Info.Name)
		if err != nil {
			slog.ErrorContext(ctx, "catch-up lookup failed",
				"cron", entry.Info.Name, "error", err)
			continue
		}
		if !ok {
			// Never completed; start from now rather than replaying history.
			continue
		}

		missed := entry.Occurrences(last, now.Add(-2*s.cfg.Tick), entry.Info.CatchUpLimit)
		if len(missed) == 0 {
			continue
		}
		slog.InfoContext(ctx, "cron catch-up",
			"cron", entry.Info.Name,
			"last_completed", last,
			"missed", len(missed))
		for _, occurrence := range missed {
			s.claimAndRun(ctx, entry, occurrence, true)
		}
	}
}

// claimAndRun races for the occurrence and, on winning, executes the handler
// asynchronously under its timeout.
func (s *Scheduler) claimAndRun(ctx context.Context, entry *Entry, scheduledTime time.Time, catchUp bool) {
	run, err := s.repo.ClaimRun(ctx, entry.Info.Name, scheduledTime, s.cfg.NodeID, catchUp)
	if err != nil {
		slog.ErrorContext(ctx, "cron claim failed",
			"cron", entry.Info.Name, "scheduled_time", scheduledTime, "error", err)
		return
	}
	if run == nil {
		return // another node owns this occurrence
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(entry, run)
	}()
}

// execute runs the handler to completion with panic isolation. It detaches
// from the tick context so a leadership change doesn't abort a run that this
// node already owns.
func (s *Scheduler) execute(entry *Entry, run *domain.CronRun) {
	ctx, cancel := context.WithTimeout(context.Background(), entry.Info.Timeout)
	defer cancel()

	slog.InfoContext(ctx, "cron run started",
		"cron", run.CronName,
		"run_id", run.ID,
		"scheduled_time", run.ScheduledTime,
		"catch_up", run.CatchUp)

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runErr = entry.Handler(ctx, run)
	}()

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		slog.ErrorContext(ctx, "cron run failed",
			"cron", run.CronName, "run_id", run.ID, "error", runErr)
	} else {
		slog.InfoContext(ctx, "cron run completed",
			"cron", run.CronName, "run_id", run.ID)
	}

	finalizeCtx, cancelFinalize := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinalize()
	if err := s.repo.CompleteCronRun(finalizeCtx, run.ID, errText); err != nil {
		slog.ErrorContext(finalizeCtx, "cron run finalize failed",
			"cron", run.CronName, "run_id", run.ID, "error", err)
	}
}
