package job

import (
	"context"
	"log/slog"
	"time"
)

// StaleSweepStore is the slice of the repository the sweeper needs.
type StaleSweepStore interface {
	SweepStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Leadership gates the sweep to the scheduler leader.
type Leadership interface {
	IsLeader() bool
}

// SweeperConfig tunes the stale-job sweep.
type SweeperConfig struct {
	// Threshold is how long a claimed or running job may go without a
	// heartbeat before it is reclaimed.
	Threshold time.Duration
	// Interval overrides the sweep cadence; it defaults to Threshold/2 with a
	// one-second floor.
	Interval time.Duration
}

// Sweeper periodically returns jobs whose worker heartbeat went silent to
// pending. Only the scheduler leader sweeps; the SQL is idempotent, so a
// leadership handoff mid-sweep is harmless.
type Sweeper struct {
	cfg        SweeperConfig
	store      StaleSweepStore
	leadership Leadership
}

// NewSweeper builds the crash-recovery sweeper.
func NewSweeper(cfg SweeperConfig, store StaleSweepStore, leadership Leadership) *Sweeper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Threshold / 2
		if cfg.Interval < time.Second {
			cfg.Interval = time.Second
		}
	}
	return &Sweeper{cfg: cfg, store: store, leadership: leadership}
}

// Run sweeps on each tick while this node leads, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.leadership.IsLeader() {
				continue
			}
			swept, err := s.store.SweepStaleJobs(ctx, s.cfg.Threshold)
			if err != nil {
				if ctx.Err() == nil {
					slog.ErrorContext(ctx, "stale job sweep failed", "error", err)
				}
				continue
			}
			if swept > 0 {
				slog.InfoContext(ctx, "stale jobs reclaimed", "count", swept)
			}
		}
	}
}
