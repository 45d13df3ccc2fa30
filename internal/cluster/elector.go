package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// ElectorConfig tunes one role's election loop.
type ElectorConfig struct {
	Role          string // lease table key, e.g. "scheduler"
	LockKey       int64  // advisory lock key for the role
	NodeID        string
	Lease         time.Duration // lease row validity; renewed at half-life
	RetryInterval time.Duration // non-leader acquire cadence
}

func (c *ElectorConfig) applyDefaults() {
	if c.Lease <= 0 {
		c.Lease = 60 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
}

// Elector runs leader election for one role. Mutual exclusion comes from a
// session advisory lock: PostgreSQL releases it the instant the holder's
// session dies, so failover needs no timeout negotiation beyond TCP. The
// lease row in forge_leaders mirrors the holder for observability and lets
// non-leaders answer "who leads" without probing the lock.
type Elector struct {
	cfg     ElectorConfig
	repo    Repository
	locks   LockFactory
	leading atomic.Bool
}

// NewElector builds an elector for one role.
func NewElector(cfg ElectorConfig, repo Repository, locks LockFactory) *Elector {
	cfg.applyDefaults()
	return &Elector{cfg: cfg, repo: repo, locks: locks}
}

// IsLeader reports whether this node currently holds the role. Leader-only
// loops check it every cycle; it flips false the moment the lock session is
// detected dead.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Leader returns the recorded holder of the role.
func (e *Elector) Leader(ctx context.Context) (*domain.Leader, error) {
	return e.repo.GetLeader(ctx, e.cfg.Role)
}

// Run drives the acquire/hold/release cycle until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) error {
	for {
		if err := e.campaign(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.ErrorContext(ctx, "election cycle failed",
				"role", e.cfg.Role, "node_id", e.cfg.NodeID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// campaign pins a lock session and tries to take the role. On success it
// holds the role until the session dies or ctx is cancelled. Any error path
// drops the session, which releases the lock server-side.
func (e *Elector) campaign(ctx context.Context) error {
	lock, err := e.locks(ctx)
	if err != nil {
		return fmt.Errorf("pin lock session: %w", err)
	}
	defer lock.Close()

	acquired, err := lock.TryLock(ctx, e.cfg.LockKey)
	if err != nil {
		return fmt.Errorf("try role lock: %w", err)
	}
	if !acquired {
		return nil
	}

	if err := e.repo.UpsertLease(ctx, e.cfg.Role, e.cfg.NodeID, time.Now().UTC().Add(e.cfg.Lease)); err != nil {
		return fmt.Errorf("record lease: %w", err)
	}
	e.leading.Store(true)
	slog.InfoContext(ctx, "leadership acquired",
		"role", e.cfg.Role, "node_id", e.cfg.NodeID)

	err = e.hold(ctx, lock)

	e.leading.Store(false)
	slog.InfoContext(ctx, "leadership released",
		"role", e.cfg.Role, "node_id", e.cfg.NodeID, "reason", err)

	// Best-effort cleanup; the successor overwrites the lease row anyway.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dbErr := e.repo.DeleteLease(cleanupCtx, e.cfg.Role, e.cfg.NodeID); dbErr != nil {
		slog.WarnContext(ctx, "lease cleanup failed",
			"role", e.cfg.Role, "node_id", e.cfg.NodeID, "error", dbErr)
	}
	if ctx.Err() != nil {
		_ = lock.Unlock(cleanupCtx, e.cfg.LockKey)
		return nil
	}
	return err
}

// hold renews the lease at half-life and pings the lock session each cycle.
// A failed ping means the session (and the lock) is gone; leadership must be
// surrendered immediately even though ctx is still live.
func (e *Elector) hold(ctx context.Context, lock RoleLock) error {
	ticker := time.NewTicker(e.cfg.Lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := lock.Ping(ctx); err != nil {
				return fmt.Errorf("lock session lost: %w", err)
			}
			if err := e.repo.UpsertLease(ctx, e.cfg.Role, e.cfg.NodeID, time.Now().UTC().Add(e.cfg.Lease)); err != nil {
				return fmt.Errorf("renew lease: %w", err)
			}
		}
	}
}
