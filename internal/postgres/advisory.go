package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Advisory lock key layout: 64-bit signed integer with the high 32 bits fixed
// to "FORG" and the low 32 bits holding the role discriminator. Migrations
// use a 40-bit constant in the low word so the two key spaces never collide.
const (
	lockNamespace = int64(0x464F5247) << 32 // "FORG"

	// MigrationLockKey serializes schema migrations across booting nodes.
	MigrationLockKey = int64(0x464F524745) // "FORGE"
)

// Role discriminators for runtime advisory locks.
const (
	LockRoleScheduler         = 1
	LockRoleMetricsAggregator = 2
	LockRoleLogCompactor      = 3
)

// LockKey builds the advisory-lock key for a role discriminator.
func LockKey(roleID int32) int64 {
	return lockNamespace | int64(uint32(roleID))
}

// AdvisoryLocker holds a dedicated connection for session-scoped advisory
// locks. Advisory locks are tied to the session: if the connection (or the
// process) dies, PostgreSQL releases them, which is exactly the failover
// behavior leader election relies on.
type AdvisoryLocker struct {
	conn *pgxpool.Conn
}

// AcquireLocker pins a pool connection for advisory-lock use. The caller owns
// the locker and must Close it; locks acquired through it live until then.
func (s *Store) AcquireLocker(ctx context.Context) (*AdvisoryLocker, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}
	return &AdvisoryLocker{conn: conn}, nil
}

// TryLock attempts a non-blocking session advisory lock on key.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := l.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	return acquired, nil
}

// Unlock releases a session advisory lock on key.
func (l *AdvisoryLocker) Unlock(ctx context.Context, key int64) error {
	var released bool
	err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", key)
	}
	return nil
}

// Ping verifies the lock session is still alive. A dead session means every
// lock it held is already gone.
func (l *AdvisoryLocker) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}

// Close releases the pinned connection and with it all session locks.
func (l *AdvisoryLocker) Close() {
	l.conn.Release()
}
