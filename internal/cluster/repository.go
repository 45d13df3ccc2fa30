package cluster

import (
	"context"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Repository is the persistence surface for membership and leader leases.
// The postgres package implements it.
type Repository interface {
	// RegisterNode upserts the node row. A restarting node reuses its ID and
	// overwrites the previous registration.
	RegisterNode(ctx context.Context, node *domain.Node) error

	// NodeHeartbeat refreshes last_heartbeat and promotes a joining node to
	// active.
	NodeHeartbeat(ctx context.Context, nodeID string) error

	// SetNodeStatus transitions the node's lifecycle status.
	SetNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error

	// MarkDeadNodes flags nodes whose heartbeat is older than the threshold
	// as dead and returns their IDs. Idempotent, so a leadership handoff
	// mid-sweep is harmless.
	MarkDeadNodes(ctx context.Context, olderThan time.Duration) ([]string, error)

	// RemoveNode deletes the node row after a clean shutdown.
	RemoveNode(ctx context.Context, nodeID string) error

	// ListNodes returns all known nodes.
	ListNodes(ctx context.Context) ([]*domain.Node, error)

	// GetNode returns one node.
	GetNode(ctx context.Context, nodeID string) (*domain.Node, error)

	// UpsertLease records the current holder of a leader role. The lease row
	// is observability and fencing metadata; the advisory lock is the actual
	// mutual exclusion.
	UpsertLease(ctx context.Context, role, nodeID string, leaseUntil time.Time) error

	// GetLeader returns the recorded holder of a role, or domain.ErrNotFound.
	GetLeader(ctx context.Context, role string) (*domain.Leader, error)

	// DeleteLease removes the lease row if this node holds it.
	DeleteLease(ctx context.Context, role, nodeID string) error
}

// RoleLock is a session-scoped advisory lock: it lives exactly as long as the
// underlying database session, which is what failover detection hangs off.
type RoleLock interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
	Ping(ctx context.Context) error
	Close()
}

// LockFactory pins a fresh session for advisory-lock use.
type LockFactory func(ctx context.Context) (RoleLock, error)
