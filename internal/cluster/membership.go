package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// MembershipConfig tunes the heartbeat and failure-detection cadence.
// DeadThreshold must exceed Heartbeat by enough margin that one missed beat
// doesn't declare a node dead.
type MembershipConfig struct {
	Heartbeat     time.Duration
	DeadThreshold time.Duration
}

func (c *MembershipConfig) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = 3 * c.Heartbeat
	}
}

// Leadership gates cluster-wide duties to the scheduler leader.
type Leadership interface {
	IsLeader() bool
}

// Membership keeps this node's registry row alive. Every node heartbeats;
// only the scheduler leader sweeps dead peers. The sweep SQL is idempotent,
// so duplicate leaders during a partition only cost a few no-op updates.
type Membership struct {
	cfg        MembershipConfig
	node       *domain.Node
	repo       Repository
	leadership Leadership
	onDead     func(ctx context.Context, nodeIDs []string)
}

// NewMembership builds the membership manager for this node.
func NewMembership(cfg MembershipConfig, node *domain.Node, repo Repository, leadership Leadership) *Membership {
	cfg.applyDefaults()
	return &Membership{cfg: cfg, node: node, repo: repo, leadership: leadership}
}

// Node returns this node's registration record.
func (m *Membership) Node() *domain.Node { return m.node }

// OnDeadNodes registers a callback invoked with the IDs of peers this node's
// sweep declared dead. Set before Run.
func (m *Membership) OnDeadNodes(fn func(ctx context.Context, nodeIDs []string)) {
	m.onDead = fn
}

// Register inserts this node in the joining state. The first heartbeat
// promotes it to active.
func (m *Membership) Register(ctx context.Context) error {
	m.node.Status = domain.NodeJoining
	m.node.StartedAt = time.Now().UTC()
	m.node.LastHeartbeat = m.node.StartedAt
	if err := m.repo.RegisterNode(ctx, m.node); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	slog.InfoContext(ctx, "node registered",
		"node_id", m.node.ID,
		"hostname", m.node.Hostname,
		"roles", m.node.Roles,
		"capabilities", m.node.Capabilities)
	return nil
}

// Run heartbeats until ctx is cancelled. On the scheduler leader each beat
// also sweeps peers whose heartbeat went stale.
func (m *Membership) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.repo.NodeHeartbeat(ctx, m.node.ID); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.ErrorContext(ctx, "node heartbeat failed",
					"node_id", m.node.ID, "error", err)
				continue
			}

			if !m.leadership.IsLeader() {
				continue
			}

			dead, err := m.repo.MarkDeadNodes(ctx, m.cfg.DeadThreshold)
			if err != nil {
				slog.ErrorContext(ctx, "dead node sweep failed",
					"node_id", m.node.ID, "error", err)
				continue
			}
			if len(dead) > 0 {
				for _, id := range dead {
					slog.WarnContext(ctx, "node declared dead", "dead_node_id", id)
				}
				if m.onDead != nil {
					m.onDead(ctx, dead)
				}
			}
		}
	}
}

// Drain flips this node to draining so peers stop routing to it. The job
// pool and workflow engine observe the flag through their own shutdown paths.
func (m *Membership) Drain(ctx context.Context) error {
	if err := m.repo.SetNodeStatus(ctx, m.node.ID, domain.NodeDraining); err != nil {
		return fmt.Errorf("set draining: %w", err)
	}
	slog.InfoContext(ctx, "node draining", "node_id", m.node.ID)
	return nil
}

// Deregister removes the node row on clean shutdown. Crashed nodes skip this
// and are swept by a peer instead.
func (m *Membership) Deregister(ctx context.Context) error {
	if err := m.repo.RemoveNode(ctx, m.node.ID); err != nil {
		return fmt.Errorf("deregister node: %w", err)
	}
	slog.InfoContext(ctx, "node deregistered", "node_id", m.node.ID)
	return nil
}

// Peers lists the cluster as last persisted.
func (m *Membership) Peers(ctx context.Context) ([]*domain.Node, error) {
	return m.repo.ListNodes(ctx)
}
