package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/domain"
)

type fakeClusterRepo struct {
	mu         sync.Mutex
	heartbeats int
	sweeps     int
	dead       []string
	statuses   []domain.NodeStatus
	removed    bool
}

func (f *fakeClusterRepo) RegisterNode(context.Context, *domain.Node) error { return nil }

func (f *fakeClusterRepo) NodeHeartbeat(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeClusterRepo) SetNodeStatus(_ context.Context, _ string, status domain.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeClusterRepo) MarkDeadNodes(context.Context, time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.dead, nil
}

func (f *fakeClusterRepo) RemoveNode(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeClusterRepo) ListNodes(context.Context) ([]*domain.Node, error) { return nil, nil }
func (f *fakeClusterRepo) GetNode(context.Context, string) (*domain.Node, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeClusterRepo) UpsertLease(context.Context, string, string, time.Time) error { return nil }
func (f *fakeClusterRepo) GetLeader(context.Context, string) (*domain.Leader, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeClusterRepo) DeleteLease(context.Context, string, string) error { return nil }

func (f *fakeClusterRepo) counts() (heartbeats, sweeps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats, f.sweeps
}

type fakeLeadership struct{ leader atomic.Bool }

func (f *fakeLeadership) IsLeader() bool { return f.leader.Load() }

func runMembership(t *testing.T, m *Membership) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() { cancel(); <-done })
	return cancel
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

// Followers heartbeat but leave the dead-peer sweep to the scheduler leader.
func TestRun_SweepOnlyOnLeader(t *testing.T) {
	repo := &fakeClusterRepo{}
	leadership := &fakeLeadership{}
	node := &domain.Node{ID: "n1", Hostname: "host-1"}
	m := NewMembership(MembershipConfig{Heartbeat: 10 * time.Millisecond}, node, repo, leadership)
	runMembership(t, m)

	waitUntil(t, func() bool { hb, _ := repo.counts(); return hb >= 3 })
	_, sweeps := repo.counts()
	assert.Zero(t, sweeps, "follower must not sweep")

	leadership.leader.Store(true)
	waitUntil(t, func() bool { _, s := repo.counts(); return s >= 1 })
}

// The sweep reports dead peers to the registered callback on the leader.
func TestRun_DeadNodesReachCallback(t *testing.T) {
	repo := &fakeClusterRepo{dead: []string{"gone-1", "gone-2"}}
	leadership := &fakeLeadership{}
	leadership.leader.Store(true)
	node := &domain.Node{ID: "n1"}

	var mu sync.Mutex
	var reported []string
	m := NewMembership(MembershipConfig{Heartbeat: 10 * time.Millisecond}, node, repo, leadership)
	m.OnDeadNodes(func(_ context.Context, nodeIDs []string) {
		mu.Lock()
		reported = append(reported, nodeIDs...)
		mu.Unlock()
	})
	runMembership(t, m)

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, reported, "gone-1")
	assert.Contains(t, reported, "gone-2")
}

func TestDrainAndDeregister(t *testing.T) {
	repo := &fakeClusterRepo{}
	node := &domain.Node{ID: "n1"}
	m := NewMembership(MembershipConfig{}, node, repo, &fakeLeadership{})

	ctx := context.Background()
	require.NoError(t, m.Drain(ctx))
	require.NoError(t, m.Deregister(ctx))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, []domain.NodeStatus{domain.NodeDraining}, repo.statuses)
	assert.True(t, repo.removed)
}
