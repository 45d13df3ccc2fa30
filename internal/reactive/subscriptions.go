package reactive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// SubscriptionKind separates the three push flavors.
type SubscriptionKind string

const (
	KindQuery    SubscriptionKind = "query"
	KindJob      SubscriptionKind = "job"
	KindWorkflow SubscriptionKind = "workflow"
)

// Subscription is one live push registration on this node. Query
// subscriptions carry a ReadSet; job and workflow subscriptions carry the
// target entity ID instead.
type Subscription struct {
	ID          string // server-assigned
	SessionID   string
	ClientSubID string
	Kind        SubscriptionKind

	FunctionName string
	Args         json.RawMessage
	ReadSet      *ReadSet

	TargetID string // job ID or workflow run ID

	Fingerprint string

	// runMu serializes executions and sends for this subscription, which is
	// what gives a session FIFO updates per subscription. lastResult is only
	// touched under it, so the fingerprint and the send it belongs to are
	// observed together.
	runMu      sync.Mutex
	lastResult string
}

// QueryFingerprint canonically identifies a (function, args) pair so
// identical subscriptions across sessions can be coalesced.
func QueryFingerprint(function string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(function))
	h.Write([]byte{0})
	h.Write(args)
	return hex.EncodeToString(h.Sum(nil))
}

// ResultFingerprint hashes a serialized result so re-executions that produce
// identical data can skip the send.
func ResultFingerprint(data json.RawMessage) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Manager indexes live subscriptions four ways: by subscription ID (lookup),
// by session (cleanup on disconnect), by query fingerprint (duplicate
// coalescing), and by target ID (job/workflow change routing). Change routing
// reads are the hot path; everything is under one RWMutex.
type Manager struct {
	mu            sync.RWMutex
	byID          map[string]*Subscription
	bySession     map[string]map[string]*Subscription
	byFingerprint map[string]map[string]*Subscription
	byJobTarget   map[string]map[string]*Subscription
	byWorkflow    map[string]map[string]*Subscription
}

// NewManager creates an empty subscription manager.
func NewManager() *Manager {
	return &Manager{
		byID:          make(map[string]*Subscription),
		bySession:     make(map[string]map[string]*Subscription),
		byFingerprint: make(map[string]map[string]*Subscription),
		byJobTarget:   make(map[string]map[string]*Subscription),
		byWorkflow:    make(map[string]map[string]*Subscription),
	}
}

func addIndex(index map[string]map[string]*Subscription, key string, sub *Subscription) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Subscription)
		index[key] = set
	}
	set[sub.ID] = sub
}

func dropIndex(index map[string]map[string]*Subscription, key, subID string) {
	if set, ok := index[key]; ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// Add registers a subscription in every applicable index.
func (m *Manager) Add(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[sub.ID] = sub
	addIndex(m.bySession, sub.SessionID, sub)
	switch sub.Kind {
	case KindQuery:
		if sub.Fingerprint == "" {
			sub.Fingerprint = QueryFingerprint(sub.FunctionName, sub.Args)
		}
		addIndex(m.byFingerprint, sub.Fingerprint, sub)
	case KindJob:
		addIndex(m.byJobTarget, sub.TargetID, sub)
	case KindWorkflow:
		addIndex(m.byWorkflow, sub.TargetID, sub)
	}
}

// Remove deletes one subscription. Returns it, or nil when unknown.
func (m *Manager) Remove(subID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(subID)
}

func (m *Manager) removeLocked(subID string) *Subscription {
	sub, ok := m.byID[subID]
	if !ok {
		return nil
	}
	delete(m.byID, subID)
	dropIndex(m.bySession, sub.SessionID, subID)
	switch sub.Kind {
	case KindQuery:
		dropIndex(m.byFingerprint, sub.Fingerprint, subID)
	case KindJob:
		dropIndex(m.byJobTarget, sub.TargetID, subID)
	case KindWorkflow:
		dropIndex(m.byWorkflow, sub.TargetID, subID)
	}
	return sub
}

// RemoveSession deletes every subscription of a session and returns them.
// Called on WebSocket disconnect.
func (m *Manager) RemoveSession(sessionID string) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*Subscription
	for subID := range m.bySession[sessionID] {
		if sub := m.removeLocked(subID); sub != nil {
			removed = append(removed, sub)
		}
	}
	return removed
}

// Get returns one subscription.
func (m *Manager) Get(subID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[subID]
	return sub, ok
}

// FindBySession resolves a client-chosen subscription ID within a session.
func (m *Manager) FindBySession(sessionID, clientSubID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.bySession[sessionID] {
		if sub.ClientSubID == clientSubID {
			return sub, true
		}
	}
	return nil, false
}

// QueriesInvalidatedBy snapshots the query subscriptions whose read set the
// change invalidates.
func (m *Manager) QueriesInvalidatedBy(c Change) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hit []*Subscription
	for _, sub := range m.byID {
		if sub.Kind == KindQuery && sub.ReadSet != nil && sub.ReadSet.InvalidatedBy(c) {
			hit = append(hit, sub)
		}
	}
	return hit
}

// AllQueries snapshots every query subscription. Used for conservative
// invalidation after listener lag.
func (m *Manager) AllQueries() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []*Subscription
	for _, sub := range m.byID {
		if sub.Kind == KindQuery {
			subs = append(subs, sub)
		}
	}
	return subs
}

// JobSubscribers snapshots subscriptions watching one job.
func (m *Manager) JobSubscribers(jobID string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot(m.byJobTarget[jobID])
}

// WorkflowSubscribers snapshots subscriptions watching one workflow run.
func (m *Manager) WorkflowSubscribers(runID string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot(m.byWorkflow[runID])
}

func snapshot(set map[string]*Subscription) []*Subscription {
	if len(set) == 0 {
		return nil
	}
	subs := make([]*Subscription, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// Len reports the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
