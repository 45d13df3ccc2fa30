package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/function"
	"github.com/forgelabs/forge/internal/reactive"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	subs     map[string]SubscriptionRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions: make(map[string]*domain.Session),
		subs:     make(map[string]SubscriptionRecord),
	}
}

func (s *memSessionStore) CreateSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *memSessionStore) TouchSession(context.Context, string) error { return nil }

func (s *memSessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *memSessionStore) SaveSubscription(_ context.Context, rec SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[rec.SubscriptionID] = rec
	return nil
}

func (s *memSessionStore) DeleteSubscription(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subscriptionID)
	return nil
}

func (s *memSessionStore) subCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type fakeSnapshots struct{ known map[string]json.RawMessage }

func (f fakeSnapshots) JobSnapshot(_ context.Context, jobID string) (json.RawMessage, error) {
	if data, ok := f.known[jobID]; ok {
		return data, nil
	}
	return nil, domain.ErrNotFound
}

func (f fakeSnapshots) WorkflowSnapshot(_ context.Context, runID string) (json.RawMessage, error) {
	if data, ok := f.known[runID]; ok {
		return data, nil
	}
	return nil, domain.ErrNotFound
}

func (f fakeSnapshots) StepRunID(context.Context, string) (string, error) {
	return "", domain.ErrNotFound
}

// lateSink lets the reactor be built before the hub it delivers to.
type lateSink struct{ hub *Hub }

func (s *lateSink) SendData(sessionID, clientSubID string, data json.RawMessage) {
	s.hub.SendData(sessionID, clientSubID, data)
}
func (s *lateSink) SendJobUpdate(sessionID, clientSubID string, data json.RawMessage) {
	s.hub.SendJobUpdate(sessionID, clientSubID, data)
}
func (s *lateSink) SendWorkflowUpdate(sessionID, clientSubID string, data json.RawMessage) {
	s.hub.SendWorkflowUpdate(sessionID, clientSubID, data)
}

func newTestHub(t *testing.T) (*Hub, *memSessionStore, *Session) {
	t.Helper()

	functions := function.NewRegistry()
	functions.Register(function.Info{Name: "list_orders"}, func(ctx *function.Context, args json.RawMessage) (any, error) {
		ctx.TrackRow("orders", "o-1")
		return []string{"o-1"}, nil
	})

	manager := reactive.NewManager()
	snapshots := fakeSnapshots{known: map[string]json.RawMessage{
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8": json.RawMessage(`{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`),
	}}
	store := newMemSessionStore()

	sink := &lateSink{}
	reactor := reactive.NewReactor(reactive.ReactorConfig{}, manager, functions, snapshots, sink)
	hub := NewHub(HubConfig{NodeID: "node-1"}, manager, reactor, functions, snapshots, store, nil)
	sink.hub = hub

	session := &Session{
		id:   "11111111-2222-3333-4444-555555555555",
		hub:  hub,
		send: make(chan ServerMessage, sendBuffer),
	}
	hub.mu.Lock()
	hub.sessions[session.id] = session
	hub.mu.Unlock()

	return hub, store, session
}

func recv(t *testing.T, s *Session) ServerMessage {
	t.Helper()
	select {
	case msg := <-s.send:
		return msg
	default:
		t.Fatal("no frame queued")
		return ServerMessage{}
	}
}

func TestSubscribe_QueryFlow(t *testing.T) {
	hub, store, session := newTestHub(t)

	hub.handleMessage(session, ClientMessage{
		Type: MsgSubscribe, ID: "q1", Function: "list_orders",
		Args: json.RawMessage(`{}`),
	})

	subscribed := recv(t, session)
	assert.Equal(t, MsgSubscribed, subscribed.Type)
	assert.Equal(t, "q1", subscribed.ID)

	data := recv(t, session)
	assert.Equal(t, MsgData, data.Type)
	assert.JSONEq(t, `["o-1"]`, string(data.Data))

	sub, ok := hub.manager.FindBySession(session.id, "q1")
	require.True(t, ok)
	// {} args normalize away so identical subscriptions fingerprint together.
	assert.Nil(t, sub.Args)
	// The initial run populated the read set, so matching changes invalidate.
	assert.True(t, sub.ReadSet.InvalidatedBy(reactive.Change{
		Table: "orders", Op: reactive.OpUpdate, RowID: "o-1"}))
	assert.Equal(t, 1, store.subCount())
}

func TestSubscribe_Rejections(t *testing.T) {
	hub, _, session := newTestHub(t)

	hub.handleMessage(session, ClientMessage{Type: MsgSubscribe, ID: "q1", Function: "nope"})
	frame := recv(t, session)
	assert.Equal(t, MsgError, frame.Type)
	assert.Equal(t, string(domain.KindValidation), frame.Code)

	hub.handleMessage(session, ClientMessage{Type: MsgSubscribe, Function: "list_orders"})
	frame = recv(t, session)
	assert.Equal(t, MsgError, frame.Type)

	// Duplicate client sub ID on one session.
	hub.handleMessage(session, ClientMessage{Type: MsgSubscribe, ID: "q1", Function: "list_orders"})
	recv(t, session) // subscribed
	recv(t, session) // data
	hub.handleMessage(session, ClientMessage{Type: MsgSubscribe, ID: "q1", Function: "list_orders"})
	frame = recv(t, session)
	assert.Equal(t, MsgError, frame.Type)
	assert.Equal(t, string(domain.KindConflict), frame.Code)
}

func TestSubscribeJob_SnapshotAndValidation(t *testing.T) {
	hub, _, session := newTestHub(t)

	hub.handleMessage(session, ClientMessage{
		Type: MsgSubscribeJob, ID: "j1",
		JobID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	})
	assert.Equal(t, MsgSubscribed, recv(t, session).Type)
	update := recv(t, session)
	assert.Equal(t, MsgJobUpdate, update.Type)
	assert.Equal(t, "j1", update.ID)

	hub.handleMessage(session, ClientMessage{Type: MsgSubscribeJob, ID: "j2", JobID: "not-a-uuid"})
	frame := recv(t, session)
	assert.Equal(t, MsgError, frame.Type)
	assert.Equal(t, string(domain.KindValidation), frame.Code)

	// Well-formed but nonexistent target.
	hub.handleMessage(session, ClientMessage{
		Type: MsgSubscribeJob, ID: "j3",
		JobID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
	})
	frame = recv(t, session)
	assert.Equal(t, MsgError, frame.Type)
	assert.Equal(t, string(domain.KindNotFound), frame.Code)
}

func TestUnsubscribe(t *testing.T) {
	hub, store, session := newTestHub(t)

	hub.handleMessage(session, ClientMessage{Type: MsgSubscribe, ID: "q1", Function: "list_orders"})
	recv(t, session)
	recv(t, session)
	require.Equal(t, 1, hub.manager.Len())

	hub.handleMessage(session, ClientMessage{Type: MsgUnsubscribe, ID: "q1"})
	frame := recv(t, session)
	assert.Equal(t, MsgUnsubscribed, frame.Type)
	assert.Equal(t, 0, hub.manager.Len())
	assert.Equal(t, 0, store.subCount())

	hub.handleMessage(session, ClientMessage{Type: MsgUnsubscribe, ID: "q1"})
	frame = recv(t, session)
	assert.Equal(t, MsgError, frame.Type)
	assert.Equal(t, string(domain.KindNotFound), frame.Code)
}

func TestPingAndAuthUnconfigured(t *testing.T) {
	hub, _, session := newTestHub(t)

	hub.handleMessage(session, ClientMessage{Type: MsgPing})
	assert.Equal(t, MsgPong, recv(t, session).Type)

	hub.handleMessage(session, ClientMessage{Type: MsgAuth, Token: "whatever"})
	frame := recv(t, session)
	assert.Equal(t, MsgError, frame.Type)
	assert.Equal(t, string(domain.KindForbidden), frame.Code)
}

func TestSendOverflow_ClosesSessionAndDropsLaterFrames(t *testing.T) {
	hub, store, session := newTestHub(t)

	for range sendBuffer {
		session.trySend(ServerMessage{Type: MsgPong})
	}

	// The overflowing frame tears the session down; the frames that follow
	// (the hub sends subscribed and the snapshot back to back) must be
	// dropped, not sent on the closed channel.
	session.trySend(ServerMessage{Type: MsgSubscribed, ID: "j1"})
	session.trySend(ServerMessage{Type: MsgJobUpdate, ID: "j1", Data: json.RawMessage(`{}`)})
	hub.SendData(session.id, "j1", json.RawMessage(`[]`))

	_, live := hub.session(session.id)
	assert.False(t, live)
	assert.Equal(t, 0, store.subCount())
}

func TestDisconnect_CleansUpSubscriptions(t *testing.T) {
	hub, store, session := newTestHub(t)

	hub.handleMessage(session, ClientMessage{Type: MsgSubscribe, ID: "q1", Function: "list_orders"})
	hub.handleMessage(session, ClientMessage{
		Type: MsgSubscribeJob, ID: "j1",
		JobID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	})
	require.Equal(t, 2, hub.manager.Len())
	require.Equal(t, 2, store.subCount())

	session.close()

	assert.Equal(t, 0, hub.manager.Len())
	assert.Equal(t, 0, store.subCount())
	_, live := hub.session(session.id)
	assert.False(t, live)
}
