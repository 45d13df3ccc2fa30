package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/reactive"
)

// Functions is the slice of the function registry the hub needs.
type Functions interface {
	Known(name string) bool
	ReadTables(name string) ([]string, error)
}

// Authenticator resolves an auth token to a user ID. Token issuance and
// verification live outside the core; this is the seam they plug into.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// SubscriptionRecord is the persisted shape of one subscription.
type SubscriptionRecord struct {
	SubscriptionID string
	SessionID      string
	ClientSubID    string
	Kind           string
	FunctionName   string
	Args           json.RawMessage
	ReadTables     []string
	TargetID       string
}

// SessionStore persists sessions and subscriptions. Rows exist so peers can
// attribute orphaned subscriptions after a node dies; the in-memory indexes
// are the hot path.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	TouchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	SaveSubscription(ctx context.Context, rec SubscriptionRecord) error
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}

// HubConfig tunes the hub.
type HubConfig struct {
	NodeID      string
	RowLimit    int  // adaptive read-set widening threshold
	CheckOrigin bool // false disables origin checks (dev mode)
}

// Hub owns every WebSocket session on this node and is the reactor's
// delivery sink. Frames are routed to sessions by ID; a dead or slow session
// drops out and takes its subscriptions with it.
type Hub struct {
	cfg       HubConfig
	manager   *reactive.Manager
	reactor   *reactive.Reactor
	functions Functions
	snapshots reactive.Snapshots
	store     SessionStore
	auth      Authenticator // nil means auth frames are rejected

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub wires the hub. auth may be nil.
func NewHub(cfg HubConfig, manager *reactive.Manager, reactor *reactive.Reactor,
	functions Functions, snapshots reactive.Snapshots, store SessionStore,
	auth Authenticator) *Hub {
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = 1024
	}
	h := &Hub{
		cfg:       cfg,
		manager:   manager,
		reactor:   reactor,
		functions: functions,
		snapshots: snapshots,
		store:     store,
		auth:      auth,
		sessions:  make(map[string]*Session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if !cfg.CheckOrigin {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

// ServeHTTP upgrades the connection and runs the session pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := &Session{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan ServerMessage, sendBuffer),
	}

	now := time.Now().UTC()
	if err := h.store.CreateSession(r.Context(), &domain.Session{
		ID:           session.id,
		NodeID:       h.cfg.NodeID,
		ConnectedAt:  now,
		LastActivity: now,
	}); err != nil {
		slog.Error("persist session failed", "session_id", session.id, "error", err)
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()

	slog.Info("session connected", "session_id", session.id)

	go session.writePump()
	session.trySend(ServerMessage{Type: MsgConnected, SessionID: session.id})
	session.readPump()
}

// dropSession removes the session and cleans up all its subscriptions across
// every index, in memory and persisted.
func (h *Hub) dropSession(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	removed := h.manager.RemoveSession(s.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range removed {
		if err := h.store.DeleteSubscription(ctx, sub.ID); err != nil {
			slog.Warn("delete subscription row failed",
				"subscription_id", sub.ID, "error", err)
		}
	}
	if err := h.store.DeleteSession(ctx, s.id); err != nil {
		slog.Warn("delete session row failed", "session_id", s.id, "error", err)
	}

	slog.Info("session disconnected",
		"session_id", s.id,
		"subscriptions_cleaned", len(removed))
}

func (h *Hub) session(sessionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

// === reactive.Sink ===

// SendData delivers a query result frame.
func (h *Hub) SendData(sessionID, clientSubID string, data json.RawMessage) {
	if s, ok := h.session(sessionID); ok {
		s.trySend(ServerMessage{Type: MsgData, ID: clientSubID, Data: data})
	}
}

// SendJobUpdate delivers a job snapshot or progress frame.
func (h *Hub) SendJobUpdate(sessionID, clientSubID string, data json.RawMessage) {
	if s, ok := h.session(sessionID); ok {
		s.trySend(ServerMessage{Type: MsgJobUpdate, ID: clientSubID, Data: data})
	}
}

// SendWorkflowUpdate delivers a workflow snapshot frame.
func (h *Hub) SendWorkflowUpdate(sessionID, clientSubID string, data json.RawMessage) {
	if s, ok := h.session(sessionID); ok {
		s.trySend(ServerMessage{Type: MsgWorkflowUpdate, ID: clientSubID, Data: data})
	}
}

// === message dispatch ===

func (h *Hub) handleMessage(s *Session, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = h.store.TouchSession(ctx, s.id)

	switch msg.Type {
	case MsgPing:
		s.trySend(ServerMessage{Type: MsgPong})
	case MsgAuth:
		h.handleAuth(ctx, s, msg)
	case MsgSubscribe:
		h.handleSubscribe(ctx, s, msg)
	case MsgUnsubscribe:
		h.handleUnsubscribe(ctx, s, msg)
	case MsgSubscribeJob:
		h.handleSubscribeTarget(ctx, s, msg, reactive.KindJob, msg.JobID)
	case MsgUnsubscribeJob:
		h.handleUnsubscribe(ctx, s, msg)
	case MsgSubscribeWorkflow:
		h.handleSubscribeTarget(ctx, s, msg, reactive.KindWorkflow, msg.WorkflowRunID)
	case MsgUnsubscribeWorkflow:
		h.handleUnsubscribe(ctx, s, msg)
	default:
		s.trySend(ServerMessage{
			Type:    MsgError,
			Code:    string(domain.KindValidation),
			Message: "unknown message type " + msg.Type,
		})
	}
}

func (h *Hub) handleAuth(ctx context.Context, s *Session, msg ClientMessage) {
	if h.auth == nil {
		s.trySend(errorMessage("", domain.NewError(domain.KindForbidden, "authentication is not configured")))
		return
	}
	userID, err := h.auth.Authenticate(ctx, msg.Token)
	if err != nil {
		s.trySend(errorMessage("", domain.WrapError(domain.KindForbidden, err, "authentication failed")))
		return
	}
	s.setUserID(userID)
	s.trySend(ServerMessage{Type: MsgConnected, SessionID: s.id})
}

func (h *Hub) handleSubscribe(ctx context.Context, s *Session, msg ClientMessage) {
	if err := ValidateClientSubID(msg.ID); err != nil {
		s.trySend(errorMessage(msg.ID, err))
		return
	}
	if !h.functions.Known(msg.Function) {
		s.trySend(errorMessage(msg.ID,
			domain.NewError(domain.KindValidation, "unknown function %q", msg.Function)))
		return
	}
	if _, dup := h.manager.FindBySession(s.id, msg.ID); dup {
		s.trySend(errorMessage(msg.ID,
			domain.NewError(domain.KindConflict, "subscription id %q already in use", msg.ID)))
		return
	}

	tables, err := h.functions.ReadTables(msg.Function)
	if err != nil {
		s.trySend(errorMessage(msg.ID, err))
		return
	}

	args := NormalizeArgs(msg.Args)
	sub := &reactive.Subscription{
		ID:           uuid.NewString(),
		SessionID:    s.id,
		ClientSubID:  msg.ID,
		Kind:         reactive.KindQuery,
		FunctionName: msg.Function,
		Args:         args,
		ReadSet:      reactive.NewReadSet(reactive.AdaptiveMode, h.cfg.RowLimit, tables...),
	}
	h.manager.Add(sub)

	if err := h.store.SaveSubscription(ctx, SubscriptionRecord{
		SubscriptionID: sub.ID,
		SessionID:      s.id,
		ClientSubID:    msg.ID,
		Kind:           string(reactive.KindQuery),
		FunctionName:   msg.Function,
		Args:           args,
		ReadTables:     tables,
	}); err != nil {
		h.manager.Remove(sub.ID)
		s.trySend(errorMessage(msg.ID, domain.WrapError(domain.KindUnavailable, err, "subscription not persisted")))
		return
	}

	s.trySend(ServerMessage{Type: MsgSubscribed, ID: msg.ID})

	// Initial execution populates the real read set and delivers the first
	// data frame through the reactor's send path.
	if err := h.reactor.RunQuery(ctx, sub); err != nil {
		s.trySend(errorMessage(msg.ID, err))
	}
}

func (h *Hub) handleSubscribeTarget(ctx context.Context, s *Session, msg ClientMessage, kind reactive.SubscriptionKind, targetID string) {
	if err := ValidateClientSubID(msg.ID); err != nil {
		s.trySend(errorMessage(msg.ID, err))
		return
	}
	if err := ValidateUUID(targetID); err != nil {
		s.trySend(errorMessage(msg.ID, err))
		return
	}
	if _, dup := h.manager.FindBySession(s.id, msg.ID); dup {
		s.trySend(errorMessage(msg.ID,
			domain.NewError(domain.KindConflict, "subscription id %q already in use", msg.ID)))
		return
	}

	// Snapshot first: subscribing to a nonexistent entity is an error, not a
	// silent never-firing subscription.
	var (
		data json.RawMessage
		err  error
	)
	if kind == reactive.KindJob {
		data, err = h.snapshots.JobSnapshot(ctx, targetID)
	} else {
		data, err = h.snapshots.WorkflowSnapshot(ctx, targetID)
	}
	if err != nil {
		s.trySend(errorMessage(msg.ID, err))
		return
	}

	sub := &reactive.Subscription{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		ClientSubID: msg.ID,
		Kind:        kind,
		TargetID:    targetID,
	}
	h.manager.Add(sub)

	if err := h.store.SaveSubscription(ctx, SubscriptionRecord{
		SubscriptionID: sub.ID,
		SessionID:      s.id,
		ClientSubID:    msg.ID,
		Kind:           string(kind),
		TargetID:       targetID,
	}); err != nil {
		h.manager.Remove(sub.ID)
		s.trySend(errorMessage(msg.ID, domain.WrapError(domain.KindUnavailable, err, "subscription not persisted")))
		return
	}

	s.trySend(ServerMessage{Type: MsgSubscribed, ID: msg.ID})
	if kind == reactive.KindJob {
		s.trySend(ServerMessage{Type: MsgJobUpdate, ID: msg.ID, Data: data})
	} else {
		s.trySend(ServerMessage{Type: MsgWorkflowUpdate, ID: msg.ID, Data: data})
	}
}

func (h *Hub) handleUnsubscribe(ctx context.Context, s *Session, msg ClientMessage) {
	sub, ok := h.manager.FindBySession(s.id, msg.ID)
	if !ok {
		s.trySend(errorMessage(msg.ID,
			domain.NewError(domain.KindNotFound, "no subscription %q on this session", msg.ID)))
		return
	}
	h.manager.Remove(sub.ID)
	if err := h.store.DeleteSubscription(ctx, sub.ID); err != nil {
		slog.Warn("delete subscription row failed",
			"subscription_id", sub.ID, "error", err)
	}
	s.trySend(ServerMessage{Type: MsgUnsubscribed, ID: msg.ID})
}

// CloseAll tears down every session, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
		_ = s.conn.Close()
	}
}
