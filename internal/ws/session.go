package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024

	// Outbound frames buffered per session. A client that stops reading
	// overflows this and is disconnected rather than blocking the reactor.
	sendBuffer = 64
)

// Session is one WebSocket connection. Reads and writes are pumped by two
// goroutines owned by the session; all outbound traffic goes through the
// bounded send channel.
type Session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan ServerMessage

	closeOnce sync.Once

	// sendMu guards send against close: once closed is set no goroutine can
	// be queueing a frame, so closing the channel is safe.
	sendMu sync.Mutex
	closed bool

	mu     sync.Mutex
	userID string
}

// ID returns the server-assigned session ID.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user, or empty for anonymous sessions.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// trySend queues a frame without blocking. A full queue means the client
// stopped draining: the session is torn down and the client is expected to
// reconnect and re-subscribe. Frames offered to a closed session are dropped;
// the reactor and hub may still hold a reference after teardown.
func (s *Session) trySend(msg ServerMessage) {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return
	}
	select {
	case s.send <- msg:
		s.sendMu.Unlock()
		return
	default:
	}
	s.sendMu.Unlock()

	slog.Warn("session send queue overflow, closing",
		"session_id", s.id)
	s.close()
}

// close tears the session down exactly once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.send)
		s.sendMu.Unlock()

		s.hub.dropSession(s)
	})
}

// readPump decodes inbound frames and hands them to the hub until the
// connection dies.
func (s *Session) readPump() {
	defer func() {
		s.close()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("session read error", "session_id", s.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.trySend(ServerMessage{
				Type:    MsgError,
				Code:    "validation",
				Message: "malformed message",
			})
			continue
		}
		s.hub.handleMessage(s, msg)
	}
}

// writePump serializes outbound frames and keeps the connection alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
