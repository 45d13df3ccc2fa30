package domain

import "time"

// Session is one live WebSocket connection, owned by exactly one node.
// The row exists so peers can attribute subscriptions after a node dies;
// in-memory session state is always rebuildable from the database.
type Session struct {
	ID           string
	NodeID       string
	UserID       string // empty for anonymous connections
	ConnectedAt  time.Time
	LastActivity time.Time
}
