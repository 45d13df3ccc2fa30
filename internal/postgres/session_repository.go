package postgres

import (
	"context"
	"fmt"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/ws"
)

var _ ws.SessionStore = (*Store)(nil)

// CreateSession records a new WebSocket connection.
func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db().Exec(ctx, `
		INSERT INTO forge_sessions (id, node_id, user_id, connected_at, last_activity)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		session.ID, session.NodeID, session.UserID,
		session.ConnectedAt, session.LastActivity)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// TouchSession bumps last_activity. A vanished row is not an error; the
// session is about to be torn down anyway.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db().Exec(ctx,
		`UPDATE forge_sessions SET last_activity = now() WHERE id = $1`,
		sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes the session row; its subscriptions cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db().Exec(ctx,
		`DELETE FROM forge_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SaveSubscription persists one subscription registration.
func (s *Store) SaveSubscription(ctx context.Context, rec ws.SubscriptionRecord) error {
	readTables := rec.ReadTables
	if readTables == nil {
		readTables = []string{}
	}
	_, err := s.db().Exec(ctx, `
		INSERT INTO forge_subscriptions
			(subscription_id, session_id, client_sub_id, kind, function_name,
			 args, read_tables, target_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::uuid)`,
		rec.SubscriptionID, rec.SessionID, rec.ClientSubID, rec.Kind,
		rec.FunctionName, rec.Args, readTables, rec.TargetID)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes one subscription row.
func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.db().Exec(ctx,
		`DELETE FROM forge_subscriptions WHERE subscription_id = $1`,
		subscriptionID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// PurgeNodeSessions removes every session owned by a node, used when a dead
// peer's sessions are reaped. Subscriptions cascade with them.
func (s *Store) PurgeNodeSessions(ctx context.Context, nodeID string) (int64, error) {
	tag, err := s.db().Exec(ctx,
		`DELETE FROM forge_sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("purge node sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
