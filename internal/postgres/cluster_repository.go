package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/forgelabs/forge/internal/cluster"
	"github.com/forgelabs/forge/internal/domain"
)

var _ cluster.Repository = (*Store)(nil)

// RegisterNode upserts the node row, letting a restarted node reuse its ID.
func (s *Store) RegisterNode(ctx context.Context, node *domain.Node) error {
	roles := make([]string, len(node.Roles))
	for i, r := range node.Roles {
		roles[i] = string(r)
	}
	_, err := s.db().Exec(ctx, `
		INSERT INTO forge_nodes
			(id, hostname, address, status, roles, capabilities,
			 last_heartbeat, started_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now(), $7)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			address = EXCLUDED.address,
			status = EXCLUDED.status,
			roles = EXCLUDED.roles,
			capabilities = EXCLUDED.capabilities,
			last_heartbeat = now(),
			started_at = now(),
			version = EXCLUDED.version`,
		node.ID, node.Hostname, node.Address, node.Status, roles,
		node.Capabilities, node.Version)
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// NodeHeartbeat refreshes the heartbeat and promotes joining to active.
func (s *Store) NodeHeartbeat(ctx context.Context, nodeID string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_nodes
		SET last_heartbeat = now(),
		    status = CASE WHEN status = 'joining' THEN 'active' ELSE status END
		WHERE id = $1 AND status <> 'dead'`,
		nodeID)
	if err != nil {
		return fmt.Errorf("node heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetNodeStatus transitions a node's lifecycle status.
func (s *Store) SetNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error {
	tag, err := s.db().Exec(ctx,
		`UPDATE forge_nodes SET status = $2 WHERE id = $1`, nodeID, status)
	if err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDeadNodes declares silent nodes dead and returns their IDs.
func (s *Store) MarkDeadNodes(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := s.db().Query(ctx, `
		UPDATE forge_nodes
		SET status = 'dead'
		WHERE status IN ('joining', 'active', 'draining')
		  AND last_heartbeat < $1
		RETURNING id`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("mark dead nodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dead node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveNode deletes the node row.
func (s *Store) RemoveNode(ctx context.Context, nodeID string) error {
	_, err := s.db().Exec(ctx, `DELETE FROM forge_nodes WHERE id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("remove node: %w", err)
	}
	return nil
}

// ListNodes returns all known nodes, newest registration first.
func (s *Store) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	rows, err := s.db().Query(ctx, `
		SELECT id, hostname, address, status, roles, capabilities,
		       last_heartbeat, started_at, version
		FROM forge_nodes
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode returns one node.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*domain.Node, error) {
	n, err := scanNode(s.db().QueryRow(ctx, `
		SELECT id, hostname, address, status, roles, capabilities,
		       last_heartbeat, started_at, version
		FROM forge_nodes WHERE id = $1`, nodeID))
	if err != nil {
		return nil, err
	}
	return n, nil
}

func scanNode(row pgx.Row) (*domain.Node, error) {
	var n domain.Node
	var roles []string
	err := row.Scan(&n.ID, &n.Hostname, &n.Address, &n.Status, &roles,
		&n.Capabilities, &n.LastHeartbeat, &n.StartedAt, &n.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.Roles = make([]domain.Role, len(roles))
	for i, r := range roles {
		n.Roles[i] = domain.Role(r)
	}
	return &n, nil
}

// UpsertLease records the holder of a leader role.
func (s *Store) UpsertLease(ctx context.Context, role, nodeID string, leaseUntil time.Time) error {
	_, err := s.db().Exec(ctx, `
		INSERT INTO forge_leaders (role, node_id, acquired_at, lease_until)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (role) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			acquired_at = CASE
				WHEN forge_leaders.node_id = EXCLUDED.node_id
				THEN forge_leaders.acquired_at
				ELSE now()
			END,
			lease_until = EXCLUDED.lease_until`,
		role, nodeID, leaseUntil)
	if err != nil {
		return fmt.Errorf("upsert lease: %w", err)
	}
	return nil
}

// GetLeader returns the recorded holder of a role.
func (s *Store) GetLeader(ctx context.Context, role string) (*domain.Leader, error) {
	var l domain.Leader
	err := s.db().QueryRow(ctx, `
		SELECT role, node_id, acquired_at, lease_until
		FROM forge_leaders WHERE role = $1`, role).
		Scan(&l.Role, &l.NodeID, &l.AcquiredAt, &l.LeaseUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get leader: %w", err)
	}
	return &l, nil
}

// DeleteLease removes the lease row if this node holds it.
func (s *Store) DeleteLease(ctx context.Context, role, nodeID string) error {
	_, err := s.db().Exec(ctx,
		`DELETE FROM forge_leaders WHERE role = $1 AND node_id = $2`,
		role, nodeID)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}
