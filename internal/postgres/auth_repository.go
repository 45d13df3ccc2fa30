package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forgelabs/forge/internal/auth"
	"github.com/forgelabs/forge/internal/domain"
)

var _ auth.Repository = (*Store)(nil)

// CreateAPIKey persists a freshly generated key. Only the secret hash lands
// in the row.
func (s *Store) CreateAPIKey(ctx context.Context, key *auth.Key) error {
	err := s.db().QueryRow(ctx, `
		INSERT INTO forge_api_keys
			(name, short_token, secret_hash, user_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		key.Name, key.ShortToken, key.SecretHash, key.UserID, key.ExpiresAt).
		Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByShortToken looks up a key by its lookup handle.
func (s *Store) GetAPIKeyByShortToken(ctx context.Context, shortToken string) (*auth.Key, error) {
	var key auth.Key
	err := s.db().QueryRow(ctx, `
		SELECT id, name, short_token, secret_hash, user_id,
		       created_at, expires_at, last_used_at, revoked_at
		FROM forge_api_keys
		WHERE short_token = $1`,
		shortToken).Scan(
		&key.ID, &key.Name, &key.ShortToken, &key.SecretHash, &key.UserID,
		&key.CreatedAt, &key.ExpiresAt, &key.LastUsedAt, &key.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// TouchAPIKey records a successful use.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string) error {
	_, err := s.db().Exec(ctx,
		`UPDATE forge_api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// RevokeAPIKey disables a key. Idempotent; the first revocation time wins.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE forge_api_keys
		SET revoked_at = COALESCE(revoked_at, now())
		WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
