package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Key is one issued API key as persisted. SecretHash is the BLAKE2b-256 hex
// of the long secret; the secret itself is never stored.
type Key struct {
	ID         string
	Name       string
	ShortToken string
	SecretHash string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Repository is the persistence surface for API keys. The postgres package
// implements it.
type Repository interface {
	CreateAPIKey(ctx context.Context, key *Key) error
	// GetAPIKeyByShortToken returns the key or domain.ErrNotFound.
	GetAPIKeyByShortToken(ctx context.Context, shortToken string) (*Key, error)
	TouchAPIKey(ctx context.Context, keyID string) error
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// Authenticator verifies presented API keys against the store. It implements
// the WebSocket hub's Authenticator seam.
type Authenticator struct {
	repo Repository
}

// NewAuthenticator builds an authenticator over the key store.
func NewAuthenticator(repo Repository) *Authenticator {
	return &Authenticator{repo: repo}
}

// Authenticate resolves a presented key to its user ID. The hash comparison
// is constant-time; lookup misses and revoked or expired keys all return the
// same forbidden error so callers cannot probe for valid short tokens.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	denied := domain.NewError(domain.KindForbidden, "invalid api key")

	shortToken, longSecret, err := ParseKey(token)
	if err != nil {
		return "", denied
	}

	key, err := a.repo.GetAPIKeyByShortToken(ctx, shortToken)
	if err != nil {
		return "", denied
	}

	presented := HashSecret(longSecret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(key.SecretHash)) != 1 {
		return "", denied
	}
	if key.RevokedAt != nil {
		return "", denied
	}
	if key.ExpiresAt != nil && time.Now().UTC().After(*key.ExpiresAt) {
		return "", denied
	}

	// Best effort; authentication already succeeded.
	if err := a.repo.TouchAPIKey(ctx, key.ID); err != nil {
		slog.WarnContext(ctx, "api key last-used update failed",
			"key_id", key.ID, "error", err)
	}
	return key.UserID, nil
}
