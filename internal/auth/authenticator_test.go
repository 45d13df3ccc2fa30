package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/domain"
)

type fakeKeyRepo struct {
	keys    map[string]*Key
	touched []string
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{keys: make(map[string]*Key)}
}

func (r *fakeKeyRepo) CreateAPIKey(_ context.Context, key *Key) error {
	r.keys[key.ShortToken] = key
	return nil
}

func (r *fakeKeyRepo) GetAPIKeyByShortToken(_ context.Context, shortToken string) (*Key, error) {
	key, ok := r.keys[shortToken]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return key, nil
}

func (r *fakeKeyRepo) TouchAPIKey(_ context.Context, keyID string) error {
	r.touched = append(r.touched, keyID)
	return nil
}

func (r *fakeKeyRepo) RevokeAPIKey(_ context.Context, keyID string) error { return nil }

func issueKey(t *testing.T, repo *fakeKeyRepo, userID string, mutate func(*Key)) string {
	t.Helper()
	parts, err := GenerateKey()
	require.NoError(t, err)
	key := &Key{
		ID:         "key-" + parts.ShortToken,
		Name:       "test",
		ShortToken: parts.ShortToken,
		SecretHash: parts.SecretHash,
		UserID:     userID,
		CreatedAt:  time.Now().UTC(),
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, repo.CreateAPIKey(context.Background(), key))
	return parts.FullKey
}

func TestAuthenticate_ValidKey(t *testing.T) {
	repo := newFakeKeyRepo()
	fullKey := issueKey(t, repo, "user-1", nil)

	userID, err := NewAuthenticator(repo).Authenticate(context.Background(), fullKey)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Len(t, repo.touched, 1)
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	repo := newFakeKeyRepo()
	fullKey := issueKey(t, repo, "user-1", nil)

	// Same short token, different secret.
	tampered := fullKey + "x"
	_, err := NewAuthenticator(repo).Authenticate(context.Background(), tampered)
	require.Error(t, err)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
	assert.Empty(t, repo.touched)
}

func TestAuthenticate_RevokedAndExpired(t *testing.T) {
	repo := newFakeKeyRepo()
	now := time.Now().UTC()

	revoked := issueKey(t, repo, "user-1", func(k *Key) { k.RevokedAt = &now })
	expired := issueKey(t, repo, "user-2", func(k *Key) {
		past := now.Add(-time.Hour)
		k.ExpiresAt = &past
	})

	a := NewAuthenticator(repo)
	_, err := a.Authenticate(context.Background(), revoked)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
	_, err = a.Authenticate(context.Background(), expired)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
}

func TestAuthenticate_MalformedAndUnknown(t *testing.T) {
	a := NewAuthenticator(newFakeKeyRepo())

	for _, token := range []string{
		"",
		"not-a-key",
		"sk-other-v1-aaaaaaaaaaaa-secret",
		"sk-forge-v1-aaaaaaaaaaaa-secret", // well-formed but unknown
	} {
		_, err := a.Authenticate(context.Background(), token)
		require.Error(t, err, "token %q", token)
		assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
	}
}

func TestGenerateKeyRoundTrip(t *testing.T) {
	parts, err := GenerateKey()
	require.NoError(t, err)

	shortToken, longSecret, err := ParseKey(parts.FullKey)
	require.NoError(t, err)
	assert.Equal(t, parts.ShortToken, shortToken)
	assert.Equal(t, parts.LongSecret, longSecret)
	assert.Equal(t, parts.SecretHash, HashSecret(longSecret))
}
