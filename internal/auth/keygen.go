// Package auth issues and verifies forge API keys. A key is
// {type}-forge-{version}-{short_token}-{long_secret}: the short token is a
// database lookup handle derived from the secret's hash, the long secret is
// the credential and is stored only as a BLAKE2b-256 hash.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeyService tags keys issued by this system.
	KeyService = "forge"
	// DefaultKeyType marks secret keys.
	DefaultKeyType = "sk"
	// DefaultVersion is the current key format version.
	DefaultVersion = "v1"

	shortTokenLen = 12
)

// KeyParts is one freshly generated API key. FullKey is shown to the caller
// exactly once; only SecretHash is persisted.
type KeyParts struct {
	ShortToken string
	LongSecret string
	SecretHash string
	FullKey    string
}

// GenerateKey creates a new API key. BLAKE2b is used over SHA-256 because the
// secret is high-entropy; no key stretching is needed.
func GenerateKey() (*KeyParts, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}
	longSecret := base64.RawURLEncoding.EncodeToString(raw)

	hash := HashSecret(longSecret)
	shortToken := hash[:shortTokenLen]

	return &KeyParts{
		ShortToken: shortToken,
		LongSecret: longSecret,
		SecretHash: hash,
		FullKey: strings.Join([]string{
			DefaultKeyType, KeyService, DefaultVersion, shortToken, longSecret,
		}, "-"),
	}, nil
}

// HashSecret hex-encodes the BLAKE2b-256 hash of the secret.
func HashSecret(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ParseKey splits a presented key into its lookup token and secret. The
// format is validated but nothing is verified against storage here.
func ParseKey(fullKey string) (shortToken, longSecret string, err error) {
	parts := strings.SplitN(fullKey, "-", 5)
	if len(parts) != 5 {
		return "", "", fmt.Errorf("malformed api key")
	}
	if parts[1] != KeyService {
		return "", "", fmt.Errorf("api key is not a %s key", KeyService)
	}
	if len(parts[3]) != shortTokenLen || parts[4] == "" {
		return "", "", fmt.Errorf("malformed api key")
	}
	return parts[3], parts[4], nil
}
