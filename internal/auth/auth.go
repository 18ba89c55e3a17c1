// Package auth resolves presented API key secrets to credential records and
// checks capabilities.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lexia/inference-gateway/internal/domain"
)

// SecretPrefix marks generated gateway secrets so they are recognizable in
// logs and config without revealing anything.
const SecretPrefix = "lx_"

// CredentialStore is the read-side persistence contract the authenticator
// needs. The SQL store satisfies it.
type CredentialStore interface {
	// GetKeyByHash returns the key whose key_hash matches, or (nil, nil)
	// when no such key exists.
	GetKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)

	// TouchKeyLastUsed records a successful authentication. Best effort.
	TouchKeyLastUsed(ctx context.Context, keyID string) error
}

// Authenticator validates presented secrets against the credential store.
type Authenticator struct {
	store  CredentialStore
	salt   string
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator. The salt must match the one
// used when the stored key hashes were generated.
func NewAuthenticator(store CredentialStore, salt string, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: store, salt: salt, logger: logger}
}

// HashSecret produces the stored form of a secret: a hex-encoded SHA-256
// digest of the process-wide salt followed by the secret.
func HashSecret(salt, secret string) string {
	hash := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(hash[:])
}

// Resolve authenticates a presented secret. The secret is never compared
// directly: it is salted and hashed, looked up, and the stored hash is
// compared in constant time. A revoked key resolves but fails here with
// Unauthenticated, per the credential contract.
//
// Resolve is read-only apart from a best-effort last_used_at touch; it never
// mutates updated_at.
func (a *Authenticator) Resolve(ctx context.Context, secret string) (*domain.APIKey, error) {
	if secret == "" {
		return nil, domain.ErrUnauthenticated("missing API key").
			WithCode(domain.ErrorCodeInvalidAPIKey)
	}

	keyHash := HashSecret(a.salt, secret)

	key, err := a.store.GetKeyByHash(ctx, keyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrUnauthenticated("invalid API key").
			WithCode(domain.ErrorCodeInvalidAPIKey)
	}

	// Constant-time comparison to prevent timing side channels.
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(key.KeyHash)) != 1 {
		return nil, domain.ErrUnauthenticated("invalid API key").
			WithCode(domain.ErrorCodeInvalidAPIKey)
	}

	if key.Revoked {
		return nil, domain.ErrUnauthenticated("API key has been revoked").
			WithCode(domain.ErrorCodeInvalidAPIKey)
	}

	// The touch is fire-and-forget: it must never add latency to, or fail,
	// the request that authenticated. The detached context keeps the write
	// alive past the request's own deadline.
	touchCtx := context.WithoutCancel(ctx)
	go func() {
		if err := a.store.TouchKeyLastUsed(touchCtx, key.ID); err != nil && a.logger != nil {
			a.logger.Warn("failed to touch key last_used_at",
				slog.String("key_id", key.ID), slog.String("error", err.Error()))
		}
	}()

	return key, nil
}

// Authorize checks that the key grants the required capability.
func Authorize(key *domain.APIKey, capability domain.Capability) error {
	if key.Can(capability) {
		return nil
	}
	return domain.ErrForbidden(
		fmt.Sprintf("API key does not grant the %q capability", capability))
}

// ExtractBearer extracts the API key secret from the Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domain.ErrUnauthenticated("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", domain.ErrUnauthenticated("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", domain.ErrUnauthenticated("unsupported authorization scheme")
	}

	return parts[1], nil
}
