// Package auth resolves a presented API key to its stored credential.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"carbon-telemetry/internal/models"
)

// KeyPrefix marks every issued key; a token without it is rejected before any
// storage lookup.
const KeyPrefix = "ct_"

// lookupPrefixLen is how many leading characters of the plaintext key are
// stored as the indexed fast-lookup prefix.
const lookupPrefixLen = 12

var (
	// ErrInvalidKey covers malformed, unknown, inactive, and revoked keys.
	ErrInvalidKey = errors.New("invalid or revoked api key")

	// ErrBlocked means the key exists and verified but is under an
	// abuse-escalation block. Distinct from ErrInvalidKey so clients can tell
	// "suspended" from "bad credential".
	ErrBlocked = errors.New("api key temporarily blocked")
)

// KeyStore is the credential lookup surface (implemented by *store.Store).
type KeyStore interface {
	FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]models.ApiKey, error)
	ListActiveAPIKeys(ctx context.Context) ([]models.ApiKey, error)
}

// Resolver maps a presented token to a usable credential.
type Resolver struct {
	store KeyStore
	log   *slog.Logger
	now   func() time.Time
}

func NewResolver(store KeyStore, log *slog.Logger) *Resolver {
	return &Resolver{store: store, log: log, now: time.Now}
}

// Resolve verifies the token and returns its credential. The blocked check
// happens here, before any rate-limit accounting, so suspended callers never
// consume quota. Keys stored without a fast-lookup prefix fall back to a scan
// of all active keys; that compatibility path goes away once every stored key
// carries a prefix.
func (r *Resolver) Resolve(ctx context.Context, token string) (models.ApiKey, error) {
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < lookupPrefixLen {
		return models.ApiKey{}, ErrInvalidKey
	}

	candidates, err := r.store.FindAPIKeysByPrefix(ctx, token[:lookupPrefixLen])
	if err != nil {
		return models.ApiKey{}, fmt.Errorf("lookup api key by prefix: %w", err)
	}
	if len(candidates) == 0 {
		candidates, err = r.store.ListActiveAPIKeys(ctx)
		if err != nil {
			return models.ApiKey{}, fmt.Errorf("scan active api keys: %w", err)
		}
	}

	now := r.now()
	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.HashedKey), []byte(token)) != nil {
			continue
		}
		if key.Blocked(now) {
			return models.ApiKey{}, ErrBlocked
		}
		if !key.Usable(now) {
			return models.ApiKey{}, ErrInvalidKey
		}
		return key, nil
	}
	return models.ApiKey{}, ErrInvalidKey
}

// Generate mints a new key, returning the plaintext (shown to the caller
// exactly once), its bcrypt hash, and the indexed lookup prefix.
func Generate() (plaintext, hash, prefix string, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash api key: %w", err)
	}
	return plaintext, string(hashed), plaintext[:lookupPrefixLen], nil
}
