package secrets

import (
	"context"
	"log/slog"
)

// Keys under which the credential pair is stored.
const (
	KeyAccessToken   = "voxwire/access_token"
	KeyRotationToken = "voxwire/rotation_token"
	KeyTokenExpiry   = "voxwire/token_expiry"
)

// Credentials wraps a [Store] with the degradation policy credential owners
// rely on: reads that fail for any reason report the key as absent, and
// write/delete failures are logged but never propagated. Credential absence
// must never crash the caller — an unreadable store is treated identically
// to never having logged in.
type Credentials struct {
	store Store
}

// NewCredentials wraps store.
func NewCredentials(store Store) *Credentials {
	return &Credentials{store: store}
}

// Get returns the stored value and whether it was present. Backend errors
// degrade to absence.
func (c *Credentials) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.store.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return v, true
}

// Set stores value under key. Failures are logged and swallowed.
func (c *Credentials) Set(ctx context.Context, key, value string) {
	if err := c.store.Set(ctx, key, value); err != nil {
		slog.Warn("secrets: store write failed", "key", key, "err", err)
	}
}

// Delete removes key. Failures are logged and swallowed.
func (c *Credentials) Delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		slog.Warn("secrets: store delete failed", "key", key, "err", err)
	}
}
