// Package cache provides the two cache tiers the resolution pipeline runs
// against: an ephemeral in-memory tier and a persistent Redis tier, behind a
// shared Backend interface, plus a typed Store with insert-on-miss, negative
// caching, and background refresh.
package cache

import (
	"context"
	"time"
)

// Backend defines the interface cache tiers implement.
type Backend interface {
	// Get retrieves a value. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Close releases the backing resources.
	Close() error
}
