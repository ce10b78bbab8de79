package cache

import (
	"context"
	"time"
)

// Store is the shared ephemeral state cache. It must be a process-external
// store in multi-instance deployments so rate-limit counters and pending
// two-factor challenges are visible to every server.
type Store interface {
	// Set writes a value under key with the supplied TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value and whether the key exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Exists reports key presence without fetching the value.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes keys, ignoring ones that are already gone.
	Delete(ctx context.Context, keys ...string) error
	// IncrementWithTTL atomically increments a counter. The TTL is applied
	// only when the increment created the key (count == 1); later increments
	// within the window must not extend it.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// TTL returns the remaining lifetime of a key. Missing and expired keys
	// report ok == false.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}
