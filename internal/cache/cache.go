// Package cache defines the key-value TTL store contract used for dedup
// fingerprints, click counters, and windowed rate counters, plus an
// in-process and a Redis-backed implementation.
//
// Contract:
//   - Incr is atomic under concurrent callers and sets the TTL only when it
//     creates the counter; later increments never extend it.
//   - SetNX is the single set-if-absent primitive used for dedup.
//   - A key past its TTL is indistinguishable from a key never set.
//   - Networked implementations report outages as domain.ErrCacheUnavailable;
//     they never answer "absent" for a key they could not read.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrAbsent is returned by Get when the key does not exist or has expired.
var ErrAbsent = errors.New("cache: key absent")

// NoTTL keeps a key until it is deleted.
const NoTTL time.Duration = 0

// Store is the TTL key-value contract.
type Store interface {
	// Set writes value under key, replacing any previous value. ttl <= 0
	// means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value only if key is absent. It reports whether the write
	// happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value or ErrAbsent.
	Get(ctx context.Context, key string) (string, error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Incr atomically adds one to the integer under key and returns the new
	// value. ttl is applied only when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// InvalidatePrefix removes every key starting with prefix.
	InvalidatePrefix(ctx context.Context, prefix string) error

	// Close releases any underlying connection.
	Close() error
}
