// Package cachestore abstracts the key/value backend behind the proxy's
// cache, so the resolution pipeline never has to know whether entries live
// in-process or in Redis.
package cachestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("cachestore: key not found")

// Entry is a cached value together with the metadata the pipeline needs to
// decide whether to serve it fresh, serve it stale, or refetch it.
type Entry struct {
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time // zero value means the entry never expires
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is the contract every cache backend implements. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) (Entry, error)

	// Set stores value with the given ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only if key is not already present, and
	// reports whether it did so. Used as the primitive behind the
	// distributed lock.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error

	// DeleteMatching removes every key matching a glob-style pattern
	// (backend-specific wildcard semantics; memory and redis both use "*").
	DeleteMatching(ctx context.Context, pattern string) (int, error)

	MultiGet(ctx context.Context, keys []string) (map[string]Entry, error)

	MultiSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	FlushAll(ctx context.Context) error

	// Stats reports point-in-time counters for the /cache/stats endpoint.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any underlying connections/goroutines.
	Close() error
}

// Stats is a snapshot of cache-level counters, independent of backend.
type Stats struct {
	Backend    string
	EntryCount int64
	Hits       int64
	Misses     int64
}
