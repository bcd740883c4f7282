// Package lock implements a distributed mutex over a cachestore.Store so
// only one process-wide cache-miss producer calls upstream for a given
// fingerprint at a time, even across multiple proxy instances sharing
// Redis.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xmhha/rpc-cache-proxy/internal/cachestore"
)

// Config tunes acquisition behaviour.
type Config struct {
	TTL           time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c *Config) setDefaults() {
	if c.TTL == 0 {
		c.TTL = 10 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 5
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
}

// Locker acquires named locks backed by a cachestore.Store. Its zero value
// is not usable; build with New.
type Locker struct {
	store     cachestore.Store
	cfg       Config
	processID string

	mu     sync.Mutex
	active map[string]struct{}
}

// New builds a Locker. processID identifies this process in the lock's
// stored value, purely for diagnostics; every Locker instance gets its own
// random processID via uuid so two Lockers in the same process never
// appear to hold each other's locks. The uuid's hyphens are dropped so the
// stored "<processId>-<timestamp>" value has exactly one hyphen.
func New(store cachestore.Store, cfg Config) *Locker {
	cfg.setDefaults()
	return &Locker{
		store:     store,
		cfg:       cfg,
		processID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		active:    make(map[string]struct{}),
	}
}

func lockKey(name string) string {
	return "lock:" + name
}

// maxBackoff caps Acquire's exponential retry delay so a long
// RetryAttempts run never waits more than a second between tries.
const maxBackoff = time.Second

// Acquire blocks (retrying with jittered backoff) until it holds the named
// lock or ctx/attempts are exhausted. Degrade-not-fail: a store error while
// attempting to acquire is treated as a failed attempt and retried rather
// than immediately propagated, since a lock is a liveness optimisation, not
// a correctness requirement, for this proxy's single-flight guarantee.
func (l *Locker) Acquire(ctx context.Context, name string) (bool, error) {
	key := lockKey(name)
	value := []byte(fmt.Sprintf("%s-%d", l.processID, time.Now().UnixNano()))

	var lastErr error
	for attempt := 0; attempt < l.cfg.RetryAttempts; attempt++ {
		ok, err := l.store.SetIfAbsent(ctx, key, value, l.cfg.TTL)
		if err != nil {
			lastErr = err
		} else if ok {
			l.markActive(name)
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.backoff(attempt)):
		}
	}
	return false, lastErr
}

func (l *Locker) backoff(attempt int) time.Duration {
	base := l.cfg.RetryDelay * time.Duration(1<<attempt)
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(l.cfg.RetryDelay) + 1))
	d := base + jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Release deletes the lock key unconditionally, without checking which
// process holds it, and forgets name locally.
func (l *Locker) Release(ctx context.Context, name string) error {
	defer l.clearActive(name)
	if err := l.store.Delete(ctx, lockKey(name)); err != nil {
		return fmt.Errorf("lock: releasing %q: %w", name, err)
	}
	return nil
}

func (l *Locker) markActive(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[name] = struct{}{}
}

func (l *Locker) clearActive(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, name)
}

// ReleaseAll releases every lock this Locker currently believes it holds.
// Call it during shutdown so a crashed or terminating process does not
// leave locks held until their TTL expires.
func (l *Locker) ReleaseAll(ctx context.Context) {
	l.mu.Lock()
	names := make([]string, 0, len(l.active))
	for n := range l.active {
		names = append(names, n)
	}
	l.mu.Unlock()

	for _, n := range names {
		_ = l.Release(ctx, n)
	}
}
