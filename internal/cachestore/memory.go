package cachestore

import (
	"container/list"
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	// MaxEntries caps the store's size; 0 means unbounded. Eviction is
	// least-recently-used.
	MaxEntries int
	// SweepInterval controls how often expired entries are purged in the
	// background. 0 disables the sweeper (expired entries are still hidden
	// from Get, just not proactively removed).
	SweepInterval time.Duration
}

type memoryItem struct {
	key   string
	entry Entry
}

// Memory is an LRU+TTL cache store living entirely in process memory.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	maxSize  int

	hits   atomic.Int64
	misses atomic.Int64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewMemory builds a Memory store and starts its background sweeper if
// cfg.SweepInterval is non-zero.
func NewMemory(cfg MemoryConfig) *Memory {
	m := &Memory{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: cfg.MaxEntries,
	}
	if cfg.SweepInterval > 0 {
		m.stopSweep = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweepLoop(cfg.SweepInterval)
	}
	return m
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Memory) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.order.Back(); e != nil; {
		prev := e.Prev()
		item := e.Value.(*memoryItem)
		if item.entry.Expired(now) {
			m.order.Remove(e)
			delete(m.items, item.key)
		}
		e = prev
	}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		m.misses.Add(1)
		return Entry{}, ErrNotFound
	}
	item := el.Value.(*memoryItem)
	if item.entry.Expired(time.Now()) {
		m.order.Remove(el)
		delete(m.items, key)
		m.misses.Add(1)
		return Entry{}, ErrNotFound
	}
	m.order.MoveToFront(el)
	m.hits.Add(1)
	return item.entry, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key string, value []byte, ttl time.Duration) {
	entry := Entry{Value: value, StoredAt: time.Now()}
	if ttl > 0 {
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}

	if el, ok := m.items[key]; ok {
		el.Value.(*memoryItem).entry = entry
		m.order.MoveToFront(el)
		return
	}

	el := m.order.PushFront(&memoryItem{key: key, entry: entry})
	m.items[key] = el
	m.evictIfNeeded()
}

func (m *Memory) evictIfNeeded() {
	if m.maxSize <= 0 {
		return
	}
	for m.order.Len() > m.maxSize {
		back := m.order.Back()
		if back == nil {
			return
		}
		item := back.Value.(*memoryItem)
		m.order.Remove(back)
		delete(m.items, item.key)
	}
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		item := el.Value.(*memoryItem)
		if !item.entry.Expired(time.Now()) {
			return false, nil
		}
		m.order.Remove(el)
		delete(m.items, key)
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.order.Remove(el)
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) DeleteMatching(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toRemove []*list.Element
	for key, el := range m.items {
		matched, err := filepath.Match(pattern, key)
		if err != nil {
			return 0, err
		}
		if matched {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		item := el.Value.(*memoryItem)
		m.order.Remove(el)
		delete(m.items, item.key)
	}
	return len(toRemove), nil
}

func (m *Memory) MultiGet(ctx context.Context, keys []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(keys))
	for _, k := range keys {
		if e, err := m.Get(ctx, k); err == nil {
			out[k] = e
		}
	}
	return out, nil
}

func (m *Memory) MultiSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.setLocked(k, v, ttl)
	}
	return nil
}

func (m *Memory) FlushAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.order = list.New()
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	count := int64(m.order.Len())
	m.mu.Unlock()
	return Stats{
		Backend:    "memory",
		EntryCount: count,
		Hits:       m.hits.Load(),
		Misses:     m.misses.Load(),
	}, nil
}

func (m *Memory) Close() error {
	if m.stopSweep != nil {
		close(m.stopSweep)
		<-m.sweepDone
	}
	return nil
}
