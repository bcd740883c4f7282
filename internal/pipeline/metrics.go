package pipeline

import "sync/atomic"

// Metrics accumulates the pipeline-level counters surfaced by the /health
// and /cache/stats endpoints. They are not registered with Prometheus.
type Metrics struct {
	totalRequests            atomic.Int64
	cacheHits                atomic.Int64
	cacheMisses              atomic.Int64
	coalescedRequests        atomic.Int64
	staleServed              atomic.Int64
	negativeCacheHits        atomic.Int64
	lockAcquired             atomic.Int64
	lockContentions          atomic.Int64
	upstreamErrors           atomic.Int64
	circuitBreakerRejections atomic.Int64
	circuitBreakerTrips      atomic.Int64
}

// NewMetrics builds a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) incTotal()                    { m.totalRequests.Add(1) }
func (m *Metrics) incCacheHits()                { m.cacheHits.Add(1) }
func (m *Metrics) incCacheMisses()               { m.cacheMisses.Add(1) }
func (m *Metrics) incCoalesced()                { m.coalescedRequests.Add(1) }
func (m *Metrics) incStaleServed()              { m.staleServed.Add(1) }
func (m *Metrics) incNegativeCacheHits()        { m.negativeCacheHits.Add(1) }
func (m *Metrics) incLockAcquired()             { m.lockAcquired.Add(1) }
func (m *Metrics) incLockContentions()          { m.lockContentions.Add(1) }
func (m *Metrics) incUpstreamErrors()           { m.upstreamErrors.Add(1) }
func (m *Metrics) incCircuitBreakerRejections() { m.circuitBreakerRejections.Add(1) }

// IncCircuitBreakerTrip records an automatic or manual open-state
// transition. Exported for the breaker's OnStateChange hook, which lives
// outside this package.
func (m *Metrics) IncCircuitBreakerTrip() { m.circuitBreakerTrips.Add(1) }

// Reset zeroes every counter. Called when the cache is flushed, so
// /cache/stats reflects the cache's (now-empty) state rather than
// carrying over counts accumulated against the discarded entries.
func (m *Metrics) Reset() {
	m.totalRequests.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.coalescedRequests.Store(0)
	m.staleServed.Store(0)
	m.negativeCacheHits.Store(0)
	m.lockAcquired.Store(0)
	m.lockContentions.Store(0)
	m.upstreamErrors.Store(0)
	m.circuitBreakerRejections.Store(0)
	m.circuitBreakerTrips.Store(0)
}

// CoalescingSnapshot groups the request-coalescer's counters.
type CoalescingSnapshot struct {
	CoalescedRequests int64 `json:"coalescedRequests"`
}

// CircuitBreakerSnapshot groups the circuit breaker's counters. State is
// left zero-value here since Metrics has no breaker reference; the /health
// handler fills it in from Pipeline.BreakerState after calling Snapshot.
type CircuitBreakerSnapshot struct {
	State      string `json:"state,omitempty"`
	Trips      int64  `json:"trips"`
	Rejections int64  `json:"rejections"`
}

// DistributedLockSnapshot groups the distributed lock's counters.
type DistributedLockSnapshot struct {
	Acquired    int64 `json:"acquired"`
	Contentions int64 `json:"contentions"`
}

// Snapshot is an immutable point-in-time read of every counter, grouped to
// match the nested shape the HTTP surface reports at /health and
// /cache/stats.
type Snapshot struct {
	TotalRequests     int64                  `json:"totalRequests"`
	CacheHits         int64                  `json:"cacheHits"`
	CacheMisses       int64                  `json:"cacheMisses"`
	CacheHitRate      float64                `json:"cacheHitRate"`
	StaleServed       int64                  `json:"staleServed"`
	NegativeCacheHits int64                  `json:"negativeCacheHits"`
	UpstreamErrors    int64                  `json:"upstreamErrors"`
	Coalescing        CoalescingSnapshot      `json:"coalescing"`
	CircuitBreaker    CircuitBreakerSnapshot  `json:"circuitBreaker"`
	DistributedLock   DistributedLockSnapshot `json:"distributedLock"`
}

// Snapshot reads every counter. CacheHitRate is cacheHits / (cacheHits +
// cacheMisses), or 0 when there have been no cacheable lookups yet.
func (m *Metrics) Snapshot() Snapshot {
	hits := m.cacheHits.Load()
	misses := m.cacheMisses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Snapshot{
		TotalRequests:     m.totalRequests.Load(),
		CacheHits:         hits,
		CacheMisses:       misses,
		CacheHitRate:      rate,
		StaleServed:       m.staleServed.Load(),
		NegativeCacheHits: m.negativeCacheHits.Load(),
		UpstreamErrors:    m.upstreamErrors.Load(),
		Coalescing: CoalescingSnapshot{
			CoalescedRequests: m.coalescedRequests.Load(),
		},
		CircuitBreaker: CircuitBreakerSnapshot{
			Trips:      m.circuitBreakerTrips.Load(),
			Rejections: m.circuitBreakerRejections.Load(),
		},
		DistributedLock: DistributedLockSnapshot{
			Acquired:    m.lockAcquired.Load(),
			Contentions: m.lockContentions.Load(),
		},
	}
}
