// Package breaker implements a three-state circuit breaker (closed, open,
// half-open) guarding calls to the upstream RPC client.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call when the breaker is open and is rejecting
// calls without attempting them.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes trip/reset behaviour.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures, independent of the rolling-window percentage check.
	FailureThreshold int
	// SuccessThreshold closes the breaker after this many consecutive
	// successes while half-open.
	SuccessThreshold int
	// Timeout bounds each guarded call; a call exceeding it counts as a
	// failure.
	Timeout time.Duration
	// ResetTimeout is how long the breaker stays open before moving to
	// half-open, where calls are admitted again.
	ResetTimeout time.Duration
	// VolumeThreshold is the minimum number of calls in RollingWindow
	// before ErrorPercentage is evaluated at all; guards against tripping
	// on a handful of calls.
	VolumeThreshold int
	// ErrorPercentage trips the breaker when the rolling window's failure
	// rate meets or exceeds this value (0-100).
	ErrorPercentage float64
	RollingWindow   time.Duration

	// OnStateChange, if set, is invoked (not under the breaker's lock)
	// whenever the state transitions.
	OnStateChange func(from, to State)
}

func (c *Config) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = 10
	}
	if c.ErrorPercentage == 0 {
		c.ErrorPercentage = 50
	}
	if c.RollingWindow == 0 {
		c.RollingWindow = 60 * time.Second
	}
}

type callRecord struct {
	at      time.Time
	success bool
}

// Breaker is a three-state circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	window              []callRecord
}

// New builds a Breaker, starting closed.
func New(cfg Config) *Breaker {
	cfg.setDefaults()
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the current state, transitioning open->half-open first if
// ResetTimeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) setStateLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	switch to {
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccess = 0
	case StateOpen:
		b.openedAt = time.Now()
		b.consecutiveSuccess = 0
	case StateHalfOpen:
		b.consecutiveSuccess = 0
		b.consecutiveFailures = 0
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}

// Call runs fn under the breaker's protection: it is rejected immediately
// with ErrOpen if the breaker is open, and counted as a failure if it
// returns an error or exceeds cfg.Timeout.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	b.recordResult(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()

	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		// Only one probe in flight at a time would require additional
		// bookkeeping; a half-open state here simply means "try and judge
		// on the result", which is sufficient for this proxy's usage.
		return true
	default:
		return true
	}
}

func (b *Breaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.window = append(b.window, callRecord{at: now, success: success})
	b.pruneWindowLocked(now)

	if success {
		b.consecutiveFailures = 0
		b.consecutiveSuccess++
		if b.state == StateHalfOpen && b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.setStateLocked(StateClosed)
		}
		return
	}

	b.consecutiveSuccess = 0
	b.consecutiveFailures++

	if b.state == StateHalfOpen {
		b.setStateLocked(StateOpen)
		return
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.setStateLocked(StateOpen)
		return
	}

	if b.shouldTripOnRateLocked() {
		b.setStateLocked(StateOpen)
	}
}

func (b *Breaker) shouldTripOnRateLocked() bool {
	if len(b.window) < b.cfg.VolumeThreshold {
		return false
	}
	var failures int
	for _, r := range b.window {
		if !r.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.window)) * 100
	return rate >= b.cfg.ErrorPercentage
}

// Trip forces the breaker open immediately, regardless of its current
// failure counts. Intended for manual/operator use (an admin endpoint, a
// deploy-time precaution), not for the automatic failure path.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateOpen)
}

// Reset forces the breaker closed immediately, clearing its failure
// counters and rolling window. Intended for manual/operator use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = nil
	b.setStateLocked(StateClosed)
}

// AttemptReset forces an open breaker into half-open early, without
// waiting for ResetTimeout to elapse, so the next call acts as a probe. A
// no-op if the breaker is not currently open.
func (b *Breaker) AttemptReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}
