// Package upstream dispatches JSON-RPC calls to one or more backend nodes,
// failing over across URLs and tracking per-URL health.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// ErrAllURLsFailed is returned when every configured URL has been tried and
// none succeeded.
var ErrAllURLsFailed = errors.New("upstream: all endpoints failed")

// Config configures the failover client.
type Config struct {
	URLs             []string
	FallbackEnabled  bool
	MaxRetriesPerURL int
	DialTimeout      time.Duration
	RequestTimeout   time.Duration
}

// rpcCaller is the subset of *ethrpc.Client the upstream client depends on,
// so tests can substitute a fake.
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	BatchCallContext(ctx context.Context, b []ethrpc.BatchElem) error
	Close()
}

// unhealthyThreshold is how many consecutive failures mark a URL
// unhealthy; a single blip does not take a URL out of rotation.
const unhealthyThreshold = 3

// recheckWindow is how long a URL stays marked unhealthy before it
// becomes eligible again for a passive recheck attempt.
const recheckWindow = 60 * time.Second

type urlHealth struct {
	mu              sync.Mutex
	consecutiveErr  int
	lastError       error
	lastSuccess     time.Time
	lastFailureTime time.Time
}

func (h *urlHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErr = 0
	h.lastError = nil
	h.lastSuccess = time.Now()
}

func (h *urlHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErr++
	h.lastError = err
	h.lastFailureTime = time.Now()
}

// Healthy reports whether h is eligible to be dialed: either it hasn't
// accumulated unhealthyThreshold consecutive failures yet, or it has but
// recheckWindow has elapsed since the last one, making it eligible for a
// passive recheck.
func (h *urlHealth) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consecutiveErr < unhealthyThreshold {
		return true
	}
	return time.Since(h.lastFailureTime) >= recheckWindow
}

// Client dispatches RPC calls across one or more upstream URLs, retrying
// each up to MaxRetriesPerURL times before failing over to the next.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	clients []rpcCaller
	health  []*urlHealth
}

// dialFunc is overridden in tests to avoid a real network dial.
var dialFunc = func(ctx context.Context, url string) (rpcCaller, error) {
	return ethrpc.DialContext(ctx, url)
}

// New dials every configured URL eagerly so failover has a warm connection
// to fall back to; a URL that fails to dial is kept in the health table as
// permanently unhealthy until Close/New is called again.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("upstream: no URLs configured")
	}
	if cfg.MaxRetriesPerURL <= 0 {
		cfg.MaxRetriesPerURL = 1
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	c := &Client{cfg: cfg, logger: logger}
	for _, u := range cfg.URLs {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		cl, err := dialFunc(dialCtx, u)
		cancel()
		h := &urlHealth{}
		if err != nil {
			logger.Warn("failed to dial upstream url", zap.String("url", Sanitize(u)), zap.Error(err))
			h.recordFailure(err)
			c.clients = append(c.clients, nil)
			c.health = append(c.health, h)
			continue
		}
		c.clients = append(c.clients, cl)
		c.health = append(c.health, h)
	}
	return c, nil
}

// isRetryable reports whether err is the kind of transient/network failure
// worth retrying against the same URL. JSON-RPC-level errors (the node
// answered, but with an error) and connection-refused/DNS failures are not
// retryable — the same URL will just fail the same way again, so the
// caller should fail over immediately instead of burning retry attempts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr ethrpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Timeout()
	}
	return true
}

// candidateIndices orders clients so known-healthy URLs are tried before
// known-unhealthy ones, without ever dropping an unhealthy URL entirely —
// if every healthy URL fails, the unhealthy ones are tried too rather than
// declaring total failure while a recovered backend sits unused.
func (c *Client) candidateIndices() []int {
	healthy := make([]int, 0, len(c.clients))
	unhealthy := make([]int, 0, len(c.clients))
	for i := range c.clients {
		if c.clients[i] == nil {
			continue
		}
		if c.health[i].Healthy() {
			healthy = append(healthy, i)
		} else {
			unhealthy = append(unhealthy, i)
		}
	}
	return append(healthy, unhealthy...)
}

// Call dispatches method against the first healthy URL, retrying each URL
// up to MaxRetriesPerURL times (only for retryable errors) and failing
// over to the next URL (when FallbackEnabled) until one succeeds or all
// are exhausted. Known-unhealthy URLs are tried last.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var lastErr error
	for i, cl := range c.clients {
		if cl == nil {
			lastErr = c.health[i].lastError
		}
	}
	first := true

	for _, i := range c.candidateIndices() {
		if !first && !c.cfg.FallbackEnabled {
			break
		}
		first = false

		cl := c.clients[i]
		h := c.health[i]

		var result json.RawMessage
		var err error
		for attempt := 0; attempt < c.cfg.MaxRetriesPerURL; attempt++ {
			callCtx := ctx
			var cancel context.CancelFunc
			if c.cfg.RequestTimeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			}
			err = cl.CallContext(callCtx, &result, method, params...)
			if cancel != nil {
				cancel()
			}
			if err == nil {
				h.recordSuccess()
				return result, nil
			}
			if !isRetryable(err) {
				break
			}
		}

		h.recordFailure(err)
		lastErr = err
		c.logger.Warn("upstream call failed, trying next url",
			zap.String("method", method),
			zap.String("url", Sanitize(c.cfg.URLs[i])),
			zap.Error(err))
	}

	if lastErr == nil {
		lastErr = ErrAllURLsFailed
	}
	return nil, fmt.Errorf("%w: %v", ErrAllURLsFailed, lastErr)
}

// BatchElem is one call within a BatchCall, mirroring ethrpc.BatchElem but
// keeping this package's public surface independent of the go-ethereum
// import for callers that only need the shape.
type BatchElem struct {
	Method string
	Params []interface{}
	Result json.RawMessage
	Error  error
}

// BatchCall dispatches every element of elems against a single upstream URL
// in one round trip, failing over the whole batch to the next URL if the
// transport call itself fails. Per-element Errors set by the upstream node
// (e.g. "method not found" for one call within an otherwise successful
// batch) are not treated as a transport failure and do not trigger
// failover.
func (c *Client) BatchCall(ctx context.Context, elems []BatchElem) error {
	var lastErr error
	for i, cl := range c.clients {
		if cl == nil {
			lastErr = c.health[i].lastError
		}
	}
	first := true

	for _, i := range c.candidateIndices() {
		if !first && !c.cfg.FallbackEnabled {
			break
		}
		first = false

		cl := c.clients[i]
		h := c.health[i]

		batch := make([]ethrpc.BatchElem, len(elems))
		for j, e := range elems {
			batch[j] = ethrpc.BatchElem{Method: e.Method, Args: e.Params, Result: &elems[j].Result}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		}
		err := cl.BatchCallContext(callCtx, batch)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			h.recordSuccess()
			for j := range elems {
				elems[j].Error = batch[j].Error
			}
			return nil
		}

		h.recordFailure(err)
		lastErr = err
		c.logger.Warn("upstream batch call failed, trying next url",
			zap.String("url", Sanitize(c.cfg.URLs[i])),
			zap.Error(err))
	}

	if lastErr == nil {
		lastErr = ErrAllURLsFailed
	}
	return fmt.Errorf("%w: %v", ErrAllURLsFailed, lastErr)
}

// Healthy reports whether at least one configured URL is currently healthy.
func (c *Client) Healthy() bool {
	for _, h := range c.health {
		if h.Healthy() {
			return true
		}
	}
	return false
}

// ProviderStatus is one URL's health as of the moment ProviderStatuses was
// called: its current eligibility, consecutive failure count, and the most
// recent error/success observed against it.
type ProviderStatus struct {
	URL             string
	Healthy         bool
	ConsecutiveErr  int
	LastError       error
	LastErrorTime   time.Time
	LastSuccessTime time.Time
}

// ProviderStatuses reports the current health of every configured URL, in
// configuration order, for surfacing on /health.
func (c *Client) ProviderStatuses() []ProviderStatus {
	out := make([]ProviderStatus, len(c.cfg.URLs))
	for i, u := range c.cfg.URLs {
		h := c.health[i]
		h.mu.Lock()
		consecutiveErr := h.consecutiveErr
		lastErr := h.lastError
		lastFailure := h.lastFailureTime
		lastSuccess := h.lastSuccess
		h.mu.Unlock()

		out[i] = ProviderStatus{
			URL:             Sanitize(u),
			Healthy:         h.Healthy(),
			ConsecutiveErr:  consecutiveErr,
			LastError:       lastErr,
			LastErrorTime:   lastFailure,
			LastSuccessTime: lastSuccess,
		}
	}
	return out
}

// Close releases every dialed client.
func (c *Client) Close() {
	for _, cl := range c.clients {
		if cl != nil {
			cl.Close()
		}
	}
}
