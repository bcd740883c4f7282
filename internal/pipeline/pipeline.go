// Package pipeline implements the request-resolution pipeline: the
// coordinated interaction between method policy, cache store, request
// coalescer, distributed lock, circuit breaker, and upstream client that
// together decide how a single JSON-RPC call is served.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/rpc-cache-proxy/internal/breaker"
	"github.com/0xmhha/rpc-cache-proxy/internal/cachestore"
	"github.com/0xmhha/rpc-cache-proxy/internal/coalesce"
	"github.com/0xmhha/rpc-cache-proxy/internal/fingerprint"
	"github.com/0xmhha/rpc-cache-proxy/internal/jsonrpc"
	"github.com/0xmhha/rpc-cache-proxy/internal/lock"
	"github.com/0xmhha/rpc-cache-proxy/internal/methodpolicy"
)

// upstreamCaller is the subset of *upstream.Client the pipeline depends on,
// letting tests substitute a fake without dialing a real node.
type upstreamCaller interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

const (
	stalePrefix    = "stale:"
	negativePrefix = "negative:"
)

// Config carries the advanced knobs the pipeline needs beyond its
// collaborators' own configuration.
type Config struct {
	StaleWhileRevalidate bool
	StaleTTL             time.Duration
	NegativeCaching      bool
	NegativeTTL          time.Duration
	LockEnabled          bool
	// LockRecheckDelay is how long the producer sleeps after failing to
	// acquire the distributed lock, before re-reading the cache and
	// proceeding unlocked.
	LockRecheckDelay time.Duration
}

// Pipeline wires every collaborator together and exposes Resolve as the
// single entry point the HTTP layer calls.
type Pipeline struct {
	cfg      Config
	policy   *methodpolicy.Policy
	store    cachestore.Store
	coalescer *coalesce.Coalescer
	locker   *lock.Locker // nil when distributed locking is disabled
	breaker  *breaker.Breaker
	upstream upstreamCaller
	metrics  *Metrics
	logger   *zap.Logger
}

// New builds a Pipeline. locker may be nil; cfg.LockEnabled is then forced
// false.
func New(cfg Config, policy *methodpolicy.Policy, store cachestore.Store, coalescer *coalesce.Coalescer, locker *lock.Locker, br *breaker.Breaker, up upstreamCaller, metrics *Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if locker == nil {
		cfg.LockEnabled = false
	}
	if cfg.LockRecheckDelay == 0 {
		cfg.LockRecheckDelay = 100 * time.Millisecond
	}
	return &Pipeline{
		cfg: cfg, policy: policy, store: store, coalescer: coalescer,
		locker: locker, breaker: br, upstream: up, metrics: metrics, logger: logger,
	}
}

// BreakerState reports the circuit breaker's current state, for surfacing
// on /health alongside the counter snapshot.
func (p *Pipeline) BreakerState() string {
	return p.breaker.State().String()
}

// negativeEntry is the stored shape for a failed upstream call.
type negativeEntry struct {
	ErrorMessage string    `json:"errorMessage"`
	Timestamp    time.Time `json:"timestamp"`
}

// Resolve runs the full pipeline for a single JSON-RPC request and always
// returns a well-formed response — it never propagates an error for the
// caller to wrap, mapping every internal failure to a JSON-RPC error object
// itself.
func (p *Pipeline) Resolve(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	if req.JSONRPC != jsonrpc.Version {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "invalid jsonrpc version")
	}

	decision := p.policy.Classify(req.Method, req.Params)
	p.metrics.incTotal()

	if !decision.Cacheable {
		result, err := p.callUpstream(ctx, req.Method, req.Params)
		if err != nil {
			return p.upstreamErrorResponse(req.ID, err)
		}
		return jsonrpc.NewResult(req.ID, result)
	}

	fp, err := fingerprint.Compute(req.Method, req.Params)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, err.Error())
	}

	if p.cfg.NegativeCaching {
		if resp, hit := p.checkNegative(req.ID, fp); hit {
			return resp
		}
	}

	if resp, hit := p.checkPositive(ctx, req, fp, decision); hit {
		return resp
	}

	// produced is set only when this caller's own producer runs; a caller
	// that joined another's in-flight fetch is counted as coalesced. The
	// shared fetch runs detached from this caller's cancellation.
	produced := false
	value, err := p.coalescer.GetOrFetch(ctx, fp, func(ctx context.Context) ([]byte, error) {
		produced = true
		return p.produce(context.WithoutCancel(ctx), req.Method, req.Params, fp, decision)
	})
	if !produced {
		p.metrics.incCoalesced()
	}
	if err != nil {
		return p.handleProduceError(ctx, req.ID, fp, decision, err)
	}

	return responseWithCached(req.ID, value, false)
}

func (p *Pipeline) checkNegative(id json.RawMessage, fp string) (*jsonrpc.Response, bool) {
	entry, err := p.store.Get(context.Background(), negativePrefix+fp)
	if err != nil {
		return nil, false
	}
	var neg negativeEntry
	if err := json.Unmarshal(entry.Value, &neg); err != nil {
		return nil, false
	}
	p.metrics.incNegativeCacheHits()
	resp := jsonrpc.NewError(id, jsonrpc.CodeInternalError, neg.ErrorMessage)
	resp.Error.Data = map[string]interface{}{"cached": true, "timestamp": neg.Timestamp}
	return resp, true
}

func (p *Pipeline) checkPositive(ctx context.Context, req jsonrpc.Request, fp string, decision methodpolicy.Decision) (*jsonrpc.Response, bool) {
	entry, err := p.store.Get(ctx, fp)
	if err == nil {
		p.metrics.incCacheHits()
		return responseWithCached(req.ID, entry.Value, true), true
	}

	if !p.cfg.StaleWhileRevalidate {
		p.metrics.incCacheMisses()
		return nil, false
	}

	stale, err := p.store.Get(ctx, stalePrefix+fp)
	if err != nil {
		p.metrics.incCacheMisses()
		return nil, false
	}

	p.metrics.incStaleServed()
	go p.refreshInBackground(req.Method, req.Params, fp, decision)
	return responseWithCached(req.ID, stale.Value, true), true
}

func (p *Pipeline) refreshInBackground(method string, params json.RawMessage, fp string, decision methodpolicy.Decision) {
	ctx := context.Background()
	_, _ = p.coalescer.GetOrFetch(ctx, fp, func(ctx context.Context) ([]byte, error) {
		return p.produce(ctx, method, params, fp, decision)
	})
}

// produce is the coalescer's producer: acquire the lock (best-effort),
// re-check the cache, call upstream, store the result, release the lock.
func (p *Pipeline) produce(ctx context.Context, method string, params json.RawMessage, fp string, decision methodpolicy.Decision) ([]byte, error) {
	locked := false
	if p.cfg.LockEnabled {
		acquired, err := p.locker.Acquire(ctx, fp)
		if err != nil || !acquired {
			p.metrics.incLockContentions()
			p.logger.Warn("distributed lock not acquired, proceeding unlocked", zap.String("fingerprint", fp), zap.Error(err))
			select {
			case <-time.After(p.cfg.LockRecheckDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if entry, err := p.store.Get(ctx, fp); err == nil {
				return entry.Value, nil
			}
		} else {
			locked = true
			p.metrics.incLockAcquired()
			defer func() { _ = p.locker.Release(context.Background(), fp) }()
		}
	}

	if locked {
		if entry, err := p.store.Get(ctx, fp); err == nil {
			return entry.Value, nil
		}
	}

	result, err := p.callUpstream(ctx, method, params)
	if err != nil {
		return nil, err
	}

	p.storeResult(fp, result, decision)
	return result, nil
}

func (p *Pipeline) storeResult(fp string, result []byte, decision methodpolicy.Decision) {
	ctx := context.Background()
	ttl := time.Duration(0)
	if !decision.Permanent {
		ttl = decision.TTL
	}
	if err := p.store.Set(ctx, fp, result, ttl); err != nil {
		p.logger.Warn("failed to write cache entry", zap.String("fingerprint", fp), zap.Error(err))
	}

	if p.cfg.StaleWhileRevalidate {
		staleTTL := p.cfg.StaleTTL
		if decision.Permanent {
			staleTTL = 0
		}
		if err := p.store.Set(ctx, stalePrefix+fp, result, staleTTL); err != nil {
			p.logger.Warn("failed to write stale cache entry", zap.String("fingerprint", fp), zap.Error(err))
		}
	}
}

func (p *Pipeline) callUpstream(ctx context.Context, method string, params json.RawMessage) ([]byte, error) {
	args, err := splitParams(params)
	if err != nil {
		return nil, err
	}

	var result []byte
	err = p.breaker.Call(ctx, func(ctx context.Context) error {
		raw, err := p.upstream.Call(ctx, method, args...)
		if err != nil {
			p.metrics.incUpstreamErrors()
			return err
		}
		result = raw
		return nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		p.metrics.incCircuitBreakerRejections()
	}
	return result, err
}

func (p *Pipeline) handleProduceError(ctx context.Context, id json.RawMessage, fp string, decision methodpolicy.Decision, err error) *jsonrpc.Response {
	if errors.Is(err, breaker.ErrOpen) && p.cfg.StaleWhileRevalidate {
		if stale, staleErr := p.store.Get(ctx, stalePrefix+fp); staleErr == nil {
			p.metrics.incStaleServed()
			return responseWithCached(id, stale.Value, true)
		}
	}

	if p.cfg.NegativeCaching {
		p.writeNegativeEntry(fp, decision, err)
	}

	return p.upstreamErrorResponse(id, err)
}

func (p *Pipeline) writeNegativeEntry(fp string, decision methodpolicy.Decision, err error) {
	neg := negativeEntry{ErrorMessage: err.Error(), Timestamp: time.Now()}
	data, marshalErr := json.Marshal(neg)
	if marshalErr != nil {
		return
	}
	ttl := p.cfg.NegativeTTL
	if setErr := p.store.Set(context.Background(), negativePrefix+fp, data, ttl); setErr != nil {
		p.logger.Warn("failed to write negative cache entry", zap.String("fingerprint", fp), zap.Error(setErr))
	}
}

func (p *Pipeline) upstreamErrorResponse(id json.RawMessage, err error) *jsonrpc.Response {
	resp := jsonrpc.NewError(id, jsonrpc.CodeInternalError, "Internal error")
	resp.Error.Data = err.Error()
	return resp
}

func responseWithCached(id json.RawMessage, value []byte, cached bool) *jsonrpc.Response {
	resp := jsonrpc.NewResult(id, value)
	resp.Cached = cached
	return resp
}

// ResolveBatch runs Resolve concurrently for every element of a batch
// request and returns results in the same order.
func (p *Pipeline) ResolveBatch(ctx context.Context, batch jsonrpc.BatchRequest) jsonrpc.BatchResponse {
	out := make(jsonrpc.BatchResponse, len(batch))
	done := make(chan struct{}, len(batch))
	for i := range batch {
		go func(i int) {
			out[i] = p.Resolve(ctx, batch[i])
			done <- struct{}{}
		}(i)
	}
	for range batch {
		<-done
	}
	return out
}

func splitParams(params json.RawMessage) ([]interface{}, error) {
	if len(params) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var args []interface{}
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return args, nil
}
