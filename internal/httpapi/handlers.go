package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/rpc-cache-proxy/internal/jsonrpc"
	applogger "github.com/0xmhha/rpc-cache-proxy/internal/logger"
)

// rpcEnvelope wraps a jsonrpc.Response with the "cached" flag the HTTP
// surface attaches to every non-error response.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
	Cached  bool            `json:"cached"`
}

func toEnvelope(resp *jsonrpc.Response) rpcEnvelope {
	return rpcEnvelope{
		JSONRPC: resp.JSONRPC,
		Result:  resp.Result,
		Error:   resp.Error,
		ID:      resp.ID,
		Cached:  resp.Cached,
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeJSONRPCError(w, nil, jsonrpc.CodeParseError, "request body too large or unreadable")
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		s.handleBatch(w, r, trimmed)
		return
	}
	s.handleSingle(w, r, trimmed)
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request, body []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONRPCError(w, nil, jsonrpc.CodeParseError, "invalid JSON")
		return
	}

	reqLogger := applogger.WithRequestID(r.Context(), s.logger)
	reqLogger.Debug("resolving rpc request", zap.String("method", req.Method))

	resp := s.pipeline.Resolve(r.Context(), req)
	writeJSON(w, http.StatusOK, toEnvelope(resp))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var batch jsonrpc.BatchRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSONRPCError(w, nil, jsonrpc.CodeParseError, "invalid JSON")
		return
	}
	if len(batch) == 0 {
		writeJSONRPCError(w, nil, jsonrpc.CodeInvalidRequest, "empty batch")
		return
	}
	if len(batch) > s.cfg.MaxBatchSize {
		writeJSONRPCError(w, nil, jsonrpc.CodeInvalidRequest, "batch too large")
		return
	}

	responses := s.pipeline.ResolveBatch(r.Context(), batch)
	envelopes := make([]rpcEnvelope, len(responses))
	for i, resp := range responses {
		envelopes[i] = toEnvelope(resp)
	}
	writeJSON(w, http.StatusOK, envelopes)
}

// providerStatus mirrors one entry of /health's rpcProviders array.
type providerStatus struct {
	URL             string     `json:"url"`
	Healthy         bool       `json:"healthy"`
	ConsecutiveErr  int        `json:"consecutiveErrors"`
	LastError       string     `json:"lastError,omitempty"`
	LastErrorTime   *time.Time `json:"lastErrorTime,omitempty"`
	LastSuccessTime *time.Time `json:"lastSuccessTime,omitempty"`
}

// healthConfig summarizes the knobs that shape what /health reports, so an
// operator reading the response can tell which behavior to expect without
// cross-referencing the running configuration file.
type healthConfig struct {
	MaxBodyBytes   int64  `json:"maxBodyBytes"`
	MaxBatchSize   int    `json:"maxBatchSize"`
	MetricsEnabled bool   `json:"metricsEnabled"`
	BreakerState   string `json:"breakerState"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.metrics.Snapshot()
	snapshot.CircuitBreaker.State = s.pipeline.BreakerState()

	status := "healthy"
	if s.upstream != nil && !s.upstream.Healthy() {
		status = "degraded"
	}

	stats, err := s.store.Stats(r.Context())
	cacheType := "unknown"
	if err == nil {
		cacheType = stats.Backend
	}

	var providers []providerStatus
	if s.upstream != nil {
		for _, ps := range s.upstream.ProviderStatuses() {
			entry := providerStatus{URL: ps.URL, Healthy: ps.Healthy, ConsecutiveErr: ps.ConsecutiveErr}
			if ps.LastError != nil {
				entry.LastError = ps.LastError.Error()
			}
			if !ps.LastErrorTime.IsZero() {
				t := ps.LastErrorTime
				entry.LastErrorTime = &t
			}
			if !ps.LastSuccessTime.IsZero() {
				t := ps.LastSuccessTime
				entry.LastSuccessTime = &t
			}
			providers = append(providers, entry)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"uptime":       time.Since(s.startedAt).String(),
		"cacheType":    cacheType,
		"metrics":      snapshot,
		"rpcProviders": providers,
		"config": healthConfig{
			MaxBodyBytes:   s.cfg.MaxBodyBytes,
			MaxBatchSize:   s.cfg.MaxBatchSize,
			MetricsEnabled: s.cfg.MetricsEnabled,
			BreakerState:   snapshot.CircuitBreaker.State,
		},
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":   stats,
		"metrics": s.metrics.Snapshot(),
	})
}

func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.FlushAll(r.Context()); err != nil {
		s.logger.Error("cache flush failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	s.metrics.Reset()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "cache flushed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONRPCError always responds 200 per JSON-RPC-over-HTTP convention:
// transport-level success, protocol-level error inside the body.
func writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, toEnvelope(jsonrpc.NewError(id, code, message)))
}
