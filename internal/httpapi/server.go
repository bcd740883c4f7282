// Package httpapi exposes the proxy's resolution pipeline over HTTP: the
// JSON-RPC endpoint itself plus health, cache-management, and metrics
// endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/rpc-cache-proxy/internal/cachestore"
	"github.com/0xmhha/rpc-cache-proxy/internal/pipeline"
	"github.com/0xmhha/rpc-cache-proxy/internal/upstream"
)

// Config configures the HTTP surface.
type Config struct {
	MaxBodyBytes    int64
	MaxBatchSize    int
	MetricsEnabled  bool
	ShutdownTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 2 << 20 // 2MiB
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 100
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server owns the chi router and the net/http.Server wrapping it.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	store    cachestore.Store
	upstream *upstream.Client
	metrics  *pipeline.Metrics
	logger   *zap.Logger
	startedAt time.Time

	httpServer *http.Server
	router     chi.Router
}

// New builds a Server and its chi router; call Start to begin serving.
func New(addr string, cfg Config, pl *pipeline.Pipeline, store cachestore.Store, up *upstream.Client, metrics *pipeline.Metrics, logger *zap.Logger) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg: cfg, pipeline: pl, store: store, upstream: up,
		metrics: metrics, logger: logger, startedAt: time.Now(),
	}
	s.router = s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(s.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerWithLevel(s.logger))
	r.Use(middleware.Recoverer)

	r.Post("/", s.handleRPC)
	r.Get("/health", s.handleHealth)
	r.Get("/cache/stats", s.handleCacheStats)
	r.Post("/cache/flush", s.handleCacheFlush)

	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// Router exposes the underlying router, mainly for tests that want to
// drive it with httptest without going through a real listener.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving and blocks until the listener returns (normally
// http.ErrServerClosed after Stop is called).
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests, bounded by
// cfg.ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
