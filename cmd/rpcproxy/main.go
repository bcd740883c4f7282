// Command rpcproxy runs a caching reverse proxy in front of one or more
// Ethereum JSON-RPC upstream nodes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/0xmhha/rpc-cache-proxy/internal/breaker"
	"github.com/0xmhha/rpc-cache-proxy/internal/cachestore"
	"github.com/0xmhha/rpc-cache-proxy/internal/coalesce"
	"github.com/0xmhha/rpc-cache-proxy/internal/config"
	"github.com/0xmhha/rpc-cache-proxy/internal/httpapi"
	"github.com/0xmhha/rpc-cache-proxy/internal/lock"
	applogger "github.com/0xmhha/rpc-cache-proxy/internal/logger"
	"github.com/0xmhha/rpc-cache-proxy/internal/methodpolicy"
	"github.com/0xmhha/rpc-cache-proxy/internal/pipeline"
	"github.com/0xmhha/rpc-cache-proxy/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile = flag.String("config", "", "path to a YAML configuration overlay")
		host       = flag.String("host", "", "bind host (overrides HOST/config)")
		port       = flag.Int("port", 0, "bind port (overrides PORT/config)")
	)
	flag.Parse()

	loadDotEnv()

	cfg, err := config.Load(coalesceFlag(*configFile, os.Getenv("CONFIG_FILE")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyFlags(cfg, *host, *port)

	logger, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting rpc cache proxy",
		zap.String("addr", cfg.Address()),
		zap.Strings("upstreams", cfg.Upstream.URLs),
		zap.String("cache_type", cfg.Cache.Type))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamClient, err := upstream.New(ctx, upstream.Config{
		URLs:             cfg.Upstream.URLs,
		FallbackEnabled:  cfg.Upstream.FallbackEnabled,
		MaxRetriesPerURL: cfg.Upstream.MaxRetriesPerURL,
	}, applogger.WithComponent(logger, "upstream"))
	if err != nil {
		return fmt.Errorf("initializing upstream client: %w", err)
	}
	defer upstreamClient.Close()

	store, err := cachestore.New(ctx, cachestore.FactoryConfig{
		Type: cfg.Cache.Type,
		Redis: cachestore.RedisConfig{
			URL: cfg.Cache.RedisURL,
		},
		Memory: cachestore.MemoryConfig{
			SweepInterval: 30 * time.Second,
		},
	}, applogger.WithComponent(logger, "cachestore"))
	if err != nil {
		return fmt.Errorf("initializing cache store: %w", err)
	}
	defer store.Close()

	policy := methodpolicy.New(
		cfg.Cache.PermanentCacheHeight,
		cfg.Cache.LatestBlockTTL,
		cfg.Cache.RecentBlockTTL,
		cfg.Cache.EthCallTTL,
	)

	coalescer := coalesce.New(cfg.Coalesce.Timeout)
	coalescer.Enabled = cfg.Coalesce.Enabled

	// The distributed lock is skipped for the in-process store, which no
	// other instance can see.
	var locker *lock.Locker
	_, inProcessStore := store.(*cachestore.Memory)
	if cfg.Lock.Enabled && !inProcessStore {
		locker = lock.New(store, lock.Config{
			TTL:           cfg.Lock.TTL,
			RetryAttempts: cfg.Lock.RetryAttempts,
			RetryDelay:    cfg.Lock.RetryDelay,
		})
		defer locker.ReleaseAll(context.Background())
	}

	metrics := pipeline.NewMetrics()

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		VolumeThreshold:  cfg.Breaker.VolumeThreshold,
		ErrorPercentage:  cfg.Breaker.ErrorPercentage,
		RollingWindow:    cfg.Breaker.RollingWindow,
		OnStateChange: func(from, to breaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if to == breaker.StateOpen {
				metrics.IncCircuitBreakerTrip()
			}
		},
	})
	if !cfg.Breaker.Enabled {
		br = breaker.New(breaker.Config{FailureThreshold: 1 << 30, VolumeThreshold: 1 << 30})
	}

	pl := pipeline.New(pipeline.Config{
		StaleWhileRevalidate: cfg.Advanced.StaleWhileRevalidate,
		StaleTTL:             cfg.Advanced.StaleTTL,
		NegativeCaching:      cfg.Advanced.NegativeCaching,
		NegativeTTL:          cfg.Advanced.NegativeTTL,
		LockEnabled:          cfg.Lock.Enabled,
	}, policy, store, coalescer, locker, br, upstreamClient, metrics, applogger.WithComponent(logger, "pipeline"))

	server := httpapi.New(cfg.Address(), httpapi.Config{
		MetricsEnabled:  cfg.MetricsEnabled,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, pl, store, upstreamClient, metrics, applogger.WithComponent(logger, "http"))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("error during graceful shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func applyFlags(cfg *config.Config, host string, port int) {
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
}

func coalesceFlag(flagVal, envVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return envVal
}

func initLogger(level, format string) (*zap.Logger, error) {
	if format == "json" {
		return applogger.NewWithConfig(&applogger.Config{Level: level, Encoding: "json"})
	}
	return applogger.NewWithConfig(&applogger.Config{Level: level, Encoding: "console", Development: true})
}

// loadDotEnv loads a .env file from the working directory if present; its
// absence is not an error.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		return
	}
	_ = godotenv.Load(".env")
}
