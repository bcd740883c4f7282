package cachestore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FactoryConfig selects and parameterizes a backend.
type FactoryConfig struct {
	// Type is "auto", "redis", or "memory". "auto" tries redis first and
	// falls back to memory, logging a warning, if the connection fails.
	Type  string
	Redis RedisConfig
	Memory MemoryConfig
}

// New builds a Store per cfg.Type. A nil logger is replaced with a no-op
// logger.
func New(ctx context.Context, cfg FactoryConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case "memory":
		return NewMemory(cfg.Memory), nil

	case "redis":
		store, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("cachestore: creating redis store: %w", err)
		}
		return store, nil

	case "auto", "":
		store, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-process memory cache",
				zap.Error(err))
			return NewMemory(cfg.Memory), nil
		}
		return store, nil

	default:
		return nil, fmt.Errorf("cachestore: unknown backend type %q", cfg.Type)
	}
}
