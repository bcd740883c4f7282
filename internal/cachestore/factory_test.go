package cachestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Memory(t *testing.T) {
	store, err := New(context.Background(), FactoryConfig{Type: "memory"}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Backend)
}

func TestNew_AutoFallsBackToMemoryWhenRedisUnreachable(t *testing.T) {
	store, err := New(context.Background(), FactoryConfig{Type: "auto"}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Backend, "auto must fall back to memory when redis URL is empty/unreachable")
}

func TestNew_RedisWithoutURLFails(t *testing.T) {
	_, err := New(context.Background(), FactoryConfig{Type: "redis"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNew_UnknownTypeFails(t *testing.T) {
	_, err := New(context.Background(), FactoryConfig{Type: "bogus"}, zap.NewNop())
	assert.Error(t, err)
}
