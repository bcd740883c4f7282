package cachestore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig mirrors the subset of connection knobs the proxy exposes;
// cluster mode is inferred from the presence of multiple comma-separated
// addresses in URL.
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLSEnabled   bool
	TLSCAFile    string
	TLSCertFile  string
	TLSKeyFile   string
	KeyPrefix    string
}

// redisClient is the subset of *redis.Client / *redis.ClusterClient the
// backend needs, letting both client types satisfy one interface.
type redisClient interface {
	redis.Cmdable
	Close() error
}

// Redis stores cache entries in a remote Redis server or cluster.
type Redis struct {
	client redisClient
	prefix string
}

// NewRedis dials Redis (single-node or cluster, depending on how many
// addresses URL contains) and verifies connectivity with a Ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	addrs := splitAddrs(cfg.URL)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("cachestore: redis URL is empty")
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		var err error
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("cachestore: building tls config: %w", err)
		}
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 3 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 3 * time.Second
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = 10
	}

	var client redisClient
	if len(addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Password:     cfg.Password,
			PoolSize:     poolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  dialTimeout,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			TLSConfig:    tlsConfig,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         addrs[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     poolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  dialTimeout,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			TLSConfig:    tlsConfig,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cachestore: redis ping failed: %w", err)
	}

	return &Redis{client: client, prefix: cfg.KeyPrefix}, nil
}

func splitAddrs(url string) []string {
	url = strings.TrimPrefix(url, "redis://")
	url = strings.TrimPrefix(url, "rediss://")
	var out []string
	for _, a := range strings.Split(url, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func buildTLSConfig(cfg RedisConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cachestore: redis get: %w", err)
	}
	ttl, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("cachestore: redis ttl: %w", err)
	}
	entry := Entry{Value: val, StoredAt: time.Now()}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	return entry, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cachestore: redis set: %w", err)
	}
	return nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cachestore: redis setnx: %w", err)
	}
	return ok, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("cachestore: redis del: %w", err)
	}
	return nil
}

// DeleteMatching scans for keys matching pattern and deletes them in
// batches. Scan is used instead of Keys to avoid blocking the server on
// large keyspaces.
func (r *Redis) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	var deleted int
	full := r.key(pattern)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, full, 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("cachestore: redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("cachestore: redis del: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

func (r *Redis) MultiGet(ctx context.Context, keys []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}

	vals, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: redis mget: %w", err)
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = Entry{Value: []byte(s), StoredAt: time.Now()}
	}
	return out, nil
}

func (r *Redis) MultiSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, r.key(k), v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cachestore: redis pipeline set: %w", err)
	}
	return nil
}

func (r *Redis) FlushAll(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("cachestore: redis flushdb: %w", err)
	}
	return nil
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	count, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("cachestore: redis dbsize: %w", err)
	}
	return Stats{Backend: "redis", EntryCount: count}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
