// Package config loads the proxy's configuration from an optional YAML file
// and from environment variables, following the same defaults-then-file-
// then-env composition the rest of the ambient stack uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration for the proxy.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Coalesce CoalesceConfig `yaml:"coalesce"`
	Lock     LockConfig     `yaml:"lock"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Advanced AdvancedConfig `yaml:"advanced"`
	Log      LogConfig      `yaml:"log"`

	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig controls the failover JSON-RPC client.
type UpstreamConfig struct {
	URLs             []string `yaml:"urls"`
	FallbackEnabled  bool     `yaml:"fallback_enabled"`
	MaxRetriesPerURL int      `yaml:"max_retries_per_url"`
}

// CacheConfig controls the cache store backend and method-policy TTLs.
type CacheConfig struct {
	RedisURL             string        `yaml:"redis_url"`
	Type                 string        `yaml:"type"` // auto | redis | memory
	PermanentCacheHeight uint64        `yaml:"permanent_cache_height"`
	LatestBlockTTL       time.Duration `yaml:"latest_block_ttl"`
	RecentBlockTTL       time.Duration `yaml:"recent_block_ttl"`
	EthCallTTL           time.Duration `yaml:"eth_call_ttl"`
}

// CoalesceConfig controls in-process request coalescing.
type CoalesceConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// LockConfig controls the distributed lock.
type LockConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// BreakerConfig controls the circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	Timeout             time.Duration `yaml:"timeout"`
	ResetTimeout        time.Duration `yaml:"reset_timeout"`
	VolumeThreshold     int           `yaml:"volume_threshold"`
	ErrorPercentage     float64       `yaml:"error_percentage"`
	RollingWindow       time.Duration `yaml:"rolling_window"`
}

// AdvancedConfig controls stale-while-revalidate and negative caching.
type AdvancedConfig struct {
	StaleWhileRevalidate bool          `yaml:"stale_while_revalidate"`
	StaleTTL             time.Duration `yaml:"stale_ttl"`
	NegativeCaching      bool          `yaml:"negative_caching"`
	NegativeTTL          time.Duration `yaml:"negative_ttl"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewConfig returns a zero-value Config; call SetDefaults to populate it.
func NewConfig() *Config {
	return &Config{}
}

// SetDefaults fills in any zero-valued field with the documented default.
// Safe to call twice: already-set fields are left untouched.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 3000
	}

	if !c.Upstream.FallbackEnabled && c.Upstream.MaxRetriesPerURL == 0 {
		c.Upstream.FallbackEnabled = true
	}
	if c.Upstream.MaxRetriesPerURL == 0 {
		c.Upstream.MaxRetriesPerURL = 2
	}

	if c.Cache.Type == "" {
		c.Cache.Type = "auto"
	}
	if c.Cache.PermanentCacheHeight == 0 {
		c.Cache.PermanentCacheHeight = 15537393
	}
	if c.Cache.LatestBlockTTL == 0 {
		c.Cache.LatestBlockTTL = 2 * time.Second
	}
	if c.Cache.RecentBlockTTL == 0 {
		c.Cache.RecentBlockTTL = 60 * time.Second
	}
	if c.Cache.EthCallTTL == 0 {
		c.Cache.EthCallTTL = 300 * time.Second
	}

	if c.Coalesce.Timeout == 0 {
		c.Coalesce.Timeout = 30 * time.Second
	}

	if c.Lock.TTL == 0 {
		c.Lock.TTL = 5 * time.Second
	}
	if c.Lock.RetryAttempts == 0 {
		c.Lock.RetryAttempts = 10
	}
	if c.Lock.RetryDelay == 0 {
		c.Lock.RetryDelay = 50 * time.Millisecond
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 10 * time.Second
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 60 * time.Second
	}
	if c.Breaker.VolumeThreshold == 0 {
		c.Breaker.VolumeThreshold = 10
	}
	if c.Breaker.ErrorPercentage == 0 {
		c.Breaker.ErrorPercentage = 50
	}
	if c.Breaker.RollingWindow == 0 {
		c.Breaker.RollingWindow = 60 * time.Second
	}

	if c.Advanced.StaleTTL == 0 {
		c.Advanced.StaleTTL = 300 * time.Second
	}
	if c.Advanced.NegativeTTL == 0 {
		c.Advanced.NegativeTTL = 60 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// defaultBoolsEnabledByDefault sets the booleans that ship enabled out of
// the box per the documented environment defaults. Load calls it before the
// file and environment overlays, since a bare zero value for a bool can't be
// distinguished from "explicitly disabled"; SetDefaults does not touch
// booleans.
func defaultBoolsEnabledByDefault(c *Config) {
	c.Coalesce.Enabled = true
	c.Lock.Enabled = true
	c.Breaker.Enabled = true
	c.MetricsEnabled = true
}

// LoadFromFile overlays YAML-file configuration onto c. A missing path is
// not an error; callers pass "" to skip file loading entirely.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays environment-variable configuration onto c, taking
// precedence over whatever LoadFromFile set.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		c.Port = n
	}

	if v := os.Getenv("UPSTREAM_RPC_URL"); v != "" {
		c.Upstream.URLs = splitAndTrim(v)
	}
	if v := os.Getenv("RPC_FALLBACK_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RPC_FALLBACK_ENABLED: %w", err)
		}
		c.Upstream.FallbackEnabled = b
	}
	if v := os.Getenv("RPC_MAX_RETRIES_PER_URL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RPC_MAX_RETRIES_PER_URL: %w", err)
		}
		c.Upstream.MaxRetriesPerURL = n
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("CACHE_TYPE"); v != "" {
		c.Cache.Type = v
	}
	if v := os.Getenv("PERMANENT_CACHE_HEIGHT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PERMANENT_CACHE_HEIGHT: %w", err)
		}
		c.Cache.PermanentCacheHeight = n
	}
	if err := envSeconds("LATEST_BLOCK_TTL", &c.Cache.LatestBlockTTL); err != nil {
		return err
	}
	if err := envSeconds("RECENT_BLOCK_TTL", &c.Cache.RecentBlockTTL); err != nil {
		return err
	}
	if err := envSeconds("ETH_CALL_TTL", &c.Cache.EthCallTTL); err != nil {
		return err
	}

	if v := os.Getenv("COALESCING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid COALESCING_ENABLED: %w", err)
		}
		c.Coalesce.Enabled = b
	}
	if err := envMillis("COALESCING_TIMEOUT", &c.Coalesce.Timeout); err != nil {
		return err
	}

	if v := os.Getenv("DISTRIBUTED_LOCK_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DISTRIBUTED_LOCK_ENABLED: %w", err)
		}
		c.Lock.Enabled = b
	}
	if err := envMillis("LOCK_TTL", &c.Lock.TTL); err != nil {
		return err
	}
	if v := os.Getenv("LOCK_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LOCK_RETRY_ATTEMPTS: %w", err)
		}
		c.Lock.RetryAttempts = n
	}
	if err := envMillis("LOCK_RETRY_DELAY", &c.Lock.RetryDelay); err != nil {
		return err
	}

	if v := os.Getenv("CIRCUIT_BREAKER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CIRCUIT_BREAKER_ENABLED: %w", err)
		}
		c.Breaker.Enabled = b
	}
	if v := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CIRCUIT_FAILURE_THRESHOLD: %w", err)
		}
		c.Breaker.FailureThreshold = n
	}
	if v := os.Getenv("CIRCUIT_SUCCESS_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CIRCUIT_SUCCESS_THRESHOLD: %w", err)
		}
		c.Breaker.SuccessThreshold = n
	}
	if err := envMillis("CIRCUIT_TIMEOUT", &c.Breaker.Timeout); err != nil {
		return err
	}
	if err := envMillis("CIRCUIT_RESET_TIMEOUT", &c.Breaker.ResetTimeout); err != nil {
		return err
	}
	if v := os.Getenv("CIRCUIT_VOLUME_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CIRCUIT_VOLUME_THRESHOLD: %w", err)
		}
		c.Breaker.VolumeThreshold = n
	}
	if v := os.Getenv("CIRCUIT_ERROR_PERCENTAGE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CIRCUIT_ERROR_PERCENTAGE: %w", err)
		}
		c.Breaker.ErrorPercentage = f
	}

	if v := os.Getenv("STALE_WHILE_REVALIDATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid STALE_WHILE_REVALIDATE: %w", err)
		}
		c.Advanced.StaleWhileRevalidate = b
	}
	if err := envSeconds("STALE_TTL", &c.Advanced.StaleTTL); err != nil {
		return err
	}
	if v := os.Getenv("NEGATIVE_CACHING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid NEGATIVE_CACHING: %w", err)
		}
		c.Advanced.NegativeCaching = b
	}
	if err := envSeconds("NEGATIVE_TTL", &c.Advanced.NegativeTTL); err != nil {
		return err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid METRICS_ENABLED: %w", err)
		}
		c.MetricsEnabled = b
	}
	if err := envMillis("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout); err != nil {
		return err
	}

	return nil
}

// Validate checks that the composed configuration is internally consistent
// enough to start the proxy.
func (c *Config) Validate() error {
	if len(c.Upstream.URLs) == 0 {
		return fmt.Errorf("at least one upstream RPC URL is required (UPSTREAM_RPC_URL)")
	}
	if c.Upstream.MaxRetriesPerURL < 1 {
		return fmt.Errorf("RPC_MAX_RETRIES_PER_URL must be at least 1")
	}
	switch c.Cache.Type {
	case "auto", "redis", "memory":
	default:
		return fmt.Errorf("invalid CACHE_TYPE %q: must be auto, redis, or memory", c.Cache.Type)
	}
	if c.Cache.Type == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("CACHE_TYPE=redis requires REDIS_URL")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Breaker.ErrorPercentage < 0 || c.Breaker.ErrorPercentage > 100 {
		return fmt.Errorf("CIRCUIT_ERROR_PERCENTAGE must be between 0 and 100")
	}
	return nil
}

// Load composes the full configuration pipeline: defaults, optional YAML
// file, environment overrides, defaults again (for anything neither source
// set), then validation.
func Load(configFile string) (*Config, error) {
	c := NewConfig()
	defaultBoolsEnabledByDefault(c)
	c.SetDefaults()

	if err := c.LoadFromFile(configFile); err != nil {
		return nil, err
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	c.SetDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func envSeconds(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envMillis(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Address returns the host:port pair the HTTP server should bind to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
