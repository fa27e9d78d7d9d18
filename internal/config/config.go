// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines the optional API key gate.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// IdentityConfig names the header carrying the authenticated user.
type IdentityConfig struct {
	Header string `mapstructure:"header"`
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	Requests          int           `mapstructure:"requests"`
	Window            time.Duration `mapstructure:"window"`
	Backend           string        `mapstructure:"backend"`
	TrustProxyHeaders bool          `mapstructure:"trust_proxy_headers"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// JobsConfig governs admission and the worker pool.
type JobsConfig struct {
	MaxConcurrentPerUser int `mapstructure:"max_concurrent_per_user"`
	Workers              int `mapstructure:"workers"`
	QueueDepth           int `mapstructure:"queue_depth"`

	// RecoverOnStart fails pending and running jobs left by a previous
	// process. Disable it when several instances share one store.
	RecoverOnStart bool `mapstructure:"recover_on_start"`
}

// FetchConfig configures direct retrieval and per-host politeness.
type FetchConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	HostRPS   float64       `mapstructure:"host_rps"`
	HostBurst int           `mapstructure:"host_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	MinDelay           time.Duration `mapstructure:"min_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// RobotsConfig configures robots.txt evaluation.
type RobotsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Agent    string        `mapstructure:"agent"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// StoreConfig selects the job and cache persistence backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig is shared by the Redis-backed limiter and cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BlobConfig selects where page snapshots are archived.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects the job event publisher.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPESVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultUserAgent is a desktop Chrome user agent string.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("identity.header", "X-User-ID")
	v.SetDefault("ratelimit.requests", 60)
	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.trust_proxy_headers", false)
	v.SetDefault("ratelimit.sweep_interval", "1m")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.sweep_interval", "5m")
	v.SetDefault("jobs.max_concurrent_per_user", 10)
	v.SetDefault("jobs.workers", 8)
	v.SetDefault("jobs.queue_depth", 256)
	v.SetDefault("jobs.recover_on_start", true)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.host_rps", 2.0)
	v.SetDefault("fetch.host_burst", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.min_delay", "1s")
	v.SetDefault("headless.max_delay", "3s")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.agent", "*")
	v.SetDefault("robots.timeout", "10s")
	v.SetDefault("robots.cache_ttl", "1h")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 0)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("blob.backend", "none")
	v.SetDefault("blob.base_dir", "")
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("blob.prefix", "snapshots")
	v.SetDefault("events.backend", "none")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "scrape-jobs")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Identity.Header) == "" {
		return fmt.Errorf("identity.header must be set")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.requests and ratelimit.window must be > 0")
	}
	if c.Jobs.MaxConcurrentPerUser <= 0 {
		return fmt.Errorf("jobs.max_concurrent_per_user must be > 0")
	}
	if c.Jobs.Workers <= 0 || c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.workers and jobs.queue_depth must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.MaxDelay < c.Headless.MinDelay {
		return fmt.Errorf("headless.max_delay must be >= headless.min_delay")
	}

	needsRedis := false
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		needsRedis = true
	default:
		return fmt.Errorf("ratelimit.backend %q must be memory or redis", c.RateLimit.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "store":
	case "redis":
		needsRedis = true
	default:
		return fmt.Errorf("cache.backend %q must be memory, store or redis", c.Cache.Backend)
	}
	if needsRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when a redis backend is selected")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q must be memory, postgres or sqlite", c.Store.Driver)
	}

	switch c.Blob.Backend {
	case "none", "memory":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend %q must be none, memory, local or gcs", c.Blob.Backend)
	}

	switch c.Events.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("events.backend %q must be none, memory or pubsub", c.Events.Backend)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
