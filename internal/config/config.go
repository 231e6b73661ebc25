package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/restql/restql/internal/core/ratelimit"
	"github.com/restql/restql/internal/core/retry"
	"github.com/restql/restql/internal/core/upstream"
	"github.com/restql/restql/internal/observability"
)

// Config is the complete gateway configuration. Precedence, lowest first:
// built-in defaults, the YAML config file, RESTQL_* environment variables,
// then runtime overrides such as CLI flags.
type Config struct {
	Server          ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging         LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics         MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Health          HealthConfig     `mapstructure:"health" yaml:"health"`
	RateLimit       RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Cache           CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Retry           RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Upstreams       []UpstreamConfig `mapstructure:"upstreams" yaml:"upstreams"`
	DefaultUpstream string           `mapstructure:"default_upstream" yaml:"default_upstream"`
	GraphQL         GraphQLConfig    `mapstructure:"graphql" yaml:"graphql"`
	Stats           StatsConfig      `mapstructure:"stats" yaml:"stats"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// RateLimitConfig configures the per-client limiter.
type RateLimitConfig struct {
	Requests      int           `mapstructure:"requests" yaml:"requests"`
	Window        time.Duration `mapstructure:"window" yaml:"window"`
	Strategy      string        `mapstructure:"strategy" yaml:"strategy"`
	Shards        int           `mapstructure:"shards" yaml:"shards"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// KeyHeader names a request header that identifies the client.
	KeyHeader         string `mapstructure:"key_header" yaml:"key_header"`
	TrustForwardedFor bool   `mapstructure:"trust_forwarded_for" yaml:"trust_forwarded_for"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	Shards        int           `mapstructure:"shards" yaml:"shards"`
}

// RetryConfig configures upstream retry backoff. Attempt counts are per
// upstream.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter    string        `mapstructure:"jitter" yaml:"jitter"`
}

// UpstreamConfig describes one upstream REST API.
type UpstreamConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	BaseURL string            `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	// RetryAttempts is nil when unset so an explicit 0 disables retries.
	RetryAttempts *int    `mapstructure:"retry_attempts" yaml:"retry_attempts,omitempty"`
	MaxRPS        float64 `mapstructure:"max_rps" yaml:"max_rps,omitempty"`
	Burst         int     `mapstructure:"burst" yaml:"burst,omitempty"`
}

// Options converts the entry to registry options.
func (u UpstreamConfig) Options() upstream.Options {
	return upstream.Options{
		Timeout:       u.Timeout,
		RetryAttempts: u.RetryAttempts,
		Headers:       u.Headers,
		MaxRPS:        u.MaxRPS,
		Burst:         u.Burst,
	}
}

// GraphQLConfig configures the GraphQL endpoint.
type GraphQLConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	Playground     bool   `mapstructure:"playground" yaml:"playground"`
	PlaygroundPath string `mapstructure:"playground_path" yaml:"playground_path"`
	MaxComplexity  int    `mapstructure:"max_complexity" yaml:"max_complexity"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	// Concurrency bounds parallel root field resolution per query.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// StatsConfig configures the optional Redis stats recorder.
type StatsConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	Prefix        string        `mapstructure:"prefix" yaml:"prefix"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	TrackKeys     bool          `mapstructure:"track_keys" yaml:"track_keys"`
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if c.RateLimit.Requests <= 0 {
		add("rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		add("rate_limit.window must be positive")
	}
	if _, err := ratelimit.ParseStrategy(c.RateLimit.Strategy); err != nil {
		add("rate_limit.strategy: %v", err)
	}
	if c.Cache.DefaultTTL <= 0 {
		add("cache.default_ttl must be positive")
	}
	if _, err := retry.ParseJitter(c.Retry.Jitter); err != nil {
		add("retry.jitter: %v", err)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		add("retry.base_delay exceeds retry.max_delay")
	}

	seen := map[string]bool{}
	for i, u := range c.Upstreams {
		name := strings.TrimSpace(u.Name)
		switch {
		case name == "":
			add("upstreams[%d].name is required", i)
		case seen[name]:
			add("upstreams[%d]: duplicate name %q", i, name)
		}
		seen[name] = true

		parsed, err := url.Parse(strings.TrimSpace(u.BaseURL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			add("upstreams[%d].base_url %q must be an absolute http(s) URL", i, u.BaseURL)
		}
		if u.RetryAttempts != nil && *u.RetryAttempts < 0 {
			add("upstreams[%d].retry_attempts must not be negative", i)
		}
		if u.MaxRPS < 0 || u.Burst < 0 {
			add("upstreams[%d]: max_rps and burst must not be negative", i)
		}
	}
	if c.DefaultUpstream != "" && !seen[c.DefaultUpstream] {
		add("default_upstream %q is not a configured upstream", c.DefaultUpstream)
	}

	if !strings.HasPrefix(c.GraphQL.Path, "/") {
		add("graphql.path must start with /")
	}
	if c.GraphQL.Playground && !strings.HasPrefix(c.GraphQL.PlaygroundPath, "/") {
		add("graphql.playground_path must start with /")
	}
	if c.GraphQL.Playground && c.GraphQL.PlaygroundPath == c.GraphQL.Path {
		add("graphql.playground_path must differ from graphql.path")
	}
	if c.GraphQL.MaxComplexity <= 0 {
		add("graphql.max_complexity must be positive")
	}
	if c.GraphQL.MaxBodyBytes <= 0 {
		add("graphql.max_body_bytes must be positive")
	}

	if c.Stats.Enabled && strings.TrimSpace(c.Stats.RedisAddr) == "" {
		add("stats.redis_addr is required when stats are enabled")
	}

	return errors.Join(errs...)
}
