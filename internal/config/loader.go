// Package config loads gateway configuration: built-in defaults, an optional
// YAML file, RESTQL_* environment variables and runtime overrides, decoded
// into Config and validated.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/restql/restql/internal/appid"
)

// EnvVarSpec maps an environment variable onto a config path.
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// Load builds the effective configuration. path selects an explicit config
// file, which must exist; when empty the app config directory and ./config
// are searched for config.yaml and a missing file is not an error.
func Load(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	prefix, configName := identityNames(ctx)

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if dir := gfconfig.GetAppConfigDir(configName); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(envSpecs(prefix))
	if err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}
	if len(envOverrides) > 0 {
		if err := v.MergeConfigMap(envOverrides); err != nil {
			return nil, fmt.Errorf("merge environment overrides: %w", err)
		}
	}
	for _, o := range overrides {
		if len(o) == 0 {
			continue
		}
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("merge overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyUpstreamEnv(cfg, prefix)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed reports which file Load would read for path, or "".
func ConfigFileUsed(ctx context.Context, path string) string {
	if path != "" {
		return path
	}
	_, configName := identityNames(ctx)
	v := viper.New()
	v.SetConfigType("yaml")
	if dir := gfconfig.GetAppConfigDir(configName); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	return v.ConfigFileUsed()
}

func identityNames(ctx context.Context) (prefix, configName string) {
	names := appid.Resolve(ctx)
	return names.EnvPrefix, names.ConfigName
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)

	v.SetDefault("rate_limit.requests", 1000)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.strategy", "fixed_window")
	v.SetDefault("rate_limit.shards", 16)
	v.SetDefault("rate_limit.sweep_interval", "1m")
	v.SetDefault("rate_limit.key_header", "")
	v.SetDefault("rate_limit.trust_forwarded_for", false)

	v.SetDefault("cache.default_ttl", "300s")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.shards", 16)

	v.SetDefault("retry.base_delay", "100ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.jitter", "equal")

	v.SetDefault("upstreams", []any{})
	v.SetDefault("default_upstream", "")

	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("graphql.playground", true)
	v.SetDefault("graphql.playground_path", "/playground")
	v.SetDefault("graphql.max_complexity", 100)
	v.SetDefault("graphql.max_body_bytes", 1<<20)
	v.SetDefault("graphql.concurrency", 8)

	v.SetDefault("stats.enabled", false)
	v.SetDefault("stats.redis_addr", "localhost:6379")
	v.SetDefault("stats.redis_db", 0)
	v.SetDefault("stats.prefix", "restql:stats")
	v.SetDefault("stats.ttl", "24h")
	v.SetDefault("stats.track_keys", false)
}

func envSpecs(prefix string) []EnvVarSpec {
	return []EnvVarSpec{
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Durations stay strings; the decode hook parses them.
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},

		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		{Name: prefix + "RATE_LIMIT_REQUESTS", Path: []string{"rate_limit", "requests"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_WINDOW", Path: []string{"rate_limit", "window"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_STRATEGY", Path: []string{"rate_limit", "strategy"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_KEY_HEADER", Path: []string{"rate_limit", "key_header"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_TRUST_FORWARDED_FOR", Path: []string{"rate_limit", "trust_forwarded_for"}, Type: EnvBool},

		{Name: prefix + "CACHE_DEFAULT_TTL", Path: []string{"cache", "default_ttl"}, Type: EnvString},

		{Name: prefix + "RETRY_BASE_DELAY", Path: []string{"retry", "base_delay"}, Type: EnvString},
		{Name: prefix + "RETRY_MAX_DELAY", Path: []string{"retry", "max_delay"}, Type: EnvString},
		{Name: prefix + "RETRY_JITTER", Path: []string{"retry", "jitter"}, Type: EnvString},

		{Name: prefix + "DEFAULT_UPSTREAM", Path: []string{"default_upstream"}, Type: EnvString},

		{Name: prefix + "GRAPHQL_PLAYGROUND", Path: []string{"graphql", "playground"}, Type: EnvBool},
		{Name: prefix + "GRAPHQL_MAX_COMPLEXITY", Path: []string{"graphql", "max_complexity"}, Type: EnvInt},

		{Name: prefix + "STATS_ENABLED", Path: []string{"stats", "enabled"}, Type: EnvBool},
		{Name: prefix + "STATS_REDIS_ADDR", Path: []string{"stats", "redis_addr"}, Type: EnvString},
		{Name: prefix + "STATS_REDIS_PASSWORD", Path: []string{"stats", "redis_password"}, Type: EnvString},
		{Name: prefix + "STATS_REDIS_DB", Path: []string{"stats", "redis_db"}, Type: EnvInt},
	}
}

// applyUpstreamEnv adds <PREFIX>UPSTREAM_URL as an upstream named
// <PREFIX>UPSTREAM_NAME (default "default") unless one by that name exists.
func applyUpstreamEnv(cfg *Config, prefix string) {
	base := strings.TrimSpace(os.Getenv(prefix + "UPSTREAM_URL"))
	if base == "" {
		return
	}
	name := strings.TrimSpace(os.Getenv(prefix + "UPSTREAM_NAME"))
	if name == "" {
		name = "default"
	}
	for _, u := range cfg.Upstreams {
		if u.Name == name {
			return
		}
	}
	cfg.Upstreams = append(cfg.Upstreams, UpstreamConfig{Name: name, BaseURL: base})
}
