package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// isolate points config discovery away from the developer's machine.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(wd) })
	require.NoError(t, os.Chdir(t.TempDir()))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 1000, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "fixed_window", cfg.RateLimit.Strategy)

	assert.Equal(t, 300*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)

	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, 100, cfg.GraphQL.MaxComplexity)
	assert.Equal(t, int64(1<<20), cfg.GraphQL.MaxBodyBytes)
	assert.True(t, cfg.GraphQL.Playground)

	assert.False(t, cfg.Stats.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Stats.TTL)
	assert.Empty(t, cfg.Upstreams)
}

func TestLoadFileAndEnv(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
server:
  port: 8088
rate_limit:
  requests: 2
  window: 60s
  strategy: sliding_log
cache:
  default_ttl: 5s
default_upstream: users
upstreams:
  - name: users
    base_url: https://users.internal/api
    timeout: 200ms
    retry_attempts: 0
    headers:
      Authorization: Bearer abc
  - name: posts
    base_url: http://posts.internal
    max_rps: 5.5
    burst: 2
`)
	t.Setenv("RESTQL_PORT", "9099")
	t.Setenv("RESTQL_CACHE_DEFAULT_TTL", "7s")

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 9099, cfg.Server.Port)
	assert.Equal(t, 2, cfg.RateLimit.Requests)
	assert.Equal(t, "sliding_log", cfg.RateLimit.Strategy)
	assert.Equal(t, 7*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, "users", cfg.DefaultUpstream)

	require.Len(t, cfg.Upstreams, 2)
	users := cfg.Upstreams[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, 200*time.Millisecond, users.Timeout)
	require.NotNil(t, users.RetryAttempts)
	assert.Equal(t, 0, *users.RetryAttempts)
	assert.Len(t, users.Headers, 1)

	posts := cfg.Upstreams[1]
	assert.Nil(t, posts.RetryAttempts)
	assert.InDelta(t, 5.5, posts.MaxRPS, 0.001)
	assert.Equal(t, 2, posts.Burst)

	opts := posts.Options()
	assert.InDelta(t, 5.5, opts.MaxRPS, 0.001)
	assert.Nil(t, opts.RetryAttempts)
}

func TestLoadRuntimeOverridesWin(t *testing.T) {
	isolate(t)
	t.Setenv("RESTQL_PORT", "9099")

	cfg, err := Load(context.Background(), "", map[string]any{
		"server": map[string]any{"port": 7000},
	})
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoadUpstreamFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("RESTQL_UPSTREAM_URL", "https://jsonplaceholder.typicode.com")

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, cfg.Upstreams, 1)
	assert.Equal(t, "default", cfg.Upstreams[0].Name)
	assert.Equal(t, "https://jsonplaceholder.typicode.com", cfg.Upstreams[0].BaseURL)
}

func TestLoadDiscoversConfigDirectory(t *testing.T) {
	isolate(t)
	require.NoError(t, os.MkdirAll("config", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("config", "config.yaml"), []byte("server:\n  port: 6123\n"), 0o600))

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 6123, cfg.Server.Port)
	assert.NotEmpty(t, ConfigFileUsed(context.Background(), ""))
}

func TestLoadErrors(t *testing.T) {
	isolate(t)

	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, `
rate_limit:
  requests: 0
upstreams:
  - name: a
    base_url: ftp://nope
default_upstream: b
`)
	_, err = Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.requests must be positive")
	assert.Contains(t, err.Error(), "must be an absolute http(s) URL")
	assert.Contains(t, err.Error(), `default_upstream "b"`)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RateLimit: RateLimitConfig{Requests: 1, Window: time.Second},
			Cache:     CacheConfig{DefaultTTL: time.Second},
			Upstreams: []UpstreamConfig{{Name: "a", BaseURL: "http://a.test"}},
			GraphQL:   GraphQLConfig{Path: "/graphql", MaxComplexity: 1, MaxBodyBytes: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"strategy":        {func(c *Config) { c.RateLimit.Strategy = "token_bucket" }, "rate_limit.strategy"},
		"jitter":          {func(c *Config) { c.Retry.Jitter = "lots" }, "retry.jitter"},
		"delays":          {func(c *Config) { c.Retry.BaseDelay, c.Retry.MaxDelay = time.Second, time.Millisecond }, "exceeds"},
		"duplicate":       {func(c *Config) { c.Upstreams = append(c.Upstreams, c.Upstreams[0]) }, "duplicate name"},
		"unnamed":         {func(c *Config) { c.Upstreams[0].Name = " " }, "name is required"},
		"negative retry":  {func(c *Config) { n := -1; c.Upstreams[0].RetryAttempts = &n }, "retry_attempts"},
		"graphql path":    {func(c *Config) { c.GraphQL.Path = "graphql" }, "graphql.path"},
		"same paths":      {func(c *Config) { c.GraphQL.Playground, c.GraphQL.PlaygroundPath = true, "/graphql" }, "must differ"},
		"stats redis":     {func(c *Config) { c.Stats.Enabled = true }, "stats.redis_addr"},
		"port":            {func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		"log level":       {func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		"complexity":      {func(c *Config) { c.GraphQL.MaxComplexity = 0 }, "max_complexity"},
		"negative rps":    {func(c *Config) { c.Upstreams[0].MaxRPS = -1 }, "max_rps"},
		"default missing": {func(c *Config) { c.DefaultUpstream = "zzz" }, "default_upstream"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfigMarshalsToYAML(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "default_ttl: 5m0s")
	assert.Contains(t, string(out), "max_complexity: 100")
}
