// Package gateway assembles the configured components into a running
// dispatch pipeline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/config"
	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/core/cache"
	"github.com/restql/restql/internal/core/clock"
	"github.com/restql/restql/internal/core/dispatch"
	"github.com/restql/restql/internal/core/pipeline"
	"github.com/restql/restql/internal/core/ratelimit"
	"github.com/restql/restql/internal/core/retry"
	"github.com/restql/restql/internal/core/upstream"
	"github.com/restql/restql/internal/graphql"
	"github.com/restql/restql/internal/stats"
)

// Options supplies collaborators that are not part of the configuration.
// All fields are optional.
type Options struct {
	Logger     *logging.Logger
	Clock      clock.Clock
	HTTPClient *http.Client
	UserAgent  string
	// Recorder replaces the recorder derived from the stats section.
	Recorder stats.Recorder
	// Sleep replaces the retry sleeper; tests pass retry.NoSleep.
	Sleep retry.SleepFunc
}

// Gateway owns every component of one gateway instance.
type Gateway struct {
	Config     *config.Config
	Registry   *upstream.Registry
	Limiter    *ratelimit.Limiter
	Cache      *cache.TTLCache
	Dispatcher *dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline
	Executor   *graphql.Executor
	Recorder   stats.Recorder

	redis  *redis.Client
	logger *logging.Logger
}

// New builds a gateway from cfg. The registry is frozen before New returns.
// When stats are enabled New connects to Redis and fails if it is
// unreachable.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway requires a config")
	}
	g := &Gateway{Config: cfg, logger: opts.Logger}

	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	g.Registry = registry

	strategy, err := ratelimit.ParseStrategy(cfg.RateLimit.Strategy)
	if err != nil {
		return nil, err
	}
	g.Limiter, err = ratelimit.New(ratelimit.Config{
		Limit:    cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
		Strategy: strategy,
		Shards:   cfg.RateLimit.Shards,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	g.Cache = cache.New(cache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL,
		Shards:     cfg.Cache.Shards,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})

	policy, err := RetryPolicy(cfg.Retry)
	if err != nil {
		return nil, err
	}
	if opts.Sleep != nil {
		policy.Sleep = opts.Sleep
	}
	g.Dispatcher = dispatch.New(dispatch.Config{
		Upstreams: registry,
		Client:    opts.HTTPClient,
		Policy:    policy,
		UserAgent: opts.UserAgent,
		Logger:    opts.Logger,
	})

	g.Recorder = opts.Recorder
	if g.Recorder == nil {
		g.Recorder, err = g.newRecorder(ctx)
		if err != nil {
			return nil, err
		}
	}

	g.Pipeline, err = pipeline.New(pipeline.Config{
		Limiter:    g.Limiter,
		Cache:      g.Cache,
		Dispatcher: g.Dispatcher,
		CacheTTL:   cfg.Cache.DefaultTTL,
		Recorder:   g.Recorder,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})
	if err != nil {
		_ = g.Close()
		return nil, err
	}

	g.Executor, err = graphql.NewExecutor(graphql.Config{
		Resolver:      g.Pipeline,
		MaxComplexity: cfg.GraphQL.MaxComplexity,
		Concurrency:   cfg.GraphQL.Concurrency,
		Logger:        opts.Logger,
	})
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

// NewRegistry registers every configured upstream and freezes the registry.
func NewRegistry(cfg *config.Config) (*upstream.Registry, error) {
	registry := upstream.NewRegistry(cfg.DefaultUpstream)
	for _, u := range cfg.Upstreams {
		if err := registry.Register(u.Name, u.BaseURL, u.Options()); err != nil {
			return nil, err
		}
	}
	if err := registry.Freeze(); err != nil {
		return nil, err
	}
	return registry, nil
}

// RetryPolicy converts the retry section to a policy. The retry budget is
// filled in per target by the dispatcher.
func RetryPolicy(rc config.RetryConfig) (retry.Policy, error) {
	jitter, err := retry.ParseJitter(rc.Jitter)
	if err != nil {
		return retry.Policy{}, err
	}
	policy := retry.DefaultPolicy(0)
	if rc.BaseDelay > 0 {
		policy.BaseDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		policy.MaxDelay = rc.MaxDelay
	}
	policy.Jitter = jitter
	return policy, nil
}

func (g *Gateway) newRecorder(ctx context.Context) (stats.Recorder, error) {
	sc := g.Config.Stats
	if !sc.Enabled {
		return stats.Nop{}, nil
	}
	rdb, err := stats.Dial(ctx, stats.RedisConfig{
		Addr:     sc.RedisAddr,
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	g.redis = rdb
	return stats.NewRedisRecorder(rdb,
		stats.WithPrefix(sc.Prefix),
		stats.WithTTL(sc.TTL),
		stats.WithTrackKeys(sc.TrackKeys),
	), nil
}

// Handler returns the GraphQL HTTP handler for this gateway.
func (g *Gateway) Handler() http.Handler {
	return graphql.NewHandler(g.Executor, graphql.HandlerOptions{
		MaxBodyBytes: g.Config.GraphQL.MaxBodyBytes,
		Logger:       g.logger,
	})
}

// StartJanitors runs limiter cleanup and cache sweeps until ctx is done.
func (g *Gateway) StartJanitors(ctx context.Context) {
	g.Limiter.StartJanitor(ctx, g.Config.RateLimit.SweepInterval)
	g.Cache.StartJanitor(ctx, g.Config.Cache.SweepInterval)
	if g.logger != nil {
		g.logger.Debug("Janitors started",
			zap.Duration("rate_limit_sweep", g.Config.RateLimit.SweepInterval),
			zap.Duration("cache_sweep", g.Config.Cache.SweepInterval))
	}
}

// Resolve sends one request through the pipeline.
func (g *Gateway) Resolve(ctx context.Context, req core.DispatchRequest, clientKey string) core.DispatchResult {
	return g.Pipeline.Resolve(ctx, req, clientKey)
}

// CheckStats verifies the stats backend. It succeeds when stats are
// disabled.
func (g *Gateway) CheckStats(ctx context.Context) error {
	if g.redis == nil {
		return nil
	}
	return g.redis.Ping(ctx).Err()
}

// CheckUpstreams fails when no upstream is registered.
func (g *Gateway) CheckUpstreams(context.Context) error {
	if len(g.Registry.Targets()) == 0 {
		return fmt.Errorf("no upstreams registered")
	}
	return nil
}

// Close releases the Redis connection, if any.
func (g *Gateway) Close() error {
	if g.redis == nil {
		return nil
	}
	err := g.redis.Close()
	g.redis = nil
	return err
}

// ErrStatsDisabled is returned by Totals when no stats backend is queryable.
var ErrStatsDisabled = errors.New("stats recording is disabled")

// Totals returns lifetime counters from the configured recorder.
func (g *Gateway) Totals(ctx context.Context) (stats.Counters, error) {
	switch r := g.Recorder.(type) {
	case *stats.RedisRecorder:
		return r.Totals(ctx)
	case *stats.MemoryRecorder:
		return r.Total(), nil
	default:
		return nil, ErrStatsDisabled
	}
}
