// Package pipeline composes rate limiting, response caching and dispatch
// into the per-field resolution path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/core/clock"
	"github.com/restql/restql/internal/metrics"
	"github.com/restql/restql/internal/stats"
)

// Limiter admits or denies a request for a client key.
type Limiter interface {
	CheckAndConsume(key string) bool
}

// Cache stores resolved documents.
type Cache interface {
	Get(key string) (core.Document, bool)
	Set(key string, value core.Document, ttl time.Duration)
}

// Dispatcher performs the outbound call.
type Dispatcher interface {
	Dispatch(ctx context.Context, req core.DispatchRequest) core.DispatchResult
}

// Config configures a Pipeline. Limiter, Cache and Recorder are optional.
type Config struct {
	Limiter    Limiter
	Cache      Cache
	Dispatcher Dispatcher
	// CacheTTL is passed to Cache.Set; zero selects the cache default.
	CacheTTL time.Duration
	Recorder stats.Recorder
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Pipeline resolves one field: rate limit, cache lookup for reads, dispatch,
// cache fill on read success. Writes bypass the cache entirely.
type Pipeline struct {
	limiter    Limiter
	cache      Cache
	dispatcher Dispatcher
	cacheTTL   time.Duration
	recorder   stats.Recorder
	clock      clock.Clock
	logger     *logging.Logger
}

// New builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("pipeline requires a dispatcher")
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = stats.Nop{}
	}
	return &Pipeline{
		limiter:    cfg.Limiter,
		cache:      cfg.Cache,
		dispatcher: cfg.Dispatcher,
		cacheTTL:   cfg.CacheTTL,
		recorder:   recorder,
		clock:      clock.Or(cfg.Clock),
		logger:     cfg.Logger,
	}, nil
}

// Resolve runs req through the pipeline on behalf of clientKey. The result
// from the dispatcher is returned unchanged apart from cache bookkeeping.
func (p *Pipeline) Resolve(ctx context.Context, req core.DispatchRequest, clientKey string) core.DispatchResult {
	started := p.clock.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if p.limiter != nil {
		allowed := p.limiter.CheckAndConsume(clientKey)
		metrics.RecordRateLimit(allowed)
		p.record(ctx, stats.Event{Kind: stats.KindRateLimit, Key: clientKey, API: req.API, Allowed: allowed, At: started})
		if !allowed {
			result := core.Failure(core.StatusRateLimited, fmt.Sprintf("rate limit exceeded for client %s", clientKey))
			result.API = req.API
			p.observe(ctx, req, clientKey, result, started)
			return result
		}
	}

	cacheable := p.cache != nil && req.IsRead()
	var key string
	if cacheable {
		key = CacheKey(req)
		if value, ok := p.cache.Get(key); ok {
			metrics.RecordCacheLookup(true)
			result := core.Success(value, 0)
			result.FromCache = true
			result.API = req.API
			p.observe(ctx, req, clientKey, result, started)
			return result
		}
		metrics.RecordCacheLookup(false)
	}

	result := p.dispatcher.Dispatch(ctx, req)
	if cacheable && result.OK() {
		p.cache.Set(key, result.Value, p.cacheTTL)
	}
	p.observe(ctx, req, clientKey, result, started)
	return result
}

func (p *Pipeline) observe(ctx context.Context, req core.DispatchRequest, clientKey string, result core.DispatchResult, started time.Time) {
	metrics.RecordDispatch(result.API, string(result.Status), result.FromCache, result.Attempts, p.clock.Now().Sub(started))
	p.record(ctx, stats.Event{
		Kind:      stats.KindDispatch,
		Key:       clientKey,
		API:       result.API,
		Status:    result.Status,
		FromCache: result.FromCache,
		At:        started,
	})
	if p.logger != nil {
		p.logger.Debug("Field resolved",
			zap.String("request_id", req.RequestID),
			zap.String("api", result.API),
			zap.String("method", req.NormalizedMethod()),
			zap.String("endpoint", req.Endpoint),
			zap.String("status", string(result.Status)),
			zap.Bool("from_cache", result.FromCache),
			zap.Int("attempts", result.Attempts))
	}
}

func (p *Pipeline) record(ctx context.Context, ev stats.Event) {
	if err := p.recorder.Record(ctx, ev); err != nil && p.logger != nil {
		p.logger.Warn("Failed to record stats event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// CacheKey derives the cache key for a read. The key is the full canonical
// form of the request, NUL-separated, so distinct requests never share an
// entry. Header values do not participate.
func CacheKey(req core.DispatchRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.API))
	b.WriteByte(0)
	b.WriteString(req.NormalizedMethod())
	b.WriteByte(0)
	b.WriteString(strings.TrimSpace(req.Endpoint))
	b.WriteByte(0)
	b.WriteString(canonicalJSON(req.Body))
	return b.String()
}

// canonicalJSON encodes v with sorted object keys, which encoding/json
// guarantees for maps.
func canonicalJSON(v core.Document) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}
