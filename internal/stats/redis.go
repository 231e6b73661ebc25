package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder stores counters in Redis hashes:
//
//	<prefix>:total               cumulative, never expires
//	<prefix>:minute:<yyyymmddhhmm> per-minute bucket, expires after ttl
//	<prefix>:api:<name>          per-upstream, expires after ttl
//	<prefix>:key:<client>        per-client when tracking keys, expires after ttl
type RedisRecorder struct {
	rdb       redis.UniversalClient
	prefix    string
	ttl       time.Duration
	trackKeys bool
}

// RedisOption configures a RedisRecorder.
type RedisOption func(*RedisRecorder)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithTTL sets the expiry of bucketed keys.
func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

// WithTrackKeys enables per-client hashes.
func WithTrackKeys(track bool) RedisOption {
	return func(r *RedisRecorder) { r.trackKeys = track }
}

// NewRedisRecorder wraps an existing client.
func NewRedisRecorder(rdb redis.UniversalClient, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "restql:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RedisConfig describes a Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Record increments ev's counters in one pipeline round trip.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Field()

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.TotalKey(), field, 1)

	bucketKey := r.MinuteKey(at)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	r.expire(ctx, pipe, bucketKey)

	if ev.API != "" {
		apiKey := r.prefix + ":api:" + ev.API
		pipe.HIncrBy(ctx, apiKey, field, 1)
		r.expire(ctx, pipe, apiKey)
	}

	if r.trackKeys {
		if k := strings.TrimSpace(ev.Key); k != "" {
			keyKey := r.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			r.expire(ctx, pipe, keyKey)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Totals reads the cumulative counters.
func (r *RedisRecorder) Totals(ctx context.Context) (Counters, error) {
	if r == nil || r.rdb == nil {
		return Counters{}, nil
	}
	raw, err := r.rdb.HGetAll(ctx, r.TotalKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(Counters, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

// TotalKey returns the cumulative hash key.
func (r *RedisRecorder) TotalKey() string {
	return r.prefix + ":total"
}

// MinuteKey returns the bucket hash key for at.
func (r *RedisRecorder) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
}

func (r *RedisRecorder) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
}
