package stats

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restql/restql/internal/core"
)

func TestEventField(t *testing.T) {
	assert.Equal(t, "allowed", Event{Kind: KindRateLimit, Allowed: true}.Field())
	assert.Equal(t, "denied", Event{Kind: KindRateLimit}.Field())
	assert.Equal(t, "success", Event{Kind: KindDispatch, Status: core.StatusSuccess}.Field())
	assert.Equal(t, "success_cached", Event{Kind: KindDispatch, Status: core.StatusSuccess, FromCache: true}.Field())
	assert.Equal(t, "timeout", Event{Kind: KindDispatch, Status: core.StatusTimeout}.Field())
}

func TestMemoryRecorder(t *testing.T) {
	rec := NewMemoryRecorder(WithMemoryTrackKeys(true))
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, Event{Kind: KindRateLimit, Key: "10.0.0.1", Allowed: true}))
	require.NoError(t, rec.Record(ctx, Event{Kind: KindRateLimit, Key: "10.0.0.1"}))
	require.NoError(t, rec.Record(ctx, Event{Kind: KindDispatch, API: "users", Status: core.StatusSuccess}))

	total := rec.Total()
	assert.Equal(t, int64(1), total["allowed"])
	assert.Equal(t, int64(1), total["denied"])
	assert.Equal(t, int64(1), total["success"])
	assert.Equal(t, int64(1), rec.ByAPI()["users"]["success"])
	assert.Equal(t, int64(2), rec.ByKey()["10.0.0.1"]["allowed"]+rec.ByKey()["10.0.0.1"]["denied"])

	// Snapshots are copies.
	total["allowed"] = 99
	assert.Equal(t, int64(1), rec.Total()["allowed"])
}

func TestMemoryRecorderWithoutKeyTracking(t *testing.T) {
	rec := NewMemoryRecorder()
	require.NoError(t, rec.Record(context.Background(), Event{Kind: KindRateLimit, Key: "k", Allowed: true}))
	assert.Empty(t, rec.ByKey())
}

func TestMemoryRecorderConcurrent(t *testing.T) {
	rec := NewMemoryRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = rec.Record(context.Background(), Event{Kind: KindRateLimit, Allowed: true})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), rec.Total()["allowed"])
}

func TestRedisRecorderKeys(t *testing.T) {
	rec := NewRedisRecorder(nil, WithPrefix(":gw:stats:"))
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	assert.Equal(t, "gw:stats:total", rec.TotalKey())
	assert.Equal(t, "gw:stats:minute:202503040506", rec.MinuteKey(at))

	// A recorder without a client is a no-op.
	require.NoError(t, rec.Record(context.Background(), Event{Kind: KindRateLimit}))
	totals, err := rec.Totals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestRedisRecorderRoundTrip(t *testing.T) {
	addr := os.Getenv("RESTQL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RESTQL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Dial(ctx, RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close() // nolint:errcheck

	prefix := "restql:test:" + uuid.NewString()
	rec := NewRedisRecorder(rdb, WithPrefix(prefix), WithTTL(time.Minute), WithTrackKeys(true))
	defer rdb.Del(ctx, rec.TotalKey())

	now := time.Now()
	require.NoError(t, rec.Record(ctx, Event{Kind: KindRateLimit, Key: "c1", Allowed: true, At: now}))
	require.NoError(t, rec.Record(ctx, Event{Kind: KindRateLimit, Key: "c1", At: now}))
	require.NoError(t, rec.Record(ctx, Event{Kind: KindDispatch, API: "users", Status: core.StatusUpstreamError, At: now}))

	totals, err := rec.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals["allowed"])
	assert.Equal(t, int64(1), totals["denied"])
	assert.Equal(t, int64(1), totals["upstream_error"])

	ttl, err := rdb.TTL(ctx, rec.MinuteKey(now)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
