// Package cache holds short-lived upstream responses in memory.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/core/clock"
	"github.com/restql/restql/internal/metrics"
)

const (
	defaultShards = 16
	// DefaultTTL applies when no default TTL is configured.
	DefaultTTL = 300 * time.Second
)

// Config configures a TTLCache.
type Config struct {
	DefaultTTL time.Duration
	Shards     int
	Clock      clock.Clock
	Logger     *logging.Logger
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// HitRatio returns hits over lookups, or 0 with no lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]core.CacheEntry
}

// TTLCache is a sharded in-memory cache with per-entry expiry. Expired
// entries are invisible to Get and are removed by Sweep.
type TTLCache struct {
	defaultTTL time.Duration
	clock      clock.Clock
	logger     *logging.Logger
	shards     []*shard

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// New builds a TTLCache.
func New(cfg Config) *TTLCache {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}
	c := &TTLCache{
		defaultTTL: ttl,
		clock:      clock.Or(cfg.Clock),
		logger:     cfg.Logger,
		shards:     make([]*shard, n),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]core.CacheEntry)}
	}
	return c
}

// DefaultTTL returns the TTL applied when Set is given a non-positive ttl.
func (c *TTLCache) DefaultTTL() time.Duration { return c.defaultTTL }

func (c *TTLCache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Get returns the value for key when present and unexpired. Expired entries
// are left for Sweep.
func (c *TTLCache) Get(key string) (core.Document, bool) {
	now := c.clock.Now()
	s := c.shardFor(key)

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !entry.Valid(now) {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return entry.Value, true
}

// Set stores value under key for ttl, or the default TTL when ttl <= 0.
// An existing entry is replaced.
func (c *TTLCache) Set(key string, value core.Document, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry := core.CacheEntry{Value: value, ExpiresAt: c.clock.Now().Add(ttl)}
	s := c.shardFor(key)

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	c.sets.Inc()
}

// Delete removes key. Deleting an absent key is a no-op.
func (c *TTLCache) Delete(key string) {
	s := c.shardFor(key)

	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		c.deletes.Inc()
	}
}

// Sweep removes expired entries and returns how many were removed. Expiry
// is evaluated under the same lock the deletion happens under, so an entry
// refreshed by a concurrent Set survives.
func (c *TTLCache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if !entry.Valid(now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evictions.Add(int64(removed))
	return removed
}

// Clear drops every entry.
func (c *TTLCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]core.CacheEntry)
		s.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Stats returns a snapshot of the counters.
func (c *TTLCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

// StartJanitor runs Sweep every interval until ctx is done.
func (c *TTLCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.defaultTTL
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := c.Sweep()
				entries := c.Len()
				metrics.RecordCacheSweep(removed, entries)
				if removed > 0 && c.logger != nil {
					c.logger.Debug("Cache sweep", zap.Int("removed", removed), zap.Int("entries", entries))
				}
			}
		}
	}()
}
