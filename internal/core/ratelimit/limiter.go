// Package ratelimit enforces a per-client request ceiling over a time window.
//
// State is partitioned into shards selected by an xxhash of the client key.
// Each shard has its own mutex, so check-then-consume is atomic for a key
// while unrelated keys rarely contend. No critical section performs I/O.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/core/clock"
	"github.com/restql/restql/internal/metrics"
)

// Strategy selects how a window is accounted.
type Strategy string

const (
	// FixedWindow counts requests in a window that resets once it has fully
	// elapsed.
	FixedWindow Strategy = "fixed_window"
	// SlidingLog keeps one timestamp per admitted request and counts those
	// still inside the trailing window.
	SlidingLog Strategy = "sliding_log"
)

const defaultShards = 16

// ParseStrategy parses a configured strategy name. An empty name selects
// FixedWindow.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case "", FixedWindow:
		return FixedWindow, nil
	case SlidingLog:
		return SlidingLog, nil
	default:
		return "", fmt.Errorf("unknown rate limit strategy %q", name)
	}
}

// Config configures a Limiter.
type Config struct {
	Limit    int
	Window   time.Duration
	Strategy Strategy
	Shards   int
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Usage reports the state of one key.
type Usage struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*core.RateWindow
}

// Limiter is a sharded in-memory rate limiter.
type Limiter struct {
	limit    int
	window   time.Duration
	strategy Strategy
	clock    clock.Clock
	logger   *logging.Logger
	shards   []*shard
}

// New builds a Limiter. Limit and Window must be positive.
func New(cfg Config) (*Limiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", cfg.Window)
	}
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}

	l := &Limiter{
		limit:    cfg.Limit,
		window:   cfg.Window,
		strategy: strategy,
		clock:    clock.Or(cfg.Clock),
		logger:   cfg.Logger,
		shards:   make([]*shard, n),
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*core.RateWindow)}
	}
	return l, nil
}

// Limit returns the configured ceiling.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.window }

// Strategy returns the accounting strategy.
func (l *Limiter) Strategy() Strategy { return l.strategy }

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// CheckAndConsume admits one request for key when the key is below its
// ceiling and records it. A denied request records nothing.
func (l *Limiter) CheckAndConsume(key string) bool {
	now := l.clock.Now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &core.RateWindow{WindowStart: now}
		s.windows[key] = w
	}

	switch l.strategy {
	case SlidingLog:
		w.Timestamps = pruneLog(w.Timestamps, now.Add(-l.window))
		if len(w.Timestamps) >= l.limit {
			return false
		}
		w.Timestamps = append(w.Timestamps, now)
		return true
	default:
		if now.Sub(w.WindowStart) >= l.window {
			w.Count = 0
			w.WindowStart = now
		}
		if w.Count >= l.limit {
			return false
		}
		w.Count++
		return true
	}
}

// Usage reports how much of the ceiling key has consumed at the current
// instant. Unknown keys report zero usage.
func (l *Limiter) Usage(key string) Usage {
	now := l.clock.Now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	used := 0
	resetAt := now
	if w, ok := s.windows[key]; ok {
		switch l.strategy {
		case SlidingLog:
			w.Timestamps = pruneLog(w.Timestamps, now.Add(-l.window))
			used = len(w.Timestamps)
			if used > 0 {
				resetAt = w.Timestamps[0].Add(l.window)
			}
		default:
			if now.Sub(w.WindowStart) < l.window {
				used = w.Count
				resetAt = w.WindowStart.Add(l.window)
			}
		}
	}

	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Used: used, Limit: l.limit, Remaining: remaining, ResetAt: resetAt}
}

// Cleanup drops keys whose window no longer holds any qualifying requests
// and returns how many were removed. Shards are locked one at a time.
func (l *Limiter) Cleanup() int {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)
	removed := 0

	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			if l.expired(w, now, cutoff) {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *Limiter) expired(w *core.RateWindow, now, cutoff time.Time) bool {
	if l.strategy == SlidingLog {
		w.Timestamps = pruneLog(w.Timestamps, cutoff)
		return len(w.Timestamps) == 0
	}
	return w.Count == 0 || now.Sub(w.WindowStart) >= l.window
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	return total
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := l.Cleanup()
				tracked := l.Len()
				metrics.SetRateLimitKeys(tracked)
				if removed > 0 && l.logger != nil {
					l.logger.Debug("Rate limiter cleanup", zap.Int("removed", removed), zap.Int("tracked", tracked))
				}
			}
		}
	}()
}

// pruneLog drops timestamps at or before cutoff. The log is ordered, so the
// first retained index bounds the stale prefix.
func pruneLog(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
