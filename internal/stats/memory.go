package stats

import (
	"context"
	"sync"
)

// Counters maps counter names to totals.
type Counters map[string]int64

// MemoryRecorder keeps counters in process memory. It never expires data and
// is meant for tests and one-shot CLI runs.
type MemoryRecorder struct {
	mu        sync.Mutex
	total     Counters
	byAPI     map[string]Counters
	byKey     map[string]Counters
	trackKeys bool
}

// MemoryOption configures a MemoryRecorder.
type MemoryOption func(*MemoryRecorder)

// WithMemoryTrackKeys enables per-client counters.
func WithMemoryTrackKeys(track bool) MemoryOption {
	return func(m *MemoryRecorder) { m.trackKeys = track }
}

// NewMemoryRecorder returns an empty recorder.
func NewMemoryRecorder(opts ...MemoryOption) *MemoryRecorder {
	m := &MemoryRecorder{
		total: Counters{},
		byAPI: make(map[string]Counters),
		byKey: make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record increments the counters ev touches.
func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	field := ev.Field()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.total[field]++
	if ev.API != "" {
		c := m.byAPI[ev.API]
		if c == nil {
			c = Counters{}
			m.byAPI[ev.API] = c
		}
		c[field]++
	}
	if m.trackKeys && ev.Key != "" {
		c := m.byKey[ev.Key]
		if c == nil {
			c = Counters{}
			m.byKey[ev.Key] = c
		}
		c[field]++
	}
	return nil
}

// Total returns a copy of the cumulative counters.
func (m *MemoryRecorder) Total() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCounters(m.total)
}

// ByAPI returns a copy of the per-upstream counters.
func (m *MemoryRecorder) ByAPI() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyNested(m.byAPI)
}

// ByKey returns a copy of the per-client counters.
func (m *MemoryRecorder) ByKey() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyNested(m.byKey)
}

func copyCounters(in Counters) Counters {
	out := make(Counters, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyNested(in map[string]Counters) map[string]Counters {
	out := make(map[string]Counters, len(in))
	for k, v := range in {
		out[k] = copyCounters(v)
	}
	return out
}
