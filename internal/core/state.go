package core

import "time"

// RateWindow captures one client key's rate limiting state. Fixed-window
// limiters use Count and WindowStart; sliding-log limiters use Timestamps.
type RateWindow struct {
	Count       int
	WindowStart time.Time
	Timestamps  []time.Time
}

// CacheEntry is a cached document and its expiry. An entry is valid while
// now is strictly before ExpiresAt.
type CacheEntry struct {
	Value     Document
	ExpiresAt time.Time
}

// Valid reports whether the entry is still live at now.
func (e CacheEntry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
