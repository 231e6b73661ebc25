// Package stats records gateway decisions for offline inspection.
//
// Recording is best-effort: callers log failures and never fail a request
// because a recorder is unavailable. Tracking per-client keys multiplies the
// number of stored series, so it is opt-in.
package stats

import (
	"context"
	"time"

	"github.com/restql/restql/internal/core"
)

// Kind distinguishes recorded events.
type Kind string

const (
	KindRateLimit Kind = "rate_limit"
	KindDispatch  Kind = "dispatch"
)

// Event is one rate-limit decision or one resolved dispatch.
type Event struct {
	Kind      Kind
	Key       string
	API       string
	Allowed   bool
	Status    core.Status
	FromCache bool
	At        time.Time
}

// Field returns the counter name the event increments.
func (e Event) Field() string {
	if e.Kind == KindRateLimit {
		if e.Allowed {
			return "allowed"
		}
		return "denied"
	}
	if e.FromCache {
		return string(e.Status) + "_cached"
	}
	return string(e.Status)
}

// Recorder persists events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Event) error { return nil }
