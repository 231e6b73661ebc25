// Package retry computes exponential backoff delays for upstream retries.
//
// Delays double per attempt from BaseDelay, are capped at MaxDelay, then
// jittered. Waiting always honours context cancellation.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

const (
	DefaultBaseDelay = 100 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// JitterFunc maps a computed delay to the delay actually slept.
type JitterFunc func(time.Duration) time.Duration

// SleepFunc blocks for d or until ctx is done, returning ctx.Err() on
// cancellation.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures retries for one dispatch.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     JitterFunc
	Sleep      SleepFunc
}

// DefaultPolicy returns a policy with equal jitter and real sleeps.
func DefaultPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     EqualJitter,
		Sleep:      SleepContext,
	}
}

// WithMaxRetries returns a copy of p with a different retry budget.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// Attempts returns the total number of attempts the policy permits.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay before retry number attempt (0-based): BaseDelay
// doubled attempt times, capped at MaxDelay, then jittered.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if p.Jitter != nil {
		delay = p.Jitter(delay)
	}
	return delay
}

// Wait sleeps for Backoff(attempt) unless ctx ends first.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, p.Backoff(attempt))
}

// SleepContext sleeps for d, returning early with ctx.Err() when ctx ends.
func SleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately unless ctx is already done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// EqualJitter keeps half of d and randomises the other half.
func EqualJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

// FullJitter returns a random delay in [0, d].
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d + 1)
}

// NoJitter returns d unchanged.
func NoJitter(d time.Duration) time.Duration { return d }

// ParseJitter resolves a configured jitter name.
func ParseJitter(name string) (JitterFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "equal":
		return EqualJitter, nil
	case "full":
		return FullJitter, nil
	case "none":
		return NoJitter, nil
	default:
		return nil, fmt.Errorf("unknown jitter %q (expected equal, full or none)", name)
	}
}
