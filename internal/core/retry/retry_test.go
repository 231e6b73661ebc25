package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: NoJitter}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(500))
}

func TestBackoffDefaults(t *testing.T) {
	p := Policy{}
	assert.Equal(t, DefaultBaseDelay, p.Backoff(0))
	assert.Equal(t, DefaultMaxDelay, p.Backoff(100))
}

func TestEqualJitterBounds(t *testing.T) {
	d := 400 * time.Millisecond
	for i := 0; i < 1000; i++ {
		got := EqualJitter(d)
		require.GreaterOrEqual(t, got, d/2)
		require.LessOrEqual(t, got, d)
	}
	assert.Equal(t, time.Duration(0), EqualJitter(0))
}

func TestFullJitterBounds(t *testing.T) {
	d := 50 * time.Millisecond
	for i := 0; i < 1000; i++ {
		got := FullJitter(d)
		require.GreaterOrEqual(t, got, time.Duration(0))
		require.LessOrEqual(t, got, d)
	}
}

func TestWaitUsesSleeper(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    NoJitter,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	for attempt := 0; attempt < 3; attempt++ {
		require.NoError(t, p.Wait(context.Background(), attempt))
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, slept)
}

func TestSleepContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := SleepContext(ctx, time.Minute)
	require.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 5*time.Second)

	require.ErrorIs(t, NoSleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, NoSleep(context.Background(), time.Hour))
}

func TestAttempts(t *testing.T) {
	assert.Equal(t, 1, Policy{}.Attempts())
	assert.Equal(t, 4, DefaultPolicy(3).Attempts())
	assert.Equal(t, 1, Policy{MaxRetries: -2}.Attempts())
	assert.Equal(t, 2, DefaultPolicy(5).WithMaxRetries(1).Attempts())
}

func TestParseJitter(t *testing.T) {
	for _, name := range []string{"", "equal", "FULL", " none "} {
		fn, err := ParseJitter(name)
		require.NoError(t, err, name)
		require.NotNil(t, fn)
	}
	_, err := ParseJitter("decorrelated")
	require.Error(t, err)
}
