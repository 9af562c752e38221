// Package retry provides unit tests for the retry controller.
package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func alwaysRetryable(error) bool { return true }

// recordingSleeper returns a sleeper that records delays without waiting.
func recordingSleeper(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestController_Backoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		jitter  int64
		attempt int
		want    time.Duration
	}{
		{
			name:    "first retry uses base delay",
			policy:  Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute},
			attempt: 1,
			want:    100 * time.Millisecond,
		},
		{
			name:    "exponential growth",
			policy:  Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute},
			attempt: 4,
			want:    800 * time.Millisecond,
		},
		{
			name:    "jitter is added",
			policy:  Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, MaxJitter: 50 * time.Millisecond},
			jitter:  int64(20 * time.Millisecond),
			attempt: 2,
			want:    220 * time.Millisecond,
		},
		{
			name:    "capped at max delay",
			policy:  Policy{MaxAttempts: 50, BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxJitter: time.Second},
			jitter:  int64(time.Second),
			attempt: 40,
			want:    5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.policy, WithJitterSource(func(int64) int64 { return tt.jitter }))
			assert.Equal(t, tt.want, c.Backoff(tt.attempt))
		})
	}
}

func TestController_BackoffWithinJitterBounds(t *testing.T) {
	policy := Policy{
		MaxAttempts: 6,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    time.Hour,
		MaxJitter:   5 * time.Millisecond,
	}
	c := New(policy)

	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		lower := policy.BaseDelay * time.Duration(1<<(attempt-1))
		upper := lower + policy.MaxJitter
		for i := 0; i < 200; i++ {
			d := c.Backoff(attempt)
			assert.GreaterOrEqual(t, d, lower, "attempt %d", attempt)
			assert.LessOrEqual(t, d, upper, "attempt %d", attempt)
		}
	}
}

func TestController_Decide(t *testing.T) {
	c := New(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, WithJitterSource(func(int64) int64 { return 0 }))

	assert.False(t, c.Decide(1, nil, true).Retry, "success is never retried")
	assert.False(t, c.Decide(1, errTransient, false).Retry, "fatal errors are not retried")
	assert.True(t, c.Decide(2, errTransient, true).Retry)
	assert.False(t, c.Decide(3, errTransient, true).Retry, "attempt cap reached")

	d := c.Decide(2, errTransient, true)
	assert.Equal(t, 2*time.Millisecond, d.Delay)
	assert.Equal(t, 2, d.Attempt)
	assert.ErrorIs(t, d.Err, errTransient)
}

func TestController_Do(t *testing.T) {
	tests := []struct {
		name         string
		maxAttempts  int
		failures     int
		retryable    bool
		wantAttempts int
		wantErr      bool
		wantRetries  int
	}{
		{name: "succeeds first time", maxAttempts: 3, failures: 0, retryable: true, wantAttempts: 1},
		{name: "succeeds after one retry", maxAttempts: 3, failures: 1, retryable: true, wantAttempts: 2, wantRetries: 1},
		{name: "exhausts attempts", maxAttempts: 3, failures: 10, retryable: true, wantAttempts: 3, wantErr: true, wantRetries: 2},
		{name: "fatal stops immediately", maxAttempts: 3, failures: 10, retryable: false, wantAttempts: 1, wantErr: true},
		{name: "single attempt policy", maxAttempts: 1, failures: 10, retryable: true, wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			c := New(
				Policy{MaxAttempts: tt.maxAttempts, BaseDelay: time.Millisecond, MaxDelay: time.Second},
				WithSleeper(recordingSleeper(&delays)),
			)

			calls := 0
			retries := 0
			attempts, err := c.Do(context.Background(),
				func(error) bool { return tt.retryable },
				func(ctx context.Context, attempt int) error {
					calls++
					assert.Equal(t, calls, attempt)
					if calls <= tt.failures {
						return errTransient
					}
					return nil
				},
				func(Decision) { retries++ },
			)

			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			assert.Equal(t, tt.wantRetries, retries)
			assert.Len(t, delays, tt.wantRetries)
			if tt.wantErr {
				assert.ErrorIs(t, err, errTransient)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestController_DoDelaysFollowBackoff(t *testing.T) {
	var delays []time.Duration
	c := New(
		Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		WithSleeper(recordingSleeper(&delays)),
		WithJitterSource(func(int64) int64 { return 0 }),
	)

	_, err := c.Do(context.Background(), alwaysRetryable, func(context.Context, int) error {
		return errTransient
	}, nil)

	require.Error(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

func TestController_DoStopsOnCancellation(t *testing.T) {
	t.Run("cancelled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		attempts, err := New(Policy{MaxAttempts: 3}).Do(ctx, alwaysRetryable, func(context.Context, int) error {
			calls++
			return nil
		}, nil)

		assert.Equal(t, 0, calls)
		assert.Equal(t, 0, attempts)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c := New(Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})

		calls := 0
		attempts, err := c.Do(ctx, alwaysRetryable, func(context.Context, int) error {
			calls++
			return errTransient
		}, func(Decision) { cancel() })

		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, errTransient)
	})

	t.Run("failure caused by cancellation is not retried", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		attempts, err := New(Policy{MaxAttempts: 5}).Do(ctx, alwaysRetryable, func(ctx context.Context, _ int) error {
			calls++
			cancel()
			return ctx.Err()
		}, nil)

		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestExponential_BackOff(t *testing.T) {
	c := New(
		Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond},
		WithJitterSource(func(int64) int64 { return 0 }),
	)

	var b backoff.BackOff = backoff.WithMaxRetries(&exponential{c: c}, 3)
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 25*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestSleepTimer(t *testing.T) {
	t.Run("fires when the wait completes", func(t *testing.T) {
		var waited time.Duration
		timer := &sleepTimer{ctx: context.Background(), sleep: func(_ context.Context, d time.Duration) error {
			waited = d
			return nil
		}}
		timer.Start(time.Second)
		select {
		case <-timer.C():
		case <-time.After(5 * time.Second):
			t.Fatal("timer did not fire")
		}
		assert.Equal(t, time.Second, waited)
	})

	t.Run("stays silent when the wait is cut short", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		timer := &sleepTimer{ctx: ctx, sleep: Sleep}
		timer.Start(time.Hour)
		select {
		case <-timer.C():
			t.Fatal("timer fired after cancellation")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
