// Package retry sequences retries of failed operations.
// It drives github.com/cenkalti/backoff with exponential delays plus bounded
// additive jitter and enforces the attempt cap. Classification of retryable
// versus fatal failures is supplied by the caller; the controller itself is
// policy-free.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy configures backoff timing and the attempt cap.
type Policy struct {
	// MaxAttempts caps attempts, including the first one
	MaxAttempts int

	// BaseDelay is the delay before the second attempt
	BaseDelay time.Duration

	// MaxDelay caps every delay (after jitter)
	MaxDelay time.Duration

	// MaxJitter bounds the random delay added on top of the exponential delay
	MaxJitter time.Duration
}

// Decision is the controller's answer to a failed attempt.
type Decision struct {
	// Retry reports whether another attempt should be made
	Retry bool

	// Delay is how long to wait before the next attempt
	Delay time.Duration

	// Attempt is the attempt that failed
	Attempt int

	// Err is the failure of that attempt
	Err error
}

// Classifier reports whether an error may clear on another attempt.
type Classifier func(error) bool

// Operation is one attempt of a retried operation. attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Controller decides whether and when to retry.
//
// Thread Safety: Controller is safe for concurrent use. Its configuration is
// immutable after construction and the default jitter source is thread-safe.
type Controller struct {
	policy Policy
	jitter func(limit int64) int64
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithJitterSource replaces the random jitter source. fn must return a value in [0, limit].
func WithJitterSource(fn func(limit int64) int64) Option {
	return func(c *Controller) {
		if fn != nil {
			c.jitter = fn
		}
	}
}

// WithSleeper replaces the backoff wait. fn must return ctx.Err() when ctx ends first.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New creates a controller for the given policy.
func New(policy Policy, opts ...Option) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	c := &Controller{
		policy: policy,
		jitter: defaultJitter,
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// MaxAttempts returns the attempt cap.
func (c *Controller) MaxAttempts() int {
	return c.policy.MaxAttempts
}

// Backoff returns the delay to wait after the given failed attempt:
// BaseDelay * 2^(attempt-1) plus up to MaxJitter, capped at MaxDelay.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := c.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		// Stop doubling once past the cap to avoid overflow
		if c.policy.MaxDelay > 0 && delay >= c.policy.MaxDelay {
			break
		}
		delay *= 2
	}

	if c.policy.MaxJitter > 0 {
		delay += time.Duration(c.jitter(int64(c.policy.MaxJitter)))
	}

	if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
		delay = c.policy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Decide returns whether to retry after the given failed attempt.
func (c *Controller) Decide(attempt int, err error, retryable bool) Decision {
	d := Decision{Attempt: attempt, Err: err}
	if err == nil || !retryable || attempt >= c.policy.MaxAttempts {
		return d
	}
	d.Retry = true
	d.Delay = c.Backoff(attempt)
	return d
}

// Do runs op until it succeeds, fails fatally, exhausts the attempt cap, or
// ctx ends. onRetry (optional) is called before each backoff wait. It
// returns the number of attempts made and the error of the last attempt.
// When ctx ends, no further attempt starts and ctx's error is returned
// unless the last attempt produced its own.
func (c *Controller) Do(ctx context.Context, classify Classifier, op Operation, onRetry func(Decision)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		attempt int
		lastErr error
	)
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		// A failure caused by cancellation is never retried
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		retryable := classify != nil && classify(err)
		if d := c.Decide(attempt, err, retryable); !d.Retry {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if onRetry != nil {
			onRetry(Decision{Retry: true, Delay: delay, Attempt: attempt, Err: err})
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&exponential{c: c}, uint64(c.policy.MaxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, &sleepTimer{ctx: ctx, sleep: c.sleep})
	if err == nil {
		return attempt, nil
	}
	if lastErr == nil {
		return attempt, err
	}
	return attempt, lastErr
}

// exponential is a backoff.BackOff yielding Controller.Backoff for each
// successive retry.
type exponential struct {
	c *Controller
	n int
}

func (e *exponential) NextBackOff() time.Duration {
	e.n++
	return e.c.Backoff(e.n)
}

func (e *exponential) Reset() {
	e.n = 0
}

// sleepTimer is a backoff.Timer driven by the controller's sleeper.
// The channel only fires when the wait completes.
type sleepTimer struct {
	ctx   context.Context
	sleep func(ctx context.Context, d time.Duration) error
	ch    chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	ch := make(chan time.Time, 1)
	t.ch = ch
	go func() {
		if t.sleep(t.ctx, d) == nil {
			ch <- time.Now()
		}
	}()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time {
	return t.ch
}

// Sleep waits for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

func defaultJitter(limit int64) int64 {
	if limit <= 0 {
		return 0
	}
	return rand.Int64N(limit + 1)
}
