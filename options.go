// Package capture provides functional options for configuring the session manager.
package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

// WithLogger configures the manager with a custom logger.
// If logger is nil, logging will be disabled.
func WithLogger(logger *slog.Logger) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.Logger = logger
	}
}

// WithObserver sets the telemetry observer notified of retries and outcomes.
func WithObserver(observer capturetypes.Observer) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.Observer = observer
	}
}

// WithFilesystem sets the filesystem UploadFile reads captures from.
// Default is the OS filesystem rooted at /.
func WithFilesystem(filesystem fs.Filesystem) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.Filesystem = filesystem
	}
}

// WithPolicy replaces the artifact eligibility policy.
func WithPolicy(policy capturetypes.Policy) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.Policy = policy
	}
}

// WithPartSize sets the multi-part slice size.
// Default is 5MB. It is also the single-shot threshold unless
// WithChunkThreshold says otherwise.
func WithPartSize(partSize int64) capturetypes.Option {
	return func(c *capturetypes.Config) {
		if partSize > 0 {
			c.PartSize = partSize
		}
	}
}

// WithChunkThreshold sets the largest payload sent as a single write.
func WithChunkThreshold(threshold int64) capturetypes.Option {
	return func(c *capturetypes.Config) {
		if threshold > 0 {
			c.ChunkThreshold = threshold
		}
	}
}

// WithConcurrency sets the number of parts uploaded simultaneously.
// Default is 4.
func WithConcurrency(concurrency int) capturetypes.Option {
	return func(c *capturetypes.Config) {
		if concurrency > 0 {
			c.Concurrency = concurrency
		}
	}
}

// WithMaxAttempts caps the attempts of every retried operation, including
// the first one. Default is 3.
func WithMaxAttempts(attempts int) capturetypes.Option {
	return func(c *capturetypes.Config) {
		if attempts > 0 {
			c.MaxAttempts = attempts
		}
	}
}

// WithBackoff sets the retry timing: the first delay, the delay cap and the
// jitter bound.
func WithBackoff(base, maxDelay, maxJitter time.Duration) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.BaseDelay = base
		c.MaxDelay = maxDelay
		c.MaxJitter = maxJitter
	}
}

// WithAttemptTimeout bounds each network attempt. A timed out attempt is
// retried like a network error. Default is no timeout (0).
func WithAttemptTimeout(timeout time.Duration) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.AttemptTimeout = timeout
	}
}

// WithGrantExpirySkew treats grants as expired this long before their deadline.
func WithGrantExpirySkew(skew time.Duration) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.GrantExpirySkew = skew
	}
}

// WithGracePeriod sets how long a finished session stays queryable through Status.
func WithGracePeriod(period time.Duration) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.GracePeriod = period
	}
}

// WithRecordRetention bounds the local completion records by age and count.
func WithRecordRetention(ttl time.Duration, capacity int) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.RecordRetention = ttl
		if capacity > 0 {
			c.RecordCapacity = capacity
		}
	}
}

// WithSleeper replaces the backoff wait. Intended for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.Sleeper = sleep
	}
}

// WithJitterSource replaces the random backoff jitter. Intended for tests.
func WithJitterSource(jitter func(limit int64) int64) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.JitterSource = jitter
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) capturetypes.Option {
	return func(c *capturetypes.Config) {
		c.Clock = now
	}
}
