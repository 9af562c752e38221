package capturetypes

import (
	"context"
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"
)

const (
	// MiB is one mebibyte
	MiB int64 = 1024 * 1024

	// DefaultPartSize is the multi-part slice size and single-shot threshold
	DefaultPartSize = 5 * MiB

	// DefaultConcurrency is the number of parts uploaded simultaneously
	DefaultConcurrency = 4

	// DefaultMaxAttempts is the attempt cap for every retried operation (including the first attempt)
	DefaultMaxAttempts = 3

	// DefaultMaxParts is the largest part count a multipart session accepts
	DefaultMaxParts = 10000
)

// Policy is the artifact eligibility policy applied before any network call.
type Policy struct {
	// MinBytes is the smallest accepted payload
	MinBytes int64

	// MaxBytes is the largest accepted payload per kind
	MaxBytes map[ArtifactKind]int64

	// AllowedTypes lists the MIME types accepted per kind
	AllowedTypes map[ArtifactKind][]string

	// MaxParts caps the number of parts of a multi-part transfer
	MaxParts int
}

// DefaultPolicy returns the built-in eligibility policy.
func DefaultPolicy() Policy {
	return Policy{
		MinBytes: 1,
		MaxBytes: map[ArtifactKind]int64{
			KindScreenshot: 10 * MiB,
			KindVideo:      100 * MiB,
		},
		AllowedTypes: map[ArtifactKind][]string{
			KindScreenshot: {"image/png", "image/jpeg", "image/webp", "image/gif"},
			KindVideo:      {"video/webm", "video/mp4", "video/quicktime"},
		},
		MaxParts: DefaultMaxParts,
	}
}

// Config holds configuration for the session manager.
type Config struct {
	// ChunkThreshold is the largest payload sent as a single write; larger
	// payloads use multi-part transfer. Defaults to PartSize.
	ChunkThreshold int64

	// PartSize is the multi-part slice size (the final part may be shorter)
	PartSize int64

	// Concurrency is the fixed part fanout
	Concurrency int

	// MaxAttempts caps attempts per operation, including the first
	MaxAttempts int

	// BaseDelay is the first backoff delay
	BaseDelay time.Duration

	// MaxDelay caps every backoff delay
	MaxDelay time.Duration

	// MaxJitter bounds the random delay added to every backoff
	MaxJitter time.Duration

	// AttemptTimeout bounds each network attempt; 0 disables it
	AttemptTimeout time.Duration

	// GrantExpirySkew treats grants as expired this long before their deadline
	GrantExpirySkew time.Duration

	// GracePeriod is how long a finished session stays queryable
	GracePeriod time.Duration

	// RecordRetention is how long local completion records are kept
	RecordRetention time.Duration

	// RecordCapacity caps the number of local completion records
	RecordCapacity int

	// Policy is the eligibility policy
	Policy Policy

	// Logger receives structured logs; nil disables logging
	Logger *slog.Logger

	// Observer receives telemetry; nil disables it
	Observer Observer

	// Filesystem is used by file-based uploads; defaults to the OS filesystem
	Filesystem fs.Filesystem

	// Sleeper replaces the backoff wait (tests)
	Sleeper func(ctx context.Context, d time.Duration) error

	// JitterSource replaces the random backoff jitter (tests)
	JitterSource func(limit int64) int64

	// Clock replaces the time source (tests)
	Clock func() time.Time
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		PartSize:        DefaultPartSize,
		Concurrency:     DefaultConcurrency,
		MaxAttempts:     DefaultMaxAttempts,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		MaxJitter:       250 * time.Millisecond,
		GrantExpirySkew: 5 * time.Second,
		GracePeriod:     30 * time.Second,
		RecordRetention: 24 * time.Hour,
		RecordCapacity:  1000,
		Policy:          DefaultPolicy(),
	}
}

// Threshold returns the effective single-shot threshold.
func (c *Config) Threshold() int64 {
	if c.ChunkThreshold > 0 {
		return c.ChunkThreshold
	}
	return c.PartSize
}

// Option is a functional option for configuring the session manager.
type Option func(*Config)
