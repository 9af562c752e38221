package capturetypes

import (
	"context"
	"io"
	"time"
)

// Broker issues and finalizes write grants. It owns authorization and is
// responsible for idempotency of confirmations.
type Broker interface {
	// RequestGrant asks for permission to write one object
	RequestGrant(ctx context.Context, req *GrantRequest) (*WriteGrant, error)

	// RequestPartGrant returns the write endpoint for one part of a multipart session
	RequestPartGrant(ctx context.Context, multipartID string, partNumber int) (*WriteTarget, error)

	// CompleteMultipart assembles the uploaded parts into the final object
	CompleteMultipart(ctx context.Context, multipartID string, parts []PartResult) (*ObjectRef, error)

	// ConfirmWrite tells the broker the write finished
	ConfirmWrite(ctx context.Context, grantID string, size int64, digest string) error

	// AbortMultipart discards the partial state of a multipart session
	AbortMultipart(ctx context.Context, multipartID string) error
}

// ObjectWriter performs the bytes-over-the-wire write to a granted endpoint.
// onBytes receives the cumulative number of payload bytes sent by this call.
type ObjectWriter interface {
	Write(ctx context.Context, target WriteTarget, body io.Reader, size int64, onBytes func(int64)) (etag string, err error)
}

// Observer captures telemetry for upload sessions.
type Observer interface {
	// ObserveRetry records a retried operation
	ObserveRetry(op string, attempt int, delay time.Duration)

	// ObserveOutcome records a terminal session outcome
	ObserveOutcome(kind ArtifactKind, outcome *Outcome)
}
