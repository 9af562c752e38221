// Package errors provides the error taxonomy of the capture upload pipeline.
// It extends Go's standard error handling with error kinds, retry
// classification, and the context needed to reconcile partially completed
// uploads.
package errors

// Kind classifies a pipeline failure.
// Kinds are string-based for debuggability and natural JSON serialization.
type Kind string

const (
	// KindNone is the zero kind carried by successful outcomes.
	KindNone Kind = ""

	// KindValidation indicates the artifact was rejected before any network call.
	// Validation failures are deterministic and never retried.
	KindValidation Kind = "VALIDATION"

	// KindGrant indicates the broker could not issue a write grant.
	// Retryable when transient, fatal on authorization or quota failures.
	KindGrant Kind = "GRANT"

	// KindTransfer indicates a single-shot or per-part write failed
	// (network failure, timeout, or non-2xx response).
	KindTransfer Kind = "TRANSFER"

	// KindMultipartAborted indicates a part exhausted its retries and the
	// multipart session was discarded on the broker.
	KindMultipartAborted Kind = "MULTIPART_ABORTED"

	// KindConfirmation indicates the bytes landed in storage but the broker
	// did not record the write. Callers must reconcile these manually.
	KindConfirmation Kind = "CONFIRMATION"

	// KindCancelled indicates the caller cancelled the session.
	// This is a terminal state, not a fault.
	KindCancelled Kind = "CANCELLED"

	// KindInternal indicates an unexpected pipeline failure.
	KindInternal Kind = "INTERNAL"
)

// String returns the kind as a string.
func (k Kind) String() string {
	if k == KindNone {
		return "NONE"
	}
	return string(k)
}

// Fatal reports whether errors of this kind are never retried regardless of cause.
func (k Kind) Fatal() bool {
	switch k {
	case KindValidation, KindMultipartAborted, KindConfirmation, KindCancelled:
		return true
	default:
		return false
	}
}
