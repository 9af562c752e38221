package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error represents a pipeline error with context about the session and
// operation that failed. It wraps the underlying broker, storage or network
// error with the classification the session manager acts on.
type Error struct {
	// Op is the operation that failed (e.g., "requestGrant", "uploadPart", "confirm")
	Op string

	// Kind classifies the failure
	Kind Kind

	// SessionID is the upload session (if applicable)
	SessionID string

	// Key is the storage key of the artifact (if known)
	Key string

	// PartNumber is the 1-based part that failed (multi-part transfers only)
	PartNumber int

	// Attempts is the number of attempts made before the error surfaced
	Attempts int

	// Retryable reports whether another attempt may succeed
	Retryable bool

	// BytesStored reports whether the artifact bytes may already be durably stored
	BytesStored bool

	// Violations lists the human-readable validation failures (validation errors only)
	Violations []string

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("capture.")
	b.WriteString(e.Op)
	if e.SessionID != "" {
		fmt.Fprintf(&b, " session %s", e.SessionID)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " object %s", e.Key)
	}
	if e.PartNumber > 0 {
		fmt.Fprintf(&b, " part %d", e.PartNumber)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Violations, "; "))
		return b.String()
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error's kind, so that
// errors.Is(err, ErrTransfer) holds for any transfer failure.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// WithSession adds session context to an existing error.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithKey adds object key context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithPart adds part number context to an existing error.
func (e *Error) WithPart(partNumber int) *Error {
	e.PartNumber = partNumber
	return e
}

// WithAttempts records how many attempts were made.
func (e *Error) WithAttempts(attempts int) *Error {
	e.Attempts = attempts
	return e
}

// WithRetryable marks the error as retryable or fatal.
// Kinds that are always fatal ignore the flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable && !e.Kind.Fatal()
	return e
}

// WithBytesStored records that the artifact bytes may already be stored.
func (e *Error) WithBytesStored(stored bool) *Error {
	e.BytesStored = stored
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	if e.Err == nil {
		e.Err = errors.New(message)
		return e
	}
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation, kind and underlying error.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// NewValidationError creates a validation error carrying every violation found.
func NewValidationError(op string, violations []string) *Error {
	return &Error{
		Op:         op,
		Kind:       KindValidation,
		Violations: append([]string(nil), violations...),
		Err:        ErrValidation,
	}
}

// NewCancelledError creates the error of a cancelled session. A nil cause
// (a cancellation flag observed before the context ended) reads as context.Canceled.
func NewCancelledError(op string, cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return &Error{
		Op:   op,
		Kind: KindCancelled,
		Err:  cause,
	}
}

// Sentinel errors for pipeline failures.
// These can be used with errors.Is() for error checking.
var (
	// ErrValidation indicates the artifact failed pre-flight validation
	ErrValidation = errors.New("capture: validation failed")

	// ErrGrant indicates the broker did not issue a write grant
	ErrGrant = errors.New("capture: grant request failed")

	// ErrTransfer indicates a write to object storage failed
	ErrTransfer = errors.New("capture: transfer failed")

	// ErrMultipartAborted indicates a multipart transfer was abandoned
	ErrMultipartAborted = errors.New("capture: multipart upload aborted")

	// ErrConfirmation indicates the broker did not record a completed write
	ErrConfirmation = errors.New("capture: write confirmation failed")

	// ErrCancelled indicates the session was cancelled by the caller
	ErrCancelled = errors.New("capture: upload cancelled")

	// ErrInternal indicates an unexpected failure inside the pipeline
	ErrInternal = errors.New("capture: internal error")

	// ErrSessionNotFound indicates no session is tracked under the given id
	ErrSessionNotFound = errors.New("capture: session not found")

	// ErrInvalidInput indicates the provided input is invalid
	ErrInvalidInput = errors.New("capture: invalid input")

	// ErrGrantExpired indicates a write grant expired before it could be used
	ErrGrantExpired = errors.New("capture: grant expired")

	// ErrUnauthorized indicates the broker refused the caller
	ErrUnauthorized = errors.New("capture: unauthorized")

	// ErrQuotaExceeded indicates the broker refused the write for quota reasons
	ErrQuotaExceeded = errors.New("capture: quota exceeded")

	// ErrNotFound indicates a broker-side resource (grant, multipart session) is unknown
	ErrNotFound = errors.New("capture: not found")

	// ErrSizeMismatch indicates the stored object size differs from the confirmed size
	ErrSizeMismatch = errors.New("capture: size mismatch")

	// ErrPartCoverage indicates part results do not exactly partition the payload
	ErrPartCoverage = errors.New("capture: parts do not cover payload")

	// ErrManagerClosed indicates the session manager no longer accepts work
	ErrManagerClosed = errors.New("capture: manager closed")
)

var kindSentinels = map[Kind]error{
	KindValidation:       ErrValidation,
	KindGrant:            ErrGrant,
	KindTransfer:         ErrTransfer,
	KindMultipartAborted: ErrMultipartAborted,
	KindConfirmation:     ErrConfirmation,
	KindCancelled:        ErrCancelled,
	KindInternal:         ErrInternal,
}

// KindOf returns the kind of the outermost pipeline error in err's chain,
// or KindInternal for errors the pipeline did not classify.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AttemptsOf returns the attempt count recorded on err, or 0 when none was recorded.
func AttemptsOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Attempts
	}
	return 0
}

// IsRetryable reports whether err was classified as retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsCancelled checks if an error indicates the session was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsValidation checks if an error indicates a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConfirmation checks if an error indicates the transfer landed but was not confirmed.
func IsConfirmation(err error) bool {
	return errors.Is(err, ErrConfirmation)
}

// BytesMayBeStored reports whether err says the artifact bytes may already be stored.
func BytesMayBeStored(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.BytesStored
	}
	return false
}
