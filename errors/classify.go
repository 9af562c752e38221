package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// StatusError represents a non-2xx HTTP response from object storage or the broker.
type StatusError struct {
	// StatusCode is the HTTP status code
	StatusCode int

	// Code is the machine-readable error code from the response body (if any)
	Code string

	// Message is the error message from the response body (if any)
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	text := http.StatusText(e.StatusCode)
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("http %d %s: %s: %s", e.StatusCode, text, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, text, e.Message)
	default:
		return fmt.Sprintf("http %d %s", e.StatusCode, text)
	}
}

// Unwrap maps well-known statuses onto the pipeline sentinels.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if e.Code == CodeQuotaExceeded {
			return ErrQuotaExceeded
		}
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalidInput
	case http.StatusGone:
		return ErrGrantExpired
	}
	return nil
}

// Transient reports whether the status indicates a condition that may clear on retry.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// Broker error codes carried in StatusError.Code.
const (
	CodeQuotaExceeded = "quota_exceeded"
	CodeUnauthorized  = "unauthorized"
	CodeInvalidInput  = "invalid_input"
	CodeNotFound      = "not_found"
	CodeGrantExpired  = "grant_expired"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal"
)

// transientAPICodes are smithy API error codes that indicate throttling or
// a temporary storage-side condition.
var transientAPICodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
	"ServiceUnavailable":                     true,
}

// permanentAPICodes are smithy API error codes that never clear on retry.
var permanentAPICodes = map[string]bool{
	"AccessDenied":              true,
	"AccessDeniedException":     true,
	"UnauthorizedOperation":     true,
	"InvalidAccessKeyId":        true,
	"SignatureDoesNotMatch":     true,
	"ExpiredToken":              true,
	"InvalidParameterException": true,
	"ValidationException":       true,
	"EntityTooLarge":            true,
	"NoSuchBucket":              true,
	"NoSuchUpload":              true,
	"QuotaExceeded":             true,
}

// IsTransient reports whether err describes a failure that may succeed on
// another attempt: per-attempt timeouts, network errors, truncated
// responses, throttling and 5xx responses. Cancellation, authorization,
// quota and validation failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation is the caller's decision, not a fault to retry
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}

	// Pipeline errors that were already classified keep their classification
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Retryable
	}

	// Permanent pipeline sentinels
	if errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrValidation) {
		return false
	}

	// Per-attempt deadlines are classified retryable up to the attempt cap
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}

	// Check for smithy API errors (AWS SDK v2 error type)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if transientAPICodes[code] {
			return true
		}
		if permanentAPICodes[code] {
			return false
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusRequestTimeout ||
			status == http.StatusTooManyRequests ||
			status >= http.StatusInternalServerError
	}

	// Network-level failures are typically transient
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// For other errors, use a conservative approach - don't retry by default
	return false
}
