package httpbroker

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	captureerrors "github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

// CompleteRequest is the body of a multipart completion.
type CompleteRequest struct {
	Parts []capturetypes.PartResult `json:"parts"`
}

// ConfirmRequest is the body of a write confirmation.
type ConfirmRequest struct {
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps a broker error onto the HTTP status and error code the
// client maps back onto the same sentinel.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, captureerrors.ErrQuotaExceeded):
		return http.StatusForbidden, captureerrors.CodeQuotaExceeded
	case errors.Is(err, captureerrors.ErrUnauthorized):
		return http.StatusUnauthorized, captureerrors.CodeUnauthorized
	case errors.Is(err, captureerrors.ErrInvalidInput),
		errors.Is(err, captureerrors.ErrSizeMismatch),
		errors.Is(err, captureerrors.ErrValidation):
		return http.StatusBadRequest, captureerrors.CodeInvalidInput
	case errors.Is(err, captureerrors.ErrNotFound):
		return http.StatusNotFound, captureerrors.CodeNotFound
	case errors.Is(err, captureerrors.ErrGrantExpired):
		return http.StatusGone, captureerrors.CodeGrantExpired
	case errors.Is(err, context.Canceled):
		// The client went away; the status is never read
		return http.StatusServiceUnavailable, captureerrors.CodeUnavailable
	case captureerrors.IsTransient(err):
		return http.StatusServiceUnavailable, captureerrors.CodeUnavailable
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return http.StatusBadRequest, captureerrors.CodeInvalidInput
	}
	return http.StatusInternalServerError, captureerrors.CodeInternal
}
