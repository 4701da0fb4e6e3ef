// Package apperr defines the domain error envelope shared by all modules.
//
// Services return *Error values (or wrap them) so the transport layer can
// translate codes into HTTP statuses without inspecting error strings.
// Infrastructure facts (store misses, expiries) travel as sentinel errors and
// are converted into apperr values at the service boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for the transport layer.
type Code string

const (
	// CodeInvalidInput covers malformed requests: bad OTP format, malformed
	// coordinates, oversized participant identifiers.
	CodeInvalidInput Code = "invalid_input"
	// CodeUnknownCode is returned when no active session matches the OTP.
	CodeUnknownCode Code = "unknown_code"
	// CodeNotEnrolled is returned when the participant is not on the roster.
	CodeNotEnrolled Code = "not_enrolled"
	// CodeOutOfRange is returned when the geofence check fails.
	CodeOutOfRange Code = "out_of_range"
	// CodeSessionExpired is returned when the session TTL has elapsed.
	CodeSessionExpired Code = "session_expired"
	// CodeQueueFull is returned when the verification queue is at capacity.
	CodeQueueFull Code = "queue_full"
	// CodeRetryExhausted is returned when the participant has no attempts left.
	CodeRetryExhausted Code = "retry_exhausted"
	// CodeDuplicateSession is returned when an active session already exists
	// for the same owner, scope and day.
	CodeDuplicateSession Code = "duplicate_session"
	// CodeCodeExhaustion is returned when OTP generation keeps colliding.
	CodeCodeExhaustion Code = "code_exhaustion"
	// CodeVerificationFailed marks a completed comparison below threshold.
	CodeVerificationFailed Code = "verification_failed"
	// CodeVerificationError marks an infrastructure fault during comparison.
	CodeVerificationError Code = "verification_error"
	// CodeSubmissionError marks record API failure after bounded retries.
	CodeSubmissionError Code = "submission_error"
	// CodeNotFound is the generic missing-entity code.
	CodeNotFound Code = "not_found"
	// CodeUnauthorized marks missing or rejected credentials.
	CodeUnauthorized Code = "unauthorized"
	// CodeInternal is the fallback for unexpected failures.
	CodeInternal Code = "internal"
)

// Error carries a stable code plus a human-readable message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New constructs an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause so callers can still errors.Is/As through the envelope.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the code from err, walking the wrap chain.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps codes onto HTTP statuses for the transport layer.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnknownCode, CodeNotFound:
		return http.StatusNotFound
	case CodeNotEnrolled, CodeOutOfRange:
		return http.StatusForbidden
	case CodeSessionExpired:
		return http.StatusGone
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	case CodeRetryExhausted:
		return http.StatusTooManyRequests
	case CodeDuplicateSession:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeCodeExhaustion, CodeVerificationError, CodeSubmissionError, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
