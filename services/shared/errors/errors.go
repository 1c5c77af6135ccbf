// Package errors provides the coded error type shared by the Authentiq strategy
// and the services built around it.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal     Code = "INTERNAL"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeConflict     Code = "CONFLICT"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"
	CodeCanceled     Code = "CANCELED"

	// Authentication attempt errors
	CodeExchangeFailed     Code = "EXCHANGE_FAILED"
	CodeMissingToken       Code = "MISSING_TOKEN"
	CodeTokenVerification  Code = "TOKEN_VERIFICATION_FAILED"
	CodeProfileFetchFailed Code = "PROFILE_FETCH_FAILED"
	CodeAPIError           Code = "API_ERROR"
	CodeProfileParseFailed Code = "PROFILE_PARSE_FAILED"
)

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	// Status overrides the HTTP status derived from Code when non-zero.
	Status int   `json:"status,omitempty"`
	Err    error `json:"-"` // Underlying error, not serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the target error has the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Status:  e.Status,
		Err:     e.Err,
	}
}

// WithStatus returns a copy of the error carrying an explicit HTTP status.
func (e *Error) WithStatus(status int) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Status:  status,
		Err:     e.Err,
	}
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Status:  e.Status,
		Err:     err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error constructors

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Authentication attempt constructors

// ExchangeFailed wraps a transport or provider failure during code exchange.
func ExchangeFailed(err error) *Error {
	return Wrap(CodeExchangeFailed, "failed to obtain access token", err)
}

// MissingToken reports a provider response without an access token.
// params is the serialized response as returned by the provider.
func MissingToken(params string) *Error {
	return New(CodeMissingToken, "provider response did not include an access token").WithDetails(params)
}

// TokenVerification wraps an identity token verification failure.
func TokenVerification(err error) *Error {
	return Wrap(CodeTokenVerification, "identity token verification failed", err)
}

// ProfileFetchFailed wraps a user-info transport failure.
func ProfileFetchFailed(err error) *Error {
	return Wrap(CodeProfileFetchFailed, "failed to fetch user profile", err)
}

// APIError carries a message supplied by the provider.
func APIError(message string) *Error {
	return New(CodeAPIError, message)
}

// ProfileParseFailed wraps a claims decoding failure.
func ProfileParseFailed(err error) *Error {
	return Wrap(CodeProfileParseFailed, "failed to parse user profile", err)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case CodeInvalidInput, CodeMissingToken:
		return http.StatusBadRequest
	case CodeTokenVerification:
		return http.StatusUnauthorized
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeCanceled:
		return 499 // Client Closed Request
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus returns the appropriate gRPC status for the error.
func (e *Error) GRPCStatus() *status.Status {
	var code codes.Code
	switch e.Code {
	case CodeInvalidInput, CodeMissingToken:
		code = codes.InvalidArgument
	case CodeTokenVerification:
		code = codes.Unauthenticated
	case CodeConflict:
		code = codes.AlreadyExists
	case CodeTimeout:
		code = codes.DeadlineExceeded
	case CodeUnavailable, CodeExchangeFailed, CodeProfileFetchFailed:
		code = codes.Unavailable
	case CodeCanceled:
		code = codes.Canceled
	default:
		code = codes.Internal
	}

	return status.New(code, e.Message)
}

// ToGRPCError converts the error to a gRPC error.
func (e *Error) ToGRPCError() error {
	return e.GRPCStatus().Err()
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// FromContext classifies a context error as CANCELED or TIMEOUT. It returns
// nil when err is not caused by context cancellation.
func FromContext(message string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, message, err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCanceled, message, err)
	default:
		return nil
	}
}

// As is errors.As from the standard library, re-exported so callers that
// import this package as "errors" keep access to it.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
