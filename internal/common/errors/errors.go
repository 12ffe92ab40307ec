// Package errors provides the error taxonomy shared by the delivery engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Error codes as constants
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeAuth              = "AUTH_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeServer            = "SERVER_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStreamInterrupted = "STREAM_INTERRUPTED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Retryable  bool   `json:"retryable"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Transport creates a retryable network failure.
func Transport(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransport,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Err:        err,
	}
}

// Auth creates an authentication/authorization failure. Never retried.
func Auth(message string, status int) *AppError {
	if status == 0 {
		status = http.StatusUnauthorized
	}
	return &AppError{
		Code:       ErrCodeAuth,
		Message:    message,
		HTTPStatus: status,
	}
}

// Validation creates a rejected-payload error. Never retried.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Server creates a retryable remote 5xx failure.
func Server(message string, status int) *AppError {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &AppError{
		Code:       ErrCodeServer,
		Message:    message,
		HTTPStatus: status,
		Retryable:  true,
	}
}

// Timeout creates a retryable timeout error.
func Timeout(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
		Retryable:  true,
		Err:        err,
	}
}

// StreamInterrupted marks a response stream that broke after the server
// accepted the request. The server has likely produced a response anyway.
func StreamInterrupted(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStreamInterrupted,
		Message:    "response stream interrupted",
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Err:        err,
	}
}

// FromHTTPStatus maps a remote response status to the taxonomy.
// Returns nil for 2xx/3xx statuses.
func FromHTTPStatus(status int, body string) *AppError {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth(fmt.Sprintf("remote rejected credentials: %s", body), status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Timeout(fmt.Sprintf("remote timed out: %s", body), nil)
	case status == http.StatusNotFound:
		return &AppError{Code: ErrCodeNotFound, Message: body, HTTPStatus: status}
	case status == http.StatusConflict:
		return Conflict(body)
	case status == http.StatusTooManyRequests:
		return &AppError{Code: ErrCodeServer, Message: "rate limited: " + body, HTTPStatus: status, Retryable: true}
	case status < 500:
		return &AppError{Code: ErrCodeValidation, Message: body, HTTPStatus: status}
	default:
		return Server(fmt.Sprintf("remote error %d: %s", status, body), status)
	}
}

// Classify converts an arbitrary error into an AppError.
// Context deadlines and net timeouts become timeouts; resets and unexpected
// EOFs become transport errors. Existing AppErrors are returned as is.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("operation timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout("network timeout", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Transport("connection failed", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transport("network error", err)
	}
	return InternalError("unexpected error", err)
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Retryable:  appErr.Retryable,
			Err:        err,
		}
	}

	classified := Classify(err)
	return &AppError{
		Code:       classified.Code,
		Message:    message,
		HTTPStatus: classified.HTTPStatus,
		Retryable:  classified.Retryable,
		Err:        err,
	}
}

func codeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return codeOf(err) == ErrCodeNotFound
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	code := codeOf(err)
	return code == ErrCodeBadRequest || code == ErrCodeValidation
}

// IsAuth checks if the error should invalidate the session.
func IsAuth(err error) bool {
	return codeOf(err) == ErrCodeAuth
}

// IsTimeout checks if the error is a timeout.
func IsTimeout(err error) bool {
	return Classify(err).Code == ErrCodeTimeout
}

// IsRetryable reports whether the operation may succeed when attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// IsResponseLikelyProduced reports whether the remote side probably generated
// a response even though local streaming failed.
func IsResponseLikelyProduced(err error) bool {
	return codeOf(err) == ErrCodeStreamInterrupted
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// UserMessage returns the text shown in a conversation when a response fails.
func UserMessage(err error) string {
	switch Classify(err).Code {
	case ErrCodeAuth:
		return "Your session has expired. Please sign in again."
	case ErrCodeValidation, ErrCodeBadRequest:
		return "The request could not be processed. Check your attachments and try again."
	case ErrCodeServer:
		return "The server ran into a problem generating a response. Please try again."
	case ErrCodeTimeout:
		return "The response took too long to arrive. Please try again."
	case ErrCodeTransport, ErrCodeStreamInterrupted:
		return "Connection lost. Check your network and try again."
	default:
		return "Something went wrong. Please try again."
	}
}
