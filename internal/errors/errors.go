// Package errors defines the application error type shared by the CLI and
// the HTTP server, plus the JSON error body the server writes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes surfaced in HTTP bodies and CLI logs.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeConflict           = "CONFLICT"
)

// AppError carries a stable code, an HTTP status and optional details
// alongside the underlying cause.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetail returns e with key set in its details.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New returns an AppError without a cause.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func NewNotFoundError(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

func NewMethodNotAllowedError(message string) *AppError {
	return New(CodeMethodNotAllowed, message, http.StatusMethodNotAllowed)
}

func NewValidationError(message string) *AppError {
	return New(CodeInvalidArgument, message, http.StatusBadRequest)
}

func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, message, http.StatusBadGateway)
}

func NewServiceUnavailableError(message string) *AppError {
	return New(CodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewConflictError(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

// WrapInternal wraps err as an internal error, tagging the request id found
// in ctx. A nil err yields nil.
func WrapInternal(ctx context.Context, err error, message string) error {
	if err == nil {
		return nil
	}
	e := &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Cause: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.WithDetail("request_id", id)
	}
	return e
}

// Wrap attaches err as the cause of e and returns e.
func Wrap(e *AppError, err error) *AppError {
	e.Cause = err
	return e
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var e *AppError
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

type requestIDKey struct{}

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
