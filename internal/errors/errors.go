// Package errors defines OpsConductor's typed pipeline error taxonomy
// (spec §7): a structured AppError carrying an HTTP status, a stable
// type tag for callers to branch on, and safe (non-leaking) messages
// for the error responses returned at the HTTP boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is a stable, comparable tag for a class of pipeline failure.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeInternal   ErrorType = "internal"

	// Pipeline-specific kinds from spec §7, layered onto the same AppError shape.
	ErrorTypeLLMUnavailable   ErrorType = "llm_unavailable"
	ErrorTypeLLMProtocol      ErrorType = "llm_protocol_error"
	ErrorTypeContextOverflow  ErrorType = "context_overflow"
	ErrorTypeCancelled        ErrorType = "cancelled"
	ErrorTypeUpstream         ErrorType = "upstream_unavailable"
	ErrorTypePlanInvalid      ErrorType = "plan_invalid"
	ErrorTypeApprovalRequired ErrorType = "approval_required"
	ErrorTypeOverloaded       ErrorType = "overloaded"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:       http.StatusBadRequest,
	ErrorTypeAuth:             http.StatusUnauthorized,
	ErrorTypeNotFound:         http.StatusNotFound,
	ErrorTypeConflict:         http.StatusConflict,
	ErrorTypeTimeout:          http.StatusRequestTimeout,
	ErrorTypeRateLimit:        http.StatusTooManyRequests,
	ErrorTypeDatabase:         http.StatusInternalServerError,
	ErrorTypeNetwork:          http.StatusInternalServerError,
	ErrorTypeInternal:         http.StatusInternalServerError,
	ErrorTypeLLMUnavailable:   http.StatusServiceUnavailable,
	ErrorTypeLLMProtocol:      http.StatusBadGateway,
	ErrorTypeContextOverflow:  http.StatusBadRequest,
	ErrorTypeCancelled:        http.StatusRequestTimeout,
	ErrorTypeUpstream:         http.StatusServiceUnavailable,
	ErrorTypePlanInvalid:      http.StatusUnprocessableEntity,
	ErrorTypeApprovalRequired: http.StatusConflict,
	ErrorTypeOverloaded:       http.StatusTooManyRequests,
}

// retryableTypes lists the error kinds spec §7 marks retriable=true by default.
var retryableTypes = map[ErrorType]bool{
	ErrorTypeTimeout:        true,
	ErrorTypeOverloaded:     true,
	ErrorTypeLLMUnavailable: true,
	ErrorTypeUpstream:       true,
}

// ErrorMessages holds the fixed, safe-to-expose text for error kinds whose
// underlying cause should never reach the caller verbatim.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please retry later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// AppError is the typed error every pipeline stage and the Orchestrator return.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error

	// Stage, RequestID, and Retriable carry the pipeline-specific context
	// spec §7 requires in the user-visible error envelope.
	Stage     string
	RequestID string
	Retriable bool
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails sets Details in place and returns the receiver for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets formatted Details in place and returns the receiver.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithStage annotates the error with the pipeline stage that produced it.
func (e *AppError) WithStage(stage string) *AppError {
	e.Stage = stage
	return e
}

// WithRequestID annotates the error with the originating request id.
func (e *AppError) WithRequestID(id string) *AppError {
	e.RequestID = id
	return e
}

// New constructs an AppError of the given type with its default status code.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusByType[t],
		Retriable:  retryableTypes[t],
	}
}

// Wrap constructs an AppError of the given type wrapping cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf constructs an AppError of the given type with a formatted message, wrapping cause.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// NewValidationError builds a Type=validation AppError.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewDatabaseError builds a Type=database AppError describing a failed operation.
func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

// NewNotFoundError builds a Type=not_found AppError for a named resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, resource+" not found")
}

// NewAuthError builds a Type=auth AppError.
func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

// NewTimeoutError builds a Type=timeout AppError for a named operation.
func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, "operation timed out: "+operation)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns err's AppError type, or ErrorTypeInternal for non-AppErrors.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status to report for err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns text safe to expose to an external caller,
// substituting a generic message for types whose Message may leak
// internal detail.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeContextOverflow, ErrorTypePlanInvalid, ErrorTypeApprovalRequired:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout, ErrorTypeCancelled:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit, ErrorTypeOverloaded:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields returns structured fields suitable for a logrus.WithFields call.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}

	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	if appErr.Stage != "" {
		fields["stage"] = appErr.Stage
	}
	if appErr.RequestID != "" {
		fields["request_id"] = appErr.RequestID
	}
	return fields
}

// Chain joins non-nil errors into a single error, separated by " -> ",
// or returns the sole error (or nil) when there are fewer than two.
func Chain(errs ...error) error {
	var nonNil []string
	var first error
	for _, e := range errs {
		if e == nil {
			continue
		}
		if first == nil {
			first = e
		}
		nonNil = append(nonNil, e.Error())
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return first
	default:
		return fmt.Errorf("%s", strings.Join(nonNil, " -> "))
	}
}
