// Package errors provides structured error types and response helpers for the API.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/narvanalabs/botpanel/internal/archive"
	"github.com/narvanalabs/botpanel/internal/deploy"
	"github.com/narvanalabs/botpanel/internal/files"
	"github.com/narvanalabs/botpanel/internal/install"
	"github.com/narvanalabs/botpanel/internal/logs"
	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/registry"
	"github.com/narvanalabs/botpanel/internal/validation"
)

// Error codes for structured API responses. Orchestrator kinds are used
// verbatim so clients see one vocabulary.
const (
	CodeInvalidInput      = string(deploy.KindInvalidInput)
	CodeAlreadyExists     = string(deploy.KindAlreadyExists)
	CodeNotFound          = string(deploy.KindNotFound)
	CodeAccessDenied      = string(deploy.KindAccessDenied)
	CodeExtractionFailed  = string(deploy.KindExtractionFailed)
	CodeEntryPointMissing = string(deploy.KindEntryPointMissing)
	CodeDaemonUnavailable = string(deploy.KindDaemonUnavailable)
	CodeDeploymentFailed  = string(deploy.KindDeploymentFailed)
	CodeControlFailed     = string(deploy.KindControlFailed)
	CodeIOFailure         = string(deploy.KindIOFailure)
	CodeUnauthorized      = "unauthorized"
	CodeRateLimited       = "rate_limited"
	CodePayloadTooLarge   = "payload_too_large"
	CodeInternalError     = "internal_error"
)

// StatusError is the value of the status field in every error body.
const StatusError = "error"

// APIError represents a structured API error response.
type APIError struct {
	Status    string         `json:"status"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy of the error with the request ID set.
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// New creates a new APIError with the given code and message.
func New(code, message string) *APIError {
	return &APIError{
		Status:  StatusError,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates an invalid-input error.
func NewValidationError(message string) *APIError {
	return New(CodeInvalidInput, message)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *APIError {
	return New(CodeNotFound, message)
}

// NewUnauthorizedError creates an unauthorized error.
func NewUnauthorizedError(message string) *APIError {
	return New(CodeUnauthorized, message)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *APIError {
	return New(CodeInternalError, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeExtractionFailed, CodeEntryPointMissing:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeDeploymentFailed, CodeControlFailed:
		return http.StatusBadGateway
	case CodeDaemonUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError classifies an error returned by the panel's components. Errors
// it does not recognize become internal errors with a generic message.
func FromError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var derr *deploy.Error
	if stderrors.As(err, &derr) {
		return New(string(derr.Kind), deploy.UserMessage(derr))
	}

	var verr *models.ValidationError
	if stderrors.As(err, &verr) {
		return NewValidationError(verr.Error()).WithDetails(map[string]any{"field": verr.Field})
	}

	switch {
	case stderrors.Is(err, registry.ErrNotFound),
		stderrors.Is(err, files.ErrNotFound),
		stderrors.Is(err, install.ErrSessionNotFound):
		return New(CodeNotFound, err.Error())
	case stderrors.Is(err, files.ErrAccessDenied),
		stderrors.Is(err, validation.ErrPathEscapesSandbox):
		return New(CodeAccessDenied, err.Error())
	case stderrors.Is(err, install.ErrAlreadyRunning),
		stderrors.Is(err, files.ErrExists):
		return New(CodeAlreadyExists, err.Error())
	case stderrors.Is(err, files.ErrTooLarge):
		return New(CodePayloadTooLarge, err.Error())
	case stderrors.Is(err, files.ErrIsDirectory),
		stderrors.Is(err, files.ErrNotDirectory),
		stderrors.Is(err, files.ErrInvalidName),
		stderrors.Is(err, install.ErrManifestMissing),
		stderrors.Is(err, install.ErrUnsupportedRuntime),
		stderrors.Is(err, logs.ErrInvalidStream):
		return New(CodeInvalidInput, err.Error())
	case stderrors.Is(err, archive.ErrPathTraversal):
		return New(CodeAccessDenied, err.Error())
	case stderrors.Is(err, archive.ErrMalformedArchive),
		stderrors.Is(err, archive.ErrUnsupportedEntry),
		stderrors.Is(err, archive.ErrArchiveTooLarge):
		return New(CodeExtractionFailed, err.Error())
	case stderrors.Is(err, archive.ErrEntryPointMissing):
		return New(CodeEntryPointMissing, err.Error())
	case stderrors.Is(err, install.ErrClosed):
		return New(CodeDaemonUnavailable, err.Error())
	}
	return NewInternalError("an unexpected error occurred")
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// WriteErrorWithRequestID writes an APIError with the request ID set.
func WriteErrorWithRequestID(w http.ResponseWriter, err *APIError, requestID string) {
	WriteError(w, err.WithRequestID(requestID))
}
