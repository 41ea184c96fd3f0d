// Copyright 2025 Phillip Lindsay
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors provides custom error types and utilities for structured error handling.
//
// Every rejection produced by the security pipeline is an AppError carrying a
// machine-readable code, an HTTP status and a category. Categories separate
// policy rejections (the request was refused on purpose) from authorization
// failures, scan-provider failures, configuration problems and internal faults.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents different types of application errors.
type ErrorCode string

const (
	// ValidationError represents input validation failures.
	ValidationError ErrorCode = "VALIDATION_ERROR"
	// NotFoundError represents resource not found errors.
	NotFoundError ErrorCode = "NOT_FOUND_ERROR"
	// InternalError represents internal server errors.
	InternalError ErrorCode = "INTERNAL_ERROR"
	// ExternalError represents external service errors.
	ExternalError ErrorCode = "EXTERNAL_ERROR"
	// ConfigurationError represents missing or invalid configuration.
	ConfigurationError ErrorCode = "CONFIGURATION_ERROR"

	// RateLimitExceeded is returned when a fixed window is exhausted.
	RateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// CSRFValidationFailed is returned when the double-submit check fails.
	CSRFValidationFailed ErrorCode = "CSRF_VALIDATION_FAILED"
	// CORSOriginDisallowed is returned for preflights from untrusted origins.
	CORSOriginDisallowed ErrorCode = "CORS_ORIGIN_DISALLOWED"
	// ConfirmationRequired is returned when a destructive admin call lacks x-confirm-destructive.
	ConfirmationRequired ErrorCode = "CONFIRMATION_REQUIRED"
	// IntentConfirmationRequired is returned when a high-risk admin call lacks x-operation-intent.
	IntentConfirmationRequired ErrorCode = "INTENT_CONFIRMATION_REQUIRED"
	// OutsideMaintenanceWindow is returned when a restricted action runs outside its hours.
	OutsideMaintenanceWindow ErrorCode = "OUTSIDE_MAINTENANCE_WINDOW"
	// IPBlocked is returned for clients in the blocked set.
	IPBlocked ErrorCode = "IP_BLOCKED"
	// ThreatDetected is returned when request input matches a critical signature.
	ThreatDetected ErrorCode = "THREAT_DETECTED"
	// FileRejected is returned when an upload is judged unsafe.
	FileRejected ErrorCode = "FILE_REJECTED"

	// Unauthenticated represents a request without a valid session.
	Unauthenticated ErrorCode = "UNAUTHENTICATED"
	// InsufficientRole represents an authenticated user lacking the required role.
	InsufficientRole ErrorCode = "INSUFFICIENT_ROLE"

	// ScanProviderFailure represents a timeout or transport error from a scan provider.
	ScanProviderFailure ErrorCode = "SCAN_PROVIDER_FAILURE"
)

// Category groups error codes by how callers should react to them.
type Category string

const (
	// CategoryPolicyRejection covers deliberate refusals (rate limits, CSRF, CORS, confirmations).
	CategoryPolicyRejection Category = "policy_rejection"
	// CategoryAuthorization covers missing sessions and insufficient roles.
	CategoryAuthorization Category = "authorization_failure"
	// CategoryScanProvider covers scan provider timeouts and transport errors.
	CategoryScanProvider Category = "scan_provider_failure"
	// CategoryConfiguration covers missing credentials or invalid settings.
	CategoryConfiguration Category = "configuration"
	// CategoryInternal covers everything else.
	CategoryInternal Category = "internal"
)

// AppError represents a structured application error with context.
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`
	Category   Category               `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithMetadata adds metadata to the error.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithCause adds an underlying cause to the error.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// New creates an AppError for code with the status and category registered for it.
func New(code ErrorCode, message string) *AppError {
	status, category := classify(code)
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
		Category:   category,
	}
}

func classify(code ErrorCode) (int, Category) {
	switch code {
	case ValidationError:
		return http.StatusBadRequest, CategoryPolicyRejection
	case NotFoundError:
		return http.StatusNotFound, CategoryPolicyRejection
	case RateLimitExceeded:
		return http.StatusTooManyRequests, CategoryPolicyRejection
	case CSRFValidationFailed, CORSOriginDisallowed, IPBlocked, OutsideMaintenanceWindow:
		return http.StatusForbidden, CategoryPolicyRejection
	case ConfirmationRequired, IntentConfirmationRequired, ThreatDetected:
		return http.StatusBadRequest, CategoryPolicyRejection
	case FileRejected:
		return http.StatusUnprocessableEntity, CategoryPolicyRejection
	case Unauthenticated:
		return http.StatusUnauthorized, CategoryAuthorization
	case InsufficientRole:
		return http.StatusForbidden, CategoryAuthorization
	case ScanProviderFailure, ExternalError:
		return http.StatusBadGateway, CategoryScanProvider
	case ConfigurationError:
		return http.StatusInternalServerError, CategoryConfiguration
	default:
		return http.StatusInternalServerError, CategoryInternal
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, details ...string) *AppError {
	err := New(ValidationError, message)
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(resource, id string) *AppError {
	err := New(NotFoundError, fmt.Sprintf("%s not found", resource))
	err.Details = fmt.Sprintf("Resource with ID '%s' does not exist", id)
	err.Metadata = map[string]interface{}{
		"resource_type": resource,
		"resource_id":   id,
	}
	return err
}

// NewAuthenticationError creates a new authentication error.
func NewAuthenticationError(message string, details ...string) *AppError {
	err := New(Unauthenticated, message)
	err.Details = "Invalid or missing authentication credentials"
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// NewAuthorizationError creates a new authorization error.
func NewAuthorizationError(operation string, resource ...string) *AppError {
	err := New(InsufficientRole, "Insufficient permissions")
	err.Details = fmt.Sprintf("User does not have permission to perform '%s'", operation)
	if len(resource) > 0 {
		err.Details = fmt.Sprintf("User does not have permission to perform '%s' on '%s'", operation, resource[0])
	}
	return err.WithMetadata("operation", operation)
}

// NewInternalError creates a new internal server error.
func NewInternalError(message string, cause error) *AppError {
	err := New(InternalError, message)
	err.Details = "An internal server error occurred"
	err.Cause = cause
	return err
}

// NewExternalError creates a new external service error.
func NewExternalError(service, operation string, cause error) *AppError {
	err := New(ExternalError, fmt.Sprintf("External service '%s' error", service))
	err.Details = fmt.Sprintf("Failed to perform '%s' operation", operation)
	err.Cause = cause
	err.Metadata = map[string]interface{}{
		"external_service": service,
		"operation":        operation,
	}
	return err
}

// NewScanProviderError wraps a timeout or transport failure from a scan provider.
func NewScanProviderError(provider string, cause error) *AppError {
	err := New(ScanProviderFailure, fmt.Sprintf("scan provider '%s' failed", provider))
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err.WithMetadata("provider", provider)
}

// NewConfigurationError reports a missing or invalid setting.
func NewConfigurationError(setting, reason string) *AppError {
	err := New(ConfigurationError, fmt.Sprintf("invalid configuration for '%s'", setting))
	err.Details = reason
	return err.WithMetadata("setting", setting)
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, limit int, retryAfterSeconds int64) *AppError {
	err := New(RateLimitExceeded, message)
	err.Metadata = map[string]interface{}{
		"rate_limit":  limit,
		"retry_after": retryAfterSeconds,
	}
	return err
}

// WrapError wraps an existing error with additional context.
func WrapError(err error, message string) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    message,
			Details:    appErr.Error(),
			Cause:      appErr,
			HTTPStatus: appErr.HTTPStatus,
			Category:   appErr.Category,
			Metadata:   appErr.Metadata,
		}
	}

	wrapped := New(InternalError, message)
	wrapped.Details = err.Error()
	wrapped.Cause = err
	return wrapped
}

// IsErrorCode checks if an error has a specific error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, category Category) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Category == category
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsErrorCode(err, NotFoundError)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return IsErrorCode(err, ValidationError)
}

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool {
	return IsErrorCode(err, InternalError)
}

// WriteJSON renders err as a JSON rejection body of the form
// {"success":false,"error":...,"code":...}. Errors that are not AppErrors are
// rendered as opaque internal errors.
func WriteJSON(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = NewInternalError("Internal server error", err)
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := map[string]interface{}{
		"success": false,
		"error":   appErr.Message,
		"code":    appErr.Code,
	}
	if appErr.Category != CategoryInternal && appErr.Details != "" {
		body["details"] = appErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
