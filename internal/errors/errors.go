package errors

import (
	"fmt"
	"net/http"

	"github.com/balance-ledger/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategorySource represents ledger source / snapshot store errors
	CategorySource ErrorCategory = "source"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryArithmetic represents checked-arithmetic failures on the money path
	CategoryArithmetic ErrorCategory = "arithmetic"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes used across the service.
const (
	CodeSourceUnavailable  = "SOURCE_UNAVAILABLE"
	CodeArithmeticOverflow = "ARITHMETIC_OVERFLOW"
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeNotFound           = "NOT_FOUND"
	CodeCacheError         = "CACHE_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodePublishError       = "PUBLISH_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewSourceUnavailableError creates an error for an unreachable ledger
// source or snapshot store. These are retryable; the caller decides.
func NewSourceUnavailableError(source string, operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySource,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeSourceUnavailable,
		Message:    fmt.Sprintf("%s unavailable during %s", source, operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"source":    source,
			"operation": operation,
		},
	}
}

// NewOverflowError creates an error for a signed aggregate that exceeds
// the representable range. Never retryable: the same inputs overflow again.
func NewOverflowError(subjectID int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryArithmetic,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeArithmeticOverflow,
		Message:    fmt.Sprintf("aggregate amount overflows for subject %d", subjectID),
		Details: map[string]interface{}{
			"subjectId": subjectID,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCacheError,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewPublishError creates an event publishing error
func NewPublishError(topic string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodePublishError,
		Message:    fmt.Sprintf("failed to publish event to %s", topic),
		Cause:      cause,
		Details: map[string]interface{}{
			"topic": topic,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if catErr, ok := err.(*CategorizedError); ok {
		return catErr
	}

	if svcErr, ok := err.(*types.ServiceError); ok {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable. Source outages are,
// arithmetic overflow never is (retrying reproduces the same aggregate).
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategorySource, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsOverflow reports whether err is an arithmetic overflow error.
func IsOverflow(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == CodeArithmeticOverflow
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
