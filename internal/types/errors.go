package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPlan  ErrorCode = "validation_invalid_plan"
	ErrCodeValidationInvalidBody  ErrorCode = "validation_invalid_json"
	ErrCodeValidationRule         ErrorCode = "validation_rule_violations"
	ErrCodeValidationCapacity     ErrorCode = "validation_invalid_capacity"

	// Catalog (400) -- the plan or add-on id does not exist in the catalog.
	// A programmer/data error under a correctly wired host.
	ErrCodeCatalogUnknownID ErrorCode = "catalog_unknown_id"

	// Transitions (409)
	ErrCodeTransitionInvalid       ErrorCode = "transition_invalid"
	ErrCodeTransitionGrantActive   ErrorCode = "transition_custom_grant_active"
	ErrCodeTransitionNoGrant       ErrorCode = "transition_no_custom_grant"
	ErrCodeConflictConcurrent      ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictAddonPresent    ErrorCode = "conflict_addon_already_active"
	ErrCodeConflictAddonNotPresent ErrorCode = "conflict_addon_not_active"
	ErrCodeConflictStaleTraining   ErrorCode = "conflict_stale_training_stamp"

	// Auth (401) -- authentication itself lives outside this service; these
	// codes cover the webhook signature check and missing request context.
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundWidget   ErrorCode = "not_found_widget"
	ErrCodeNotFoundTraining ErrorCode = "not_found_training_record"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe     ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamQueue      ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamNotify     ErrorCode = "upstream_notify_unavailable"
	ErrCodeUpstreamRateLimit  ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"), strings.HasPrefix(s, "catalog_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "transition_"), strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// IsUpstream reports whether the code names a transient upstream failure,
// the class of error worth retrying.
func (c ErrorCode) IsUpstream() bool {
	return strings.HasPrefix(string(c), "upstream_")
}

// AppError is the standard application error type used throughout the platform.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// NewInvalidTransitionError builds the standard error for an operation
// attempted in a state where it is not legal.
func NewInvalidTransitionError(from AccountState, operation string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodeTransitionInvalid,
		fmt.Sprintf("operation %s is not legal in state %s", operation, from),
		nil,
		map[string]any{
			"from_state": string(from),
			"operation":  operation,
		},
	)
}

// NewUnknownCatalogIDError builds the standard error for a plan or add-on id
// that does not resolve in the catalog.
func NewUnknownCatalogIDError(kind, id string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodeCatalogUnknownID,
		fmt.Sprintf("unknown %s id %q", kind, id),
		nil,
		map[string]any{
			"kind": kind,
			"id":   id,
		},
	)
}
