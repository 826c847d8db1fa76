package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
	ErrorTypeTimeout      ErrorType = "timeout"

	// Pipeline taxonomy
	ErrorTypeCacheUnavailable      ErrorType = "cache_unavailable"
	ErrorTypeBudgetExceeded        ErrorType = "budget_exceeded"
	ErrorTypeVelocityExceeded      ErrorType = "velocity_exceeded"
	ErrorTypeProviderExhausted     ErrorType = "provider_exhausted"
	ErrorTypePolicyBlocked         ErrorType = "policy_blocked"
	ErrorTypeTrustCritical         ErrorType = "trust_critical"
	ErrorTypeSigningFailure        ErrorType = "signing_failure"
	ErrorTypeDurablePersistFailure ErrorType = "durable_persist_failure"
	ErrorTypeSecurityViolation     ErrorType = "security_violation"
)

// Stable reason codes returned to callers.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED"
	CodeVelocityExceeded  = "VELOCITY_EXCEEDED"
	CodeTenantFrozen      = "TENANT_FROZEN"
	CodeProviderExhausted = "PROVIDER_EXHAUSTED"
	CodePolicyBlocked     = "POLICY_BLOCKED"
	CodeApprovalRequired  = "APPROVAL_REQUIRED"
	CodeTrustCritical     = "TRUST_CRITICAL"
	CodeTrustTimeout      = "TRUST_TIMEOUT"
	CodeSecurityViolation = "SECURITY_VIOLATION"
	CodeInternal          = "INTERNAL_ERROR"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCode overrides the reason code
func (e *DomainError) WithCode(code string) *DomainError {
	e.Code = code
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Code:    defaultCode(errType),
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func defaultCode(t ErrorType) string {
	switch t {
	case ErrorTypeValidation:
		return CodeInvalidRequest
	case ErrorTypeUnauthorized:
		return CodeUnauthorized
	case ErrorTypeForbidden:
		return CodeForbidden
	case ErrorTypeNotFound:
		return CodeNotFound
	case ErrorTypeBudgetExceeded:
		return CodeBudgetExceeded
	case ErrorTypeVelocityExceeded:
		return CodeVelocityExceeded
	case ErrorTypeProviderExhausted:
		return CodeProviderExhausted
	case ErrorTypePolicyBlocked:
		return CodePolicyBlocked
	case ErrorTypeTrustCritical:
		return CodeTrustCritical
	case ErrorTypeSecurityViolation:
		return CodeSecurityViolation
	case ErrorTypeTimeout:
		return CodeTrustTimeout
	default:
		return CodeInternal
	}
}

// Domain error variables. These are match targets for errors.Is; build
// returned errors with NewDomainError so Details are never shared.

var (
	ErrNotFound     = NewDomainError(ErrorTypeNotFound, "not found", nil)
	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrEmptyPrompt  = NewDomainError(ErrorTypeValidation, "prompt cannot be empty", nil)
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrForbidden    = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInternal     = NewDomainError(ErrorTypeInternal, "internal server error", nil)

	ErrCacheUnavailable  = NewDomainError(ErrorTypeCacheUnavailable, "semantic cache unavailable", nil)
	ErrBudgetExceeded    = NewDomainError(ErrorTypeBudgetExceeded, "budget exceeded", nil)
	ErrVelocityExceeded  = NewDomainError(ErrorTypeVelocityExceeded, "spend velocity exceeded", nil)
	ErrProviderExhausted = NewDomainError(ErrorTypeProviderExhausted, "Total system collapse. All providers failed.", nil)
	ErrPolicyBlocked     = NewDomainError(ErrorTypePolicyBlocked, "blocked by policy", nil)
	ErrTrustCritical     = NewDomainError(ErrorTypeTrustCritical, "Trust Score critical (<30). Access restricted.", nil)
	ErrSigningFailure    = NewDomainError(ErrorTypeSigningFailure, "receipt signing failed", nil)
	ErrDurablePersist    = NewDomainError(ErrorTypeDurablePersistFailure, "durable persistence failed", nil)
	ErrSecurityViolation = NewDomainError(ErrorTypeSecurityViolation, "request rejected by safety classifier", nil)
	ErrTimeout           = NewDomainError(ErrorTypeTimeout, "operation timed out", nil)
)

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool { return isType(err, ErrorTypeExternal) }

func IsBudgetExceededError(err error) bool    { return isType(err, ErrorTypeBudgetExceeded) }
func IsVelocityExceededError(err error) bool  { return isType(err, ErrorTypeVelocityExceeded) }
func IsProviderExhaustedError(err error) bool { return isType(err, ErrorTypeProviderExhausted) }
func IsPolicyBlockedError(err error) bool     { return isType(err, ErrorTypePolicyBlocked) }
func IsTrustCriticalError(err error) bool     { return isType(err, ErrorTypeTrustCritical) }
func IsSecurityViolationError(err error) bool { return isType(err, ErrorTypeSecurityViolation) }
func IsTimeoutError(err error) bool           { return isType(err, ErrorTypeTimeout) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the reason code of a domain error, or CodeInternal
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code
	}
	return CodeInternal
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external provider error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
