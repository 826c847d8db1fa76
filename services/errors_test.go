package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeBudgetExceeded, "Corporate funds exhausted", baseErr)

	assert.Equal(t, ErrorTypeBudgetExceeded, domainErr.Type)
	assert.Equal(t, CodeBudgetExceeded, domainErr.Code)
	assert.Equal(t, "Corporate funds exhausted", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeInternal,
				Message: "budget store unavailable",
				Err:     errors.New("dial tcp: refused"),
			},
			wantMsg: "internal: budget store unavailable (dial tcp: refused)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypePolicyBlocked,
				Message: "Blocked by policy: no-gpt4",
			},
			wantMsg: "policy_blocked: Blocked by policy: no-gpt4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeInternal, "internal error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(domainErr))
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same error type",
			err:    NewDomainError(ErrorTypeBudgetExceeded, "Personal allowance exhausted", nil),
			target: ErrBudgetExceeded,
			want:   true,
		},
		{
			name:   "different error type",
			err:    NewDomainError(ErrorTypeVelocityExceeded, "frozen", nil),
			target: ErrBudgetExceeded,
			want:   false,
		},
		{
			name:   "wrapped domain error",
			err:    fmt.Errorf("gate: %w", NewDomainError(ErrorTypeProviderExhausted, "down", nil)),
			target: ErrProviderExhausted,
			want:   true,
		},
		{
			name:   "plain error",
			err:    errors.New("boom"),
			target: ErrInternal,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetailAndCode(t *testing.T) {
	err := NewDomainError(ErrorTypeVelocityExceeded, "tenant frozen", nil).
		WithCode(CodeTenantFrozen).
		WithDetail("retry_after_seconds", 300)

	assert.Equal(t, CodeTenantFrozen, err.Code)
	assert.Equal(t, 300, err.Details["retry_after_seconds"])

	// sentinels stay untouched
	assert.Empty(t, ErrVelocityExceeded.Details)
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", NewDomainError(ErrorTypeNotFound, "x", nil), IsNotFoundError},
		{"validation", NewDomainError(ErrorTypeValidation, "x", nil), IsValidationError},
		{"unauthorized", NewDomainError(ErrorTypeUnauthorized, "x", nil), IsUnauthorizedError},
		{"forbidden", NewDomainError(ErrorTypeForbidden, "x", nil), IsForbiddenError},
		{"internal", NewDomainError(ErrorTypeInternal, "x", nil), IsInternalError},
		{"external", NewDomainError(ErrorTypeExternal, "x", nil), IsExternalError},
		{"budget", NewDomainError(ErrorTypeBudgetExceeded, "x", nil), IsBudgetExceededError},
		{"velocity", NewDomainError(ErrorTypeVelocityExceeded, "x", nil), IsVelocityExceededError},
		{"provider exhausted", NewDomainError(ErrorTypeProviderExhausted, "x", nil), IsProviderExhaustedError},
		{"policy", NewDomainError(ErrorTypePolicyBlocked, "x", nil), IsPolicyBlockedError},
		{"trust", NewDomainError(ErrorTypeTrustCritical, "x", nil), IsTrustCriticalError},
		{"security", NewDomainError(ErrorTypeSecurityViolation, "x", nil), IsSecurityViolationError},
		{"timeout", NewDomainError(ErrorTypeTimeout, "x", nil), IsTimeoutError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, CodePolicyBlocked, GetErrorCode(NewDomainError(ErrorTypePolicyBlocked, "x", nil)))
	assert.Equal(t, CodeTrustTimeout, GetErrorCode(NewDomainError(ErrorTypeTimeout, "x", nil)))
	assert.Equal(t, CodeInternal, GetErrorCode(errors.New("raw store error")))
}

func TestGetErrorDetails(t *testing.T) {
	err := NewDomainError(ErrorTypeTrustCritical, "locked", nil).WithDetail("requires_approval", true)

	details := GetErrorDetails(fmt.Errorf("wrap: %w", err))
	require.NotNil(t, details)
	assert.Equal(t, true, details["requires_approval"])
	assert.Nil(t, GetErrorDetails(errors.New("plain")))
}

func TestWrapHelpers(t *testing.T) {
	base := errors.New("redis: connection refused")

	internal := WrapInternal("budget check", base)
	assert.True(t, IsInternalError(internal))
	assert.ErrorIs(t, internal, base)

	external := WrapExternal("provider call", base)
	assert.True(t, IsExternalError(external))
	assert.Equal(t, ErrorTypeExternal, GetErrorType(external))
}
