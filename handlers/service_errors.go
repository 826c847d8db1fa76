package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses.
// Only the domain message and details reach the client; the wrapped cause is logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status := statusFor(err)
	message := "An internal error occurred"
	var details map[string]interface{}

	var domainErr *services.DomainError
	if errors.As(err, &domainErr) && status != http.StatusInternalServerError {
		message = domainErr.Message
		if len(domainErr.Details) > 0 {
			details = domainErr.Details
		}
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
	} else {
		logger.Debug("handled service error",
			zap.String("error_type", string(services.GetErrorType(err))),
			zap.String("code", services.GetErrorCode(err)))
	}

	if secs, ok := details["retry_after_seconds"].(int); ok && secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	code := services.GetErrorCode(err)
	if status == http.StatusInternalServerError {
		code = services.CodeInternal
	}
	if werr := utils.WriteError(w, status, code, message, details); werr != nil {
		logger.Error("failed to write error response", zap.Error(werr))
	}
}

func statusFor(err error) int {
	switch {
	case services.IsValidationError(err):
		return http.StatusBadRequest
	case services.IsUnauthorizedError(err):
		return http.StatusUnauthorized
	case services.IsBudgetExceededError(err):
		return http.StatusPaymentRequired
	case services.IsVelocityExceededError(err):
		return http.StatusTooManyRequests
	case services.IsForbiddenError(err),
		services.IsPolicyBlockedError(err),
		services.IsTrustCriticalError(err),
		services.IsSecurityViolationError(err):
		return http.StatusForbidden
	case services.IsNotFoundError(err):
		return http.StatusNotFound
	case services.IsProviderExhaustedError(err), services.IsTimeoutError(err):
		return http.StatusServiceUnavailable
	case services.IsExternalError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var details map[string]interface{}
	if fields := utils.GetValidationFields(err); len(fields) > 0 {
		details = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
	}
	if werr := utils.WriteBadRequest(w, "Validation failed", details); werr != nil {
		logger.Error("failed to write validation error response", zap.Error(werr))
	}
}
