package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/utils"
	"go.uber.org/zap"
)

// TokenValidator resolves a bearer token to an identity
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*models.Identity, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// RequireAuth rejects requests without a valid bearer token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		token := extractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing token", zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		id, err := m.validator.ValidateToken(ctx, token)
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("tenant_id", id.TenantID),
			zap.String("user_id", id.UserID))

		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
	})
}

// RequireAdmin must run after RequireAuth
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := GetIdentityFromContext(ctx)
		if id == nil {
			m.logger.Error("identity not found in context",
				zap.String("request_id", GetRequestIDFromContext(ctx)))
			_ = utils.WriteUnauthorized(w, "Authentication required")
			return
		}
		if !id.IsAdmin() {
			m.logger.Warn("insufficient permissions",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.String("tenant_id", id.TenantID),
				zap.String("user_id", id.UserID),
				zap.String("role", id.Role))
			_ = utils.WriteError(w, http.StatusForbidden, services.CodeForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
