package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/llm-gateway/models"
)

// Context key type to avoid collisions
type contextKey string

// IdentityKey is the context key for the verified caller
const IdentityKey contextKey = "identity"

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentityFromContext retrieves the caller identity, or nil
func GetIdentityFromContext(ctx context.Context) *models.Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if id, ok := val.(*models.Identity); ok {
			return id
		}
	}
	return nil
}
