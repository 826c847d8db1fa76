package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/llm-gateway/models"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*models.Identity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Identity), args.Error(1)
}

func okHandler(t *testing.T, want *models.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want != nil {
			assert.Equal(t, want, GetIdentityFromContext(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()
	alice := &models.Identity{TenantID: "acme", UserID: "alice", Role: models.RoleMember}

	tests := []struct {
		name       string
		header     string
		setup      func(*MockTokenValidator)
		wantStatus int
	}{
		{
			name:   "valid bearer token",
			header: "Bearer valid-token",
			setup: func(m *MockTokenValidator) {
				m.On("ValidateToken", mock.Anything, "valid-token").Return(alice, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:   "case insensitive scheme",
			header: "bearer valid-token",
			setup: func(m *MockTokenValidator) {
				m.On("ValidateToken", mock.Anything, "valid-token").Return(alice, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing header",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			header:     "Basic dXNlcjpwYXNz",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:   "invalid token",
			header: "Bearer expired",
			setup: func(m *MockTokenValidator) {
				m.On("ValidateToken", mock.Anything, "expired").Return(nil, errors.New("token expired"))
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := new(MockTokenValidator)
			if tt.setup != nil {
				tt.setup(validator)
			}
			handler := NewAuthMiddleware(validator, logger).RequireAuth(okHandler(t, alice))

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			validator.AssertExpectations(t)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	m := NewAuthMiddleware(new(MockTokenValidator), zap.NewNop())

	tests := []struct {
		name       string
		identity   *models.Identity
		wantStatus int
	}{
		{"admin passes", &models.Identity{TenantID: "acme", UserID: "root", Role: models.RoleAdmin}, http.StatusOK},
		{"member forbidden", &models.Identity{TenantID: "acme", UserID: "bob", Role: models.RoleMember}, http.StatusForbidden},
		{"no identity", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/trust/amnesty", nil)
			if tt.identity != nil {
				req = req.WithContext(WithIdentity(req.Context(), tt.identity))
			}
			w := httptest.NewRecorder()
			m.RequireAdmin(okHandler(t, nil)).ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestIdentityContext(t *testing.T) {
	assert.Nil(t, GetIdentityFromContext(context.Background()))

	id := &models.Identity{TenantID: "acme"}
	assert.Same(t, id, GetIdentityFromContext(WithIdentity(context.Background(), id)))
	assert.Empty(t, GetRequestIDFromContext(context.Background()))
}
