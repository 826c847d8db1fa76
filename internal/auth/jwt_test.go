package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-gateway/models"
)

func TestValidator_RoundTrip(t *testing.T) {
	v := NewValidator("s3cret", "llm-gateway")
	token, err := v.Issue(models.Identity{
		TenantID: "acme", UserID: "alice", DeptID: "eng", Role: "Admin", Email: "alice@acme.io",
	}, time.Hour)
	require.NoError(t, err)

	id, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "eng", id.DeptID)
	assert.Equal(t, models.RoleAdmin, id.Role)
	assert.True(t, id.IsAdmin())
}

func TestValidator_Rejects(t *testing.T) {
	good := NewValidator("s3cret", "llm-gateway")
	member := models.Identity{TenantID: "acme", UserID: "bob"}

	expired := NewValidator("s3cret", "llm-gateway")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, err := expired.Issue(member, time.Hour)
	require.NoError(t, err)

	otherSecret, err := NewValidator("other", "llm-gateway").Issue(member, time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewValidator("s3cret", "someone-else").Issue(member, time.Hour)
	require.NoError(t, err)

	noTenant, err := good.Issue(models.Identity{UserID: "bob"}, time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{TenantID: "acme"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", expiredToken, ErrTokenExpired},
		{"wrong secret", otherSecret, ErrInvalidToken},
		{"wrong issuer", otherIssuer, ErrInvalidIssuer},
		{"missing tenant", noTenant, ErrMissingTenant},
		{"alg none", unsigned, ErrInvalidToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := good.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidator_DefaultsRole(t *testing.T) {
	v := NewValidator("s3cret", "")
	token, err := v.Issue(models.Identity{TenantID: "acme", UserID: "bob"}, time.Minute)
	require.NoError(t, err)

	id, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, id.Role)
	assert.False(t, id.IsAdmin())
}
