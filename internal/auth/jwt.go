// Package auth resolves caller identities from HMAC-signed JWTs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/llm-gateway/models"
)

var (
	// ErrInvalidToken is returned when the token is malformed or its signature is wrong
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidIssuer is returned when the token issuer is invalid
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrMissingTenant is returned when the token carries no tenant or subject
	ErrMissingTenant = errors.New("token missing tenant or subject")
)

// Claims are the identity claims carried in gateway tokens
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	DeptID   string `json:"dept_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Validator verifies tokens signed with a shared secret
type Validator struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewValidator creates a validator. An empty issuer accepts any issuer.
func NewValidator(secret, issuer string) *Validator {
	return &Validator{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// ValidateToken verifies the token and returns the caller identity
func (v *Validator) ValidateToken(_ context.Context, token string) (*models.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMissingTenant
	}

	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		role = models.RoleMember
	}
	return &models.Identity{
		TenantID: claims.TenantID,
		UserID:   claims.Subject,
		DeptID:   claims.DeptID,
		Role:     role,
		Email:    claims.Email,
	}, nil
}

// Issue signs a token for id valid for ttl. Used by operator tooling and tests.
func (v *Validator) Issue(id models.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: id.TenantID,
		DeptID:   id.DeptID,
		Role:     id.Role,
		Email:    id.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
