// Package auth authenticates operators with HS256 bearer tokens and carries
// the resulting principal through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated operator. TenantID always comes from the
// token, never from the request body.
type Principal struct {
	ID       string
	TenantID string
}

// Claims are the JWT claims expected on operator tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Validator validates operator tokens.
type Validator struct {
	secret []byte
	clock  func() time.Time
}

// NewValidator creates a validator for tokens signed with secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret), clock: time.Now}
}

// WithClock overrides the clock used for expiry checks.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate parses tokenStr and returns the principal it names.
func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("validator uninitialized")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.clock))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	if claims.TenantID == "" {
		return nil, errors.New("token tenant binding is required")
	}
	return &Principal{ID: claims.Subject, TenantID: claims.TenantID}, nil
}

// Sign issues a token for p valid for ttl. Used by tests and local tooling.
func (v *Validator) Sign(p Principal, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: p.TenantID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the principal from ctx.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	if !ok || p == nil {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}
