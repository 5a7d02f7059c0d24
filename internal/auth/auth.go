// Package auth issues and validates tenant-scoped API tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("token secret is not configured")
)

// Claims represents the JWT claims carried by an API token.
// TenantID scopes every request to a single lab's data.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies API tokens with a shared HMAC secret.
type TokenService struct {
	secret   []byte
	duration time.Duration
}

// NewTokenService creates a token service. Tokens expire after duration;
// a zero duration defaults to 24 hours.
func NewTokenService(secret string, duration time.Duration) *TokenService {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &TokenService{
		secret:   []byte(secret),
		duration: duration,
	}
}

// IssueToken creates a signed token for the given tenant and user.
func (s *TokenService) IssueToken(tenantID, userID, email string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}

	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		UserID:   userID,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses and verifies a token string, returning its claims.
// Expired, tampered, or wrongly signed tokens all return ErrInvalidToken.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.TenantID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
