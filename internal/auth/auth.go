// Package auth verifies bearer credentials presented at connect time.
// Credential issuance belongs to the accounts collaborator; this process
// only checks signatures and expiry.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential that fails verification.
var ErrInvalidToken = errors.New("invalid bearer token")

// Identity is the resolved identity behind a verified credential.
type Identity struct {
	UserID   string
	Username string
	Avatar   string
}

// Verifier resolves a bearer credential to an identity, or fails.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier verifies HMAC-signed tokens issued by the accounts service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the shared signing secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

type claims struct {
	Username string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates a token, returning the identity it carries.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Identity{UserID: c.Subject, Username: c.Username, Avatar: c.Avatar}, nil
}
