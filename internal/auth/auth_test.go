package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, sub, name string, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"name": name,
		"exp":  time.Now().Add(ttl).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v, err := NewJWTVerifier("s3cret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	id, err := v.Verify(signToken(t, "s3cret", "u1", "alice", time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Username != "alice" {
		t.Fatalf("unexpected identity: %#v", id)
	}
}

func TestVerifyStripsBearerPrefix(t *testing.T) {
	v, _ := NewJWTVerifier("s3cret")
	id, err := v.Verify("Bearer " + signToken(t, "s3cret", "u1", "alice", time.Minute))
	if err != nil || id.UserID != "u1" {
		t.Fatalf("verify with prefix: id=%#v err=%v", id, err)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v, _ := NewJWTVerifier("s3cret")

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong secret": signToken(t, "other", "u1", "alice", time.Minute),
		"expired":      signToken(t, "s3cret", "u1", "alice", -time.Minute),
	}
	for name, token := range cases {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestVerifyRequiresSubject(t *testing.T) {
	v, _ := NewJWTVerifier("s3cret")
	if _, err := v.Verify(signToken(t, "s3cret", "", "alice", time.Minute)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing subject, got %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
