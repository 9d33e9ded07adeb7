// ABOUTME: Unit tests for callback token minting and verification
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and foreign audiences

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func newTestSigner(t *testing.T) *CallbackSigner {
	t.Helper()
	signer, err := NewCallbackSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewCallbackSigner() error = %v", err)
	}
	return signer
}

func TestCallbackSigner_ValidToken(t *testing.T) {
	signer := newTestSigner(t)

	token, err := signer.Mint("session-123")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	got, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "session-123" {
		t.Errorf("Verify() = %q, want %q", got, "session-123")
	}
}

func TestCallbackSigner_EmptySecret(t *testing.T) {
	if _, err := NewCallbackSigner(nil, time.Hour); !errors.Is(err, ErrNoSecret) {
		t.Errorf("NewCallbackSigner() error = %v, want ErrNoSecret", err)
	}
}

func TestCallbackSigner_InvalidToken(t *testing.T) {
	signer := newTestSigner(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				other, _ := NewCallbackSigner([]byte("different-secret"), time.Hour)
				token, _ := other.Mint("session-123")
				return token
			}(),
		},
		{
			name: "wrong audience",
			token: func() string {
				claims := jwt.RegisteredClaims{
					Subject:   "session-123",
					Audience:  jwt.ClaimStrings{"admin"},
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				}
				token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestCallbackSigner_ExpiredToken(t *testing.T) {
	signer := newTestSigner(t)

	token, err := signer.mint("session-123", -time.Hour)
	if err != nil {
		t.Fatalf("mint() error = %v", err)
	}

	if _, err := signer.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestCallbackSigner_MissingSubject(t *testing.T) {
	signer := newTestSigner(t)

	token, err := signer.Mint("")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	if _, err := signer.Verify(token); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}
