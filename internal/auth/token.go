// ABOUTME: JWT callback tokens that bind an agent's tool callbacks to one session
// ABOUTME: Uses HS256 signing with the configured callback secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrNoSecret     = errors.New("callback secret is empty")
)

// CallbackAudience is the aud claim of every callback token.
const CallbackAudience = "tool-callback"

// DefaultTokenTTL bounds how long an agent can call back for a session.
const DefaultTokenTTL = 24 * time.Hour

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (sessionID string, err error)
}

// CallbackSigner mints and verifies per-session callback tokens
type CallbackSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewCallbackSigner creates a signer. A zero ttl uses DefaultTokenTTL.
func NewCallbackSigner(secret []byte, ttl time.Duration) (*CallbackSigner, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &CallbackSigner{secret: secret, ttl: ttl}, nil
}

// Mint creates a token whose subject is sessionID
func (s *CallbackSigner) Mint(sessionID string) (string, error) {
	return s.mint(sessionID, s.ttl)
}

func (s *CallbackSigner) mint(sessionID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		Audience:  jwt.ClaimStrings{CallbackAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates the token and returns the session ID from the "sub" claim
func (s *CallbackSigner) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithAudience(CallbackAudience), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

var _ TokenVerifier = (*CallbackSigner)(nil)
