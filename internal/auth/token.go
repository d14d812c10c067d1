// ABOUTME: JWT bind-token issuing and verification for deep-link channel binding
// ABOUTME: Uses HS256 signing with configurable secret

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
)

// DefaultTokenTTL is how long an issued bind token stays redeemable.
const DefaultTokenTTL = 15 * time.Minute

// BindClaims is what a verified bind token grants: the right to attach one
// conversation to the named session. Identity, when set, restricts redemption
// to a single channel user.
type BindClaims struct {
	SessionID string
	Identity  string
}

// TokenVerifier defines the interface for bind token verification
type TokenVerifier interface {
	Verify(tokenString string) (BindClaims, error)
}

// JWTTokens issues and verifies HS256 signed bind tokens
type JWTTokens struct {
	secret []byte
}

// NewJWTTokens creates a token issuer/verifier with the given secret
func NewJWTTokens(secret []byte) *JWTTokens {
	return &JWTTokens{secret: secret}
}

// Issue creates a bind token for the given session. An empty identity leaves
// the token redeemable by any channel user who receives the link.
func (j *JWTTokens) Issue(sessionID, identity string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sessionID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if identity != "" {
		claims["identity"] = identity
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Verify validates the token and extracts the bind claims
func (j *JWTTokens) Verify(tokenString string) (BindClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return BindClaims{}, ErrExpiredToken
		}
		return BindClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return BindClaims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return BindClaims{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return BindClaims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	bc := BindClaims{SessionID: sub}
	if identity, ok := claims["identity"].(string); ok {
		bc.Identity = identity
	}
	return bc, nil
}
