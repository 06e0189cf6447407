// Package token reads claims out of the caller-provided bearer token. The
// client never verifies signatures (that is the server's job); it only needs
// the subject to scope user destinations and the expiry for a pre-dial check.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("token has no subject claim")

var parser = jwt.NewParser()

// UserID extracts the subject claim from a bearer token.
func UserID(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}

// Expired reports whether the token's exp claim is in the past. Tokens
// without an exp claim are treated as unexpired.
func Expired(tokenString string, now time.Time) (bool, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return false, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return false, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return false, nil
	}
	return exp.Before(now), nil
}
