package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the JWT payload of a server-issued bearer token.
type TokenClaims struct {
	// UserID is the account id the token was issued for.
	UserID string `json:"user"`
	jwt.RegisteredClaims
}

// InspectToken parses a bearer token's claims without verifying the
// signature. The server is the verifier; clients only need the claims for
// logging and for deciding whether a replacement token actually differs.
func InspectToken(tokenString string) (*TokenClaims, error) {
	parser := jwt.NewParser()
	claims := &TokenClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// TokenExpiresWithin reports whether the token carries an expiry inside the
// given window. Tokens without an exp claim never expire from the client's
// point of view.
func TokenExpiresWithin(tokenString string, window time.Duration) bool {
	claims, err := InspectToken(tokenString)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < window
}
