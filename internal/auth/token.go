package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoJWKS       = errors.New("no JWKS URL provided")
)

// StandardClaims are the JWT claims the validators read. The user identity
// is resolved sub → user_id → email, so the same account keeps one stable
// id across sign-in providers.
type StandardClaims struct {
	Sub    string `json:"sub"`
	UserId string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenValidator verifies a bearer token and returns the stable user id.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

// HashIdentifier returns the SHA-256 hex digest of an identifier. Stored
// records are keyed by hashed user ids; every ownership check compares
// against this digest, never the raw id.
func HashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// userIDFromClaims applies the sub → user_id → email priority.
func userIDFromClaims(claims *StandardClaims) (string, error) {
	switch {
	case claims.Sub != "":
		return claims.Sub, nil
	case claims.UserId != "":
		return claims.UserId, nil
	case claims.Email != "":
		return claims.Email, nil
	}
	return "", errors.New("no sub, user_id, or email found in token claims")
}
