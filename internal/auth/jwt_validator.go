package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// JWTTokenValidator validates bearer tokens against a JWKS endpoint. With
// no JWKS URL it runs in development mode: tokens are parsed but not
// verified, so local clients can mint their own.
type JWTTokenValidator struct {
	keySet  jwk.Set
	jwksURL string
	devMode bool
}

// NewTokenValidator fetches the JWKS once at startup; key rotation is
// handled lazily when an unknown kid shows up.
func NewTokenValidator(jwksURL string) (TokenValidator, error) {
	if jwksURL == "" {
		return &JWTTokenValidator{devMode: true}, nil
	}

	keySet, err := jwk.Fetch(context.Background(), jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTTokenValidator{
		keySet:  keySet,
		jwksURL: jwksURL,
	}, nil
}

// RefreshKeys refetches the JWKS from the URL.
func (v *JWTTokenValidator) RefreshKeys() error {
	if v.jwksURL == "" {
		return ErrNoJWKS
	}

	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}

	v.keySet = keySet
	return nil
}

// ValidateToken verifies the token and returns the stable user id.
func (v *JWTTokenValidator) ValidateToken(tokenString string) (string, error) {
	claims, err := v.verifiedClaims(tokenString)
	if err != nil {
		return "", err
	}

	userID, err := userIDFromClaims(claims)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return userID, nil
}

func (v *JWTTokenValidator) verifiedClaims(tokenString string) (*StandardClaims, error) {
	if v.devMode {
		token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		claims, ok := token.Claims.(*StandardClaims)
		if !ok {
			return nil, ErrInvalidToken
		}
		return claims, nil
	}

	if v.keySet == nil {
		return nil, ErrNoJWKS
	}

	// Parse the header without verification to learn which key signed it.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse token header: %v", ErrInvalidToken, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
	}

	key, found := v.keySet.LookupKeyID(kid)
	if !found {
		// Unknown kid usually means the keys rotated under us.
		if err := v.RefreshKeys(); err != nil {
			return nil, fmt.Errorf("%w: key %s not found and refresh failed: %v", ErrInvalidToken, kid, err)
		}
		key, found = v.keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: key %s not found after refresh", ErrInvalidToken, kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("%w: failed to get raw key: %v", ErrInvalidToken, err)
	}

	validated, err := jwt.ParseWithClaims(tokenString, &StandardClaims{},
		func(*jwt.Token) (interface{}, error) { return rawKey, nil })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := validated.Claims.(*StandardClaims)
	if !ok || !validated.Valid {
		return nil, ErrInvalidToken
	}

	if !claims.VerifyExpiresAt(time.Now(), true) {
		return nil, ErrExpiredToken
	}

	return claims, nil
}
