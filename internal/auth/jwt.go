// Package auth validates bearer tokens and resolves them to a caller
// identity. Identity is external to this service: tokens carry an opaque
// auth id in the subject claim, and the user row is looked up (or lazily
// created) by that id. The package also ships a bcrypt-gated dev issuer so
// local setups can mint tokens without an identity provider.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "meshchat"

// Identity is the authenticated caller as carried by the token claims.
type Identity struct {
	AuthID string
	Name   string
	Email  string
}

// Claims is the JWT payload: registered claims plus the profile fields the
// user record is seeded from. Subject holds the auth id.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// JWTManager signs and validates HS256 access tokens.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
}

// NewJWTManager creates a manager for the given signing key. expiry bounds
// issued tokens; validation accepts any unexpired token with our issuer.
func NewJWTManager(signingKey string, expiry time.Duration) *JWTManager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTManager{
		signingKey: []byte(signingKey),
		expiry:     expiry,
	}
}

// Issue mints a signed token for the identity.
func (j *JWTManager) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AuthID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Name:  id.Name,
		Email: id.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token, returning the caller identity.
func (j *JWTManager) Validate(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("invalid token issuer")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return &Identity{
		AuthID: claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
	}, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}
	return authHeader[7:], nil
}
