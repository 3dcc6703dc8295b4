package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors for the dev issuer and identity lookup.
var (
	ErrNoIdentity       = errors.New("auth: no identity in context")
	ErrDevLoginDisabled = errors.New("auth: dev login disabled")
	ErrBadCredentials   = errors.New("auth: bad credentials")
)

// DevIssuer mints tokens for local development, gated by a shared password.
// The bcrypt hash comes from configuration; with no hash configured the
// issuer refuses everything.
type DevIssuer struct {
	jwt          *JWTManager
	passwordHash []byte
}

// NewDevIssuer creates a dev token issuer. passwordHash is a bcrypt hash of
// the shared dev password; empty disables the issuer.
func NewDevIssuer(jwt *JWTManager, passwordHash string) *DevIssuer {
	return &DevIssuer{
		jwt:          jwt,
		passwordHash: []byte(passwordHash),
	}
}

// Enabled reports whether the issuer has a password configured.
func (d *DevIssuer) Enabled() bool { return len(d.passwordHash) > 0 }

// Issue verifies the shared password and mints a token for the given
// profile. The auth id is derived from the email so repeat logins map to
// the same user row.
func (d *DevIssuer) Issue(name, email, password string) (string, error) {
	if !d.Enabled() {
		return "", ErrDevLoginDisabled
	}
	if err := bcrypt.CompareHashAndPassword(d.passwordHash, []byte(password)); err != nil {
		return "", ErrBadCredentials
	}

	token, err := d.jwt.Issue(Identity{
		AuthID: devAuthID(email),
		Name:   name,
		Email:  email,
	})
	if err != nil {
		return "", fmt.Errorf("failed to issue dev token: %w", err)
	}
	return token, nil
}

// devAuthID derives a stable auth id from an email address.
func devAuthID(email string) string {
	sum := sha256.Sum256([]byte(email))
	return "dev|" + hex.EncodeToString(sum[:])[:20]
}
