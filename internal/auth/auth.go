// Package auth guards the dashboard with a single operator account and
// HMAC-signed bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Options configure an Authenticator.
type Options struct {
	Enabled  bool
	Username string
	Password string // plaintext, or an existing bcrypt hash
	Secret   string // empty generates a per-process secret
	Expiry   time.Duration
}

// Authenticator checks the operator's credentials and issues tokens.
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	tokens       *JWTManager
}

// NewAuthenticator hashes the configured password once at startup.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	a := &Authenticator{enabled: opts.Enabled, username: opts.Username}
	if a.username == "" {
		a.username = "admin"
	}

	tokens, err := NewJWTManager(opts.Secret, opts.Expiry)
	if err != nil {
		return nil, err
	}
	a.tokens = tokens

	if !opts.Enabled {
		return a, nil
	}
	if opts.Password == "" {
		return nil, errors.New("auth enabled without a password")
	}
	if isBcryptHash(opts.Password) {
		a.passwordHash = []byte(opts.Password)
		return a, nil
	}
	hash, err := HashPassword(opts.Password)
	if err != nil {
		return nil, err
	}
	a.passwordHash = []byte(hash)
	return a, nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a token with its expiry.
func (a *Authenticator) Authenticate(username, password string) (string, time.Time, error) {
	if !a.enabled {
		return "", time.Time{}, ErrAuthDisabled
	}
	if username != a.username {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.tokens.GenerateToken(username)
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.ValidateToken(token)
}

// HashPassword creates a bcrypt hash of a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && strings.HasPrefix(s, "$2")
}
