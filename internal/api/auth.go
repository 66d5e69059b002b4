package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/switchboard-ai/switchboard/internal/config"
)

// ErrUnauthorized is returned for missing or invalid bearer tokens.
var ErrUnauthorized = errors.New("unauthorized")

// TokenValidator checks a bearer token. The three implementations cover
// the static, jwt, and oidc auth modes.
type TokenValidator interface {
	Validate(token string) error
}

// NewTokenValidator builds the validator the config names. The context
// bounds the initial JWKS fetch in oidc mode.
func NewTokenValidator(ctx context.Context, cfg config.AuthConfig) (TokenValidator, error) {
	switch cfg.Mode {
	case "", "static":
		return staticValidator{token: []byte(cfg.Token)}, nil
	case "jwt":
		return jwtValidator{secret: []byte(cfg.JWTSecret)}, nil
	case "oidc":
		keys, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		return oidcValidator{keys: keys}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// staticValidator compares against one shared token in constant time.
type staticValidator struct {
	token []byte
}

func (v staticValidator) Validate(token string) error {
	if len(v.token) == 0 {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(v.token, []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// jwtValidator verifies HS256 tokens signed with a shared secret.
type jwtValidator struct {
	secret []byte
}

func (v jwtValidator) Validate(tokenStr string) error {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrUnauthorized
	}
	return nil
}

// oidcValidator verifies tokens against a remote JWKS.
type oidcValidator struct {
	keys keyfunc.Keyfunc
}

func (v oidcValidator) Validate(tokenStr string) error {
	token, err := jwt.Parse(tokenStr, v.keys.Keyfunc)
	if err != nil || !token.Valid {
		return ErrUnauthorized
	}
	return nil
}

// MintToken signs an HS256 bearer token for jwt auth mode. Used by the
// token CLI command.
func MintToken(secret, subject string, expiry time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
