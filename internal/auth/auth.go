// Package auth verifies the per-connection credential presented when a client
// opens a signaling connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/duetchat/signaling-relay/internal/config"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Identity is the authenticated principal behind a connection. Subject is
// empty for auth modes that carry no per-user identity (none, api_key);
// ExpiresAt is zero for credentials without an expiry.
type Identity struct {
	Subject   string
	ExpiresAt time.Time
}

type Verifier interface {
	// Verify checks the credential and returns the identity it asserts.
	// Failures are reported via ErrMissingToken, ErrInvalidToken, or
	// ErrExpiredToken (wrapped or bare).
	Verify(token string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// NoneVerifier accepts every connection without a credential. Only permitted
// in dev mode.
type NoneVerifier struct{}

func (NoneVerifier) Verify(string) (Identity, error) {
	return Identity{}, nil
}

// TokenFromRequest extracts the connection credential from an upgrade
// request. The Authorization header takes precedence; browsers cannot set
// headers on WebSocket handshakes, so the ?token= and ?apiKey= query
// parameters are accepted as fallbacks.
func TokenFromRequest(r *http.Request) (string, error) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, token, found := strings.Cut(authz, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(token), nil
	}
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return token, nil
	}
	if key := query.Get("apiKey"); key != "" {
		return key, nil
	}
	return "", ErrMissingToken
}
