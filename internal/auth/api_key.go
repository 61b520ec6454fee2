package auth

import "crypto/subtle"

// APIKeyVerifier checks the credential against a single shared key. The
// comparison is constant-time. API keys carry no per-user identity, so the
// returned subject is empty.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if v.Expected == "" {
		return Identity{}, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Expected)) != 1 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{}, nil
}
