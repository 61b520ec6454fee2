package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	enc := base64.RawURLEncoding
	headerPart := enc.EncodeToString(headerJSON)
	payloadPart := enc.EncodeToString(payloadJSON)
	signingInput := headerPart + "." + payloadPart

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	signaturePart := enc.EncodeToString(mac.Sum(nil))

	return signingInput + "." + signaturePart
}

func testVerifier(secret string, now time.Time) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    func() time.Time { return now },
	}
}

func TestJWTVerifier_AcceptsValidHS256(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256", "typ": "JWT"}, map[string]any{
		"sub": "user-42",
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "user-42" {
		t.Fatalf("subject=%q, want %q", id.Subject, "user-42")
	}
	if want := now.Add(5 * time.Minute); !id.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt=%v, want %v", id.ExpiresAt, want)
	}
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "user-42",
		"exp": now.Add(-1 * time.Second).Unix(),
	})

	_, err := v.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err=%v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_RejectsTokenNotYetValid(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "user-42",
		"nbf": now.Add(10 * time.Second).Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	_, err := v.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err=%v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifier_RejectsAlgNone(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "none"}, map[string]any{
		"sub": "user-42",
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	_, err := v.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err=%v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifier_RejectsBadSignature(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	// Signed with a different secret.
	token := mustJWT(t, "wrong", map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "user-42",
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	_, err := v.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err=%v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifier_ExpiredBeatsForgedOnlyWhenSignatureValid(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	// Expired AND forged must report invalid, not expired, so a caller cannot
	// learn anything about claims inside a token it could not verify.
	token := mustJWT(t, "wrong", map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "user-42",
		"exp": now.Add(-1 * time.Minute).Unix(),
	})

	_, err := v.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err=%v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifier_RequiresSubject(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	for _, claims := range []map[string]any{
		{"exp": now.Add(5 * time.Minute).Unix()},
		{"sub": "", "exp": now.Add(5 * time.Minute).Unix()},
		{"sub": 7, "exp": now.Add(5 * time.Minute).Unix()},
	} {
		token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, claims)
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("claims=%v err=%v, want ErrInvalidToken", claims, err)
		}
	}
}

func TestJWTVerifier_RejectsMalformedTokens(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := testVerifier("secret", now)

	good := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "user-42",
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	cases := []string{
		"",
		"a.b",
		"a.b.c.d",
		good + ".",
		"!!!." + good,
	}
	for _, c := range cases {
		if _, err := v.Verify(c); err == nil {
			t.Fatalf("expected error for token %q", c)
		}
	}
}
