package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/jwks"
)

const (
	testIssuer   = "https://accounts.google.com"
	testAudience = "client-id.apps.googleusercontent.com"
	testKid      = "test-kid"
)

type fixture struct {
	priv      *rsa.PrivateKey
	validator *Validator
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": testKid,
				"n":   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(srv.Close)

	now := time.Unix(1_700_000_000, 0)
	v := New(
		jwks.New(srv.URL, time.Hour),
		[]string{testIssuer},
		[]string{testAudience},
		2*time.Minute,
		WithClock(func() time.Time { return now }),
	)
	return &fixture{priv: priv, validator: v, now: now}
}

func (f *fixture) sign(t *testing.T, mutate func(claims jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "subject-1",
		"iat": f.now.Add(-time.Minute).Unix(),
		"exp": f.now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKid
	raw, err := tok.SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestValidateAccepts(t *testing.T) {
	f := newFixture(t)
	claims, err := f.validator.Validate(context.Background(), f.sign(t, nil))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Issuer != testIssuer || claims.Subject != "subject-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.PrimaryAudience() != testAudience {
		t.Fatalf("primary audience = %q", claims.PrimaryAudience())
	}
}

func TestValidateMatchedAudienceNotFirst(t *testing.T) {
	f := newFixture(t)
	// The allowed audience sits second in the list; the credential key must
	// still be the vetted entry, not whatever happens to be first.
	raw := f.sign(t, func(c jwt.MapClaims) {
		c["aud"] = []string{"other-client", testAudience}
	})
	claims, err := f.validator.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.MatchedAudience != testAudience {
		t.Fatalf("matched audience = %q", claims.MatchedAudience)
	}
	if claims.PrimaryAudience() != testAudience {
		t.Fatalf("primary audience = %q", claims.PrimaryAudience())
	}
}

func TestValidateRejections(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name     string
		raw      string
		sentinel error
		reason   string
	}{
		{
			name:     "expired",
			raw:      f.sign(t, func(c jwt.MapClaims) { c["exp"] = f.now.Add(-time.Hour).Unix() }),
			sentinel: ErrRejected,
			reason:   "expired",
		},
		{
			name:     "wrong issuer",
			raw:      f.sign(t, func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }),
			sentinel: ErrRejected,
			reason:   "issuer",
		},
		{
			name:     "wrong audience",
			raw:      f.sign(t, func(c jwt.MapClaims) { c["aud"] = "other-client" }),
			sentinel: ErrRejected,
			reason:   "audience",
		},
		{
			name:     "missing subject",
			raw:      f.sign(t, func(c jwt.MapClaims) { delete(c, "sub") }),
			sentinel: ErrRejected,
			reason:   "subject",
		},
		{
			name:     "issued in the future",
			raw:      f.sign(t, func(c jwt.MapClaims) { c["iat"] = f.now.Add(time.Hour).Unix() }),
			sentinel: ErrRejected,
			reason:   "future",
		},
		{
			name:     "empty",
			raw:      "",
			sentinel: ErrMalformed,
			reason:   "empty",
		},
		{
			name:     "garbage",
			raw:      "not.a.token",
			sentinel: ErrMalformed,
			reason:   "header",
		},
		{
			name:     "two segments",
			raw:      "one.two",
			sentinel: ErrMalformed,
			reason:   "segments",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.validator.Validate(context.Background(), tc.raw)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !errors.Is(err, tc.sentinel) {
				t.Fatalf("error class = %v, want %v", err, tc.sentinel)
			}
			if !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("reason %q not in error %q", tc.reason, err.Error())
			}
		})
	}
}

func TestValidateRejectsWrongAlgorithm(t *testing.T) {
	f := newFixture(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "subject-1",
		"iat": f.now.Add(-time.Minute).Unix(),
		"exp": f.now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = testKid
	raw, err := tok.SignedString([]byte("hmac-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = f.validator.Validate(context.Background(), raw)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error class = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "algorithm") {
		t.Fatalf("expected algorithm rejection, got %q", err.Error())
	}
}

func TestValidateRejectsUnknownKid(t *testing.T) {
	f := newFixture(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "subject-1",
		"iat": f.now.Add(-time.Minute).Unix(),
		"exp": f.now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "rotated-away"
	raw, err := tok.SignedString(other)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = f.validator.Validate(context.Background(), raw)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error class = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "signing key not found") {
		t.Fatalf("expected key-not-found rejection, got %q", err.Error())
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	f := newFixture(t)
	raw := f.sign(t, nil)
	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString([]byte("forged"))

	_, err := f.validator.Validate(context.Background(), tampered)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error class = %v, want ErrRejected", err)
	}
}

func TestValidateJWKSOutageIsUpstream(t *testing.T) {
	f := newFixture(t)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	v := New(jwks.New(down.URL, time.Hour), []string{testIssuer}, []string{testAudience}, 2*time.Minute,
		WithClock(func() time.Time { return f.now }))

	_, err := v.Validate(context.Background(), f.sign(t, nil))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("error class = %v, want ErrUpstream", err)
	}
}

func TestValidateClockSkew(t *testing.T) {
	f := newFixture(t)
	// Expired one minute ago but inside the two-minute skew allowance.
	raw := f.sign(t, func(c jwt.MapClaims) { c["exp"] = f.now.Add(-time.Minute).Unix() })
	if _, err := f.validator.Validate(context.Background(), raw); err != nil {
		t.Fatalf("token inside skew allowance rejected: %v", err)
	}
}
