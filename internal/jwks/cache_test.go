package jwks

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
	"sync/atomic"
	"testing"
	"time"
)

type keyServer struct {
	srv     *httptest.Server
	fetches atomic.Int64
	kids    atomic.Value // []string
	key     *rsa.PrivateKey
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks := &keyServer{key: priv}
	ks.kids.Store([]string{"key-1"})
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		var keys []map[string]string
		for _, kid := range ks.kids.Load().([]string) {
			keys = append(keys, map[string]string{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func TestGetCachesWithinTTL(t *testing.T) {
	ks := newKeyServer(t)
	now := time.Unix(1_700_000_000, 0)
	cache := New(ks.srv.URL, time.Hour, WithClock(func() time.Time { return now }))

	if _, err := cache.Get(context.Background(), false); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}

	// One second inside the TTL: the snapshot is still served.
	now = now.Add(time.Hour - time.Second)
	if _, err := cache.Get(context.Background(), false); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1 (cache should have served)", got)
	}

	// One second past the TTL: the next lookup refetches.
	now = now.Add(2 * time.Second)
	if _, err := cache.Get(context.Background(), false); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got := ks.fetches.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2 (TTL expired)", got)
	}
}

func TestKeyRotationTriggersSingleRefetch(t *testing.T) {
	ks := newKeyServer(t)
	cache := New(ks.srv.URL, time.Hour)

	if _, err := cache.Key(context.Background(), "key-1"); err != nil {
		t.Fatalf("known kid: %v", err)
	}
	before := ks.fetches.Load()

	// Rotate upstream; the unknown kid forces exactly one refetch.
	ks.kids.Store([]string{"key-2"})
	if _, err := cache.Key(context.Background(), "key-2"); err != nil {
		t.Fatalf("rotated kid: %v", err)
	}
	if got := ks.fetches.Load(); got != before+1 {
		t.Fatalf("fetches = %d, want %d", got, before+1)
	}
}

func TestKeyNotFoundAfterRefetch(t *testing.T) {
	ks := newKeyServer(t)
	cache := New(ks.srv.URL, time.Hour)

	_, err := cache.Key(context.Background(), "no-such-kid")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	// Initial fetch plus exactly one forced refetch, never a retry storm.
	if got := ks.fetches.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
}

func TestRefreshRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cache := New(srv.URL, time.Hour)
	if _, err := cache.Get(context.Background(), false); err == nil {
		t.Fatal("expected error for non-200 key set response")
	}
}

func TestRefreshRejectsEmptyKeySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{}})
	}))
	defer srv.Close()

	cache := New(srv.URL, time.Hour)
	if _, err := cache.Get(context.Background(), false); err == nil {
		t.Fatal("expected error for empty key set")
	}
}

func TestEmptyResponseKeepsPreviousSnapshot(t *testing.T) {
	ks := newKeyServer(t)
	cache := New(ks.srv.URL, time.Hour)

	keys, err := cache.Get(context.Background(), false)
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	if _, ok := keys["key-1"]; !ok {
		t.Fatal("key-1 missing from snapshot")
	}

	// A broken refresh must not wipe the cached keys.
	ks.kids.Store([]string{})
	if _, err := cache.Get(context.Background(), true); err == nil {
		t.Fatal("expected forced refresh against empty set to fail")
	}
	if _, err := cache.Key(context.Background(), "key-1"); err != nil {
		t.Fatalf("previous snapshot lost: %v", err)
	}
}
