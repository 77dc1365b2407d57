// Package jwks caches the issuer's published signing keys (RFC 7517).
//
// Keys are fetched from the configured endpoint, parsed into rsa.PublicKey
// values and held as a snapshot with a TTL. An expired snapshot is refreshed
// on the next lookup; a kid that is missing from a fresh snapshot is a hard
// failure for the caller to surface.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// ErrKeyNotFound is returned by Key when the kid is absent from a fresh snapshot.
var ErrKeyNotFound = errors.New("jwks: key not found")

// Cache fetches and caches the remote key set.
type Cache struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// Option configures the Cache.
type Option func(*Cache)

// WithHTTPClient sets a custom HTTP client for key-set fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(k *Cache) { k.httpClient = c }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(k *Cache) {
		if fn != nil {
			k.now = fn
		}
	}
}

// New creates a key cache for the given JWKS endpoint.
func New(url string, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached key set, fetching when forced, empty, or expired.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) (map[string]*rsa.PublicKey, error) {
	c.mu.RLock()
	keys := c.keys
	expired := c.expiredLocked()
	c.mu.RUnlock()

	if !forceRefresh && len(keys) > 0 && !expired {
		return keys, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys, nil
}

// Key resolves a signing key by kid. A miss against the cached snapshot
// triggers exactly one forced refresh before failing, so issuer key rotation
// does not require a restart.
func (c *Cache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	keys, err := c.Get(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}

	keys, err = c.Get(ctx, true)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Expired reports whether the current snapshot is past its TTL.
func (c *Cache) Expired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiredLocked()
}

func (c *Cache) expiredLocked() bool {
	if c.fetchedAt.IsZero() {
		return true
	}
	return c.now().Sub(c.fetchedAt) > c.ttl
}

// refresh performs the network fetch outside any lock and swaps the snapshot
// in whole. An empty or malformed body never replaces a previous snapshot.
func (c *Cache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("jwks: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch returned status %d", resp.StatusCode)
	}

	var payload keySetResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue // skip malformed entries, the set may still be usable
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks: response contained no usable RSA signing keys")
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

type keySetResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *jwkKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
