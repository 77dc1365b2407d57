// Package token validates Google-issued identity tokens against the cached
// key set. Every gate is ordered so the cheapest checks fail first and no
// upstream work is spent on a request that cannot succeed.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/jwks"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/obs"
)

// Sentinel errors by failure class. The wrapped message carries the
// human-readable reason returned to callers.
var (
	ErrMalformed = errors.New("token is malformed")
	ErrRejected  = errors.New("token rejected")
	ErrUpstream  = errors.New("signing key fetch failed")
)

// The only signing algorithm accepted for Google identity tokens.
const acceptedAlg = "RS256"

// Claims is the decoded identity payload after all gates have passed.
type Claims struct {
	Issuer   string
	Subject  string
	Audience []string
	// MatchedAudience is the entry that passed the allow-list. Credentials
	// key on it, never on an un-vetted list position.
	MatchedAudience string
	Email           string
	Nonce           string
	IssuedAt        time.Time
	Expiry          time.Time
}

// PrimaryAudience returns the allow-list-matched audience, the one
// credentials are keyed on.
func (c *Claims) PrimaryAudience() string {
	if c.MatchedAudience != "" {
		return c.MatchedAudience
	}
	if len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

// Validator checks structure, signature and claims of identity tokens.
type Validator struct {
	keys          *jwks.Cache
	issuers       map[string]struct{}
	audiences     map[string]struct{}
	clockSkew     time.Duration
	skipSignature bool
	now           func() time.Time
}

// Option configures the Validator.
type Option func(*Validator)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Validator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithSkipSignature disables cryptographic verification. Local and test
// deployments only; Validate still runs every structural and claim gate.
func WithSkipSignature() Option {
	return func(v *Validator) { v.skipSignature = true }
}

// New creates a Validator with issuer and audience allow-lists.
func New(keys *jwks.Cache, issuers, audiences []string, clockSkew time.Duration, opts ...Option) *Validator {
	v := &Validator{
		keys:      keys,
		issuers:   toSet(issuers),
		audiences: toSet(audiences),
		clockSkew: clockSkew,
		now:       time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs every gate in order and returns the verified claims.
// Any returned error wraps one of the package sentinels so the HTTP layer
// can map the class without parsing messages.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return v.fail("empty", fmt.Errorf("%w: empty token", ErrMalformed))
	}

	header, err := decodeHeader(raw)
	if err != nil {
		return v.fail("malformed", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if header.Alg != acceptedAlg {
		return v.fail("algorithm", fmt.Errorf("%w: algorithm %q is not accepted, want %s", ErrRejected, header.Alg, acceptedAlg))
	}
	if header.Kid == "" {
		return v.fail("malformed", fmt.Errorf("%w: header is missing kid", ErrMalformed))
	}

	var parsed *jwt.Token
	if v.skipSignature {
		parsed, _, err = jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			return v.fail("malformed", fmt.Errorf("%w: %v", ErrMalformed, err))
		}
	} else {
		key, err := v.keys.Key(ctx, header.Kid)
		if err != nil {
			if errors.Is(err, jwks.ErrKeyNotFound) {
				return v.fail("key_not_found", fmt.Errorf("%w: signing key not found for kid %q", ErrRejected, header.Kid))
			}
			return v.fail("jwks_unavailable", fmt.Errorf("%w: %v", ErrUpstream, err))
		}
		parsed, err = jwt.NewParser(
			jwt.WithValidMethods([]string{acceptedAlg}),
			jwt.WithoutClaimsValidation(), // claim gates below produce distinct reasons
		).Parse(raw, func(*jwt.Token) (any, error) { return key, nil })
		if err != nil {
			return v.fail("signature", fmt.Errorf("%w: signature verification failed", ErrRejected))
		}
	}

	claims, err := v.checkClaims(parsed)
	if err != nil {
		return v.fail("claims", err)
	}

	obs.TokenValidations.WithLabelValues("ok").Inc()
	return claims, nil
}

func (v *Validator) fail(outcome string, err error) (*Claims, error) {
	obs.TokenValidations.WithLabelValues(outcome).Inc()
	return nil, err
}

func (v *Validator) checkClaims(parsed *jwt.Token) (*Claims, error) {
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims payload", ErrMalformed)
	}

	issuer, _ := mapClaims.GetIssuer()
	if _, ok := v.issuers[issuer]; !ok {
		return nil, fmt.Errorf("%w: issuer %q is not allowed", ErrRejected, issuer)
	}

	audience, _ := mapClaims.GetAudience()
	matched := ""
	for _, aud := range audience {
		if _, ok := v.audiences[aud]; ok {
			matched = aud
			break
		}
	}
	if matched == "" {
		return nil, fmt.Errorf("%w: audience is not allowed", ErrRejected)
	}

	subject, _ := mapClaims.GetSubject()
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: subject is missing", ErrRejected)
	}

	now := v.now().UTC()
	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: expiry is missing", ErrRejected)
	}
	if now.After(exp.Time.Add(v.clockSkew)) {
		return nil, fmt.Errorf("%w: token expired at %s", ErrRejected, exp.Time.UTC().Format(time.RFC3339))
	}

	iat, err := mapClaims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("%w: issued-at is missing", ErrRejected)
	}
	if iat.Time.After(now.Add(v.clockSkew)) {
		return nil, fmt.Errorf("%w: token issued in the future", ErrRejected)
	}

	email, _ := mapClaims["email"].(string)
	nonce, _ := mapClaims["nonce"].(string)

	return &Claims{
		Issuer:          issuer,
		Subject:         subject,
		Audience:        append([]string(nil), audience...),
		MatchedAudience: matched,
		Email:           email,
		Nonce:           nonce,
		IssuedAt:        iat.Time.UTC(),
		Expiry:          exp.Time.UTC(),
	}, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// decodeHeader inspects the JOSE header before any library parsing so the
// algorithm and kid gates report precise reasons.
func decodeHeader(raw string) (tokenHeader, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenHeader{}, errors.New("token must have three segments")
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenHeader{}, fmt.Errorf("decode header: %w", err)
	}
	var h tokenHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return tokenHeader{}, fmt.Errorf("parse header: %w", err)
	}
	return h, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}
