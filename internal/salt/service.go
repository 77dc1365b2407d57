// Package salt derives and persists the deterministic per-identity salt that
// anchors a user's wallet address. Determinism is the load-bearing property:
// the same (issuer, audience, subject, master secret) must always produce the
// same salt, or a user reconnecting would silently receive a new wallet.
package salt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/credential"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/token"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/wallet"
)

// saltBytes is the digest prefix interpreted as the salt integer. 16 bytes
// keeps the value within the 128-bit range the proving circuit accepts.
const saltBytes = 16

// Service returns the credential for a verified identity, creating it on
// first sight.
type Service struct {
	store     credential.Store
	master    []byte
	authority *Authority // optional external source of truth
}

// New creates a Service deriving locally from masterSecret. When authority is
// non-nil it replaces local derivation entirely.
func New(store credential.Store, masterSecret string, authority *Authority) (*Service, error) {
	if masterSecret == "" && authority == nil {
		return nil, errors.New("salt: either a master secret or an external authority is required")
	}
	return &Service{
		store:     store,
		master:    []byte(masterSecret),
		authority: authority,
	}, nil
}

// GetOrDerive returns the existing credential for the identity verbatim, or
// derives, persists and returns a new one. An existing credential is never
// re-derived: the stored salt wins even if derivation parameters have
// changed since, so the address stays stable for the life of the binding.
func (s *Service) GetOrDerive(ctx context.Context, claims *token.Claims, tenantID string) (*credential.Credential, error) {
	audience := claims.PrimaryAudience()

	existing, err := s.store.Get(ctx, claims.Issuer, claims.Subject, audience, tenantID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, credential.ErrNotFound) {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}

	var saltValue string
	if s.authority != nil {
		saltValue, err = s.authority.GetSalt(ctx, claims)
		if err != nil {
			return nil, err
		}
	} else {
		saltValue = Derive(s.master, claims.Issuer, audience, claims.Subject)
	}

	address, err := wallet.DeriveAddress(claims, saltValue, credential.DefaultClaimName)
	if err != nil {
		return nil, err
	}

	saved, err := s.store.Save(ctx, &credential.Credential{
		TenantID:  tenantID,
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		Audience:  audience,
		Salt:      saltValue,
		Address:   address,
		ClaimName: credential.DefaultClaimName,
	})
	if err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	return saved, nil
}

// Derive computes the deterministic salt:
// HMAC-SHA256(master, issuer:audience:subject), first 16 bytes of the digest
// read as a non-negative big-endian integer, encoded in decimal.
func Derive(master []byte, issuer, audience, subject string) string {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte(issuer))
	mac.Write([]byte(":"))
	mac.Write([]byte(audience))
	mac.Write([]byte(":"))
	mac.Write([]byte(subject))
	digest := mac.Sum(nil)
	return new(big.Int).SetBytes(digest[:saltBytes]).String()
}
