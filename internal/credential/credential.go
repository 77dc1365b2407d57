// Package credential persists the identity-to-wallet binding: for each
// verified (issuer, subject, audience) the deterministic salt and the wallet
// address derived from it, owned by one Telegram account.
package credential

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates no credential exists for the lookup key.
var ErrNotFound = errors.New("credential not found")

// DefaultClaimName is the token claim wallet addresses are derived from.
const DefaultClaimName = "sub"

// Credential is the persisted identity-to-wallet binding. At most one exists
// per (issuer, subject, audience); the salt is cryptographic material and is
// sealed before it touches durable storage.
type Credential struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	Audience  string    `json:"audience"`
	Salt      string    `json:"salt"` // non-negative integer, decimal encoding
	Address   string    `json:"address"`
	ClaimName string    `json:"claim_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract for credentials. Implementations must
// scope every read and write to the calling tenant and must never expose a
// partially applied save.
type Store interface {
	// Get returns the credential for the identity triple, or ErrNotFound.
	Get(ctx context.Context, issuer, subject, audience, tenantID string) (*Credential, error)
	// GetByTenant returns the tenant's most recently updated credential.
	GetByTenant(ctx context.Context, tenantID string) (*Credential, error)
	// Save inserts the credential or, on an (issuer, subject, audience)
	// conflict, overwrites tenant, salt, address and claim name.
	Save(ctx context.Context, cred *Credential) (*Credential, error)
}
