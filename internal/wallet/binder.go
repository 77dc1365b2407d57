package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/audit"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/credential"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/token"
)

// Mismatch reasons reported by Verify.
const (
	ReasonNoCredential = "no_linked_credential"
	ReasonMismatch     = "address_mismatch"
)

// VerifyResult is the outcome of an address check. Matches=false is the
// signal that stops a spend from proceeding under a different identity than
// the one originally bound.
type VerifyResult struct {
	Matches        bool   `json:"matches"`
	LinkedAddress  string `json:"linked_address,omitempty"`
	DerivedAddress string `json:"derived_address"`
	Reason         string `json:"reason,omitempty"`
}

// Binder checks that a freshly authenticated identity still derives the
// wallet address on file for the tenant.
type Binder struct {
	validator *token.Validator
	store     credential.Store
}

// NewBinder wires the binder's collaborators.
func NewBinder(validator *token.Validator, store credential.Store) *Binder {
	return &Binder{validator: validator, store: store}
}

// Verify validates the token in full, derives the candidate address from the
// verified claims and the salt, and compares it against the tenant's linked
// credential. An empty salt or claimName falls back to the stored
// credential's values. The derivation subject is always the verified one; a
// caller cannot substitute a claim value of its choosing.
func (b *Binder) Verify(ctx context.Context, tenantID, rawToken, saltValue, claimName string) (*VerifyResult, error) {
	claims, err := b.validator.Validate(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	linked, err := b.store.GetByTenant(ctx, tenantID)
	if errors.Is(err, credential.ErrNotFound) {
		// No salt on file means there is nothing to compare against.
		return &VerifyResult{
			Matches: false,
			Reason:  ReasonNoCredential,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load linked credential: %w", err)
	}

	if saltValue == "" {
		saltValue = linked.Salt
	}
	if claimName == "" {
		claimName = linked.ClaimName
	}
	derived, err := DeriveAddress(claims, saltValue, claimName)
	if err != nil {
		return nil, err
	}

	if !Equal(linked.Address, derived) {
		_ = audit.LogEvent(ctx, "wallet.address_mismatch", map[string]any{
			"tenant_id":       tenantID,
			"issuer":          claims.Issuer,
			"linked_address":  linked.Address,
			"derived_address": derived,
		})
		return &VerifyResult{
			Matches:        false,
			LinkedAddress:  linked.Address,
			DerivedAddress: derived,
			Reason:         ReasonMismatch,
		}, nil
	}

	return &VerifyResult{
		Matches:        true,
		LinkedAddress:  linked.Address,
		DerivedAddress: derived,
	}, nil
}
