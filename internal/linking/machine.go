package linking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/audit"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/credential"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/ids"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/telegram"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/wallet"
)

var (
	// ErrNotFound covers unknown tokens and expired sessions alike; a
	// caller cannot distinguish the two.
	ErrNotFound = errors.New("linking: session not found")
	// ErrAccountMismatch means the confirmation signature verified but was
	// issued for a different account than the session owner.
	ErrAccountMismatch = errors.New("linking: account does not match session owner")
	// ErrInvalidWallet covers bad address format, unknown wallet kind and
	// missing salt material.
	ErrInvalidWallet = errors.New("linking: invalid wallet")
)

// AccountVerifier proves a confirmation payload was issued by the messaging
// platform and returns the account id it was issued for.
type AccountVerifier interface {
	Verify(payload telegram.AuthPayload) (string, error)
}

// Machine owns the linking-session table. Sessions live in process memory
// (they are ephemeral by design); each session carries its own lock so
// unrelated tenants never serialize on each other.
type Machine struct {
	verifier AccountVerifier
	creds    credential.Store

	ttl   time.Duration
	grace time.Duration
	now   func() time.Time

	// Defaults for zklogin credential persistence when the dapp omits the
	// issuer/audience of the identity the salt came from.
	defaultIssuer   string
	defaultAudience string

	byToken  sync.Map // token → *entry
	byTenant sync.Map // tenant id → token
}

type entry struct {
	mu      sync.Mutex
	session Session
}

// Option configures the Machine.
type Option func(*Machine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Machine) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithDefaults sets the issuer/audience recorded for zklogin credentials
// when the attach request does not name them.
func WithDefaults(issuer, audience string) Option {
	return func(m *Machine) {
		m.defaultIssuer = issuer
		m.defaultAudience = audience
	}
}

// NewMachine builds the session machine.
func NewMachine(verifier AccountVerifier, creds credential.Store, ttl, grace time.Duration, opts ...Option) *Machine {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if grace <= 0 {
		grace = time.Minute
	}
	m := &Machine{
		verifier: verifier,
		creds:    creds,
		ttl:      ttl,
		grace:    grace,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create starts a new session for the tenant, invalidating any existing one.
// One active session per tenant is an invariant, not a convenience: a stale
// link must not remain confirmable after the user restarts the flow.
func (m *Machine) Create(ctx context.Context, tenantID string, hints ProfileHints) (*Session, error) {
	if tenantID == "" {
		return nil, errors.New("linking: tenant id is required")
	}
	token, err := ids.NewLinkToken()
	if err != nil {
		return nil, fmt.Errorf("linking: generate token: %w", err)
	}

	now := m.now().UTC()
	e := &entry{session: Session{
		Token:     token,
		TenantID:  tenantID,
		Username:  hints.Username,
		FirstName: hints.FirstName,
		State:     StatePendingWallet,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}}
	m.byToken.Store(token, e)

	if prev, loaded := m.byTenant.Swap(tenantID, token); loaded {
		m.byToken.Delete(prev.(string))
	}

	out := e.session
	return &out, nil
}

// Get returns the session for token. Expired sessions and completed sessions
// past their grace window are treated as absent and reaped on sight.
func (m *Machine) Get(ctx context.Context, token string) (*Session, error) {
	e, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m.gone(&e.session) {
		m.remove(&e.session)
		return nil, ErrNotFound
	}
	out := e.session
	return &out, nil
}

// AttachRequest carries the wallet details from the web dapp.
type AttachRequest struct {
	Address      string
	Kind         WalletKind
	SaltMaterial *SaltMaterial // required for zklogin wallets
}

// AttachWallet records the wallet on a pending_wallet session and advances it
// to pending_telegram_confirm. For zklogin wallets the credential is
// persisted first, so a crash between the two steps can never leave a
// confirmed binding without its salt.
func (m *Machine) AttachWallet(ctx context.Context, token string, req AttachRequest) (*Session, error) {
	if !wallet.ValidFormat(req.Address) {
		return nil, fmt.Errorf("%w: malformed address", ErrInvalidWallet)
	}
	if !ValidWalletKind(req.Kind) {
		return nil, fmt.Errorf("%w: unknown wallet kind %q", ErrInvalidWallet, req.Kind)
	}
	if req.Kind == WalletKindZkLogin {
		if req.SaltMaterial == nil || req.SaltMaterial.Salt == "" || req.SaltMaterial.Subject == "" {
			return nil, fmt.Errorf("%w: zklogin wallet requires salt material", ErrInvalidWallet)
		}
	}

	e, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.gone(&e.session) {
		m.remove(&e.session)
		return nil, ErrNotFound
	}
	if e.session.State != StatePendingWallet {
		return nil, &TransitionError{From: e.session.State, Action: "attach_wallet"}
	}

	if req.Kind == WalletKindZkLogin {
		issuer := req.SaltMaterial.Issuer
		if issuer == "" {
			issuer = m.defaultIssuer
		}
		audience := req.SaltMaterial.Audience
		if audience == "" {
			audience = m.defaultAudience
		}
		if _, err := m.creds.Save(ctx, &credential.Credential{
			TenantID:  e.session.TenantID,
			Issuer:    issuer,
			Subject:   req.SaltMaterial.Subject,
			Audience:  audience,
			Salt:      req.SaltMaterial.Salt,
			Address:   req.Address,
			ClaimName: credential.DefaultClaimName,
		}); err != nil {
			return nil, fmt.Errorf("linking: persist credential: %w", err)
		}
		e.session.Salt = req.SaltMaterial.Salt
		e.session.Subject = req.SaltMaterial.Subject
	}

	e.session.Wallet = req.Address
	e.session.WalletKind = req.Kind
	e.session.State = StatePendingTelegramConfirm
	out := e.session
	return &out, nil
}

// ConfirmAccount verifies the Telegram payload and completes the session.
// The verified account id must equal the tenant that created the session: a
// valid signature for any other account is rejected outright, because that
// is precisely the account-takeover shape this step exists to stop.
func (m *Machine) ConfirmAccount(ctx context.Context, token string, payload telegram.AuthPayload) (*Session, error) {
	e, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.gone(&e.session) {
		m.remove(&e.session)
		return nil, ErrNotFound
	}
	if e.session.State != StatePendingTelegramConfirm {
		return nil, &TransitionError{From: e.session.State, Action: "confirm_account"}
	}

	verifiedID, err := m.verifier.Verify(payload)
	if err != nil {
		return nil, err
	}
	if verifiedID != e.session.TenantID {
		_ = audit.LogEvent(ctx, "linking.account_mismatch", map[string]any{
			"session_tenant": e.session.TenantID,
			"verified_id":    verifiedID,
		})
		return nil, ErrAccountMismatch
	}

	e.session.State = StateCompleted
	e.session.CompletedAt = m.now().UTC()
	out := e.session
	return &out, nil
}

func (m *Machine) lookup(token string) (*entry, error) {
	v, ok := m.byToken.Load(token)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*entry), nil
}

// gone reports whether the session should be treated as absent. Caller holds
// the entry lock.
func (m *Machine) gone(s *Session) bool {
	now := m.now()
	if s.State == StateCompleted {
		return now.After(s.CompletedAt.Add(m.grace))
	}
	return now.After(s.ExpiresAt)
}

// remove deletes the session from both indexes. Caller holds the entry lock.
func (m *Machine) remove(s *Session) {
	m.byToken.Delete(s.Token)
	if v, ok := m.byTenant.Load(s.TenantID); ok && v.(string) == s.Token {
		m.byTenant.Delete(s.TenantID)
	}
}

// Sweep reaps expired sessions and completed sessions past grace. Called by
// the cleaner, never from a request path.
func (m *Machine) Sweep() {
	m.byToken.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if m.gone(&e.session) {
			m.remove(&e.session)
		}
		e.mu.Unlock()
		return true
	})
}

// Cleaner periodically sweeps the session table. Owned task: Stop halts the
// ticker and waits for the loop to exit.
type Cleaner struct {
	stop chan struct{}
	done chan struct{}
}

// NewCleaner starts the sweep loop.
func NewCleaner(m *Machine, every time.Duration) *Cleaner {
	if every <= 0 {
		every = time.Minute
	}
	c := &Cleaner{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
	return c
}

// Stop halts background sweeping.
func (c *Cleaner) Stop() {
	close(c.stop)
	<-c.done
}
