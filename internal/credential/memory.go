package credential

import (
	"context"
	"sync"
	"time"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/ids"
)

// Memory is a volatile, unencrypted Store for local runs and tests. It is
// never selected implicitly: cmd/api requires an explicit config opt-in and
// logs the downgrade at startup.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]*Credential // key: issuer|subject|audience
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID: make(map[string]*Credential),
		now:  time.Now,
	}
}

// SetClock overrides the time source (test use).
func (m *Memory) SetClock(fn func() time.Time) {
	if fn != nil {
		m.now = fn
	}
}

func tripleKey(issuer, subject, audience string) string {
	return issuer + "|" + subject + "|" + audience
}

func (m *Memory) Get(ctx context.Context, issuer, subject, audience, tenantID string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.byID[tripleKey(issuer, subject, audience)]
	if !ok || cred.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := *cred
	return &out, nil
}

func (m *Memory) GetByTenant(ctx context.Context, tenantID string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Credential
	for _, cred := range m.byID {
		if cred.TenantID != tenantID {
			continue
		}
		if latest == nil || cred.UpdatedAt.After(latest.UpdatedAt) {
			latest = cred
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *Memory) Save(ctx context.Context, cred *Credential) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	key := tripleKey(cred.Issuer, cred.Subject, cred.Audience)
	if existing, ok := m.byID[key]; ok {
		updated := *existing
		updated.TenantID = cred.TenantID
		updated.Salt = cred.Salt
		updated.Address = cred.Address
		updated.ClaimName = cred.ClaimName
		updated.UpdatedAt = now
		m.byID[key] = &updated
		out := updated
		return &out, nil
	}

	stored := *cred
	if stored.ID == "" {
		stored.ID = ids.New()
	}
	if stored.ClaimName == "" {
		stored.ClaimName = DefaultClaimName
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.byID[key] = &stored
	out := stored
	return &out, nil
}
