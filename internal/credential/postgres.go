package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/ids"
)

// Postgres implements Store on PostgreSQL. Every operation runs inside a
// transaction that first sets the transaction-local caishen.tenant_id
// attribute; the row-level-security policy on the credentials table uses it
// to scope access to the calling tenant. Salts are sealed before they are
// written and opened after they are read.
type Postgres struct {
	db     *sql.DB
	sealer *Sealer
	now    func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, sealer *Sealer) *Postgres {
	return &Postgres{db: db, sealer: sealer, now: time.Now}
}

// Open dials PostgreSQL with pool settings tuned for this service.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// SetClock overrides the time source (test use).
func (s *Postgres) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

const credentialColumns = `id, tenant_id, issuer, subject, audience, salt_ciphertext, salt_nonce, derived_address, key_claim_name, created_at, updated_at`

func (s *Postgres) Get(ctx context.Context, issuer, subject, audience, tenantID string) (*Credential, error) {
	var cred *Credential
	err := s.inTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			select `+credentialColumns+`
			from zklogin_credentials
			where issuer=$1 and subject=$2 and audience=$3`,
			issuer, subject, audience,
		)
		var err error
		cred, err = s.scan(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *Postgres) GetByTenant(ctx context.Context, tenantID string) (*Credential, error) {
	var cred *Credential
	err := s.inTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			select `+credentialColumns+`
			from zklogin_credentials
			where tenant_id=$1
			order by updated_at desc
			limit 1`,
			tenantID,
		)
		var err error
		cred, err = s.scan(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *Postgres) Save(ctx context.Context, cred *Credential) (*Credential, error) {
	ciphertext, nonce, err := s.sealer.Seal([]byte(cred.Salt))
	if err != nil {
		return nil, fmt.Errorf("seal salt: %w", err)
	}

	claimName := cred.ClaimName
	if claimName == "" {
		claimName = DefaultClaimName
	}
	id := cred.ID
	if id == "" {
		id = ids.New()
	}
	now := s.now().UTC()

	var saved *Credential
	err = s.inTenantTx(ctx, cred.TenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			insert into zklogin_credentials
				(id, tenant_id, issuer, subject, audience, salt_ciphertext, salt_nonce, derived_address, key_claim_name, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
			on conflict (issuer, subject, audience) do update set
				tenant_id       = excluded.tenant_id,
				salt_ciphertext = excluded.salt_ciphertext,
				salt_nonce      = excluded.salt_nonce,
				derived_address = excluded.derived_address,
				key_claim_name  = excluded.key_claim_name,
				updated_at      = excluded.updated_at
			returning `+credentialColumns,
			id, cred.TenantID, cred.Issuer, cred.Subject, cred.Audience,
			ciphertext, nonce, cred.Address, claimName, now,
		)
		var err error
		saved, err = s.scan(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// inTenantTx runs fn inside a transaction whose first statement binds the
// tenant attribute. Any failure rolls the whole transaction back.
func (s *Postgres) inTenantTx(ctx context.Context, tenantID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select set_config('caishen.tenant_id', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("set tenant context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Postgres) scan(row rowScanner) (*Credential, error) {
	var (
		cred       Credential
		ciphertext []byte
		nonce      []byte
	)
	err := row.Scan(
		&cred.ID, &cred.TenantID, &cred.Issuer, &cred.Subject, &cred.Audience,
		&ciphertext, &nonce, &cred.Address, &cred.ClaimName,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	salt, err := s.sealer.Open(ciphertext, nonce)
	if err != nil {
		return nil, err
	}
	cred.Salt = string(salt)
	return &cred, nil
}
