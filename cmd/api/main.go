package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/config"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/credential"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/httpapi"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/jwks"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/linking"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/obs"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/prover"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/ratelimit"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/salt"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/telegram"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/token"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/wallet"
)

var version = "0.3.0"

func main() {
	obs.Init()

	cfg, err := config.Load(os.Getenv("CAISHEN_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	for _, w := range warnings {
		log.Printf("WARNING: %s", w)
	}

	// Credential store. Postgres is the default; the volatile in-memory
	// store must be selected explicitly and Validate has already warned.
	var (
		db    *sql.DB
		store credential.Store
	)
	switch cfg.CredentialStore {
	case config.StorePostgres:
		db, err = credential.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		key, err := cfg.SaltEncryptionKey()
		if err != nil {
			log.Fatalf("salt encryption key: %v", err)
		}
		sealer, err := credential.NewSealer(key)
		if err != nil {
			log.Fatalf("salt sealer: %v", err)
		}
		store = credential.NewPostgres(db, sealer)
	case config.StoreMemory:
		store = credential.NewMemory()
	}

	// Token validation.
	keys := jwks.New(cfg.JWKSURL, cfg.JWKSTTL)
	var validatorOpts []token.Option
	if cfg.SkipJWTSignature {
		validatorOpts = append(validatorOpts, token.WithSkipSignature())
	}
	validator := token.New(keys, cfg.IssuerAllowlist, cfg.AudienceAllowlist, cfg.ClockSkew, validatorOpts...)

	// Salt service, optionally fronted by a remote authority.
	var authority *salt.Authority
	if cfg.SaltAuthorityURL != "" {
		authority = salt.NewAuthority(cfg.SaltAuthorityURL, cfg.SaltAuthorityTimeout)
	}
	salts, err := salt.New(store, cfg.SaltMasterSecret, authority)
	if err != nil {
		log.Fatalf("salt service: %v", err)
	}

	// Proof proxy with fixed-window limiters on three dimensions.
	global := ratelimit.New(cfg.RateWindow, cfg.RateGlobalCeiling)
	perIP := ratelimit.New(cfg.RateWindow, cfg.RateIPCeiling)
	perTenant := ratelimit.New(cfg.RateWindow, cfg.RateTenantCeiling)
	janitor := ratelimit.NewJanitor(cfg.RateCleanupEvery, global, perIP, perTenant)
	proofs := prover.New(cfg.ProverURL, cfg.ProverTimeout, global, perIP, perTenant)

	binder := wallet.NewBinder(validator, store)

	// Telegram linking workflow.
	verifier := telegram.NewVerifier(cfg.TelegramBotToken)
	sessions := linking.NewMachine(verifier, store, cfg.SessionTTL, cfg.SessionCompletedGrace,
		linking.WithDefaults(firstOrEmpty(cfg.IssuerAllowlist), firstOrEmpty(cfg.AudienceAllowlist)))
	cleaner := linking.NewCleaner(sessions, cfg.SessionCleanupEvery)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, validator, salts, proofs, binder, sessions)
	api.SetEdgeRate(cfg.HTTPRateBurst, cfg.HTTPRatePerSec)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting caishen-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	api.Close()
	janitor.Stop()
	cleaner.Stop()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func firstOrEmpty(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}
