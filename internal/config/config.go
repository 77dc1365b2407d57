// Package config loads service configuration from an optional YAML file with
// environment-variable overrides. Env always wins so deployments can keep a
// checked-in base file and inject secrets separately.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backend selectors for the credential store.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config carries every knob the service consumes.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`

	// Credential persistence.
	PGDSN           string `yaml:"pgDSN"`
	CredentialStore string `yaml:"credentialStore"`

	// Identity validation.
	IssuerAllowlist   []string      `yaml:"issuerAllowlist"`
	AudienceAllowlist []string      `yaml:"audienceAllowlist"`
	JWKSURL           string        `yaml:"jwksURL"`
	JWKSTTL           time.Duration `yaml:"jwksTTL"`
	ClockSkew         time.Duration `yaml:"clockSkew"`
	SkipJWTSignature  bool          `yaml:"skipJWTSignature"`

	// Salt derivation.
	SaltMasterSecret     string        `yaml:"saltMasterSecret"`
	SaltEncryptionKeyHex string        `yaml:"saltEncryptionKey"`
	SaltAuthorityURL     string        `yaml:"saltAuthorityURL"`
	SaltAuthorityTimeout time.Duration `yaml:"saltAuthorityTimeout"`

	// External proof generator.
	ProverURL     string        `yaml:"proverURL"`
	ProverTimeout time.Duration `yaml:"proverTimeout"`

	// Sliding-window rate limits for proof generation.
	RateWindow        time.Duration `yaml:"rateWindow"`
	RateGlobalCeiling int           `yaml:"rateGlobalCeiling"`
	RateIPCeiling     int           `yaml:"rateIPCeiling"`
	RateTenantCeiling int           `yaml:"rateTenantCeiling"`
	RateCleanupEvery  time.Duration `yaml:"rateCleanupEvery"`

	// Edge HTTP limiter (per client IP, token bucket).
	HTTPRateBurst  int `yaml:"httpRateBurst"`
	HTTPRatePerSec int `yaml:"httpRatePerSec"`

	// Linking sessions.
	TelegramBotToken      string        `yaml:"telegramBotToken"`
	SessionTTL            time.Duration `yaml:"sessionTTL"`
	SessionCompletedGrace time.Duration `yaml:"sessionCompletedGrace"`
	SessionCleanupEvery   time.Duration `yaml:"sessionCleanupEvery"`
}

// Default returns the baseline configuration for a Google zkLogin deployment.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		CredentialStore: StorePostgres,
		IssuerAllowlist: []string{
			"https://accounts.google.com",
			"accounts.google.com",
		},
		JWKSURL:   "https://www.googleapis.com/oauth2/v3/certs",
		JWKSTTL:   time.Hour,
		ClockSkew: 2 * time.Minute,

		SaltAuthorityTimeout: 10 * time.Second,

		ProverURL:     "https://prover-dev.mystenlabs.com/v1",
		ProverTimeout: 30 * time.Second,

		RateWindow:        time.Minute,
		RateGlobalCeiling: 1000,
		RateIPCeiling:     30,
		// Tenant ceiling stays below the IP ceiling: one Telegram account
		// behind many IPs must not out-spend a single IP.
		RateTenantCeiling: 10,
		RateCleanupEvery:  time.Minute,

		HTTPRateBurst:  40,
		HTTPRatePerSec: 20,

		SessionTTL:            15 * time.Minute,
		SessionCompletedGrace: time.Minute,
		SessionCleanupEvery:   time.Minute,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// CAISHEN_CONFIG, or configs/config.yaml if present), then env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 3)
	if path != "" {
		candidates = append(candidates, path)
	}
	if p := envString("CAISHEN_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, "configs/config.yaml")

	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if path != "" && p == path {
				return Config{}, fmt.Errorf("read config %s: %w", p, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "CAISHEN_LISTEN_ADDR")
	setString(&cfg.PGDSN, "CAISHEN_PG_DSN")
	setString(&cfg.CredentialStore, "CAISHEN_CREDENTIAL_STORE")

	setCSV(&cfg.IssuerAllowlist, "CAISHEN_ISSUER_ALLOWLIST")
	setCSV(&cfg.AudienceAllowlist, "CAISHEN_AUDIENCE_ALLOWLIST")
	setString(&cfg.JWKSURL, "CAISHEN_JWKS_URL")
	setDuration(&cfg.JWKSTTL, "CAISHEN_JWKS_TTL")
	setDuration(&cfg.ClockSkew, "CAISHEN_CLOCK_SKEW")
	setBool(&cfg.SkipJWTSignature, "CAISHEN_SKIP_JWT_SIGNATURE")

	setString(&cfg.SaltMasterSecret, "CAISHEN_SALT_MASTER_SECRET")
	setString(&cfg.SaltEncryptionKeyHex, "CAISHEN_SALT_ENCRYPTION_KEY")
	setString(&cfg.SaltAuthorityURL, "CAISHEN_SALT_AUTHORITY_URL")
	setDuration(&cfg.SaltAuthorityTimeout, "CAISHEN_SALT_AUTHORITY_TIMEOUT")

	setString(&cfg.ProverURL, "CAISHEN_PROVER_URL")
	setDuration(&cfg.ProverTimeout, "CAISHEN_PROVER_TIMEOUT")

	setDuration(&cfg.RateWindow, "CAISHEN_RATE_WINDOW")
	setInt(&cfg.RateGlobalCeiling, "CAISHEN_RATE_GLOBAL_CEILING")
	setInt(&cfg.RateIPCeiling, "CAISHEN_RATE_IP_CEILING")
	setInt(&cfg.RateTenantCeiling, "CAISHEN_RATE_TENANT_CEILING")

	setInt(&cfg.HTTPRateBurst, "CAISHEN_HTTP_RATE_BURST")
	setInt(&cfg.HTTPRatePerSec, "CAISHEN_HTTP_RATE_PER_SEC")

	setString(&cfg.TelegramBotToken, "CAISHEN_TELEGRAM_BOT_TOKEN")
	setDuration(&cfg.SessionTTL, "CAISHEN_SESSION_TTL")
	setDuration(&cfg.SessionCompletedGrace, "CAISHEN_SESSION_COMPLETED_GRACE")
}

// SaltEncryptionKey decodes the hex-encoded salt sealing key.
func (c Config) SaltEncryptionKey() ([]byte, error) {
	raw := strings.TrimSpace(c.SaltEncryptionKeyHex)
	if raw == "" {
		return nil, errors.New("salt encryption key is not configured")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("salt encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("salt encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate rejects configurations that cannot serve production traffic.
// The in-memory credential store and signature skipping are permitted only
// as explicit opt-ins, and both are reported so the caller can log them.
func (c Config) Validate() ([]string, error) {
	var warnings []string

	switch c.CredentialStore {
	case StorePostgres:
		if strings.TrimSpace(c.PGDSN) == "" {
			return nil, errors.New("config: postgres credential store selected but CAISHEN_PG_DSN is empty (set CAISHEN_CREDENTIAL_STORE=memory to opt in to the volatile store)")
		}
		if _, err := c.SaltEncryptionKey(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	case StoreMemory:
		warnings = append(warnings, "credential store is in-memory and unencrypted: credentials are lost on restart and salts are held in plaintext")
	default:
		return nil, fmt.Errorf("config: unknown credential store %q", c.CredentialStore)
	}

	if strings.TrimSpace(c.SaltMasterSecret) == "" && strings.TrimSpace(c.SaltAuthorityURL) == "" {
		return nil, errors.New("config: either CAISHEN_SALT_MASTER_SECRET or CAISHEN_SALT_AUTHORITY_URL must be set")
	}
	if len(c.AudienceAllowlist) == 0 {
		return nil, errors.New("config: CAISHEN_AUDIENCE_ALLOWLIST is required")
	}
	if strings.TrimSpace(c.TelegramBotToken) == "" {
		return nil, errors.New("config: CAISHEN_TELEGRAM_BOT_TOKEN is required")
	}
	if c.SkipJWTSignature {
		warnings = append(warnings, "JWT signature verification is DISABLED: tokens are accepted on claims alone")
	}
	if c.RateTenantCeiling > c.RateIPCeiling {
		warnings = append(warnings, "tenant rate ceiling exceeds IP ceiling; tenant limit is expected to be the stricter of the two")
	}
	return warnings, nil
}

// Env helpers.

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if v := envString(key); v != "" {
		*dst = v
	}
}

func setCSV(dst *[]string, key string) {
	raw := envString(key)
	if raw == "" {
		return
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func setInt(dst *int, key string) {
	raw := envString(key)
	if raw == "" {
		return
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err == nil {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	switch strings.ToLower(envString(key)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func setDuration(dst *time.Duration, key string) {
	raw := envString(key)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		*dst = d
	}
}
