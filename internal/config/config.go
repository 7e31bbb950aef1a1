// Package config holds OPERATOR-LEVEL configuration for a conmon installation.
//
// This is infrastructure config set by the DevOps/admin who deploys conmon,
// NOT assessment configuration. The boundary is:
//
//   - Operator config (this package): data directory, audit signing key,
//     secrets encryption key, listen address, rate limits, log settings.
//     Set via env vars (CONMON_*) or config file (conmon.config.yaml).
//
//   - Connector credentials: cloud provider keys, ticketing tokens.
//     Stored ONLY in the encrypted secrets vault (internal/secrets).
//     Every access is ACL-checked and audit-logged.
//
// Connector credentials MUST NEVER appear in this config or in env vars
// in production.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/conmon/internal/cryptoutil"
	"github.com/dativo-io/conmon/internal/trigger"
)

// Viper keys. Each maps to an env var with the CONMON_ prefix
// (e.g. "signing_key" → CONMON_SIGNING_KEY) and to a YAML field
// in conmon.config.yaml (e.g. signing_key: "...").
const (
	KeyDataDir      = "data_dir"
	KeySecretsKey   = "secrets_key"
	KeySigningKey   = "signing_key"
	KeyListenAddr   = "listen_addr"
	KeyGlobalRPM    = "global_rpm"
	KeyPerCallerRPM = "per_caller_rpm"
	KeySchedules    = "schedules"
	KeyWebhooks     = "webhooks"
	KeyAPIKeys      = "api_keys"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults; when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultListenAddr   = ":8484"
	DefaultGlobalRPM    = 600
	DefaultPerCallerRPM = 120
)

// Config holds resolved operator-level configuration for a conmon process.
// For connector credentials (cloud keys, ticketing tokens), use the
// secrets vault (internal/secrets.Vault).
type Config struct {
	DataDir      string             // Base directory for all state (~/.conmon)
	SecretsKey   string             // AES-256 encryption key for the vault (exactly 32 bytes)
	SigningKey   string             // HMAC-SHA256 key for audit record signing (≥32 bytes)
	ListenAddr   string             // HTTP API listen address
	GlobalRPM    int                // Total API requests/minute across callers
	PerCallerRPM int                // Per-caller API requests/minute
	APIKeys      map[string]string  // API key -> caller identity; empty disables auth
	Schedules    []trigger.Schedule // Recurring monitoring runs
	Webhooks     []trigger.Schedule // Named out-of-cycle run triggers

	usingDefaultSecretsKey bool
	usingDefaultSigningKey bool
}

// UsingDefaultKeys returns true if either crypto key fell back to
// a generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSecretsKey || c.usingDefaultSigningKey
}

// UsingDefaultSecretsKey returns true if the secrets encryption key was derived (not set explicitly).
func (c *Config) UsingDefaultSecretsKey() bool {
	return c.usingDefaultSecretsKey
}

// UsingDefaultSigningKey returns true if the audit signing key was derived (not set explicitly).
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// SecretsDBPath returns the full path to the secrets SQLite database.
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}

// EvidenceDBPath returns the full path to the evidence vault SQLite database.
func (c *Config) EvidenceDBPath() string {
	return filepath.Join(c.DataDir, "evidence.db")
}

// AuditDBPath returns the full path to the audit log SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// RunsDBPath returns the full path to the run store SQLite database.
func (c *Config) RunsDBPath() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// KnowledgeDir returns the directory scanned for narrative knowledge
// documents (SSP narratives, policy excerpts).
func (c *Config) KnowledgeDir() string {
	return filepath.Join(c.DataDir, "knowledge")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
// Suppressed when CONMON_QUICKSTART=1 or true (e.g. first-time exploration, demos).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSecretsKey {
		log.Warn().Msg("Using generated default CONMON_SECRETS_KEY, set via env var or config file for production")
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default CONMON_SIGNING_KEY, set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("CONMON_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("CONMON")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyGlobalRPM, DefaultGlobalRPM)
	viper.SetDefault(KeyPerCallerRPM, DefaultPerCallerRPM)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:      resolveDataDir(),
		SecretsKey:   viper.GetString(KeySecretsKey),
		SigningKey:   viper.GetString(KeySigningKey),
		ListenAddr:   viper.GetString(KeyListenAddr),
		GlobalRPM:    viper.GetInt(KeyGlobalRPM),
		PerCallerRPM: viper.GetInt(KeyPerCallerRPM),
		APIKeys:      viper.GetStringMapString(KeyAPIKeys),
	}

	if err := viper.UnmarshalKey(KeySchedules, &cfg.Schedules); err != nil {
		return nil, fmt.Errorf("invalid schedules configuration: %w", err)
	}
	if err := viper.UnmarshalKey(KeyWebhooks, &cfg.Webhooks); err != nil {
		return nil, fmt.Errorf("invalid webhooks configuration: %w", err)
	}

	if cfg.SecretsKey == "" {
		cfg.SecretsKey = deriveDefaultKey(cfg.DataDir, "secrets-encryption")
		cfg.usingDefaultSecretsKey = true
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing-----")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conmon"
	}
	return filepath.Join(home, ".conmon")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Uses SHA-256 so the full salt always
// contributes to the output regardless of path length. Not a substitute for
// an operator-set key; it exists so `conmon init && conmon run` works out of
// the box while still signing and encrypting with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("conmon:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSecretsKey(c.SecretsKey); err != nil {
		return err
	}
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.GlobalRPM <= 0 || c.PerCallerRPM <= 0 {
		return fmt.Errorf("global_rpm and per_caller_rpm must be positive")
	}
	return nil
}

// validateSecretsKey accepts either 32 raw bytes or 64 hex characters (decodes to 32 bytes for AES-256).
func validateSecretsKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("secrets_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("secrets_key must be exactly 32 bytes or 64 hex characters (got %d); set CONMON_SECRETS_KEY", n)
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters (decoded length ≥32 for HMAC-SHA256).
// Hex is checked first (disjoint from raw) so that hex format is validated; raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set CONMON_SIGNING_KEY", n)
}
