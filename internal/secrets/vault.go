// Package secrets stores the credentials collectors use to reach cloud
// providers and ticketing systems. Values are encrypted at rest with NaCl
// secretbox and stored in SQLite. Each credential carries an ACL restricting
// access by agent and system, and every access attempt, allowed or denied,
// lands in an access log.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/nacl/secretbox"

	conmonotel "github.com/dativo-io/conmon/internal/otel"
)

var (
	// ErrSecretNotFound is returned when a credential name does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSecretAccessDenied is returned when the requesting agent is not
	// permitted by the credential's ACL. The denial is still logged.
	ErrSecretAccessDenied = errors.New("secret access denied by ACL")
	// ErrInvalidEncryptionKey is returned when the vault key is not exactly
	// 32 bytes.
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")
	// ErrDecryptFailed is returned when secretbox authentication fails,
	// indicating a wrong key or a tampered ciphertext.
	ErrDecryptFailed = errors.New("secret decryption failed")
)

var tracer = conmonotel.Tracer("github.com/dativo-io/conmon/internal/secrets")

const nonceSize = 24

// Vault manages encrypted credentials with ACL enforcement and access
// logging.
type Vault struct {
	db  *sql.DB
	key [32]byte
}

// Secret is a decrypted credential with metadata.
type Secret struct {
	Name        string
	Value       []byte
	ACL         ACL
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int
}

// AccessRecord is one entry of the credential access log.
type AccessRecord struct {
	ID         string    `json:"id"`
	SecretName string    `json:"secret_name"`
	AgentID    string    `json:"agent_id"`
	SystemID   string    `json:"system_id"`
	Timestamp  time.Time `json:"timestamp"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
}

// NewVault creates an encrypted credential vault backed by SQLite. The key
// must be exactly 32 raw bytes or 64 hex characters.
func NewVault(dbPath string, encryptionKey string) (*Vault, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening secrets database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		sealed_value TEXT NOT NULL,
		acl_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		accessed_at TIMESTAMP,
		access_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS secret_access_log (
		id TEXT PRIMARY KEY,
		secret_name TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		system_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		allowed BOOLEAN NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_secret_access_name ON secret_access_log(secret_name);
	CREATE INDEX IF NOT EXISTS idx_secret_access_time ON secret_access_log(timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating secrets schema: %w", err)
	}

	v := &Vault{db: db}
	copy(v.key[:], keyBytes)
	return v, nil
}

func resolveEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 && isHex(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("encryption key hex must decode to 32 bytes: %w", ErrInvalidEncryptionKey)
		}
		return decoded, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Set stores an encrypted credential with its ACL. Upserts on conflict.
func (v *Vault) Set(ctx context.Context, name string, value []byte, acl ACL) error {
	ctx, span := tracer.Start(ctx, "secrets.set",
		trace.WithAttributes(attribute.String("secret.name", name)))
	defer span.End()

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}

	// secretbox prepends nothing: store nonce||ciphertext.
	sealed := secretbox.Seal(nonce[:], value, &nonce, &v.key)
	sealedB64 := base64.StdEncoding.EncodeToString(sealed)

	aclJSON, err := json.Marshal(acl)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshaling ACL: %w", err)
	}

	query := `
		INSERT INTO secrets (name, sealed_value, acl_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			sealed_value = excluded.sealed_value,
			acl_json = excluded.acl_json
	`
	if _, err := v.db.ExecContext(ctx, query, name, sealedB64, string(aclJSON), time.Now()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}

// Get retrieves and decrypts a credential after checking the ACL. Both
// allowed and denied attempts are logged.
func (v *Vault) Get(ctx context.Context, name, agentID, systemID string) (*Secret, error) {
	ctx, span := tracer.Start(ctx, "secrets.get",
		trace.WithAttributes(
			attribute.String("secret.name", name),
			attribute.String("agent_id", agentID),
		))
	defer span.End()

	var sealedB64, aclJSON string
	var createdAt, accessedAt sql.NullTime
	var accessCount int

	query := `SELECT sealed_value, acl_json, created_at, accessed_at, access_count
	          FROM secrets WHERE name = ?`
	err := v.db.QueryRowContext(ctx, query, name).Scan(
		&sealedB64, &aclJSON, &createdAt, &accessedAt, &accessCount,
	)
	if err == sql.ErrNoRows {
		v.logAccess(ctx, name, agentID, systemID, false, "secret not found")
		return nil, ErrSecretNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying secret: %w", err)
	}

	var acl ACL
	if err := json.Unmarshal([]byte(aclJSON), &acl); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshaling ACL: %w", err)
	}

	if !acl.CheckAccess(agentID, systemID) {
		v.logAccess(ctx, name, agentID, systemID, false, "ACL denied")
		span.SetStatus(codes.Error, "ACL denied")
		return nil, fmt.Errorf("agent %s not authorized for secret %s: %w", agentID, name, ErrSecretAccessDenied)
	}

	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding sealed value: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		span.SetStatus(codes.Error, "decryption failed")
		return nil, ErrDecryptFailed
	}

	now := time.Now()
	_, _ = v.db.ExecContext(ctx, `UPDATE secrets SET accessed_at = ?, access_count = access_count + 1 WHERE name = ?`,
		now, name)
	v.logAccess(ctx, name, agentID, systemID, true, "")

	return &Secret{
		Name:        name,
		Value:       plaintext,
		ACL:         acl,
		CreatedAt:   createdAt.Time,
		AccessedAt:  now,
		AccessCount: accessCount + 1,
	}, nil
}

// List returns credential metadata (no values), sorted by name.
func (v *Vault) List(ctx context.Context) ([]Secret, error) {
	ctx, span := tracer.Start(ctx, "secrets.list")
	defer span.End()

	rows, err := v.db.QueryContext(ctx,
		`SELECT name, acl_json, created_at, accessed_at, access_count FROM secrets ORDER BY name`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()

	var out []Secret
	for rows.Next() {
		var s Secret
		var aclJSON string
		var createdAt, accessedAt sql.NullTime
		if err := rows.Scan(&s.Name, &aclJSON, &createdAt, &accessedAt, &s.AccessCount); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(aclJSON), &s.ACL)
		s.CreatedAt = createdAt.Time
		s.AccessedAt = accessedAt.Time
		out = append(out, s)
	}
	return out, rows.Err()
}

// Rotate re-encrypts an existing credential with a fresh nonce.
func (v *Vault) Rotate(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "secrets.rotate",
		trace.WithAttributes(attribute.String("secret.name", name)))
	defer span.End()

	var sealedB64, aclJSON string
	err := v.db.QueryRowContext(ctx, `SELECT sealed_value, acl_json FROM secrets WHERE name = ?`, name).
		Scan(&sealedB64, &aclJSON)
	if err == sql.ErrNoRows {
		return ErrSecretNotFound
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("querying secret: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil || len(sealed) < nonceSize {
		return ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return ErrDecryptFailed
	}

	var acl ACL
	if err := json.Unmarshal([]byte(aclJSON), &acl); err != nil {
		span.RecordError(err)
		return fmt.Errorf("unmarshaling ACL: %w", err)
	}
	return v.Set(ctx, name, plaintext, acl)
}

func (v *Vault) logAccess(ctx context.Context, secretName, agentID, systemID string, allowed bool, reason string) {
	query := `INSERT INTO secret_access_log (id, secret_name, agent_id, system_id, timestamp, allowed, reason)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, _ = v.db.ExecContext(ctx, query, uuid.New().String(), secretName, agentID, systemID, time.Now(), allowed, reason)
}

// AccessLog returns access records, newest first. Pass an empty secretName
// for all records; limit <= 0 means no limit.
func (v *Vault) AccessLog(ctx context.Context, secretName string, limit int) ([]AccessRecord, error) {
	ctx, span := tracer.Start(ctx, "secrets.access_log",
		trace.WithAttributes(attribute.String("secret.name", secretName)))
	defer span.End()

	query := `SELECT id, secret_name, agent_id, system_id, timestamp, allowed, reason
	          FROM secret_access_log`
	args := []interface{}{}
	if secretName != "" {
		query += ` WHERE secret_name = ?`
		args = append(args, secretName)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying access log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.SecretName, &r.AgentID, &r.SystemID, &r.Timestamp, &r.Allowed, &r.Reason); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
