// Package audit provides a tamper-evident log of every tool call made through
// the gateway. Each record is HMAC-SHA256 signed and persisted in SQLite;
// denied and failed calls are recorded the same way as successful ones so the
// log holds the complete call history of a run.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	conmonotel "github.com/dativo-io/conmon/internal/otel"
)

var tracer = conmonotel.Tracer("github.com/dativo-io/conmon/internal/audit")

// CallRecord is the full audit entry for a single tool invocation.
type CallRecord struct {
	ID               string         `json:"id"`
	RunID            string         `json:"run_id"`
	AgentID          string         `json:"agent_id"`
	Tool             string         `json:"tool"`
	Action           string         `json:"action"`
	Provider         string         `json:"provider,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	OutputHash       string         `json:"output_hash,omitempty"`
	PolicyDecision   PolicyDecision `json:"policy_decision"`
	ApprovalRequired bool           `json:"approval_required"`
	ApprovalID       string         `json:"approval_id,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	DurationMS       int64          `json:"duration_ms"`
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	Signature        string         `json:"signature"`
}

// PolicyDecision captures the policy evaluation that gated the call.
type PolicyDecision struct {
	Allowed       bool     `json:"allowed"`
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// NewRecordID returns a fresh audit record identifier.
func NewRecordID() string {
	return "call_" + uuid.New().String()[:12]
}

// Store persists signed call records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens (creating if needed) the audit database at dbPath.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS call_records (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		action TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		success INTEGER NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calls_run ON call_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_calls_agent ON call_records(agent_id);
	CREATE INDEX IF NOT EXISTS idx_calls_tool ON call_records(tool);
	CREATE INDEX IF NOT EXISTS idx_calls_started ON call_records(started_at);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append signs rec and persists it. The signature covers the record with the
// Signature field empty, so Verify can recompute it later.
func (s *Store) Append(ctx context.Context, rec *CallRecord) error {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("audit.id", rec.ID),
			attribute.String("run_id", rec.RunID),
			attribute.String("tool", rec.Tool),
			attribute.Bool("success", rec.Success),
		))
	defer span.End()

	if rec.ID == "" {
		rec.ID = NewRecordID()
	}
	rec.Signature = ""

	unsigned, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling call record: %w", err)
	}
	signature, err := s.signer.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("signing call record: %w", err)
	}
	rec.Signature = signature

	signed, _ := json.Marshal(rec)
	query := `INSERT INTO call_records (id, run_id, agent_id, tool, action, started_at, success, record_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.RunID, rec.AgentID, rec.Tool, rec.Action,
		rec.StartedAt, boolToInt(rec.Success), string(signed), signature,
	)
	if err != nil {
		return fmt.Errorf("storing call record: %w", err)
	}
	return nil
}

// Get retrieves a call record by ID.
func (s *Store) Get(ctx context.Context, id string) (*CallRecord, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var recordJSON string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM call_records WHERE id = ?`, id).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying call record: %w", err)
	}

	var rec CallRecord
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling call record: %w", err)
	}
	return &rec, nil
}

// ByRun returns all call records for a run in call order.
func (s *Store) ByRun(ctx context.Context, runID string) ([]CallRecord, error) {
	ctx, span := tracer.Start(ctx, "audit.by_run",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_json FROM call_records WHERE run_id = ? ORDER BY started_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// List returns call records matching the given filters, newest first.
func (s *Store) List(ctx context.Context, agentID, tool string, from, to time.Time, limit int) ([]CallRecord, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("tool", tool),
		))
	defer span.End()

	query := `SELECT record_json FROM call_records WHERE 1=1`
	args := []interface{}{}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if tool != "" {
		query += ` AND tool = ?`
		args = append(args, tool)
	}
	if !from.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND started_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Verify recomputes the HMAC of a stored record and reports whether it still
// matches the stored signature.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	signature := rec.Signature
	rec.Signature = ""

	unsigned, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}

func scanRecords(rows *sql.Rows) ([]CallRecord, error) {
	var results []CallRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			continue
		}
		var rec CallRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			continue
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
