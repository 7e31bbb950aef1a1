// Package runstore persists run state checkpoints and the approval queue.
// Runs are checkpointed as JSON after the persist stage and whenever a run
// suspends for approval, so a suspended run can be resumed across process
// restarts.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	conmonotel "github.com/dativo-io/conmon/internal/otel"
	"github.com/dativo-io/conmon/internal/state"
)

var (
	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrApprovalNotFound is returned when an approval ID does not exist.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrApprovalNotPending is returned when deciding an approval that has
	// already been decided.
	ErrApprovalNotPending = errors.New("approval is not pending")
)

var tracer = conmonotel.Tracer("github.com/dativo-io/conmon/internal/runstore")

// Store persists runs and approvals in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the run database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening run database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		system_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		compliance_score REAL,
		state_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		approval_json TEXT NOT NULL,
		reviewed_by TEXT,
		reviewed_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_system ON runs(system_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id, status);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating run schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun checkpoints the full run state. Upserts on run ID so repeated
// checkpoints of the same run overwrite the previous snapshot.
func (s *Store) SaveRun(ctx context.Context, run *state.RunState) error {
	ctx, span := tracer.Start(ctx, "runstore.save_run",
		trace.WithAttributes(
			attribute.String("run_id", run.RunID),
			attribute.String("run_status", string(run.Status)),
		))
	defer span.End()

	stateJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}

	var score sql.NullFloat64
	if run.OverallScore != nil {
		score = sql.NullFloat64{Float64: *run.OverallScore, Valid: true}
	}
	var completed sql.NullTime
	if run.Ended != nil {
		completed = sql.NullTime{Time: *run.Ended, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, system_id, status, started_at, completed_at, compliance_score, state_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			compliance_score = excluded.compliance_score,
			state_json = excluded.state_json`,
		run.RunID, run.Scope.SystemID, string(run.Status), run.Started, completed, score, string(stateJSON),
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// GetRun loads a checkpointed run.
func (s *Store) GetRun(ctx context.Context, runID string) (*state.RunState, error) {
	ctx, span := tracer.Start(ctx, "runstore.get_run",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	var stateJSON string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM runs WHERE run_id = ?`, runID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	var run state.RunState
	if err := json.Unmarshal([]byte(stateJSON), &run); err != nil {
		return nil, fmt.Errorf("unmarshaling run state: %w", err)
	}
	return &run, nil
}

// RunSummary is the listing row for a run.
type RunSummary struct {
	RunID           string     `json:"run_id"`
	SystemID        string     `json:"system_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ComplianceScore *float64   `json:"compliance_score,omitempty"`
}

// ListRuns returns run summaries, newest first. Empty filters match all.
func (s *Store) ListRuns(ctx context.Context, systemID, status string, limit int) ([]RunSummary, error) {
	ctx, span := tracer.Start(ctx, "runstore.list_runs")
	defer span.End()

	query := `SELECT run_id, system_id, status, started_at, completed_at, compliance_score FROM runs WHERE 1=1`
	args := []interface{}{}
	if systemID != "" {
		query += ` AND system_id = ?`
		args = append(args, systemID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var completed sql.NullTime
		var score sql.NullFloat64
		if err := rows.Scan(&r.RunID, &r.SystemID, &r.Status, &r.StartedAt, &completed, &score); err != nil {
			continue
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		if score.Valid {
			v := score.Float64
			r.ComplianceScore = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveApproval persists a new pending approval.
func (s *Store) SaveApproval(ctx context.Context, appr *state.Approval) error {
	ctx, span := tracer.Start(ctx, "runstore.save_approval",
		trace.WithAttributes(
			attribute.String("approval_id", appr.ApprovalID),
			attribute.String("run_id", appr.RunID),
		))
	defer span.End()

	apprJSON, err := json.Marshal(appr)
	if err != nil {
		return fmt.Errorf("marshaling approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, status, approval_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		appr.ApprovalID, appr.RunID, appr.Status, string(apprJSON), appr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving approval: %w", err)
	}
	return nil
}

// GetApproval loads a single approval.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*state.Approval, error) {
	var apprJSON, status string
	var reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT approval_json, status, reviewed_by, reviewed_at FROM approvals WHERE approval_id = ?`,
		approvalID,
	).Scan(&apprJSON, &status, &reviewedBy, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying approval: %w", err)
	}

	var appr state.Approval
	if err := json.Unmarshal([]byte(apprJSON), &appr); err != nil {
		return nil, fmt.Errorf("unmarshaling approval: %w", err)
	}
	appr.Status = status
	if reviewedBy.Valid {
		appr.ReviewedBy = reviewedBy.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		appr.ReviewedAt = &t
	}
	return &appr, nil
}

// PendingApprovals returns pending approvals, oldest first. Empty runID
// matches all runs.
func (s *Store) PendingApprovals(ctx context.Context, runID string) ([]*state.Approval, error) {
	query := `SELECT approval_id FROM approvals WHERE status = 'pending'`
	args := []interface{}{}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending approvals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*state.Approval
	for _, id := range ids {
		appr, err := s.GetApproval(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, appr)
	}
	return out, nil
}

// Decide records an approve or reject decision on a pending approval.
func (s *Store) Decide(ctx context.Context, approvalID, reviewedBy string, approved bool) error {
	ctx, span := tracer.Start(ctx, "runstore.decide_approval",
		trace.WithAttributes(
			attribute.String("approval_id", approvalID),
			attribute.Bool("approved", approved),
		))
	defer span.End()

	status := "rejected"
	if approved {
		status = "approved"
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, reviewed_by = ?, reviewed_at = ?
		WHERE approval_id = ? AND status = 'pending'`,
		status, reviewedBy, time.Now(), approvalID,
	)
	if err != nil {
		return fmt.Errorf("deciding approval: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetApproval(ctx, approvalID); err != nil {
			return err
		}
		return ErrApprovalNotPending
	}

	log.Info().
		Str("approval_id", approvalID).
		Str("status", status).
		Str("reviewed_by", reviewedBy).
		Msg("approval_decided")
	return nil
}

// HasPending reports whether a run still has undecided approvals.
func (s *Store) HasPending(ctx context.Context, runID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE run_id = ? AND status = 'pending'`, runID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting pending approvals: %w", err)
	}
	return count > 0, nil
}
