// Package evidence is the write-once artifact vault. Collected evidence is
// content-hashed, addressed by a vault:// URI derived from system, type, and
// collection date, and indexed in SQLite for freshness and coverage queries.
package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	conmonotel "github.com/dativo-io/conmon/internal/otel"
	"github.com/dativo-io/conmon/internal/state"
)

var tracer = conmonotel.Tracer("github.com/dativo-io/conmon/internal/evidence")

// Vault stores evidence artifacts with content addressing.
type Vault struct {
	db *sql.DB
}

// NewVault opens (creating if needed) the artifact database at dbPath.
func NewVault(dbPath string) (*Vault, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening evidence database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		system_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		provider TEXT,
		hash TEXT NOT NULL,
		storage_uri TEXT NOT NULL,
		control_ids TEXT NOT NULL,
		collected_at TIMESTAMP NOT NULL,
		content TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_system ON artifacts(system_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(artifact_type);
	CREATE INDEX IF NOT EXISTS idx_artifacts_collected ON artifacts(collected_at);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating evidence schema: %w", err)
	}
	return &Vault{db: db}, nil
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Put stores content as a new artifact and returns its metadata record.
// Artifacts are immutable: re-storing the same content for the same system
// and type creates a new artifact with its own ID and URI.
func (v *Vault) Put(ctx context.Context, systemID, runID, artifactType, provider string, controlIDs []string, content any) (*state.EvidenceArtifact, error) {
	ctx, span := tracer.Start(ctx, "evidence.put",
		trace.WithAttributes(
			attribute.String("system_id", systemID),
			attribute.String("artifact_type", artifactType),
		))
	defer span.End()

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshaling artifact content: %w", err)
	}

	now := time.Now().UTC()
	sum := sha256.Sum256(raw)
	art := &state.EvidenceArtifact{
		ArtifactID:  "ev_" + uuid.New().String()[:12],
		Type:        artifactType,
		Provider:    provider,
		Hash:        "sha256:" + hex.EncodeToString(sum[:]),
		ControlIDs:  controlIDs,
		CollectedAt: now,
	}
	art.StorageURI = fmt.Sprintf("vault://%s/%s/%s/%s",
		systemID, artifactType, now.Format("2006/01/02"), art.ArtifactID)

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, system_id, run_id, artifact_type, provider, hash, storage_uri, control_ids, collected_at, content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ArtifactID, systemID, runID, artifactType, provider,
		art.Hash, art.StorageURI, strings.Join(controlIDs, ","), art.CollectedAt, string(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("storing artifact: %w", err)
	}

	span.SetAttributes(attribute.String("artifact_id", art.ArtifactID))
	return art, nil
}

// Get returns the metadata and raw content of an artifact.
func (v *Vault) Get(ctx context.Context, artifactID string) (*state.EvidenceArtifact, []byte, error) {
	ctx, span := tracer.Start(ctx, "evidence.get",
		trace.WithAttributes(attribute.String("artifact_id", artifactID)))
	defer span.End()

	row := v.db.QueryRowContext(ctx, `
		SELECT artifact_id, artifact_type, provider, hash, storage_uri, control_ids, collected_at, content
		FROM artifacts WHERE artifact_id = ?`, artifactID)

	art, content, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("artifact %s not found", artifactID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("querying artifact: %w", err)
	}
	return art, content, nil
}

// Latest returns the newest artifact of the given type for a system, or nil
// when none has ever been collected.
func (v *Vault) Latest(ctx context.Context, systemID, artifactType string) (*state.EvidenceArtifact, error) {
	ctx, span := tracer.Start(ctx, "evidence.latest",
		trace.WithAttributes(
			attribute.String("system_id", systemID),
			attribute.String("artifact_type", artifactType),
		))
	defer span.End()

	row := v.db.QueryRowContext(ctx, `
		SELECT artifact_id, artifact_type, provider, hash, storage_uri, control_ids, collected_at, content
		FROM artifacts WHERE system_id = ? AND artifact_type = ?
		ORDER BY collected_at DESC LIMIT 1`, systemID, artifactType)

	art, _, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest artifact: %w", err)
	}
	return art, nil
}

// FreshTypes returns, per artifact type, the age of the newest artifact for
// the system. The evidence planner uses this to skip collection for types
// still inside their freshness window.
func (v *Vault) FreshTypes(ctx context.Context, systemID string, now time.Time) (map[string]time.Duration, error) {
	ctx, span := tracer.Start(ctx, "evidence.fresh_types",
		trace.WithAttributes(attribute.String("system_id", systemID)))
	defer span.End()

	rows, err := v.db.QueryContext(ctx, `
		SELECT artifact_type, MAX(collected_at) FROM artifacts
		WHERE system_id = ? GROUP BY artifact_type`, systemID)
	if err != nil {
		return nil, fmt.Errorf("querying artifact ages: %w", err)
	}
	defer rows.Close()

	ages := make(map[string]time.Duration)
	for rows.Next() {
		var artifactType, collectedRaw string
		if err := rows.Scan(&artifactType, &collectedRaw); err != nil {
			return nil, fmt.Errorf("scanning artifact age: %w", err)
		}
		collectedAt, err := parseStoredTime(collectedRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing collected_at for %s: %w", artifactType, err)
		}
		ages[artifactType] = now.Sub(collectedAt)
	}
	return ages, rows.Err()
}

// storedTimeLayouts are the timestamp formats go-sqlite3 writes. The MAX()
// aggregate loses the column's TIMESTAMP decltype, so the driver hands back
// a raw string and the parse happens here.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func parseStoredTime(raw string) (time.Time, error) {
	for _, layout := range storedTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// ByRun returns all artifacts collected during a run.
func (v *Vault) ByRun(ctx context.Context, runID string) ([]state.EvidenceArtifact, error) {
	ctx, span := tracer.Start(ctx, "evidence.by_run",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	rows, err := v.db.QueryContext(ctx, `
		SELECT artifact_id, artifact_type, provider, hash, storage_uri, control_ids, collected_at, content
		FROM artifacts WHERE run_id = ? ORDER BY collected_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying run artifacts: %w", err)
	}
	defer rows.Close()

	var out []state.EvidenceArtifact
	for rows.Next() {
		art, _, err := scanArtifact(rows)
		if err != nil {
			continue
		}
		out = append(out, *art)
	}
	return out, rows.Err()
}

// Verify recomputes the content hash of an artifact and reports whether it
// still matches the stored hash.
func (v *Vault) Verify(ctx context.Context, artifactID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify",
		trace.WithAttributes(attribute.String("artifact_id", artifactID)))
	defer span.End()

	art, content, err := v.Get(ctx, artifactID)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(content)
	return art.Hash == "sha256:"+hex.EncodeToString(sum[:]), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*state.EvidenceArtifact, []byte, error) {
	var art state.EvidenceArtifact
	var controlIDs, content string
	err := row.Scan(&art.ArtifactID, &art.Type, &art.Provider, &art.Hash,
		&art.StorageURI, &controlIDs, &art.CollectedAt, &content)
	if err != nil {
		return nil, nil, err
	}
	if controlIDs != "" {
		art.ControlIDs = strings.Split(controlIDs, ",")
	}
	return &art, []byte(content), nil
}
