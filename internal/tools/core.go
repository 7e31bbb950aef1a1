package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dativo-io/conmon/internal/catalog"
	"github.com/dativo-io/conmon/internal/evidence"
)

// CoreToolset exposes the platform's own compliance primitives: the control
// catalog, rule evaluation, evidence storage, and POA&M creation. Unlike the
// external connectors, store_evidence_artifact writes through the real
// evidence vault so stored artifacts are hash-verified and queryable.
type CoreToolset struct {
	Catalog *catalog.Catalog
	Vault   *evidence.Vault
	Now     func() time.Time
}

func NewCoreToolset(cat *catalog.Catalog, vault *evidence.Vault) *CoreToolset {
	return &CoreToolset{Catalog: cat, Vault: vault, Now: time.Now}
}

func (c *CoreToolset) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "get_control_catalog":
		return c.controlCatalog(params), nil
	case "evaluate_control_rule":
		return c.evaluateRule(params), nil
	case "store_evidence_artifact":
		return c.storeArtifact(ctx, params)
	case "create_poam_item":
		return c.createPOAM(params), nil
	case "create_ticket":
		return c.createTicket(params), nil
	default:
		return nil, &ErrUnknownMethod{Toolset: "compliance_core", Method: method}
	}
}

func (c *CoreToolset) controlCatalog(params map[string]any) map[string]any {
	framework := stringParam(params, "framework", "nist_800_53_r5")
	baseline := stringParam(params, "baseline", "fedramp_mod")
	controls := c.Catalog.ControlsFor(framework, baseline)
	out := make([]map[string]any, 0, len(controls))
	for _, ctrl := range controls {
		out = append(out, map[string]any{
			"control_id":  ctrl.ControlID,
			"framework":   ctrl.Framework,
			"title":       ctrl.Title,
			"family":      ctrl.Family,
			"description": ctrl.Description,
		})
	}
	return map[string]any{
		"framework":     framework,
		"baseline":      baseline,
		"control_count": len(out),
		"controls":      out,
	}
}

// evaluateRule is a deterministic rule check: with evidence references it
// reports an automated pass, without them it defers to manual review.
func (c *CoreToolset) evaluateRule(params map[string]any) map[string]any {
	controlID := stringParam(params, "control_id", "")
	refs := stringsParam(params, "evidence_refs")
	status := "manual_review_required"
	confidence := 0.0
	rationale := fmt.Sprintf("no evidence references supplied for %s", controlID)
	if len(refs) > 0 {
		status = "pass"
		confidence = 0.8
		rationale = fmt.Sprintf("automated rule check for %s passed against %d artifact(s)", controlID, len(refs))
	}
	return map[string]any{
		"control_id":    controlID,
		"framework":     stringParam(params, "framework", "nist_800_53_r5"),
		"status":        status,
		"confidence":    confidence,
		"rationale":     rationale,
		"evidence_refs": refs,
		"evaluated_at":  c.Now().UTC().Format(time.RFC3339),
	}
}

func (c *CoreToolset) storeArtifact(ctx context.Context, params map[string]any) (any, error) {
	art, err := c.Vault.Put(ctx,
		stringParam(params, "system_id", "unknown"),
		stringParam(params, "run_id", ""),
		stringParam(params, "artifact_type", "document"),
		stringParam(params, "provider", "conmon"),
		stringsParam(params, "control_ids"),
		params["content"],
	)
	if err != nil {
		return nil, fmt.Errorf("storing artifact: %w", err)
	}
	return map[string]any{
		"artifact_id":  art.ArtifactID,
		"storage_uri":  art.StorageURI,
		"hash":         art.Hash,
		"collected_at": art.CollectedAt.Format(time.RFC3339),
	}, nil
}

func (c *CoreToolset) createPOAM(params map[string]any) map[string]any {
	severity := stringParam(params, "severity", "moderate")
	controlID := stringParam(params, "control_id", "")
	now := c.Now().UTC()
	due := now.AddDate(0, 0, c.Catalog.RemediationDays(severity))
	return map[string]any{
		"poam_id":    "poam_" + uuid.New().String()[:12],
		"control_id": controlID,
		"framework":  stringParam(params, "framework", "nist_800_53_r5"),
		"weakness":   stringParam(params, "weakness", ""),
		"severity":   severity,
		"owner":      stringParam(params, "owner", ""),
		"due_date":   due.Format("2006-01-02"),
		"status":     "open",
		"created_at": now.Format(time.RFC3339),
	}
}

func (c *CoreToolset) createTicket(params map[string]any) map[string]any {
	ticketID := "CONMON-" + uuid.New().String()[:8]
	return map[string]any{
		"ticket_id":  ticketID,
		"ticket_url": "https://tracker.example.com/" + ticketID,
		"title":      stringParam(params, "title", ""),
		"status":     "open",
		"created_at": c.Now().UTC().Format(time.RFC3339),
	}
}
