package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dativo-io/conmon/internal/mcp"
	"github.com/dativo-io/conmon/internal/state"
)

// collectionGroup is one deduplicated tool invocation: the same evidence
// type from the same provider is collected once per run, credited to every
// control that planned it.
type collectionGroup struct {
	evidenceType string
	provider     string
	tool         string
	controlIDs   []string
}

// collectEvidence executes the evidence plan through the gateway and writes
// each result into the vault. Individual call failures are recorded and
// skipped; the stage itself fails only if nothing at all could be collected
// when collections were planned.
func (o *Orchestrator) collectEvidence(ctx context.Context, run *state.RunState) (map[string]any, error) {
	groups := buildCollectionGroups(run)

	collected, failed := 0, 0
	for _, g := range groups {
		output, err := o.invokeCollection(ctx, run, g)
		if err != nil {
			run.AppendError("collect-evidence", err.Error())
			failed++
			continue
		}
		artifact, err := o.storeCollected(ctx, run, g, output)
		if err != nil {
			run.AppendError("collect-evidence", err.Error())
			failed++
			continue
		}
		run.Artifacts = append(run.Artifacts, *artifact)
		collected++
	}

	if collected == 0 && len(groups) > 0 {
		return nil, fmt.Errorf("all %d planned collections failed", len(groups))
	}
	return map[string]any{
		"collected":       collected,
		"errors":          failed,
		"total_artifacts": len(run.Artifacts),
	}, nil
}

func buildCollectionGroups(run *state.RunState) []collectionGroup {
	type groupKey struct{ evType, provider string }
	byKey := make(map[groupKey]*collectionGroup)

	planKeys := make([]string, 0, len(run.EvidencePlan))
	for k := range run.EvidencePlan {
		planKeys = append(planKeys, k)
	}
	sort.Strings(planKeys)

	for _, pk := range planKeys {
		entry := run.EvidencePlan[pk]
		needed := make(map[string]bool, len(entry.NeedsCollection))
		for _, t := range entry.NeedsCollection {
			needed[t] = true
		}
		for _, src := range entry.Sources {
			if !needed[src.EvidenceType] || src.Tool == "" {
				continue
			}
			key := groupKey{src.EvidenceType, src.Provider}
			g, ok := byKey[key]
			if !ok {
				g = &collectionGroup{evidenceType: src.EvidenceType, provider: src.Provider, tool: src.Tool}
				byKey[key] = g
			}
			if entry.ControlID != "__asset_inventory" && !contains(g.controlIDs, entry.ControlID) {
				g.controlIDs = append(g.controlIDs, entry.ControlID)
			}
		}
	}

	groups := make([]collectionGroup, 0, len(byKey))
	for _, g := range byKey {
		sort.Strings(g.controlIDs)
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].evidenceType != groups[j].evidenceType {
			return groups[i].evidenceType < groups[j].evidenceType
		}
		return groups[i].provider < groups[j].provider
	})
	return groups
}

func (o *Orchestrator) invokeCollection(ctx context.Context, run *state.RunState, g collectionGroup) (any, error) {
	params := map[string]any{
		"provider":  g.provider,
		"system_id": run.Scope.SystemID,
	}
	if g.tool == "cloud.query_audit_logs" {
		now := o.now().UTC()
		params["time_range"] = map[string]any{
			"start": now.AddDate(0, 0, -7).Format(time.RFC3339),
			"end":   now.Format(time.RFC3339),
		}
	}

	result, err := o.gateway.Call(ctx, mcp.CallRequest{
		RunID:    run.RunID,
		AgentID:  "evidence_collector",
		Tool:     g.tool,
		Provider: g.provider,
		Params:   params,
	})
	if err != nil {
		return nil, fmt.Errorf("collecting %s from %s: %w", g.evidenceType, g.provider, err)
	}
	if result.Outcome != mcp.OutcomeOK {
		return nil, fmt.Errorf("collecting %s from %s: call parked for approval", g.evidenceType, g.provider)
	}
	return result.Output, nil
}

func (o *Orchestrator) storeCollected(ctx context.Context, run *state.RunState, g collectionGroup, output any) (*state.EvidenceArtifact, error) {
	result, err := o.gateway.Call(ctx, mcp.CallRequest{
		RunID:    run.RunID,
		AgentID:  "evidence_collector",
		Tool:     "compliance_core.store_evidence_artifact",
		Provider: g.provider,
		Params: map[string]any{
			"system_id":     run.Scope.SystemID,
			"run_id":        run.RunID,
			"artifact_type": g.evidenceType,
			"provider":      g.provider,
			"control_ids":   g.controlIDs,
			"content":       output,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storing %s artifact from %s: %w", g.evidenceType, g.provider, err)
	}
	stored := asMap(result.Output)
	return &state.EvidenceArtifact{
		ArtifactID:  asString(stored, "artifact_id"),
		Type:        g.evidenceType,
		Provider:    g.provider,
		Hash:        asString(stored, "hash"),
		StorageURI:  asString(stored, "storage_uri"),
		ControlIDs:  g.controlIDs,
		CollectedAt: asTime(stored, "collected_at", o.now().UTC()),
	}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
