package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dativo-io/conmon/internal/state"
)

// planEvidence decides, per control, which evidence types are already fresh
// in the vault and which need collection, and maps each gap to the tool that
// can close it. Asset inventory is always planned once per provider.
func (o *Orchestrator) planEvidence(ctx context.Context, run *state.RunState) (map[string]any, error) {
	now := o.now().UTC()
	ages, err := o.vault.FreshTypes(ctx, run.Scope.SystemID, now)
	if err != nil {
		return nil, fmt.Errorf("querying evidence freshness: %w", err)
	}

	existing, err := o.existingArtifacts(ctx, run.Scope.SystemID, ages)
	if err != nil {
		return nil, fmt.Errorf("loading existing artifacts: %w", err)
	}

	collectionsNeeded := 0
	preScoreTotal := 0.0
	for _, key := range sortedControlKeys(run.Controls) {
		ctrl := run.Controls[key]
		entry := state.EvidencePlanEntry{ControlID: ctrl.ControlID}

		for _, evType := range ctrl.RequiredEvidenceTypes {
			entry.EvidenceTypes = append(entry.EvidenceTypes, evType)
			if o.isFresh(ages, evType) {
				entry.ExistingFresh = append(entry.ExistingFresh, evType)
				continue
			}
			entry.NeedsCollection = append(entry.NeedsCollection, evType)
			collectionsNeeded++
			tool := o.catalog.ToolFor(evType)
			if tool == "" {
				continue
			}
			for _, provider := range run.Scope.Providers {
				entry.Sources = append(entry.Sources, state.PlannedSource{
					EvidenceType:     evType,
					Provider:         provider,
					Tool:             tool,
					FreshnessSLADays: o.catalog.FreshnessSLADays(evType),
				})
			}
		}

		// Pre-check with the planner weighting: how far the vault's current
		// holdings already get this control. Recorded for the trace only;
		// the verdict scorer runs at gap analysis with its own weights.
		pre := o.planScorer.Score(ctrl.ControlID, existing, ctrl.RequiredEvidenceTypes)
		preScoreTotal += pre.Overall

		run.EvidencePlan[ctrl.ControlID] = entry
	}

	for _, provider := range run.Scope.Providers {
		key := "__inventory_" + provider
		run.EvidencePlan[key] = state.EvidencePlanEntry{
			ControlID:       "__asset_inventory",
			EvidenceTypes:   []string{"asset_inventory"},
			NeedsCollection: []string{"asset_inventory"},
			Sources: []state.PlannedSource{{
				EvidenceType:     "asset_inventory",
				Provider:         provider,
				Tool:             o.catalog.ToolFor("asset_inventory"),
				FreshnessSLADays: o.catalog.FreshnessSLADays("asset_inventory"),
			}},
		}
		collectionsNeeded++
	}

	avgPre := 0.0
	if len(run.Controls) > 0 {
		avgPre = preScoreTotal / float64(len(run.Controls))
	}
	return map[string]any{
		"plan_entries":             len(run.EvidencePlan),
		"collections_needed":       collectionsNeeded,
		"avg_existing_sufficiency": avgPre,
	}, nil
}

func (o *Orchestrator) isFresh(ages map[string]time.Duration, evType string) bool {
	age, ok := ages[evType]
	if !ok {
		return false
	}
	sla := time.Duration(o.catalog.FreshnessSLADays(evType)) * 24 * time.Hour
	return age <= sla
}

// existingArtifacts loads the latest vault artifact per known evidence type,
// as input for the planner's sufficiency pre-check.
func (o *Orchestrator) existingArtifacts(ctx context.Context, systemID string, ages map[string]time.Duration) ([]state.EvidenceArtifact, error) {
	types := make([]string, 0, len(ages))
	for t := range ages {
		types = append(types, t)
	}
	sort.Strings(types)

	var out []state.EvidenceArtifact
	for _, t := range types {
		art, err := o.vault.Latest(ctx, systemID, t)
		if err != nil {
			return nil, err
		}
		if art != nil {
			out = append(out, *art)
		}
	}
	return out, nil
}

func sortedControlKeys(controls map[string]state.ControlInfo) []string {
	keys := make([]string, 0, len(controls))
	for k := range controls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
