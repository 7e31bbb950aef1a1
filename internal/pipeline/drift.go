package pipeline

import (
	"context"
	"fmt"

	"github.com/dativo-io/conmon/internal/mcp"
	"github.com/dativo-io/conmon/internal/state"
)

// detectDrift compares current provider configuration against the attested
// baseline, once per provider in scope. Events missing a severity or control
// mapping are classified from the catalog's drift tables.
func (o *Orchestrator) detectDrift(ctx context.Context, run *state.RunState) (map[string]any, error) {
	bySeverity := make(map[string]int)
	failedProviders := 0

	for _, provider := range run.Scope.Providers {
		result, err := o.gateway.Call(ctx, mcp.CallRequest{
			RunID:    run.RunID,
			AgentID:  "drift_detection",
			Tool:     "cloud.detect_drift",
			Provider: provider,
			Params: map[string]any{
				"provider":  provider,
				"system_id": run.Scope.SystemID,
			},
		})
		if err != nil {
			run.AppendError("detect-drift", fmt.Sprintf("drift detection failed for %s: %s", provider, err))
			failedProviders++
			continue
		}

		for _, raw := range asMaps(asMap(result.Output)["events"]) {
			event := o.normalizeDriftEvent(provider, raw)
			run.DriftEvents = append(run.DriftEvents, event)
			bySeverity[event.Severity]++
		}
	}

	if failedProviders == len(run.Scope.Providers) && len(run.Scope.Providers) > 0 {
		return nil, fmt.Errorf("drift detection failed for all %d providers", failedProviders)
	}
	return map[string]any{
		"total_events": len(run.DriftEvents),
		"by_severity":  bySeverity,
	}, nil
}

func (o *Orchestrator) normalizeDriftEvent(provider string, raw map[string]any) state.DriftEvent {
	event := state.DriftEvent{
		ResourceID:       asString(raw, "resource_id"),
		ResourceType:     asString(raw, "resource_type"),
		Field:            asString(raw, "field"),
		BaselineValue:    fmt.Sprintf("%v", raw["baseline_value"]),
		CurrentValue:     fmt.Sprintf("%v", raw["current_value"]),
		ChangedBy:        asString(raw, "changed_by"),
		ChangedAt:        asTime(raw, "detected_at", o.now().UTC()),
		Severity:         asString(raw, "severity"),
		AffectedControls: asStrings(raw, "affected_controls"),
		Provider:         provider,
	}
	if event.Severity == "" {
		event.Severity = o.catalog.DriftSeverity(event.ResourceType, event.Field)
	}
	if len(event.AffectedControls) == 0 {
		event.AffectedControls = o.catalog.DriftControls(event.ResourceType)
	}
	return event
}
