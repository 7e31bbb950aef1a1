package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/conmon/internal/state"
)

// mapControls builds the control map for the scoped frameworks and baseline,
// then enriches each control with its SSP implementation narrative when the
// knowledge retriever has one.
func (o *Orchestrator) mapControls(ctx context.Context, run *state.RunState) (map[string]any, error) {
	scope := run.Scope
	for _, framework := range scope.Frameworks {
		for _, ctrl := range o.catalog.ControlsFor(framework, scope.Baseline) {
			key := framework + ":" + ctrl.ControlID
			info := state.ControlInfo{
				ControlID:             ctrl.ControlID,
				Framework:             framework,
				Title:                 ctrl.Title,
				Family:                ctrl.Family,
				Description:           truncate(ctrl.Description, 500),
				BaselineImpact:        strings.Join(ctrl.BaselineImpact, ","),
				RequiredEvidenceTypes: o.catalog.RequiredEvidence(ctrl.Family),
				MonitoringFrequency:   o.catalog.MonitoringFrequency(ctrl.Family),
			}
			for _, m := range ctrl.CrossMappings {
				info.CrossMappings = append(info.CrossMappings, state.CrossMapping{
					TargetFramework: m.TargetFramework,
					TargetControlID: m.TargetControlID,
					CCIID:           m.CCIID,
				})
			}
			info.Narrative = o.lookupNarrative(ctx, scope.SystemID, info)
			run.Controls[key] = info
		}
	}

	if len(run.Controls) == 0 {
		return nil, fmt.Errorf("no controls mapped for frameworks %v baseline %s", scope.Frameworks, scope.Baseline)
	}
	return map[string]any{
		"total_controls_mapped": len(run.Controls),
		"frameworks":            scope.Frameworks,
	}, nil
}

func (o *Orchestrator) lookupNarrative(ctx context.Context, systemID string, info state.ControlInfo) string {
	if o.retriever == nil {
		return ""
	}
	query := fmt.Sprintf("%s %s implementation statement", info.ControlID, info.Title)
	items, err := o.retriever.Retrieve(ctx, query, map[string]string{
		"doc_type":  "ssp_narrative",
		"system_id": systemID,
	}, 1)
	if err != nil {
		log.Warn().Str("control_id", info.ControlID).Err(err).Msg("narrative_lookup_failed")
		return ""
	}
	if len(items) == 0 {
		return ""
	}
	return items[0].Text
}
