package pipeline

import (
	"context"
	"fmt"

	"github.com/dativo-io/conmon/internal/mcp"
	"github.com/dativo-io/conmon/internal/state"
)

// assessBenchmarkFindings ingests STIG checklists for the system's assets and
// maps open findings onto NIST controls through the CCI crosswalk. Skipped
// entirely when neither the stig nor rmf framework is in scope.
func (o *Orchestrator) assessBenchmarkFindings(ctx context.Context, run *state.RunState) (map[string]any, error) {
	if !frameworkInScope(run.Scope.Frameworks, "stig") && !frameworkInScope(run.Scope.Frameworks, "rmf") {
		return map[string]any{"skipped": true, "reason": "benchmark frameworks not in scope"}, nil
	}

	assetID := run.Scope.Boundary["primary_asset"]
	if assetID == "" {
		assetID = run.Scope.SystemID + "-host"
	}

	result, err := o.gateway.Call(ctx, mcp.CallRequest{
		RunID:   run.RunID,
		AgentID: "stig_posture",
		Tool:    "stig_scap.ingest_ckl",
		Params: map[string]any{
			"system_id":   run.Scope.SystemID,
			"asset_id":    assetID,
			"environment": run.Scope.Environment,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ingesting checklist for %s: %w", assetID, err)
	}
	ingested := asMap(result.Output)
	benchmarkName := asString(ingested, "stig_name")
	benchmarkVersion := asString(ingested, "stig_version")

	findings := make([]state.Finding, 0)
	var openRuleIDs []string
	for _, raw := range asMaps(ingested["findings"]) {
		f := state.Finding{
			VulnID:           asString(raw, "vuln_id"),
			RuleID:           asString(raw, "rule_id"),
			BenchmarkID:      asString(raw, "stig_id"),
			Severity:         asString(raw, "severity"),
			Status:           asString(raw, "status"),
			Details:          asString(raw, "details"),
			Comments:         asString(raw, "comments"),
			AssetID:          asString(raw, "asset_id"),
			BenchmarkName:    benchmarkName,
			BenchmarkVersion: benchmarkVersion,
		}
		if f.Status == "Open" && f.RuleID != "" {
			openRuleIDs = append(openRuleIDs, f.RuleID)
		}
		findings = append(findings, f)
	}

	if len(openRuleIDs) > 0 {
		if err := o.mapFindings(ctx, run, findings, openRuleIDs); err != nil {
			run.AppendError("assess-benchmark-findings", err.Error())
		}
	}
	run.Findings = append(run.Findings, findings...)

	open, catIOpen := 0, 0
	for _, f := range findings {
		if f.Status != "Open" {
			continue
		}
		open++
		if f.Severity == "CAT_I" {
			catIOpen++
		}
	}
	return map[string]any{
		"total":      len(findings),
		"open":       open,
		"cat_i_open": catIOpen,
	}, nil
}

// mapFindings enriches open findings in place with their NIST control and
// CCI mappings.
func (o *Orchestrator) mapFindings(ctx context.Context, run *state.RunState, findings []state.Finding, ruleIDs []string) error {
	result, err := o.gateway.Call(ctx, mcp.CallRequest{
		RunID:   run.RunID,
		AgentID: "stig_posture",
		Tool:    "stig_scap.map_stig_to_nist_controls",
		Params: map[string]any{
			"stig_rule_ids": ruleIDs,
			"framework":     "nist_800_53_r5",
			"include_cci":   true,
		},
	})
	if err != nil {
		return fmt.Errorf("mapping benchmark rules to controls: %w", err)
	}

	byRule := make(map[string]map[string]any)
	for _, m := range asMaps(asMap(result.Output)["mappings"]) {
		byRule[asString(m, "stig_rule_id")] = m
	}
	for i := range findings {
		if m, ok := byRule[findings[i].RuleID]; ok {
			findings[i].MappedControls = asStrings(m, "nist_controls")
			findings[i].CCIIDs = asStrings(m, "cci_ids")
		}
	}
	return nil
}

func frameworkInScope(frameworks []string, name string) bool {
	for _, f := range frameworks {
		if f == name {
			return true
		}
	}
	return false
}
