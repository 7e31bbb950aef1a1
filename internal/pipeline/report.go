package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dativo-io/conmon/internal/catalog"
	"github.com/dativo-io/conmon/internal/state"
)

// buildReports renders the run into its reviewer-facing documents: the
// continuous monitoring summary, SSP delta, executive summary, SAR bundle
// manifest, and per-family breakdown.
func (o *Orchestrator) buildReports(ctx context.Context, run *state.RunState) (map[string]any, error) {
	generatedAt := o.now().UTC().Format(time.RFC3339)
	run.Reports["conmon_summary"] = o.conmonSummary(run, generatedAt)
	run.Reports["ssp_delta"] = sspDelta(run, generatedAt)
	run.Reports["executive_summary"] = executiveSummary(run, generatedAt)
	run.Reports["sar_bundle"] = sarBundle(run, generatedAt)
	run.Reports["family_breakdown"] = familyBreakdown(run, generatedAt)
	return map[string]any{"reports_generated": len(run.Reports)}, nil
}

func (o *Orchestrator) conmonSummary(run *state.RunState, generatedAt string) map[string]any {
	score := 0.0
	if run.OverallScore != nil {
		score = *run.OverallScore
	}
	open, catIOpen := 0, 0
	for _, f := range run.Findings {
		if f.Status != "Open" {
			continue
		}
		open++
		if f.Severity == "CAT_I" {
			catIOpen++
		}
	}
	driftBySeverity := make(map[string]int)
	for _, d := range run.DriftEvents {
		driftBySeverity[d.Severity]++
	}
	poamBySeverity := make(map[string]int)
	for _, p := range run.POAMItems {
		poamBySeverity[p.Severity]++
	}

	return map[string]any{
		"report_type":              "conmon_summary",
		"generated_at":             generatedAt,
		"system_id":                run.Scope.SystemID,
		"system_name":              run.Scope.SystemName,
		"period":                   o.now().UTC().Format("2006-01"),
		"baseline":                 run.Scope.Baseline,
		"providers_assessed":       run.Scope.Providers,
		"overall_compliance_score": score,
		"control_summary":          run.Summary,
		"drift_summary": map[string]any{
			"total_events": len(run.DriftEvents),
			"by_severity":  driftBySeverity,
		},
		"benchmark_summary": map[string]any{
			"total_findings": len(run.Findings),
			"open":           open,
			"cat_i_open":     catIOpen,
		},
		"poam_summary": map[string]any{
			"new_items":   len(run.POAMItems),
			"by_severity": poamBySeverity,
		},
		"remediation_tickets": len(run.Tickets),
		"narrative": fmt.Sprintf(
			"Continuous Monitoring Report for %s (%s). Overall compliance score: %.1f%%. "+
				"Assessed %d controls across %d cloud provider(s). %d passed, %d failed, %d partial. "+
				"%d drift event(s) detected. %d new POA&M item(s) created.",
			run.Scope.SystemName, run.Scope.Baseline, score,
			run.Summary.TotalControls, len(run.Scope.Providers),
			run.Summary.Passed, run.Summary.Failed, run.Summary.Partial,
			len(run.DriftEvents), len(run.POAMItems)),
	}
}

func sspDelta(run *state.RunState, generatedAt string) map[string]any {
	var deltas []map[string]any
	for _, a := range run.Assessments {
		if len(a.Contradictions) > 0 {
			deltas = append(deltas, map[string]any{
				"control_id":       a.ControlID,
				"framework":        a.Framework,
				"issue":            "SSP narrative may not reflect current implementation",
				"contradictions":   a.Contradictions,
				"suggested_action": "Review and update SSP implementation statement",
			})
		}
		if a.Status == state.StatusFail {
			deltas = append(deltas, map[string]any{
				"control_id":       a.ControlID,
				"framework":        a.Framework,
				"issue":            fmt.Sprintf("Control %s is currently failing", a.ControlID),
				"rationale":        a.Rationale,
				"suggested_action": "Update SSP to reflect current state and remediation plan",
			})
		}
	}
	return map[string]any{
		"report_type":  "ssp_delta",
		"generated_at": generatedAt,
		"total_deltas": len(deltas),
		"deltas":       deltas,
	}
}

func executiveSummary(run *state.RunState, generatedAt string) map[string]any {
	score := 0.0
	if run.OverallScore != nil {
		score = *run.OverallScore
	}
	var posture string
	switch {
	case score >= 90:
		posture = "Strong"
	case score >= 70:
		posture = "Moderate"
	case score >= 50:
		posture = "Needs Improvement"
	default:
		posture = "At Risk"
	}
	catIOpen := 0
	for _, f := range run.Findings {
		if f.Status == "Open" && f.Severity == "CAT_I" {
			catIOpen++
		}
	}
	return map[string]any{
		"report_type":        "executive_summary",
		"generated_at":       generatedAt,
		"system_name":        run.Scope.SystemName,
		"compliance_posture": posture,
		"compliance_score":   score,
		"key_metrics": map[string]any{
			"controls_assessed":  run.Summary.TotalControls,
			"controls_passing":   run.Summary.Passed,
			"controls_failing":   run.Summary.Failed,
			"open_poam_items":    len(run.POAMItems),
			"drift_events":       len(run.DriftEvents),
			"cat_i_open":         catIOpen,
			"pending_approvals":  len(run.PendingApprovals()),
		},
		"top_risks": topRisks(run),
	}
}

func sarBundle(run *state.RunState, generatedAt string) map[string]any {
	artifacts := make([]map[string]any, 0, len(run.Artifacts))
	for _, a := range run.Artifacts {
		artifacts = append(artifacts, map[string]any{
			"artifact_id":   a.ArtifactID,
			"artifact_type": a.Type,
			"provider":      a.Provider,
			"collected_at":  a.CollectedAt.Format(time.RFC3339),
			"hash":          a.Hash,
		})
	}
	results := make([]map[string]any, 0, len(run.Assessments))
	for _, a := range run.Assessments {
		results = append(results, map[string]any{
			"control_id": a.ControlID,
			"framework":  a.Framework,
			"status":     string(a.Status),
			"confidence": a.Confidence,
		})
	}
	return map[string]any{
		"report_type":        "sar_bundle",
		"generated_at":       generatedAt,
		"run_id":             run.RunID,
		"system_id":          run.Scope.SystemID,
		"evidence_artifacts": artifacts,
		"assessment_results": results,
	}
}

func familyBreakdown(run *state.RunState, generatedAt string) map[string]any {
	type counts struct{ total, pass, fail, partial, other int }
	families := make(map[string]*counts)
	for _, a := range run.Assessments {
		family := catalog.Family(a.ControlID)
		if family == "" {
			family = "Other"
		}
		c, ok := families[family]
		if !ok {
			c = &counts{}
			families[family] = c
		}
		c.total++
		switch a.Status {
		case state.StatusPass:
			c.pass++
		case state.StatusFail:
			c.fail++
		case state.StatusPartial:
			c.partial++
		default:
			c.other++
		}
	}

	out := make(map[string]any, len(families))
	for family, c := range families {
		score := 0.0
		if c.total > 0 {
			score = float64(c.pass) / float64(c.total) * 100
		}
		out[family] = map[string]any{
			"total":   c.total,
			"pass":    c.pass,
			"fail":    c.fail,
			"partial": c.partial,
			"other":   c.other,
			"score":   score,
		}
	}
	return map[string]any{
		"report_type":  "family_breakdown",
		"generated_at": generatedAt,
		"families":     out,
	}
}

// topRisks lists up to ten risks in priority order: high/critical control
// failures, then open CAT I findings, then critical drift.
func topRisks(run *state.RunState) []map[string]any {
	var risks []map[string]any
	for _, a := range run.Assessments {
		if a.Status == state.StatusFail && (a.Severity == "critical" || a.Severity == "high") {
			risks = append(risks, map[string]any{
				"type":        "control_failure",
				"control_id":  a.ControlID,
				"severity":    a.Severity,
				"description": truncate(a.Rationale, 200),
			})
		}
	}
	for _, f := range run.Findings {
		if f.Status == "Open" && f.Severity == "CAT_I" {
			risks = append(risks, map[string]any{
				"type":        "benchmark_cat_i",
				"vuln_id":     f.VulnID,
				"description": truncate(f.Details, 200),
			})
		}
	}
	for _, d := range run.DriftEvents {
		if d.Severity == "critical" {
			risks = append(risks, map[string]any{
				"type":        "critical_drift",
				"resource_id": d.ResourceID,
				"description": "Critical drift on " + d.Field,
			})
		}
	}
	if len(risks) > 10 {
		risks = risks[:10]
	}
	return risks
}
