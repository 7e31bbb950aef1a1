package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/dativo-io/conmon/internal/assess"
	"github.com/dativo-io/conmon/internal/state"
)

// analyzeGaps produces one assessment per mapped control from the evidence,
// drift, and findings gathered so far, then rolls the verdicts up into the
// run summary and the approval requirement.
func (o *Orchestrator) analyzeGaps(ctx context.Context, run *state.RunState) (map[string]any, error) {
	if len(run.Controls) == 0 {
		return nil, fmt.Errorf("no controls mapped, nothing to assess")
	}

	evidenceByControl := indexEvidence(run.Artifacts)
	driftByControl := indexDrift(run.DriftEvents)
	findingsByControl := indexFindings(run.Findings)

	for _, key := range sortedControlKeys(run.Controls) {
		ctrl := run.Controls[key]
		input := assess.ControlInput{
			Control:  ctrl,
			Evidence: evidenceByControl[ctrl.ControlID],
			Drift:    driftByControl[ctrl.ControlID],
			Findings: findingsByControl[ctrl.ControlID],
		}
		input.Sufficiency = o.gapScorer.Score(ctrl.ControlID, input.Evidence, ctrl.RequiredEvidenceTypes)

		a := o.engine.Assess(input)
		run.Assessments = append(run.Assessments, a)

		if a.Status == state.StatusFail && (a.Severity == "high" || a.Severity == "critical") {
			run.RequiresApproval = true
			run.ApprovalReasons = append(run.ApprovalReasons,
				fmt.Sprintf("Control %s (%s) failed with %s severity", a.ControlID, a.Framework, a.Severity))
		}
	}

	run.Summary = computeSummary(run.Assessments)
	score := run.Summary.ComplianceScore
	run.OverallScore = &score

	return map[string]any{
		"total_assessed":    len(run.Assessments),
		"compliance_score":  run.Summary.ComplianceScore,
		"requires_approval": run.RequiresApproval,
	}, nil
}

func computeSummary(assessments []state.ControlAssessment) state.Summary {
	s := state.Summary{TotalControls: len(assessments)}
	for _, a := range assessments {
		switch a.Status {
		case state.StatusPass:
			s.Passed++
		case state.StatusFail:
			s.Failed++
		case state.StatusPartial:
			s.Partial++
		case state.StatusNA:
			s.NotApplicable++
		case state.StatusManualReview:
			s.ManualReview++
		}
	}
	if s.TotalControls > 0 {
		s.ComplianceScore = math.Round(float64(s.Passed)/float64(s.TotalControls)*1000) / 10
	}
	return s
}

func indexEvidence(artifacts []state.EvidenceArtifact) map[string][]state.EvidenceArtifact {
	index := make(map[string][]state.EvidenceArtifact)
	for _, a := range artifacts {
		for _, id := range a.ControlIDs {
			index[id] = append(index[id], a)
		}
	}
	return index
}

func indexDrift(events []state.DriftEvent) map[string][]state.DriftEvent {
	index := make(map[string][]state.DriftEvent)
	for _, d := range events {
		for _, id := range d.AffectedControls {
			index[id] = append(index[id], d)
		}
	}
	return index
}

func indexFindings(findings []state.Finding) map[string][]state.Finding {
	index := make(map[string][]state.Finding)
	for _, f := range findings {
		for _, id := range f.MappedControls {
			index[id] = append(index[id], f)
		}
	}
	return index
}
