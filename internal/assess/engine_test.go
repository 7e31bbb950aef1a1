package assess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/conmon/internal/catalog"
	"github.com/dativo-io/conmon/internal/state"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cat, err := catalog.Load()
	require.NoError(t, err)
	return NewEngine(cat)
}

func control(id, family string) state.ControlInfo {
	return state.ControlInfo{
		ControlID: id,
		Framework: "nist_800_53_r5",
		Family:    family,
	}
}

func goodEvidence() []state.EvidenceArtifact {
	return []state.EvidenceArtifact{
		{ArtifactID: "ev_001", Type: "config_snapshot"},
		{ArtifactID: "ev_002", Type: "log_export"},
	}
}

func TestAssessCatIOpenFails(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:  control("AC-2", "AC"),
		Evidence: goodEvidence(),
		Findings: []state.Finding{
			{VulnID: "V-1", RuleID: "SV-1r1_rule", Severity: "CAT_I", Status: "Open", MappedControls: []string{"AC-2"}},
		},
		Sufficiency: Sufficiency{Overall: 0.95},
	})
	assert.Equal(t, state.StatusFail, a.Status)
	assert.Equal(t, 0.95, a.Confidence)
	assert.Equal(t, 1, a.CatIOpenCount)
	assert.Contains(t, a.Rationale, "CAT I")
}

func TestAssessHighDriftFails(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:  control("SC-7", "SC"),
		Evidence: goodEvidence(),
		Drift: []state.DriftEvent{
			{ResourceID: "sg-1", Field: "ingress", Severity: "low"},
			{ResourceID: "sg-2", Field: "ingress", Severity: "high"},
		},
		Sufficiency: Sufficiency{Overall: 0.9},
	})
	assert.Equal(t, state.StatusFail, a.Status)
	assert.Equal(t, 0.85, a.Confidence)
	assert.Equal(t, "high", a.DriftSeverity)
	assert.True(t, a.DriftDetected)
}

func TestAssessOpenNonCatIPartial(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:  control("SI-2", "SI"),
		Evidence: goodEvidence(),
		Findings: []state.Finding{
			{VulnID: "V-2", Severity: "CAT_II", Status: "Open"},
			{VulnID: "V-3", Severity: "CAT_III", Status: "Not_A_Finding"},
		},
		Sufficiency: Sufficiency{Overall: 0.9},
	})
	assert.Equal(t, state.StatusPartial, a.Status)
	assert.Equal(t, 0.75, a.Confidence)
	assert.Equal(t, 1, a.OpenFindingCount)
	assert.Zero(t, a.CatIOpenCount)
}

func TestAssessLowSufficiencyManualReview(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:     control("CM-2", "CM"),
		Evidence:    []state.EvidenceArtifact{{ArtifactID: "ev_old", Type: "policy_doc"}},
		Sufficiency: Sufficiency{Overall: 0.2},
	})
	assert.Equal(t, state.StatusManualReview, a.Status)
	assert.Equal(t, 0.3, a.Confidence)
}

func TestAssessMediumDriftPartial(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:  control("CM-6", "CM"),
		Evidence: goodEvidence(),
		Drift: []state.DriftEvent{
			{ResourceID: "vm-1", Field: "tags", Severity: "medium"},
		},
		Sufficiency: Sufficiency{Overall: 0.9},
	})
	assert.Equal(t, state.StatusPartial, a.Status)
	assert.Equal(t, 0.7, a.Confidence)
}

func TestAssessCleanEvidencePasses(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:     control("AU-2", "AU"),
		Evidence:    goodEvidence(),
		Sufficiency: Sufficiency{Overall: 0.85},
	})
	assert.Equal(t, state.StatusPass, a.Status)
	assert.Equal(t, 0.85, a.Confidence)
	require.Len(t, a.Citations, 2)
	assert.Equal(t, "ev_001", a.Citations[0].ArtifactID)
	assert.Equal(t, "supports", a.Citations[0].Stance)
}

func TestAssessConfidenceCappedAtPass(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:     control("AU-2", "AU"),
		Evidence:    goodEvidence(),
		Sufficiency: Sufficiency{Overall: 0.99},
	})
	assert.Equal(t, state.StatusPass, a.Status)
	assert.Equal(t, 0.95, a.Confidence)
}

func TestAssessFallbackPartial(t *testing.T) {
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:     control("PL-2", "PL"),
		Evidence:    goodEvidence(),
		Sufficiency: Sufficiency{Overall: 0.5},
	})
	assert.Equal(t, state.StatusPartial, a.Status)
	assert.Equal(t, 0.5, a.Confidence)
}

func TestAssessPriorityOrder(t *testing.T) {
	// A control with every defect at once resolves by the worst rule.
	e := testEngine(t)
	a := e.Assess(ControlInput{
		Control:  control("AC-2", "AC"),
		Evidence: goodEvidence(),
		Drift: []state.DriftEvent{
			{ResourceID: "r1", Field: "mfa", Severity: "critical"},
		},
		Findings: []state.Finding{
			{VulnID: "V-9", Severity: "CAT_I", Status: "Open"},
			{VulnID: "V-10", Severity: "CAT_II", Status: "Open"},
		},
		Sufficiency: Sufficiency{Overall: 0.1},
	})
	assert.Equal(t, state.StatusFail, a.Status)
	assert.Equal(t, 0.95, a.Confidence)
	assert.Contains(t, a.Rationale, "CAT I")
}

func TestAssessSeverityByFamily(t *testing.T) {
	e := testEngine(t)
	for _, fam := range []string{"AC", "AU", "IA", "SC", "SI"} {
		a := e.Assess(ControlInput{Control: control(fam+"-1", fam)})
		assert.Equal(t, "high", a.Severity, fam)
	}
	a := e.Assess(ControlInput{Control: control("CM-2", "CM")})
	assert.Equal(t, "moderate", a.Severity)

	// Family derived from the control ID when not set on the record.
	a = e.Assess(ControlInput{Control: state.ControlInfo{ControlID: "SC-7"}})
	assert.Equal(t, "high", a.Severity)
}

func TestAssessContradictionNarrativeVsDrift(t *testing.T) {
	e := testEngine(t)
	ctl := control("SC-7", "SC")
	ctl.Narrative = "All ingress traffic is denied by default at the boundary."

	a := e.Assess(ControlInput{
		Control:  ctl,
		Evidence: goodEvidence(),
		Drift: []state.DriftEvent{
			{ResourceID: "sg-1", Field: "ingress", BaselineValue: "deny", CurrentValue: "0.0.0.0/0", Severity: "high"},
			{ResourceID: "sg-2", Field: "ingress", Severity: "low"},
		},
		Sufficiency: Sufficiency{Overall: 0.9},
	})
	require.Len(t, a.Contradictions, 1)
	c := a.Contradictions[0]
	assert.Equal(t, "narrative_vs_drift", c.Type)
	assert.Contains(t, c.Observed, "deny")
	assert.Contains(t, c.Observed, "0.0.0.0/0")

	// No narrative, no contradiction.
	a = e.Assess(ControlInput{
		Control: control("SC-7", "SC"),
		Drift:   []state.DriftEvent{{ResourceID: "sg-1", Field: "ingress", Severity: "high"}},
	})
	assert.Empty(t, a.Contradictions)
}
