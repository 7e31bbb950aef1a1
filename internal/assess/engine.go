package assess

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/conmon/internal/catalog"
	"github.com/dativo-io/conmon/internal/state"
)

// ControlInput bundles everything known about one control at verdict time.
type ControlInput struct {
	Control     state.ControlInfo
	Evidence    []state.EvidenceArtifact
	Drift       []state.DriftEvent
	Findings    []state.Finding
	Sufficiency Sufficiency
}

// Engine turns per-control inputs into assessment verdicts. The status rules
// are ordered by severity and the first match wins, so a control with both an
// open CAT I finding and fresh complete evidence still fails.
type Engine struct {
	catalog *catalog.Catalog
}

// NewEngine builds an assessment engine over the control catalog.
func NewEngine(cat *catalog.Catalog) *Engine {
	return &Engine{catalog: cat}
}

// Assess produces the verdict for one control.
func (e *Engine) Assess(in ControlInput) state.ControlAssessment {
	openFindings, catIOpen := countOpen(in.Findings)
	driftSev := worstDriftSeverity(in.Drift)

	a := state.ControlAssessment{
		ControlID:        in.Control.ControlID,
		Framework:        in.Control.Framework,
		SufficiencyScore: in.Sufficiency.Overall,
		Citations:        citations(in.Evidence),
		DriftDetected:    len(in.Drift) > 0,
		DriftSeverity:    driftSev,
		OpenFindingCount: openFindings,
		CatIOpenCount:    catIOpen,
		Severity:         e.controlSeverity(in.Control),
	}
	a.Status, a.Confidence, a.Rationale = e.determineStatus(in, openFindings, catIOpen, driftSev)
	a.Contradictions = e.contradictions(in)

	log.Debug().
		Str("control_id", a.ControlID).
		Str("status", string(a.Status)).
		Float64("confidence", a.Confidence).
		Float64("sufficiency", a.SufficiencyScore).
		Msg("control_assessed")
	return a
}

// determineStatus applies the verdict rules in strict priority order.
func (e *Engine) determineStatus(in ControlInput, openFindings, catIOpen int, driftSev string) (state.AssessmentStatus, float64, string) {
	switch {
	case catIOpen > 0:
		return state.StatusFail, 0.95,
			fmt.Sprintf("%d open CAT I finding(s) mapped to this control", catIOpen)
	case driftSev == "critical" || driftSev == "high":
		return state.StatusFail, 0.85,
			fmt.Sprintf("%s severity configuration drift detected against attested baseline", driftSev)
	case openFindings > 0:
		return state.StatusPartial, 0.75,
			fmt.Sprintf("%d open benchmark finding(s) mapped to this control", openFindings)
	case in.Sufficiency.Overall < 0.3:
		return state.StatusManualReview, 0.3,
			fmt.Sprintf("evidence sufficiency %.2f below the automated assessment floor", in.Sufficiency.Overall)
	case driftSev == "medium":
		return state.StatusPartial, 0.7,
			"medium severity configuration drift detected against attested baseline"
	case len(in.Evidence) > 0 && in.Sufficiency.Overall >= 0.7:
		conf := in.Sufficiency.Overall
		if conf > 0.95 {
			conf = 0.95
		}
		return state.StatusPass, conf,
			fmt.Sprintf("%d artifact(s) collected, sufficiency %.2f, no drift or open findings", len(in.Evidence), in.Sufficiency.Overall)
	default:
		return state.StatusPartial, 0.5,
			fmt.Sprintf("evidence present but sufficiency %.2f below the pass threshold", in.Sufficiency.Overall)
	}
}

// contradictions flags stated-vs-observed mismatches. The current heuristic
// fires once per control when an SSP narrative claims implementation while
// drift shows the configuration has diverged from it.
func (e *Engine) contradictions(in ControlInput) []state.Contradiction {
	if strings.TrimSpace(in.Control.Narrative) == "" || len(in.Drift) == 0 {
		return nil
	}
	d := in.Drift[0]
	return []state.Contradiction{{
		Type: "narrative_vs_drift",
		Description: fmt.Sprintf("SSP narrative states the control is implemented, but %s on %s has drifted from the attested baseline",
			d.Field, d.ResourceID),
		Claim:    truncate(in.Control.Narrative, 200),
		Observed: fmt.Sprintf("%s: %q -> %q", d.Field, d.BaselineValue, d.CurrentValue),
	}}
}

// controlSeverity ranks remediation priority by control family.
func (e *Engine) controlSeverity(c state.ControlInfo) string {
	family := c.Family
	if family == "" {
		family = catalog.Family(c.ControlID)
	}
	if e.catalog.HighPriorityFamily(family) {
		return "high"
	}
	return "moderate"
}

func countOpen(findings []state.Finding) (open, catIOpen int) {
	for _, f := range findings {
		if f.Status != "Open" {
			continue
		}
		open++
		if f.Severity == "CAT_I" {
			catIOpen++
		}
	}
	return open, catIOpen
}

var driftRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

func worstDriftSeverity(drift []state.DriftEvent) string {
	worst := ""
	for _, d := range drift {
		if driftRank[d.Severity] > driftRank[worst] {
			worst = d.Severity
		}
	}
	return worst
}

func citations(evidence []state.EvidenceArtifact) []state.Citation {
	if len(evidence) == 0 {
		return nil
	}
	out := make([]state.Citation, 0, len(evidence))
	for _, ev := range evidence {
		out = append(out, state.Citation{
			ArtifactID:   ev.ArtifactID,
			ArtifactType: ev.Type,
			Stance:       "supports",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
