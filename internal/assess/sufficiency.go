// Package assess implements evidence sufficiency scoring and per-control
// assessment. Both are pure computations: no I/O, no clocks other than the
// injected reference time, deterministic for identical inputs.
package assess

import (
	"time"

	"github.com/dativo-io/conmon/internal/state"
)

// Weights blends the sufficiency factors into the overall score. The four
// weights must sum to 1.
//
// The system carries two deliberately distinct presets. GapWeights is the
// authoritative set for assessment verdicts; PlannerWeights (with its
// consistency term) is used only by the evidence planner's freshness
// pre-check. They are inherited from two historically separate call sites
// and are pinned by tests rather than silently unified; changing either is
// a behavior change to recorded sufficiency scores.
type Weights struct {
	Completeness float64
	Freshness    float64
	Authority    float64
	Consistency  float64
}

// GapWeights is the two-factor-free weighting used by gap analysis.
var GapWeights = Weights{Completeness: 0.4, Freshness: 0.3, Authority: 0.3}

// PlannerWeights includes a consistency term fed by the planner.
var PlannerWeights = Weights{Completeness: 0.3, Freshness: 0.3, Authority: 0.2, Consistency: 0.2}

// Sufficiency is the scored adequacy of the evidence behind one control.
// All fields are in [0,1].
type Sufficiency struct {
	Completeness float64 `json:"completeness"`
	Freshness    float64 `json:"freshness"`
	Authority    float64 `json:"authority"`
	Overall      float64 `json:"overall"`
}

// Scorer computes sufficiency scores. SLADays and AuthorityFor come from the
// catalog; Now is injected for determinism in tests.
type Scorer struct {
	Weights      Weights
	SLADays      map[string]int
	AuthorityFor func(evidenceType string) float64
	Now          func() time.Time
}

// NewScorer builds a scorer with the given weighting.
func NewScorer(w Weights, slaDays map[string]int, authorityFor func(string) float64) *Scorer {
	return &Scorer{
		Weights:      w,
		SLADays:      slaDays,
		AuthorityFor: authorityFor,
		Now:          time.Now,
	}
}

// Score computes sufficiency for one control's evidence set.
//
// Completeness is the fraction of required types found (1.0 when nothing is
// required). Freshness per item is 1.0 inside the type's SLA window, 0.5
// inside twice the window, then decays linearly to 0 at four times the
// window; the control score is the item average (0 with no items). Authority
// averages the per-type trust weights (0 with no items). Consistency, when
// the weighting carries it, is supplied by the caller via ScoreWithConsistency.
func (s *Scorer) Score(controlID string, items []state.EvidenceArtifact, requiredTypes []string) Sufficiency {
	return s.ScoreWithConsistency(controlID, items, requiredTypes, 1.0)
}

// ScoreWithConsistency is Score with an explicit consistency factor in [0,1].
func (s *Scorer) ScoreWithConsistency(controlID string, items []state.EvidenceArtifact, requiredTypes []string, consistency float64) Sufficiency {
	_ = controlID // part of the contract; scoring is currently type-driven

	suff := Sufficiency{
		Completeness: s.completeness(items, requiredTypes),
		Freshness:    s.freshness(items),
		Authority:    s.authority(items),
	}
	suff.Overall = clamp01(s.Weights.Completeness*suff.Completeness +
		s.Weights.Freshness*suff.Freshness +
		s.Weights.Authority*suff.Authority +
		s.Weights.Consistency*clamp01(consistency))
	return suff
}

func (s *Scorer) completeness(items []state.EvidenceArtifact, requiredTypes []string) float64 {
	if len(requiredTypes) == 0 {
		return 1.0
	}
	found := make(map[string]bool, len(items))
	for _, it := range items {
		found[it.Type] = true
	}
	matched := 0
	for _, rt := range requiredTypes {
		if found[rt] {
			matched++
		}
	}
	return float64(matched) / float64(len(requiredTypes))
}

func (s *Scorer) freshness(items []state.EvidenceArtifact) float64 {
	if len(items) == 0 {
		return 0
	}
	now := s.Now()
	var total float64
	for _, it := range items {
		total += s.itemFreshness(now, it)
	}
	return total / float64(len(items))
}

func (s *Scorer) itemFreshness(now time.Time, item state.EvidenceArtifact) float64 {
	slaDays := 30
	if d, ok := s.SLADays[item.Type]; ok && d > 0 {
		slaDays = d
	}
	sla := time.Duration(slaDays) * 24 * time.Hour
	age := now.Sub(item.CollectedAt)
	switch {
	case age <= sla:
		return 1.0
	case age <= 2*sla:
		return 0.5
	default:
		// Linear decay from 0.5 at 2x SLA to 0 at 4x SLA.
		decay := 0.5 - 0.5*float64(age-2*sla)/float64(2*sla)
		if decay < 0 {
			return 0
		}
		return decay
	}
}

func (s *Scorer) authority(items []state.EvidenceArtifact) float64 {
	if len(items) == 0 {
		return 0
	}
	var total float64
	for _, it := range items {
		total += clamp01(s.AuthorityFor(it.Type))
	}
	return total / float64(len(items))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
