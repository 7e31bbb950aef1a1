// Package catalog holds the embedded compliance knowledge base: control
// definitions per framework, baseline applicability, evidence requirements,
// freshness SLAs, authority weights, drift classification tables, and the
// STIG-to-NIST crosswalk.
package catalog

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/controls.yaml
var embeddedCatalog embed.FS

// CrossMapping links a control to a counterpart in another framework.
type CrossMapping struct {
	TargetFramework string `yaml:"target_framework"`
	TargetControlID string `yaml:"target_control_id"`
	CCIID           string `yaml:"cci_id"`
}

// Control is one catalog entry.
type Control struct {
	ControlID      string         `yaml:"control_id"`
	Framework      string         `yaml:"framework"`
	Title          string         `yaml:"title"`
	Family         string         `yaml:"family"`
	BaselineImpact []string       `yaml:"baseline_impact"`
	Description    string         `yaml:"description"`
	CrossMappings  []CrossMapping `yaml:"cross_mappings"`
}

type crosswalkEntry struct {
	Controls []string `yaml:"controls"`
	CCIs     []string `yaml:"ccis"`
}

type catalogFile struct {
	BaselineFamilies     map[string][]string          `yaml:"baseline_families"`
	HighPriorityFamilies []string                     `yaml:"high_priority_families"`
	EvidenceRequirements map[string][]string          `yaml:"evidence_requirements"`
	MonitoringFrequency  map[string]string            `yaml:"monitoring_frequency"`
	FreshnessSLADays     map[string]int               `yaml:"freshness_sla_days"`
	AuthorityWeights     map[string]float64           `yaml:"authority_weights"`
	EvidenceTools        map[string]string            `yaml:"evidence_tools"`
	DriftSeverity        map[string]map[string]string `yaml:"drift_severity"`
	DriftControls        map[string][]string          `yaml:"drift_controls"`
	RemediationDays      map[string]int               `yaml:"remediation_days"`
	StigCrosswalk        map[string]crosswalkEntry    `yaml:"stig_crosswalk"`
	Controls             []Control                    `yaml:"controls"`
}

// Catalog is the loaded, immutable knowledge base.
type Catalog struct {
	data         catalogFile
	byFramework  map[string][]Control
	highPriority map[string]bool
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	raw, err := embeddedCatalog.ReadFile("data/controls.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading embedded catalog: %w", err)
	}
	var data catalogFile
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	c := &Catalog{
		data:         data,
		byFramework:  make(map[string][]Control),
		highPriority: make(map[string]bool),
	}
	for _, ctrl := range data.Controls {
		c.byFramework[ctrl.Framework] = append(c.byFramework[ctrl.Framework], ctrl)
	}
	for _, f := range data.HighPriorityFamilies {
		c.highPriority[f] = true
	}
	return c, nil
}

// BaselineFamilies returns the control families applicable to a baseline.
// Unknown baselines (including "custom") fall back to fedramp_mod.
func (c *Catalog) BaselineFamilies(baseline string) []string {
	if fams, ok := c.data.BaselineFamilies[baseline]; ok {
		return fams
	}
	return c.data.BaselineFamilies["fedramp_mod"]
}

// ControlsFor returns catalog controls for a framework, filtered to the
// baseline's families unless the baseline is "custom".
func (c *Catalog) ControlsFor(framework, baseline string) []Control {
	controls := c.byFramework[framework]
	if baseline == "custom" {
		return controls
	}
	families := make(map[string]bool)
	for _, f := range c.BaselineFamilies(baseline) {
		families[f] = true
	}
	var out []Control
	for _, ctrl := range controls {
		if families[ctrl.Family] {
			out = append(out, ctrl)
		}
	}
	return out
}

// RequiredEvidence returns the evidence types a control family needs.
func (c *Catalog) RequiredEvidence(family string) []string {
	if types, ok := c.data.EvidenceRequirements[family]; ok {
		return types
	}
	return []string{"config_snapshot"}
}

// MonitoringFrequency returns the recommended cadence for a family.
func (c *Catalog) MonitoringFrequency(family string) string {
	if freq, ok := c.data.MonitoringFrequency[family]; ok {
		return freq
	}
	return "monthly"
}

// FreshnessSLADays returns the freshness window for an evidence type.
func (c *Catalog) FreshnessSLADays(evidenceType string) int {
	if days, ok := c.data.FreshnessSLADays[evidenceType]; ok {
		return days
	}
	return 30
}

// FreshnessSLAs returns the full evidence-type -> SLA-days table.
func (c *Catalog) FreshnessSLAs() map[string]int {
	out := make(map[string]int, len(c.data.FreshnessSLADays))
	for k, v := range c.data.FreshnessSLADays {
		out[k] = v
	}
	return out
}

// AuthorityWeight returns the trust weight in [0,1] for an evidence type.
// Unlisted types get a conservative 0.5.
func (c *Catalog) AuthorityWeight(evidenceType string) float64 {
	if w, ok := c.data.AuthorityWeights[evidenceType]; ok {
		return w
	}
	return 0.5
}

// ToolFor returns the gateway tool that collects an evidence type, or "".
func (c *Catalog) ToolFor(evidenceType string) string {
	return c.data.EvidenceTools[evidenceType]
}

// DriftSeverity classifies a drift event by resource type and changed field.
// Field matching is substring-based, mirroring how collectors report fields
// like "iam.policy_change.role/admin". Defaults to medium.
func (c *Catalog) DriftSeverity(resourceType, field string) string {
	rules := c.data.DriftSeverity[strings.ToLower(resourceType)]
	for pattern, severity := range rules {
		if strings.Contains(strings.ToLower(field), pattern) {
			return severity
		}
	}
	return "medium"
}

// DriftControls maps a drift resource type to affected controls.
func (c *Catalog) DriftControls(resourceType string) []string {
	if ids, ok := c.data.DriftControls[strings.ToLower(resourceType)]; ok {
		return ids
	}
	return []string{"CM-3", "CM-6"}
}

// StigControls returns the NIST controls and CCI IDs mapped to a STIG rule.
func (c *Catalog) StigControls(ruleID string) (controls, ccis []string) {
	entry, ok := c.data.StigCrosswalk[ruleID]
	if !ok {
		return nil, nil
	}
	return entry.Controls, entry.CCIs
}

// HighPriorityFamily reports whether failures in this family are prioritized
// for remediation (severity "high").
func (c *Catalog) HighPriorityFamily(family string) bool {
	return c.highPriority[family]
}

// RemediationDays returns the due-date timeline for a severity; default 180.
func (c *Catalog) RemediationDays(severity string) int {
	if days, ok := c.data.RemediationDays[severity]; ok {
		return days
	}
	return 180
}

// Family extracts the family prefix from a control ID ("AC-3" -> "AC").
func Family(controlID string) string {
	if i := strings.Index(controlID, "-"); i > 0 {
		return controlID[:i]
	}
	return ""
}
