// Package policy loads governance policy for assessment agents and evaluates
// tool and provider access through embedded OPA rules.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Policy is the governance contract for one assessment agent: which tools it
// may invoke, which cloud providers it may reach, its call budget, and which
// action categories require human sign-off before execution.
type Policy struct {
	AgentID            string   `yaml:"agent_id" json:"agent_id"`
	Description        string   `yaml:"description,omitempty" json:"description,omitempty"`
	Version            string   `yaml:"version" json:"version"`
	AllowedTools       []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	AllowedProviders   []string `yaml:"allowed_providers,omitempty" json:"allowed_providers,omitempty"`
	MaxCallsPerMinute  int      `yaml:"max_calls_per_minute,omitempty" json:"max_calls_per_minute,omitempty"`
	RequireApprovalFor []string `yaml:"require_approval_for,omitempty" json:"require_approval_for,omitempty"`
	AuditAllCalls      bool     `yaml:"audit_all_calls" json:"audit_all_calls"`

	// Computed on load, not serialized.
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// Default returns the policy applied when no policy file is configured:
// every registered tool allowed, modify actions gated, everything audited.
func Default() *Policy {
	p := &Policy{
		AgentID:            "conmon-assessor",
		Version:            "1.0",
		MaxCallsPerMinute:  60,
		RequireApprovalFor: []string{"modify"},
		AuditAllCalls:      true,
	}
	p.ComputeHash([]byte("default"))
	return p
}

// ComputeHash records the SHA-256 of the policy source and sets the
// VersionTag to "{version}:sha256:{first8chars}".
func (p *Policy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}

// RequiresApproval reports whether the given action category is gated.
func (p *Policy) RequiresApproval(action string) bool {
	for _, a := range p.RequireApprovalFor {
		if a == action {
			return true
		}
	}
	return false
}

func applyDefaults(p *Policy) {
	if p.AgentID == "" {
		p.AgentID = "conmon-assessor"
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	if p.MaxCallsPerMinute <= 0 {
		p.MaxCallsPerMinute = 60
	}
	if p.RequireApprovalFor == nil {
		p.RequireApprovalFor = []string{"modify"}
	}
}
