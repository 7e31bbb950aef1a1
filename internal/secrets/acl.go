package secrets

import (
	"path/filepath"
	"strings"
)

// ACL defines which agents may read a credential and which systems it is
// scoped to. Entries support glob patterns.
type ACL struct {
	Agents          []string `json:"agents"`
	Systems         []string `json:"systems"`
	ForbiddenAgents []string `json:"forbidden_agents"`
}

// CheckAccess verifies an agent+system combination against the ACL. The
// forbidden list is checked first (explicit deny); empty allow lists mean
// allow-all.
func (a ACL) CheckAccess(agentID, systemID string) bool {
	for _, pattern := range a.ForbiddenAgents {
		if matchGlob(pattern, agentID) {
			return false
		}
	}

	systemAllowed := len(a.Systems) == 0
	for _, pattern := range a.Systems {
		if matchGlob(pattern, systemID) {
			systemAllowed = true
			break
		}
	}
	if !systemAllowed {
		return false
	}

	agentAllowed := len(a.Agents) == 0
	for _, pattern := range a.Agents {
		if matchGlob(pattern, agentID) {
			agentAllowed = true
			break
		}
	}
	return agentAllowed
}

func matchGlob(pattern, str string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == str
	}
	matched, _ := filepath.Match(pattern, str)
	return matched
}
