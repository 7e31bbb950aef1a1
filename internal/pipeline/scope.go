package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dativo-io/conmon/internal/state"
)

// resolveScope validates the run target and fills scope defaults. A run with
// neither a system ID nor a system name cannot proceed at all.
func (o *Orchestrator) resolveScope(ctx context.Context, run *state.RunState) (map[string]any, error) {
	scope := &run.Scope
	if scope.SystemID == "" && scope.SystemName == "" {
		return nil, fmt.Errorf("no system identifier or name in scope: %w", ErrScopeUnresolvable)
	}

	if scope.SystemID == "" {
		scope.SystemID = "sys-" + slug(scope.SystemName)
	}
	if scope.SystemName == "" {
		scope.SystemName = scope.SystemID
	}
	if len(scope.Providers) == 0 {
		scope.Providers = []string{"aws"}
	}
	if scope.Baseline == "" {
		scope.Baseline = "fedramp_mod"
	}
	if len(scope.Frameworks) == 0 {
		scope.Frameworks = []string{"nist_800_53_r5"}
	}
	if scope.Environment == "" {
		scope.Environment = "production"
	}

	return map[string]any{
		"system_id":  scope.SystemID,
		"providers":  scope.Providers,
		"baseline":   scope.Baseline,
		"frameworks": scope.Frameworks,
	}, nil
}

func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	return s
}
