package pipeline

import (
	"context"
	"fmt"

	"github.com/dativo-io/conmon/internal/state"
)

// persistRun writes the completed run durably. Persistence failure is
// recorded like any other stage failure and never changes the run outcome.
func (o *Orchestrator) persistRun(ctx context.Context, run *state.RunState) (map[string]any, error) {
	if o.runs == nil {
		return map[string]any{"persisted": false}, nil
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run %s: %w", run.RunID, err)
	}
	return map[string]any{
		"persisted":   true,
		"assessments": len(run.Assessments),
		"artifacts":   len(run.Artifacts),
	}, nil
}
