package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/conmon/internal/state"
)

// Decision is the routing outcome of the approval gate.
type Decision string

const (
	DecisionAwaitApproval Decision = "await_approval"
	DecisionAutoRemediate Decision = "auto_remediate"
)

// Decide is the pure branch function: human approval is required exactly
// when gap analysis flagged a high or critical severity failure.
func Decide(run *state.RunState) Decision {
	if run.RequiresApproval {
		return DecisionAwaitApproval
	}
	return DecisionAutoRemediate
}

// materializeApprovals creates one grouped approval request covering every
// high/critical failure, persists it, and leaves the run ready to suspend.
func (o *Orchestrator) materializeApprovals(ctx context.Context, run *state.RunState) (map[string]any, error) {
	failures := run.FailedHighSeverity()
	if len(failures) == 0 {
		return map[string]any{"approvals_created": 0}, nil
	}

	severity := "high"
	controls := make([]string, 0, len(failures))
	for _, a := range failures {
		controls = append(controls, a.ControlID)
		if a.Severity == "critical" {
			severity = "critical"
		}
	}

	appr := state.Approval{
		ApprovalID:       "appr_" + uuid.New().String()[:12],
		RunID:            run.RunID,
		ActionType:       "remediation",
		Status:           "pending",
		Severity:         severity,
		Reasons:          run.ApprovalReasons,
		AffectedControls: controls,
		RequestedBy:      "gap_analysis",
		CreatedAt:        o.now().UTC(),
	}
	run.Approvals = append(run.Approvals, appr)

	if o.runs != nil {
		if err := o.runs.SaveApproval(ctx, &appr); err != nil {
			run.AppendError("branch", "persisting approval: "+err.Error())
		}
	}

	log.Info().
		Str("run_id", run.RunID).
		Str("approval_id", appr.ApprovalID).
		Int("affected_controls", len(controls)).
		Msg("approval_requested")
	return map[string]any{
		"approvals_created": 1,
		"affected_controls": len(controls),
	}, nil
}

// autoGrant approves every pending approval in CLI auto-approve mode so the
// pipeline can continue synchronously.
func (o *Orchestrator) autoGrant(ctx context.Context, run *state.RunState) {
	now := o.now().UTC()
	for i := range run.Approvals {
		if run.Approvals[i].Status != "pending" {
			continue
		}
		run.Approvals[i].Status = "approved"
		run.Approvals[i].ReviewedBy = "auto-approve"
		run.Approvals[i].ReviewedAt = &now
		if o.runs != nil {
			if err := o.runs.Decide(ctx, run.Approvals[i].ApprovalID, "auto-approve", true); err != nil {
				log.Warn().Str("approval_id", run.Approvals[i].ApprovalID).Err(err).Msg("auto_approve_failed")
			}
		}
	}
	log.Info().Str("run_id", run.RunID).Msg("approvals_auto_granted")
}
