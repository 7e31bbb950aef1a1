package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dativo-io/conmon/internal/mcp"
	"github.com/dativo-io/conmon/internal/state"
)

// remediate creates POA&M items for every failing or partial control,
// remediation tickets for high/critical failures and open CAT I findings,
// and a remediation pull request plus pipeline trigger when drift demands a
// configuration rollback. Pipeline triggers are modify actions; they run
// under the approval granted at the gate or are parked as a new approval.
func (o *Orchestrator) remediate(ctx context.Context, run *state.RunState) (map[string]any, error) {
	poamCreated, ticketsCreated := 0, 0

	for _, a := range run.Assessments {
		if a.Status != state.StatusFail && a.Status != state.StatusPartial {
			continue
		}
		poam, err := o.createPOAM(ctx, run, a)
		if err != nil {
			run.AppendError("remediate", err.Error())
			continue
		}
		run.POAMItems = append(run.POAMItems, *poam)
		poamCreated++

		if a.Severity == "high" || a.Severity == "critical" {
			title := fmt.Sprintf("[%s] Remediate control %s (%s)", run.Scope.SystemID, a.ControlID, a.Severity)
			if o.createTicket(ctx, run, title, a.Severity, []string{a.ControlID}) {
				ticketsCreated++
			}
		}
	}

	for _, f := range run.Findings {
		if f.Status != "Open" || f.Severity != "CAT_I" {
			continue
		}
		title := fmt.Sprintf("[%s] CAT I benchmark finding %s on %s", run.Scope.SystemID, f.VulnID, f.AssetID)
		if o.createTicket(ctx, run, title, "critical", f.MappedControls) {
			ticketsCreated++
		}
	}

	pipelinesTriggered := o.triggerDriftRollback(ctx, run)

	return map[string]any{
		"poam_created":        poamCreated,
		"tickets_created":     ticketsCreated,
		"pipelines_triggered": pipelinesTriggered,
	}, nil
}

func (o *Orchestrator) createPOAM(ctx context.Context, run *state.RunState, a state.ControlAssessment) (*state.POAMItem, error) {
	now := o.now().UTC()
	due := now.AddDate(0, 0, o.catalog.RemediationDays(a.Severity)).Format("2006-01-02")
	milestones := []state.Milestone{
		{Description: "Root cause analysis and remediation plan", TargetDate: now.AddDate(0, 0, 14).Format("2006-01-02"), Status: "pending"},
		{Description: "Implement remediation", TargetDate: now.AddDate(0, 0, 60).Format("2006-01-02"), Status: "pending"},
		{Description: "Verify remediation and collect evidence", TargetDate: due, Status: "pending"},
	}

	result, err := o.gateway.Call(ctx, mcp.CallRequest{
		RunID:   run.RunID,
		AgentID: "remediation",
		Tool:    "compliance_core.create_poam_item",
		Params: map[string]any{
			"system_id":  run.Scope.SystemID,
			"framework":  a.Framework,
			"control_id": a.ControlID,
			"weakness":   a.Rationale,
			"severity":   a.Severity,
			"owner":      "system-owner@example.com",
			"due_date":   due,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating POA&M for %s: %w", a.ControlID, err)
	}

	poamID := asString(asMap(result.Output), "poam_id")
	if poamID == "" {
		poamID = "poam_" + uuid.New().String()[:12]
	}
	return &state.POAMItem{
		POAMID:     poamID,
		ControlID:  a.ControlID,
		Framework:  a.Framework,
		Weakness:   a.Rationale,
		Severity:   a.Severity,
		Owner:      "system-owner@example.com",
		DueDate:    due,
		Milestones: milestones,
		Status:     "open",
	}, nil
}

func (o *Orchestrator) createTicket(ctx context.Context, run *state.RunState, title, priority string, controls []string) bool {
	result, err := o.gateway.Call(ctx, mcp.CallRequest{
		RunID:   run.RunID,
		AgentID: "remediation",
		Tool:    "ticketing.create_ticket",
		Params: map[string]any{
			"system":   "jira",
			"title":    title,
			"priority": priority,
			"labels":   []string{"compliance", "conmon"},
		},
	})
	if err != nil {
		run.AppendError("remediate", fmt.Sprintf("creating ticket %q: %s", title, err))
		return false
	}
	ticket := asMap(result.Output)
	run.Tickets = append(run.Tickets, state.Ticket{
		TicketID:       asString(ticket, "ticket_id"),
		TicketURL:      asString(ticket, "ticket_url"),
		System:         asString(ticket, "system"),
		Title:          title,
		LinkedControls: controls,
	})
	return true
}

// triggerDriftRollback opens a remediation PR and triggers the pipeline when
// high or critical drift was observed. The trigger is the run's one modify
// action: it executes under a granted approval, otherwise the parked call's
// approval payload is recorded for later review.
func (o *Orchestrator) triggerDriftRollback(ctx context.Context, run *state.RunState) int {
	var worst string
	for _, d := range run.DriftEvents {
		if d.Severity == "high" || d.Severity == "critical" {
			worst = d.Severity
			break
		}
	}
	if worst == "" {
		return 0
	}

	prReq := mcp.CallRequest{
		RunID:   run.RunID,
		AgentID: "remediation",
		Tool:    "cicd.create_remediation_pr",
		Params: map[string]any{
			"repo":   "infra",
			"title":  fmt.Sprintf("Revert %s severity configuration drift for %s", worst, run.Scope.SystemID),
			"branch": "conmon/" + run.RunID,
		},
	}
	if _, err := o.gateway.Call(ctx, prReq); err != nil {
		run.AppendError("remediate", "creating remediation PR: "+err.Error())
		return 0
	}

	triggerReq := mcp.CallRequest{
		RunID:   run.RunID,
		AgentID: "remediation",
		Tool:    "cicd.trigger_remediation_pipeline",
		Params:  map[string]any{"repo": "infra", "pipeline": "remediation"},
	}

	var result *mcp.CallResult
	var err error
	if approvalID := grantedApprovalID(run); approvalID != "" {
		result, err = o.gateway.CallApproved(ctx, triggerReq, approvalID)
	} else {
		result, err = o.gateway.Call(ctx, triggerReq)
	}
	if err != nil {
		run.AppendError("remediate", "triggering remediation pipeline: "+err.Error())
		return 0
	}
	if result.Outcome == mcp.OutcomeNeedsApproval {
		appr := state.Approval{
			ApprovalID:       result.Approval.ApprovalID,
			RunID:            run.RunID,
			ActionType:       result.Approval.Action,
			Status:           "pending",
			Severity:         worst,
			Reasons:          []string{"remediation pipeline trigger is a modify action"},
			AffectedControls: nil,
			RequestedBy:      "remediation",
			CreatedAt:        o.now().UTC(),
		}
		run.Approvals = append(run.Approvals, appr)
		if o.runs != nil {
			if err := o.runs.SaveApproval(ctx, &appr); err != nil {
				run.AppendError("remediate", "persisting pipeline approval: "+err.Error())
			}
		}
		return 0
	}
	return 1
}

func grantedApprovalID(run *state.RunState) string {
	for _, a := range run.Approvals {
		if a.Status == "approved" {
			return a.ApprovalID
		}
	}
	return ""
}
