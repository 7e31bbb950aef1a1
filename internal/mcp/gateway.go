// Package mcp is the tool gateway: the single choke point between the
// assessment pipeline and every external tool. Each call is classified by
// action category, checked against policy, rate limited, approval-gated when
// the category requires sign-off, executed, and written to the tamper-evident
// audit log. No call path bypasses the gateway and no call is dropped without
// an audit record.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/conmon/internal/audit"
	conmonotel "github.com/dativo-io/conmon/internal/otel"
	"github.com/dativo-io/conmon/internal/policy"
)

var tracer = conmonotel.Tracer("github.com/dativo-io/conmon/internal/mcp")

// Toolset executes the methods of one tool namespace (cloud, stig_scap,
// ticketing, compliance_core, cicd).
type Toolset interface {
	// Invoke runs the named method with the given parameters.
	Invoke(ctx context.Context, method string, params map[string]any) (any, error)
}

// Outcome distinguishes a completed call from one parked for approval.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeNeedsApproval Outcome = "needs_approval"
)

// CallRequest describes one tool invocation.
type CallRequest struct {
	RunID    string
	AgentID  string
	Tool     string // "toolset.method"
	Provider string
	Params   map[string]any
	// ApprovalID is set when resubmitting a call that has been approved;
	// the approval gate is skipped but policy and audit still apply.
	ApprovalID string
}

// CallResult is the outcome of a gateway call. Needing approval is a result,
// not an error: the caller suspends and resubmits via CallApproved later.
type CallResult struct {
	Outcome    Outcome
	Output     any
	OutputHash string
	Action     Action
	Approval   *ApprovalPayload
	RecordID   string
}

// ApprovalPayload carries everything a reviewer needs to decide on a parked
// call. Params are already credential-redacted.
type ApprovalPayload struct {
	ApprovalID  string         `json:"approval_id"`
	RunID       string         `json:"run_id"`
	AgentID     string         `json:"agent_id"`
	Tool        string         `json:"tool"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Gateway mediates all tool calls.
type Gateway struct {
	toolsets map[string]Toolset
	engine   *policy.Engine
	auditLog *audit.Store
	limiter  *callLimiter
}

// NewGateway builds a gateway over the given policy engine and audit store.
func NewGateway(engine *policy.Engine, auditLog *audit.Store) *Gateway {
	return &Gateway{
		toolsets: make(map[string]Toolset),
		engine:   engine,
		auditLog: auditLog,
		limiter:  newCallLimiter(engine.Policy().MaxCallsPerMinute),
	}
}

// Register adds a toolset under its namespace. Registering the same name
// twice replaces the earlier toolset.
func (g *Gateway) Register(name string, ts Toolset) {
	g.toolsets[name] = ts
}

// Call routes one tool invocation through policy, rate limiting, approval
// gating, execution, and audit. Every path, including denials, produces an
// audit record before returning.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	action := ActionFor(req.Tool)
	ctx, span := tracer.Start(ctx, "mcp.call",
		trace.WithAttributes(
			attribute.String("tool.name", req.Tool),
			attribute.String("tool.action", string(action)),
			attribute.String("run_id", req.RunID),
		))
	defer span.End()

	started := time.Now().UTC()
	rec := &audit.CallRecord{
		ID:        audit.NewRecordID(),
		RunID:     req.RunID,
		AgentID:   req.AgentID,
		Tool:      req.Tool,
		Action:    string(action),
		Provider:  req.Provider,
		Params:    RedactParams(req.Params),
		StartedAt: started,
	}

	decision, err := g.engine.EvaluateToolAccess(ctx, req.Tool, req.Provider, req.Params)
	if err != nil {
		g.finishRecord(ctx, rec, "", false, err.Error())
		return nil, fmt.Errorf("evaluating tool access: %w", err)
	}
	rec.PolicyDecision = audit.PolicyDecision{
		Allowed:       decision.Allowed,
		Reasons:       decision.Reasons,
		PolicyVersion: decision.PolicyVersion,
	}
	if !decision.Allowed {
		g.finishRecord(ctx, rec, "", false, "policy violation")
		span.SetStatus(codes.Error, "policy violation")
		log.Warn().
			Str("tool", req.Tool).
			Strs("reasons", decision.Reasons).
			Msg("gateway_call_denied")
		return nil, &PolicyViolationError{Tool: req.Tool, Reasons: decision.Reasons}
	}

	// Rate limiting runs after the allowlist checks so denied calls never
	// consume the agent's budget. Over-limit is a policy violation like any
	// other deny.
	if !g.limiter.allow(req.AgentID) {
		reason := fmt.Sprintf("agent %s exceeded %d calls per minute", req.AgentID, g.engine.Policy().MaxCallsPerMinute)
		rec.PolicyDecision.Allowed = false
		rec.PolicyDecision.Reasons = append(rec.PolicyDecision.Reasons, reason)
		g.finishRecord(ctx, rec, "", false, reason)
		span.SetStatus(codes.Error, reason)
		log.Warn().
			Str("agent_id", req.AgentID).
			Str("tool", req.Tool).
			Msg("gateway_rate_limited")
		return nil, &PolicyViolationError{Tool: req.Tool, Reasons: []string{reason}}
	}

	if req.ApprovalID == "" && g.engine.Policy().RequiresApproval(string(action)) {
		payload := &ApprovalPayload{
			ApprovalID:  "appr_" + uuid.New().String()[:12],
			RunID:       req.RunID,
			AgentID:     req.AgentID,
			Tool:        req.Tool,
			Action:      string(action),
			Params:      rec.Params,
			RequestedAt: started,
		}
		rec.ApprovalRequired = true
		rec.ApprovalID = payload.ApprovalID
		g.finishRecord(ctx, rec, "", false, "awaiting approval")
		span.SetAttributes(attribute.String("approval_id", payload.ApprovalID))
		log.Info().
			Str("tool", req.Tool).
			Str("approval_id", payload.ApprovalID).
			Msg("gateway_call_parked")
		return &CallResult{
			Outcome:  OutcomeNeedsApproval,
			Action:   action,
			Approval: payload,
			RecordID: rec.ID,
		}, nil
	}
	if req.ApprovalID != "" {
		rec.ApprovalRequired = true
		rec.ApprovalID = req.ApprovalID
	}

	output, err := g.execute(ctx, req)
	if err != nil {
		g.finishRecord(ctx, rec, "", false, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hash := HashOutput(output)
	g.finishRecord(ctx, rec, hash, true, "")
	span.SetStatus(codes.Ok, "call completed")
	log.Debug().
		Str("tool", req.Tool).
		Str("output_hash", hash).
		Int64("duration_ms", rec.DurationMS).
		Msg("gateway_call_complete")
	return &CallResult{
		Outcome:    OutcomeOK,
		Output:     output,
		OutputHash: hash,
		Action:     action,
		RecordID:   rec.ID,
	}, nil
}

// CallApproved resubmits a previously parked call after sign-off. The
// approval ID ties the executing audit record back to the decision.
func (g *Gateway) CallApproved(ctx context.Context, req CallRequest, approvalID string) (*CallResult, error) {
	req.ApprovalID = approvalID
	return g.Call(ctx, req)
}

func (g *Gateway) execute(ctx context.Context, req CallRequest) (any, error) {
	namespace, method, ok := strings.Cut(req.Tool, ".")
	if !ok {
		return nil, &ToolError{Tool: req.Tool, Err: fmt.Errorf("tool name must be namespace.method")}
	}
	ts, ok := g.toolsets[namespace]
	if !ok {
		return nil, &ToolError{Tool: req.Tool, Err: fmt.Errorf("no toolset registered for %q", namespace)}
	}
	output, err := ts.Invoke(ctx, method, req.Params)
	if err != nil {
		return nil, &ToolError{Tool: req.Tool, Err: err}
	}
	return output, nil
}

// finishRecord completes timing fields and appends the record to the audit
// log. Audit failures are logged, not returned: an audit outage must not turn
// a completed tool call into a reported failure, and the error log preserves
// the trail.
func (g *Gateway) finishRecord(ctx context.Context, rec *audit.CallRecord, outputHash string, success bool, errMsg string) {
	rec.CompletedAt = time.Now().UTC()
	rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	rec.OutputHash = outputHash
	rec.Success = success
	rec.Error = errMsg
	if err := g.auditLog.Append(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("record_id", rec.ID).
			Str("tool", rec.Tool).
			Msg("audit_append_failed")
	}
}
