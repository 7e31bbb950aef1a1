// Package pipeline owns the run state and sequences the eleven assessment
// stages: resolve-scope, map-controls, plan-evidence, collect-evidence,
// detect-drift, assess-benchmark-findings, analyze-gaps, branch, remediate,
// report, persist. A stage failure is appended to the run's error list and
// the pipeline keeps going; only an unresolvable scope aborts the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dativo-io/conmon/internal/assess"
	"github.com/dativo-io/conmon/internal/catalog"
	"github.com/dativo-io/conmon/internal/evidence"
	"github.com/dativo-io/conmon/internal/mcp"
	conmonotel "github.com/dativo-io/conmon/internal/otel"
	"github.com/dativo-io/conmon/internal/runstore"
	"github.com/dativo-io/conmon/internal/state"
)

var tracer = conmonotel.Tracer("github.com/dativo-io/conmon/internal/pipeline")

var (
	// ErrScopeUnresolvable marks the one unrecoverable stage failure: a run
	// whose target system cannot be identified at all.
	ErrScopeUnresolvable = errors.New("scope unresolvable")

	ErrNotAwaitingApproval = errors.New("run is not awaiting approval")
	ErrApprovalsPending    = errors.New("run still has pending approvals")
)

// RetrievedItem is one ranked result from the knowledge retriever.
type RetrievedItem struct {
	Text     string
	Metadata map[string]any
}

// Retriever looks up narrative knowledge (SSP implementation statements,
// policy excerpts) for a control. Optional; a nil retriever skips narrative
// enrichment.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter map[string]string, k int) ([]RetrievedItem, error)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Gateway   *mcp.Gateway
	Catalog   *catalog.Catalog
	Vault     *evidence.Vault
	Runs      *runstore.Store
	Retriever Retriever
	// AutoApprove grants materialized approvals immediately and continues
	// through remediation synchronously (CLI mode).
	AutoApprove bool
}

// Orchestrator executes compliance runs.
type Orchestrator struct {
	gateway     *mcp.Gateway
	catalog     *catalog.Catalog
	vault       *evidence.Vault
	runs        *runstore.Store
	retriever   Retriever
	engine      *assess.Engine
	gapScorer   *assess.Scorer
	planScorer  *assess.Scorer
	autoApprove bool
	now         func() time.Time
}

// New builds an orchestrator. The gap-analysis scorer carries the
// authoritative verdict weights; the planner scorer uses the planner preset
// for its freshness pre-check only.
func New(opts Options) *Orchestrator {
	slas := opts.Catalog.FreshnessSLAs()
	return &Orchestrator{
		gateway:     opts.Gateway,
		catalog:     opts.Catalog,
		vault:       opts.Vault,
		runs:        opts.Runs,
		retriever:   opts.Retriever,
		engine:      assess.NewEngine(opts.Catalog),
		gapScorer:   assess.NewScorer(assess.GapWeights, slas, opts.Catalog.AuthorityWeight),
		planScorer:  assess.NewScorer(assess.PlannerWeights, slas, opts.Catalog.AuthorityWeight),
		autoApprove: opts.AutoApprove,
		now:         time.Now,
	}
}

type stage struct {
	name    string
	agentID string
	fn      func(ctx context.Context, run *state.RunState) (map[string]any, error)
}

// Execute runs the full pipeline for a new scope. The returned run carries
// all failure detail in its status and error list; Execute itself errors only
// when the durable checkpoint cannot be written.
func (o *Orchestrator) Execute(ctx context.Context, scope state.RunScope, question string) (*state.RunState, error) {
	run := state.NewRun(scope, question)
	return run, o.execute(ctx, run)
}

// ExecuteRun drives an already-created run through the pipeline. Used by the
// server, which allocates the run ID before executing out of band.
func (o *Orchestrator) ExecuteRun(ctx context.Context, run *state.RunState) error {
	return o.execute(ctx, run)
}

// StartRun creates, checkpoints, and executes a run. Satisfies
// trigger.RunStarter for scheduled and webhook-initiated runs.
func (o *Orchestrator) StartRun(ctx context.Context, scope state.RunScope, question string) error {
	run := state.NewRun(scope, question)
	if err := o.checkpoint(ctx, run); err != nil {
		return err
	}
	return o.execute(ctx, run)
}

func (o *Orchestrator) execute(ctx context.Context, run *state.RunState) error {
	ctx, span := tracer.Start(ctx, "pipeline.execute")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", run.RunID))

	run.Status = state.StatusRunning
	log.Info().Str("run_id", run.RunID).Str("system_id", run.Scope.SystemID).Msg("run_started")

	front := []stage{
		{"resolve-scope", "scope_resolver", o.resolveScope},
		{"map-controls", "control_mapping", o.mapControls},
		{"plan-evidence", "evidence_planner", o.planEvidence},
		{"collect-evidence", "evidence_collector", o.collectEvidence},
		{"detect-drift", "drift_detection", o.detectDrift},
		{"assess-benchmark-findings", "stig_posture", o.assessBenchmarkFindings},
		{"analyze-gaps", "gap_analysis", o.analyzeGaps},
	}
	for _, st := range front {
		if fatal := o.runStage(ctx, run, st); fatal {
			return o.finishFailed(ctx, run)
		}
	}

	decision := Decide(run)
	o.traceBranch(run, decision)

	if decision == DecisionAwaitApproval {
		if fatal := o.runStage(ctx, run, stage{"branch", "approval_gate", o.materializeApprovals}); fatal {
			return o.finishFailed(ctx, run)
		}
		if !o.autoApprove {
			run.Status = state.StatusAwaitingApproval
			log.Info().Str("run_id", run.RunID).Int("approvals", len(run.Approvals)).Msg("run_suspended")
			return o.checkpoint(ctx, run)
		}
		o.autoGrant(ctx, run)
	}

	return o.runTail(ctx, run)
}

// Resume re-enters a suspended run at the remediate stage. It refuses to
// proceed while any approval for the run is still pending.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*state.RunState, error) {
	ctx, span := tracer.Start(ctx, "pipeline.resume")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != state.StatusAwaitingApproval {
		return run, fmt.Errorf("run %s has status %s: %w", runID, run.Status, ErrNotAwaitingApproval)
	}
	pending, err := o.runs.HasPending(ctx, runID)
	if err != nil {
		return run, err
	}
	if pending {
		return run, fmt.Errorf("run %s: %w", runID, ErrApprovalsPending)
	}

	// Reflect reviewer decisions recorded while the run was suspended.
	for i := range run.Approvals {
		if appr, err := o.runs.GetApproval(ctx, run.Approvals[i].ApprovalID); err == nil {
			run.Approvals[i] = *appr
		}
	}

	run.Status = state.StatusRunning
	log.Info().Str("run_id", runID).Msg("run_resumed")
	return run, o.runTail(ctx, run)
}

// runTail executes the post-branch stages and completes the run.
func (o *Orchestrator) runTail(ctx context.Context, run *state.RunState) error {
	tail := []stage{
		{"remediate", "remediation", o.remediate},
		{"report", "reporting", o.buildReports},
	}
	for _, st := range tail {
		if fatal := o.runStage(ctx, run, st); fatal {
			return o.finishFailed(ctx, run)
		}
	}

	run.Status = state.StatusCompleted
	ended := o.now().UTC()
	run.Ended = &ended

	o.runStage(ctx, run, stage{"persist", "persistence", o.persistRun})
	log.Info().
		Str("run_id", run.RunID).
		Str("status", string(run.Status)).
		Float64("compliance_score", run.Summary.ComplianceScore).
		Msg("run_complete")
	return nil
}

// runStage executes one stage with trace capture and panic containment. The
// returned flag is true only for the unrecoverable class of failures.
func (o *Orchestrator) runStage(ctx context.Context, run *state.RunState, st stage) (fatal bool) {
	ctx, span := tracer.Start(ctx, "pipeline."+st.name)
	defer span.End()

	start := o.now()
	entry := state.TraceEntry{
		Timestamp:    start.UTC(),
		AgentID:      st.agentID,
		Action:       st.name,
		InputSummary: inputSummary(run),
	}

	out, err := func() (m map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("stage panic: %v", r)
			}
		}()
		return st.fn(ctx, run)
	}()

	entry.DurationMS = o.now().Sub(start).Milliseconds()
	if err != nil {
		run.AppendError(st.name, err.Error())
		entry.OutputSummary = map[string]any{"error": truncate(err.Error(), 200)}
		run.Trace = append(run.Trace, entry)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, ErrScopeUnresolvable) {
			log.Error().Str("run_id", run.RunID).Str("stage", st.name).Err(err).Msg("stage_unrecoverable")
			return true
		}
		log.Warn().Str("run_id", run.RunID).Str("stage", st.name).Err(err).Msg("stage_failed")
		return false
	}

	entry.OutputSummary = out
	run.Trace = append(run.Trace, entry)
	log.Info().
		Str("run_id", run.RunID).
		Str("stage", st.name).
		Int64("duration_ms", entry.DurationMS).
		Msg("stage_complete")
	return false
}

func (o *Orchestrator) traceBranch(run *state.RunState, decision Decision) {
	run.Trace = append(run.Trace, state.TraceEntry{
		Timestamp:    o.now().UTC(),
		AgentID:      "approval_gate",
		Action:       "branch",
		InputSummary: map[string]any{"requires_approval": run.RequiresApproval, "reasons": len(run.ApprovalReasons)},
		OutputSummary: map[string]any{
			"decision": string(decision),
		},
	})
	log.Info().Str("run_id", run.RunID).Str("decision", string(decision)).Msg("branch_decided")
}

func (o *Orchestrator) finishFailed(ctx context.Context, run *state.RunState) error {
	run.Status = state.StatusFailed
	ended := o.now().UTC()
	run.Ended = &ended
	log.Error().Str("run_id", run.RunID).Msg("run_failed")
	return o.checkpoint(ctx, run)
}

// checkpoint writes the run durably. Unlike the persist stage, a checkpoint
// failure at a suspend point is surfaced: a run that cannot be resumed later
// must not be reported as suspended.
func (o *Orchestrator) checkpoint(ctx context.Context, run *state.RunState) error {
	if o.runs == nil {
		return nil
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("checkpointing run %s: %w", run.RunID, err)
	}
	return nil
}

// inputSummary is the bounded view of the run recorded before each stage.
func inputSummary(run *state.RunState) map[string]any {
	return map[string]any{
		"status":      string(run.Status),
		"controls":    len(run.Controls),
		"artifacts":   len(run.Artifacts),
		"drift":       len(run.DriftEvents),
		"findings":    len(run.Findings),
		"assessments": len(run.Assessments),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
