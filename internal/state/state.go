// Package state defines the run-state aggregate threaded through the
// compliance pipeline. A single *RunState is owned by the orchestrator and
// handed to each stage in turn; stages write only the fields they own and
// append to (never delete from) list fields, so the trace, artifact, drift,
// and finding lists are monotonic within a run.
package state

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle status of a compliance run.
type RunStatus string

const (
	StatusPending          RunStatus = "pending"
	StatusRunning          RunStatus = "running"
	StatusAwaitingApproval RunStatus = "awaiting_approval"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
)

// AssessmentStatus is the per-control verdict.
type AssessmentStatus string

const (
	StatusPass         AssessmentStatus = "pass"
	StatusFail         AssessmentStatus = "fail"
	StatusPartial      AssessmentStatus = "partial"
	StatusNA           AssessmentStatus = "not_applicable"
	StatusManualReview AssessmentStatus = "manual_review_required"
)

// RunScope is the immutable per-run targeting. Created once at run start and
// never mutated afterward (the scope-resolution stage fills defaults before
// the first downstream read).
type RunScope struct {
	SystemID    string            `json:"system_id"`
	SystemName  string            `json:"system_name"`
	Providers   []string          `json:"providers"`
	Environment string            `json:"environment"`
	Boundary    map[string]string `json:"boundary,omitempty"`
	Baseline    string            `json:"baseline"`
	Frameworks  []string          `json:"frameworks"`
}

// CrossMapping links a control to its counterpart in another framework.
type CrossMapping struct {
	TargetFramework string `json:"target_framework"`
	TargetControlID string `json:"target_control_id"`
	CCIID           string `json:"cci_id,omitempty"`
}

// ControlInfo is the mapped metadata for one control in scope.
type ControlInfo struct {
	ControlID             string         `json:"control_id"`
	Framework             string         `json:"framework"`
	Title                 string         `json:"title"`
	Family                string         `json:"family"`
	Description           string         `json:"description,omitempty"`
	BaselineImpact        string         `json:"baseline_impact,omitempty"`
	RequiredEvidenceTypes []string       `json:"required_evidence_types"`
	MonitoringFrequency   string         `json:"monitoring_frequency,omitempty"`
	CrossMappings         []CrossMapping `json:"cross_mappings,omitempty"`
	// Narrative is the SSP implementation statement retrieved for this
	// control, when the knowledge retriever found one.
	Narrative string `json:"narrative,omitempty"`
}

// PlannedSource names one tool invocation that can produce a required
// evidence type for a control.
type PlannedSource struct {
	EvidenceType     string `json:"evidence_type"`
	Provider         string `json:"provider"`
	Tool             string `json:"tool"`
	FreshnessSLADays int    `json:"freshness_sla_days"`
}

// EvidencePlanEntry is the collection plan for one control.
type EvidencePlanEntry struct {
	ControlID       string          `json:"control_id"`
	EvidenceTypes   []string        `json:"evidence_types"`
	ExistingFresh   []string        `json:"existing_fresh"`
	NeedsCollection []string        `json:"needs_collection"`
	Sources         []PlannedSource `json:"sources"`
}

// EvidenceArtifact is an immutable record of collected fact. Identity is the
// content hash plus artifact ID; artifacts are never edited after creation.
type EvidenceArtifact struct {
	ArtifactID  string         `json:"artifact_id"`
	Type        string         `json:"artifact_type"`
	Provider    string         `json:"provider"`
	Hash        string         `json:"hash"`
	StorageURI  string         `json:"storage_uri"`
	ControlIDs  []string       `json:"control_ids"`
	CollectedAt time.Time      `json:"collected_at"`
	Extra       map[string]any `json:"extra,omitempty"` // provider-specific metadata only
}

// DriftEvent records a divergence between the attested baseline and the
// currently observed configuration.
type DriftEvent struct {
	ResourceID       string    `json:"resource_id"`
	ResourceType     string    `json:"resource_type"`
	Field            string    `json:"field"`
	BaselineValue    string    `json:"baseline_value"`
	CurrentValue     string    `json:"current_value"`
	ChangedBy        string    `json:"changed_by,omitempty"`
	ChangedAt        time.Time `json:"changed_at"`
	Severity         string    `json:"severity"`
	AffectedControls []string  `json:"affected_controls"`
	Provider         string    `json:"provider"`
}

// Finding is a benchmark/checklist-derived compliance defect on an asset.
type Finding struct {
	VulnID           string   `json:"vuln_id"`
	RuleID           string   `json:"rule_id"`
	BenchmarkID      string   `json:"benchmark_id,omitempty"`
	Severity         string   `json:"severity"` // CAT_I, CAT_II, CAT_III
	Status           string   `json:"status"`   // Open, Not_A_Finding, Not_Applicable
	Details          string   `json:"details,omitempty"`
	Comments         string   `json:"comments,omitempty"`
	AssetID          string   `json:"asset_id"`
	BenchmarkName    string   `json:"benchmark_name,omitempty"`
	BenchmarkVersion string   `json:"benchmark_version,omitempty"`
	MappedControls   []string `json:"mapped_controls"`
	CCIIDs           []string `json:"cci_ids,omitempty"`
}

// Citation ties an assessment back to the artifact that supports it.
type Citation struct {
	ArtifactID   string `json:"artifact_id"`
	ArtifactType string `json:"artifact_type"`
	Stance       string `json:"stance"` // supports | neutral
}

// Contradiction flags a stated-vs-observed mismatch for a control.
type Contradiction struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Claim       string `json:"claim,omitempty"`
	Observed    string `json:"observed,omitempty"`
}

// ControlAssessment is the verdict for one control. Produced exactly once per
// control per run; immutable after creation.
type ControlAssessment struct {
	ControlID        string           `json:"control_id"`
	Framework        string           `json:"framework"`
	Status           AssessmentStatus `json:"status"`
	Confidence       float64          `json:"confidence"`
	Rationale        string           `json:"rationale"`
	Citations        []Citation       `json:"evidence_citations"`
	SufficiencyScore float64          `json:"sufficiency_score"`
	Contradictions   []Contradiction  `json:"contradictions,omitempty"`
	DriftDetected    bool             `json:"drift_detected"`
	DriftSeverity    string           `json:"drift_severity,omitempty"`
	OpenFindingCount int              `json:"open_finding_count"`
	CatIOpenCount    int              `json:"cat_i_open_count"`
	Severity         string           `json:"severity"` // remediation priority: high | moderate
}

// Milestone is one step of a POA&M remediation plan.
type Milestone struct {
	Description string `json:"description"`
	TargetDate  string `json:"target_date"`
	Status      string `json:"status"`
}

// POAMItem is a remediation plan record for a failing/partial control.
type POAMItem struct {
	POAMID     string      `json:"poam_id"`
	ControlID  string      `json:"control_id"`
	Framework  string      `json:"framework"`
	Weakness   string      `json:"weakness"`
	Severity   string      `json:"severity"`
	Owner      string      `json:"owner,omitempty"`
	DueDate    string      `json:"due_date"`
	Milestones []Milestone `json:"milestones"`
	Status     string      `json:"status"`
}

// Ticket is a remediation ticket in an external system.
type Ticket struct {
	TicketID       string   `json:"ticket_id"`
	TicketURL      string   `json:"ticket_url,omitempty"`
	System         string   `json:"system"`
	Title          string   `json:"title"`
	LinkedControls []string `json:"linked_controls"`
}

// Approval is a human sign-off request created when the gate suspends a run.
type Approval struct {
	ApprovalID       string     `json:"approval_id"`
	RunID            string     `json:"run_id"`
	ActionType       string     `json:"action_type"`
	Status           string     `json:"status"` // pending | approved | rejected
	Severity         string     `json:"severity"`
	Reasons          []string   `json:"reasons"`
	AffectedControls []string   `json:"affected_controls"`
	RequestedBy      string     `json:"requested_by"`
	ReviewedBy       string     `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TraceEntry is one pipeline-stage execution record. The trace is append-only
// and is the sole audit record for non-tool pipeline work.
type TraceEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	AgentID       string         `json:"agent_id"`
	Action        string         `json:"action"`
	InputSummary  map[string]any `json:"input_summary"`
	OutputSummary map[string]any `json:"output_summary"`
	DurationMS    int64          `json:"duration_ms"`
}

// RunError is a non-fatal failure recorded during a stage.
type RunError struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary aggregates verdict counts for a run.
type Summary struct {
	TotalControls   int     `json:"total_controls"`
	Passed          int     `json:"passed"`
	Failed          int     `json:"failed"`
	Partial         int     `json:"partial"`
	NotApplicable   int     `json:"not_applicable"`
	ManualReview    int     `json:"manual_review"`
	ComplianceScore float64 `json:"compliance_score"`
}

// RunState is the single mutable aggregate threaded through the pipeline.
// Field ownership follows stage order: each field is written by exactly one
// stage and read-only to all later stages.
type RunState struct {
	RunID    string     `json:"run_id"`
	Scope    RunScope   `json:"scope"`
	Question string     `json:"question,omitempty"`
	TenantID string     `json:"tenant_id"`
	Started  time.Time  `json:"started_at"`
	Ended    *time.Time `json:"completed_at,omitempty"`
	Status   RunStatus  `json:"status"`

	Controls     map[string]ControlInfo       `json:"control_map"`   // "framework:controlID" -> metadata
	EvidencePlan map[string]EvidencePlanEntry `json:"evidence_plan"` // controlID -> plan
	Artifacts    []EvidenceArtifact           `json:"evidence_artifacts"`
	DriftEvents  []DriftEvent                 `json:"drift_events"`
	Findings     []Finding                    `json:"findings"`
	Assessments  []ControlAssessment          `json:"control_assessments"`
	POAMItems    []POAMItem                   `json:"poam_items"`
	Tickets      []Ticket                     `json:"tickets"`

	RequiresApproval bool       `json:"requires_approval"`
	ApprovalReasons  []string   `json:"approval_reasons,omitempty"`
	Approvals        []Approval `json:"approvals,omitempty"`

	Reports map[string]any `json:"reports,omitempty"`

	Trace        []TraceEntry `json:"agent_trace"`
	OverallScore *float64     `json:"overall_score,omitempty"`
	Summary      Summary      `json:"summary"`
	Errors       []RunError   `json:"errors,omitempty"`
}

// NewRun creates a pending run for the given scope.
func NewRun(scope RunScope, question string) *RunState {
	return &RunState{
		RunID:        "run_" + uuid.New().String()[:12],
		Scope:        scope,
		Question:     question,
		TenantID:     "default",
		Started:      time.Now().UTC(),
		Status:       StatusPending,
		Controls:     make(map[string]ControlInfo),
		EvidencePlan: make(map[string]EvidencePlanEntry),
		Reports:      make(map[string]any),
	}
}

// AppendError records a non-fatal stage failure.
func (s *RunState) AppendError(stage, message string) {
	s.Errors = append(s.Errors, RunError{
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// FailedHighSeverity returns the assessments that force human approval:
// status fail with high or critical remediation severity.
func (s *RunState) FailedHighSeverity() []ControlAssessment {
	var out []ControlAssessment
	for _, a := range s.Assessments {
		if a.Status == StatusFail && (a.Severity == "high" || a.Severity == "critical") {
			out = append(out, a)
		}
	}
	return out
}

// PendingApprovals returns approvals still awaiting review.
func (s *RunState) PendingApprovals() []Approval {
	var out []Approval
	for _, a := range s.Approvals {
		if a.Status == "pending" {
			out = append(out, a)
		}
	}
	return out
}
