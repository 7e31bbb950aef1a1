package mcp

// Action categorizes what a tool call does to the target environment. The
// category, not the tool name, drives approval gating: policies gate whole
// categories (by default only ActionModify).
type Action string

const (
	ActionRead     Action = "read"
	ActionEvaluate Action = "evaluate"
	ActionStore    Action = "store"
	ActionCreate   Action = "create"
	ActionScan     Action = "scan"
	ActionModify   Action = "modify"
)

// defaultActionTable maps fully qualified tool names to their action
// category. Tools absent from this table classify as ActionModify, so an
// unknown tool is approval-gated rather than silently executed.
var defaultActionTable = map[string]Action{
	"cloud.get_asset_inventory": ActionRead,
	"cloud.get_config_snapshot": ActionRead,
	"cloud.query_audit_logs":    ActionRead,
	"cloud.detect_drift":        ActionEvaluate,

	"stig_scap.ingest_ckl":                ActionStore,
	"stig_scap.get_stig_benchmark_info":   ActionRead,
	"stig_scap.map_stig_to_nist_controls": ActionRead,
	"stig_scap.run_scap_scan":             ActionScan,

	"compliance_core.get_control_catalog":     ActionRead,
	"compliance_core.evaluate_control_rule":   ActionEvaluate,
	"compliance_core.store_evidence_artifact": ActionStore,
	"compliance_core.create_poam_item":        ActionCreate,
	"compliance_core.create_ticket":           ActionCreate,

	"ticketing.query_tickets": ActionRead,
	"ticketing.create_ticket": ActionCreate,
	"ticketing.update_ticket": ActionModify,

	"cicd.run_terraform_plan":           ActionRead,
	"cicd.run_policy_check":             ActionRead,
	"cicd.create_remediation_pr":        ActionCreate,
	"cicd.trigger_remediation_pipeline": ActionModify,
}

// ActionFor returns the action category for a tool name. Unknown tools fail
// closed to ActionModify.
func ActionFor(toolName string) Action {
	if a, ok := defaultActionTable[toolName]; ok {
		return a
	}
	return ActionModify
}
