package tools

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/conmon/internal/catalog"
	"github.com/dativo-io/conmon/internal/evidence"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load()
	require.NoError(t, err)
	return cat
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func TestCloudDetectDrift(t *testing.T) {
	ts := NewCloudToolset("aws", testCatalog(t))
	ts.Now = fixedNow

	out, err := ts.Invoke(context.Background(), "detect_drift", map[string]any{"system_id": "sys-001"})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, 1, result["drift_count"])

	events := result["events"].([]map[string]any)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, "aws-sg-12345", event["resource_id"])
	assert.Equal(t, "network", event["resource_type"])
	assert.Equal(t, "sg_rule_added", event["field"])
	assert.Equal(t, "admin@example.com", event["changed_by"])
	assert.Equal(t, "high", event["severity"])
	assert.Contains(t, event["affected_controls"], "SC-7")
	assert.Contains(t, event["affected_controls"], "AC-4")
}

func TestCloudInventoryDeterministic(t *testing.T) {
	ts := NewCloudToolset("gcp", testCatalog(t))
	ts.Now = fixedNow

	params := map[string]any{"system_id": "sys-001"}
	first, err := ts.Invoke(context.Background(), "get_asset_inventory", params)
	require.NoError(t, err)
	second, err := ts.Invoke(context.Background(), "get_asset_inventory", params)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	result := first.(map[string]any)
	assert.Equal(t, "gcp", result["provider"])
	resources := result["resources"].([]map[string]any)
	require.NotEmpty(t, resources)
	assert.Equal(t, "gcp-res-0001", resources[0]["resource_id"])
	assert.Equal(t, "us-east4", resources[0]["region"])
}

func TestCloudUnknownMethod(t *testing.T) {
	ts := NewCloudToolset("aws", testCatalog(t))
	_, err := ts.Invoke(context.Background(), "delete_everything", nil)
	require.Error(t, err)
	var unknown *ErrUnknownMethod
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "delete_everything", unknown.Method)
}

func TestStigIngestCKL(t *testing.T) {
	ts := NewStigToolset(testCatalog(t))
	ts.Now = fixedNow

	out, err := ts.Invoke(context.Background(), "ingest_ckl", map[string]any{
		"system_id": "sys-001",
		"asset_id":  "dc01.example.com",
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "Windows Server 2022 STIG", result["stig_name"])
	findings := result["findings"].([]map[string]any)
	require.Len(t, findings, 2)
	assert.Equal(t, "Open", findings[0]["status"])
	assert.Equal(t, "CAT_II", findings[0]["severity"])
	assert.Equal(t, "dc01.example.com", findings[0]["asset_id"])

	summary := result["summary"].(map[string]int)
	assert.Equal(t, 1, summary["open"])
	assert.Equal(t, 1, summary["not_a_finding"])
}

func TestStigMapControlsUsesCrosswalk(t *testing.T) {
	ts := NewStigToolset(testCatalog(t))

	out, err := ts.Invoke(context.Background(), "map_stig_to_nist_controls", map[string]any{
		"stig_rule_ids": []string{"SV-254240r848547_rule", "SV-000000r000000_rule"},
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	mappings := result["mappings"].([]map[string]any)
	require.Len(t, mappings, 1)
	assert.Equal(t, "SV-254240r848547_rule", mappings[0]["stig_rule_id"])
	assert.ElementsMatch(t, []string{"AC-3", "IA-7"}, mappings[0]["nist_controls"])
	assert.Equal(t, []string{"SV-000000r000000_rule"}, result["unmapped_rules"])
}

func TestTicketingLifecycle(t *testing.T) {
	ts := NewTicketingToolset()
	ts.Now = fixedNow
	ctx := context.Background()

	created, err := ts.Invoke(ctx, "create_ticket", map[string]any{
		"system":   "jira",
		"title":    "Remediate SC-7 drift",
		"priority": "high",
	})
	require.NoError(t, err)
	ticket := created.(map[string]any)
	ticketID := ticket["ticket_id"].(string)
	assert.Contains(t, ticket["ticket_url"], ticketID)
	assert.Equal(t, "open", ticket["status"])

	updated, err := ts.Invoke(ctx, "update_ticket", map[string]any{
		"ticket_id": ticketID,
		"status":    "in_progress",
	})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", updated.(map[string]any)["status"])

	queried, err := ts.Invoke(ctx, "query_tickets", map[string]any{"system": "jira", "status": "in_progress"})
	require.NoError(t, err)
	result := queried.(map[string]any)
	assert.Equal(t, 1, result["total_count"])

	_, err = ts.Invoke(ctx, "update_ticket", map[string]any{"ticket_id": "JIRA-MISSING"})
	assert.Error(t, err)
}

func TestCoreStoreArtifactWritesVault(t *testing.T) {
	vault, err := evidence.NewVault(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	defer vault.Close()

	ts := NewCoreToolset(testCatalog(t), vault)
	ts.Now = fixedNow
	ctx := context.Background()

	out, err := ts.Invoke(ctx, "store_evidence_artifact", map[string]any{
		"system_id":     "sys-001",
		"run_id":        "run_abc",
		"artifact_type": "config_snapshot",
		"provider":      "aws",
		"control_ids":   []string{"SC-7"},
		"content":       map[string]any{"encryption_at_rest": true},
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	artifactID := result["artifact_id"].(string)
	assert.Contains(t, result["hash"], "sha256:")

	art, _, err := vault.Get(ctx, artifactID)
	require.NoError(t, err)
	assert.Equal(t, "config_snapshot", art.Type)
	assert.Equal(t, []string{"SC-7"}, art.ControlIDs)
}

func TestCoreEvaluateRule(t *testing.T) {
	ts := NewCoreToolset(testCatalog(t), nil)
	ts.Now = fixedNow
	ctx := context.Background()

	out, err := ts.Invoke(ctx, "evaluate_control_rule", map[string]any{
		"control_id":    "AC-2",
		"evidence_refs": []string{"ev_abc"},
	})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "pass", result["status"])
	assert.Equal(t, 0.8, result["confidence"])

	out, err = ts.Invoke(ctx, "evaluate_control_rule", map[string]any{"control_id": "AC-2"})
	require.NoError(t, err)
	assert.Equal(t, "manual_review_required", out.(map[string]any)["status"])
}

func TestCorePOAMDueDateFollowsSeverity(t *testing.T) {
	ts := NewCoreToolset(testCatalog(t), nil)
	ts.Now = fixedNow

	out, err := ts.Invoke(context.Background(), "create_poam_item", map[string]any{
		"control_id": "SC-7",
		"severity":   "critical",
		"weakness":   "security group drift",
	})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, fixedNow().AddDate(0, 0, 30).Format("2006-01-02"), result["due_date"])
	assert.Equal(t, "open", result["status"])
}

func TestCICDRemediationFlow(t *testing.T) {
	ts := NewCICDToolset()
	ts.Now = fixedNow
	ctx := context.Background()

	plan, err := ts.Invoke(ctx, "run_terraform_plan", map[string]any{"repo": "infra"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"add": 0, "change": 1, "destroy": 0}, plan.(map[string]any)["summary"])

	check, err := ts.Invoke(ctx, "run_policy_check", map[string]any{"repo": "infra"})
	require.NoError(t, err)
	assert.Equal(t, true, check.(map[string]any)["passed"])

	pr, err := ts.Invoke(ctx, "create_remediation_pr", map[string]any{"repo": "infra", "title": "Revert SG change"})
	require.NoError(t, err)
	assert.Contains(t, pr.(map[string]any)["pr_url"], "github.example.com/infra/pull/")

	run, err := ts.Invoke(ctx, "trigger_remediation_pipeline", map[string]any{"repo": "infra"})
	require.NoError(t, err)
	assert.Equal(t, "queued", run.(map[string]any)["status"])
}
