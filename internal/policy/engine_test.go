package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, pol *Policy) *Engine {
	t.Helper()
	if pol.VersionTag == "" {
		pol.ComputeHash([]byte("test"))
	}
	e, err := NewEngine(context.Background(), pol)
	require.NoError(t, err)
	return e
}

func TestEvaluateToolAccessEmptyAllowlistPermitsAll(t *testing.T) {
	e := newTestEngine(t, Default())

	d, err := e.EvaluateToolAccess(context.Background(), "stig_scap.run_scap_scan", "", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "allow", d.Action)
	assert.Empty(t, d.Reasons)
}

func TestEvaluateToolAccessExactMatch(t *testing.T) {
	e := newTestEngine(t, &Policy{
		AgentID:      "conmon-assessor",
		Version:      "1.0",
		AllowedTools: []string{"cloud.get_config_snapshot"},
	})

	d, err := e.EvaluateToolAccess(context.Background(), "cloud.get_config_snapshot", "", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = e.EvaluateToolAccess(context.Background(), "ticketing.create_ticket", "", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "deny", d.Action)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "ticketing.create_ticket")
}

func TestEvaluateToolAccessPrefixMatch(t *testing.T) {
	e := newTestEngine(t, &Policy{
		AgentID:      "conmon-assessor",
		Version:      "1.0",
		AllowedTools: []string{"compliance_core.*", "stig_scap.*"},
	})

	for _, tool := range []string{
		"compliance_core.store_evidence_artifact",
		"compliance_core.create_poam_item",
		"stig_scap.ingest_ckl",
	} {
		d, err := e.EvaluateToolAccess(context.Background(), tool, "", nil)
		require.NoError(t, err)
		assert.True(t, d.Allowed, tool)
	}

	d, err := e.EvaluateToolAccess(context.Background(), "cicd.get_pipeline_config", "", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestEvaluateProviderAllowlist(t *testing.T) {
	e := newTestEngine(t, &Policy{
		AgentID:          "conmon-assessor",
		Version:          "1.0",
		AllowedProviders: []string{"aws", "azure"},
	})

	d, err := e.EvaluateToolAccess(context.Background(), "cloud.detect_drift", "aws", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = e.EvaluateToolAccess(context.Background(), "cloud.detect_drift", "gcp", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], `"gcp"`)

	// Internal toolsets name no provider and pass the provider gate.
	d, err = e.EvaluateToolAccess(context.Background(), "ticketing.create_ticket", "", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluateCollectsAllDenyReasons(t *testing.T) {
	e := newTestEngine(t, &Policy{
		AgentID:          "conmon-assessor",
		Version:          "1.0",
		AllowedTools:     []string{"compliance_core.*"},
		AllowedProviders: []string{"aws"},
	})

	d, err := e.EvaluateToolAccess(context.Background(), "cloud.query_audit_logs", "gcp", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Len(t, d.Reasons, 2)
}

func TestDecisionCarriesPolicyVersion(t *testing.T) {
	pol := &Policy{AgentID: "conmon-assessor", Version: "2.1"}
	pol.ComputeHash([]byte("agent_id: conmon-assessor\n"))
	e := newTestEngine(t, pol)

	d, err := e.EvaluateToolAccess(context.Background(), "anything", "", nil)
	require.NoError(t, err)
	assert.Equal(t, pol.VersionTag, d.PolicyVersion)
	assert.Contains(t, d.PolicyVersion, "2.1:sha256:")
}

func TestPolicyToDataNormalizesNilAllowlists(t *testing.T) {
	data, err := policyToData(Default())
	require.NoError(t, err)

	tools, ok := data["allowed_tools"].([]interface{})
	require.True(t, ok, "allowed_tools must be an array, got %T", data["allowed_tools"])
	assert.Empty(t, tools)

	providers, ok := data["allowed_providers"].([]interface{})
	require.True(t, ok, "allowed_providers must be an array, got %T", data["allowed_providers"])
	assert.Empty(t, providers)
}

func TestDefaultPolicyPermitsProviderCalls(t *testing.T) {
	e := newTestEngine(t, Default())

	d, err := e.EvaluateToolAccess(context.Background(), "cloud.get_config_snapshot", "aws", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reasons)
}
