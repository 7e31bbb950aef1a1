package mcp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/conmon/internal/audit"
	"github.com/dativo-io/conmon/internal/policy"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

// fakeToolset records invocations and returns canned output.
type fakeToolset struct {
	calls  []string
	output any
	err    error
}

func (f *fakeToolset) Invoke(_ context.Context, method string, _ map[string]any) (any, error) {
	f.calls = append(f.calls, method)
	if f.err != nil {
		return nil, f.err
	}
	if f.output != nil {
		return f.output, nil
	}
	return map[string]any{"method": method}, nil
}

func newTestGateway(t *testing.T, pol *policy.Policy) (*Gateway, *audit.Store, *fakeToolset) {
	t.Helper()
	if pol == nil {
		pol = policy.Default()
	}
	if pol.VersionTag == "" {
		pol.ComputeHash([]byte("test"))
	}
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)

	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := NewGateway(engine, store)
	ts := &fakeToolset{}
	gw.Register("cloud", ts)
	gw.Register("ticketing", ts)
	gw.Register("cicd", ts)
	return gw, store, ts
}

func TestCallReadExecutesAndAudits(t *testing.T) {
	gw, store, ts := newTestGateway(t, nil)

	res, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cloud.get_config_snapshot",
		Params:  map[string]any{"system_id": "payments-prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, ActionRead, res.Action)
	assert.Contains(t, res.OutputHash, "sha256:")
	assert.Equal(t, []string{"get_config_snapshot"}, ts.calls)

	recs, err := store.ByRun(context.Background(), "run_abc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, res.OutputHash, recs[0].OutputHash)
	assert.Equal(t, "read", recs[0].Action)
}

func TestCallModifyParksForApproval(t *testing.T) {
	gw, store, ts := newTestGateway(t, nil)

	res, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cicd.trigger_remediation_pipeline",
		Params:  map[string]any{"pipeline": "patch-prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsApproval, res.Outcome)
	require.NotNil(t, res.Approval)
	assert.Contains(t, res.Approval.ApprovalID, "appr_")
	assert.Equal(t, "modify", res.Approval.Action)

	// The tool must not have executed.
	assert.Empty(t, ts.calls)

	recs, err := store.ByRun(context.Background(), "run_abc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.True(t, recs[0].ApprovalRequired)
	assert.Equal(t, res.Approval.ApprovalID, recs[0].ApprovalID)
}

func TestCallApprovedExecutes(t *testing.T) {
	gw, store, ts := newTestGateway(t, nil)
	req := CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cicd.trigger_remediation_pipeline",
		Params:  map[string]any{"pipeline": "patch-prod"},
	}

	parked, err := gw.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsApproval, parked.Outcome)

	res, err := gw.CallApproved(context.Background(), req, parked.Approval.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, []string{"trigger_remediation_pipeline"}, ts.calls)

	recs, err := store.ByRun(context.Background(), "run_abc")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	executed := recs[1]
	assert.True(t, executed.Success)
	assert.Equal(t, parked.Approval.ApprovalID, executed.ApprovalID)
}

func TestCallUnknownToolFailsClosed(t *testing.T) {
	gw, _, ts := newTestGateway(t, nil)

	res, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cloud.rm_rf_production",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsApproval, res.Outcome)
	assert.Equal(t, ActionModify, res.Action)
	assert.Empty(t, ts.calls)
}

func TestCallPolicyDenialAudited(t *testing.T) {
	gw, store, ts := newTestGateway(t, &policy.Policy{
		AgentID:      "conmon-assessor",
		Version:      "1.0",
		AllowedTools: []string{"compliance_core.*"},
	})

	_, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cloud.get_config_snapshot",
	})
	var pve *PolicyViolationError
	require.ErrorAs(t, err, &pve)
	assert.Equal(t, "cloud.get_config_snapshot", pve.Tool)
	assert.Empty(t, ts.calls)

	recs, err := store.ByRun(context.Background(), "run_abc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.False(t, recs[0].PolicyDecision.Allowed)
	assert.NotEmpty(t, recs[0].PolicyDecision.Reasons)
}

func TestCallRateLimited(t *testing.T) {
	gw, store, _ := newTestGateway(t, &policy.Policy{
		AgentID:           "conmon-assessor",
		Version:           "1.0",
		MaxCallsPerMinute: 3,
	})
	now := time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC)
	gw.limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := gw.Call(context.Background(), CallRequest{
			RunID:   "run_abc",
			AgentID: "conmon-assessor",
			Tool:    "cloud.query_audit_logs",
		})
		require.NoError(t, err, "call %d", i)
	}

	_, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cloud.query_audit_logs",
	})
	var pve *PolicyViolationError
	require.ErrorAs(t, err, &pve)
	assert.Contains(t, pve.Error(), "exceeded 3 calls per minute")

	// The denied call is still on the audit log, marked as a policy deny.
	recs, err := store.ByRun(context.Background(), "run_abc")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.False(t, recs[3].PolicyDecision.Allowed)

	// A new minute resets the budget; a different agent has its own bucket.
	gw.limiter.now = func() time.Time { return now.Add(time.Minute) }
	_, err = gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cloud.query_audit_logs",
	})
	require.NoError(t, err)
}

func TestCallToolErrorAudited(t *testing.T) {
	gw, store, ts := newTestGateway(t, nil)
	ts.err = errors.New("provider timeout")

	_, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cloud.detect_drift",
	})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "provider timeout")

	recs, err := store.ByRun(context.Background(), "run_abc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Contains(t, recs[0].Error, "provider timeout")
}

func TestCallRedactsCredentials(t *testing.T) {
	gw, store, _ := newTestGateway(t, nil)

	_, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "cloud.get_asset_inventory",
		Params: map[string]any{
			"system_id": "payments-prod",
			"api_key":   "AKIA-very-secret",
			"auth":      map[string]any{"password": "hunter2", "user": "svc-conmon"},
		},
	})
	require.NoError(t, err)

	recs, err := store.ByRun(context.Background(), "run_abc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	params := recs[0].Params
	assert.Equal(t, "[REDACTED]", params["api_key"])
	nested := params["auth"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["password"])
	assert.Equal(t, "svc-conmon", nested["user"])
	assert.Equal(t, "payments-prod", params["system_id"])
}

func TestHashOutputDeterministic(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{"a", "b"}, "z": "val"}
	b := map[string]any{"z": "val", "y": []any{"a", "b"}, "x": 1}
	assert.Equal(t, HashOutput(a), HashOutput(b))
	assert.NotEqual(t, HashOutput(a), HashOutput(map[string]any{"x": 2}))
}

func TestActionForTable(t *testing.T) {
	cases := map[string]Action{
		"cloud.get_config_snapshot":               ActionRead,
		"cloud.detect_drift":                      ActionEvaluate,
		"stig_scap.ingest_ckl":                    ActionStore,
		"stig_scap.run_scap_scan":                 ActionScan,
		"compliance_core.evaluate_control_rule":   ActionEvaluate,
		"compliance_core.store_evidence_artifact": ActionStore,
		"ticketing.create_ticket":                 ActionCreate,
		"ticketing.update_ticket":                 ActionModify,
		"cicd.create_remediation_pr":              ActionCreate,
		"cicd.trigger_remediation_pipeline":       ActionModify,
		"never.heard_of_it":                       ActionModify,
	}
	for tool, want := range cases {
		assert.Equal(t, want, ActionFor(tool), tool)
	}
}

func TestCallUnregisteredToolset(t *testing.T) {
	gw, _, _ := newTestGateway(t, nil)

	_, err := gw.Call(context.Background(), CallRequest{
		RunID:   "run_abc",
		AgentID: "conmon-assessor",
		Tool:    "stig_scap.ingest_ckl",
	})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), fmt.Sprintf("no toolset registered for %q", "stig_scap"))
}

func TestCallDeniedToolDoesNotConsumeBudget(t *testing.T) {
	gw, _, _ := newTestGateway(t, &policy.Policy{
		AgentID:           "conmon-assessor",
		Version:           "1.0",
		AllowedTools:      []string{"cloud.*"},
		MaxCallsPerMinute: 2,
	})
	now := time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC)
	gw.limiter.now = func() time.Time { return now }

	// Allowlist checks run before rate limiting, so denied calls leave the
	// budget untouched and always report the allowlist reason.
	for i := 0; i < 5; i++ {
		_, err := gw.Call(context.Background(), CallRequest{
			RunID:   "run_abc",
			AgentID: "conmon-assessor",
			Tool:    "ticketing.create_ticket",
		})
		var pve *PolicyViolationError
		require.ErrorAs(t, err, &pve)
		assert.Contains(t, pve.Error(), "allowed tool list")
	}

	for i := 0; i < 2; i++ {
		_, err := gw.Call(context.Background(), CallRequest{
			RunID:   "run_abc",
			AgentID: "conmon-assessor",
			Tool:    "cloud.query_audit_logs",
		})
		require.NoError(t, err, "call %d", i)
	}
}
