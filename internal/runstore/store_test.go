package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/conmon/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun() *state.RunState {
	return state.NewRun(state.RunScope{
		SystemID:   "payments-prod",
		Providers:  []string{"aws"},
		Baseline:   "fedramp_moderate",
		Frameworks: []string{"nist_800_53_r5"},
	}, "quarterly assessment")
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := testRun()
	run.Status = state.StatusRunning

	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, state.StatusRunning, got.Status)
	assert.Equal(t, "payments-prod", got.Scope.SystemID)
	assert.Equal(t, "quarterly assessment", got.Question)
}

func TestSaveRunUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := testRun()
	run.Status = state.StatusRunning
	require.NoError(t, s.SaveRun(ctx, run))

	score := 82.5
	now := time.Now().UTC()
	run.Status = state.StatusCompleted
	run.OverallScore = &score
	run.Ended = &now
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, got.Status)
	require.NotNil(t, got.OverallScore)
	assert.Equal(t, 82.5, *got.OverallScore)

	runs, err := s.ListRuns(ctx, "payments-prod", "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].CompletedAt)
	assert.WithinDuration(t, now, *runs[0].CompletedAt, time.Second)
	assert.Equal(t, run.Started.Unix(), runs[0].StartedAt.Unix())
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "run_nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []state.RunStatus{state.StatusCompleted, state.StatusAwaitingApproval, state.StatusCompleted} {
		run := testRun()
		run.Status = status
		run.Started = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveRun(ctx, run))
	}

	runs, err := s.ListRuns(ctx, "", string(state.StatusCompleted), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, "", "", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	// Newest first.
	assert.Equal(t, string(state.StatusAwaitingApproval), runs[0].Status)

	runs, err = s.ListRuns(ctx, "other-system", "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func testApproval(runID string) *state.Approval {
	return &state.Approval{
		ApprovalID:       "appr_test123",
		RunID:            runID,
		ActionType:       "remediation",
		Status:           "pending",
		Severity:         "high",
		Reasons:          []string{"AC-2 failed with high severity"},
		AffectedControls: []string{"AC-2"},
		RequestedBy:      "conmon-assessor",
		CreatedAt:        time.Now().UTC(),
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	appr := testApproval("run_abc")

	require.NoError(t, s.SaveApproval(ctx, appr))

	pending, err := s.PendingApprovals(ctx, "run_abc")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "appr_test123", pending[0].ApprovalID)

	has, err := s.HasPending(ctx, "run_abc")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Decide(ctx, "appr_test123", "isso@example.gov", true))

	got, err := s.GetApproval(ctx, "appr_test123")
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Status)
	assert.Equal(t, "isso@example.gov", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)

	has, err = s.HasPending(ctx, "run_abc")
	require.NoError(t, err)
	assert.False(t, has)

	// Deciding twice fails.
	err = s.Decide(ctx, "appr_test123", "isso@example.gov", false)
	assert.ErrorIs(t, err, ErrApprovalNotPending)
}

func TestDecideMissingApproval(t *testing.T) {
	s := newTestStore(t)
	err := s.Decide(context.Background(), "appr_missing", "rev", true)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestPendingApprovalsAcrossRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := testApproval("run_1")
	a1.ApprovalID = "appr_1"
	a2 := testApproval("run_2")
	a2.ApprovalID = "appr_2"
	require.NoError(t, s.SaveApproval(ctx, a1))
	require.NoError(t, s.SaveApproval(ctx, a2))

	all, err := s.PendingApprovals(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := s.PendingApprovals(ctx, "run_2")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "appr_2", only[0].ApprovalID)
}
