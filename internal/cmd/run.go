package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dativo-io/conmon/internal/state"
)

var (
	runSystemID    string
	runSystemName  string
	runProviders   []string
	runEnvironment string
	runBaseline    string
	runFrameworks  []string
	runQuestion    string
	runAutoApprove bool
	runPolicyPath  string
	runOutput      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a compliance assessment run",
	Long: `Executes the full assessment pipeline for one system: control mapping,
evidence collection, drift detection, benchmark posture, gap analysis,
remediation planning, and reporting.

When high or critical control failures require human sign-off, the run
suspends and prints the pending approval. Pass --auto-approve to grant
approvals immediately and continue through remediation (demo/CI mode).`,
	RunE: runAssessment,
}

func init() {
	runCmd.Flags().StringVar(&runSystemID, "system", "", "system identifier (e.g. sys-001)")
	runCmd.Flags().StringVar(&runSystemName, "system-name", "", "human-readable system name")
	runCmd.Flags().StringSliceVar(&runProviders, "providers", nil, "cloud providers in scope (aws, azure, gcp)")
	runCmd.Flags().StringVar(&runEnvironment, "environment", "", "deployment environment (default production)")
	runCmd.Flags().StringVar(&runBaseline, "baseline", "", "baseline (default fedramp_mod)")
	runCmd.Flags().StringSliceVar(&runFrameworks, "frameworks", nil, "frameworks in scope (default nist_800_53_r5)")
	runCmd.Flags().StringVar(&runQuestion, "question", "", "optional assessment question recorded with the run")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "grant required approvals immediately")
	runCmd.Flags().StringVar(&runPolicyPath, "policy", "", "governance policy YAML (default: built-in)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format (text, json)")
	rootCmd.AddCommand(runCmd)
}

func runAssessment(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	if runSystemID == "" && runSystemName == "" {
		return fmt.Errorf("either --system or --system-name is required")
	}

	s, err := buildStack(ctx, runPolicyPath, runAutoApprove)
	if err != nil {
		return err
	}
	defer s.Close()

	scope := state.RunScope{
		SystemID:    runSystemID,
		SystemName:  runSystemName,
		Providers:   runProviders,
		Environment: runEnvironment,
		Baseline:    runBaseline,
		Frameworks:  runFrameworks,
	}
	run, err := s.orch.Execute(ctx, scope, runQuestion)
	if err != nil {
		return fmt.Errorf("executing run: %w", err)
	}

	if runOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	printRunSummary(run)
	return nil
}

func printRunSummary(run *state.RunState) {
	fmt.Printf("Run %s  [%s]\n", run.RunID, run.Status)
	fmt.Printf("System: %s  baseline=%s  providers=%v\n",
		run.Scope.SystemID, run.Scope.Baseline, run.Scope.Providers)
	fmt.Println()

	sum := run.Summary
	fmt.Printf("Controls assessed: %d  (pass %d, fail %d, partial %d, manual %d)\n",
		sum.TotalControls, sum.Passed, sum.Failed, sum.Partial, sum.ManualReview)
	fmt.Printf("Compliance score:  %.1f%%\n", sum.ComplianceScore)
	fmt.Printf("Drift events:      %d\n", len(run.DriftEvents))
	fmt.Printf("Open findings:     %d\n", countOpenFindings(run.Findings))
	fmt.Printf("POA&M items:       %d\n", len(run.POAMItems))
	fmt.Printf("Tickets:           %d\n", len(run.Tickets))

	if failed := failedControls(run); len(failed) > 0 {
		fmt.Println("\nFailed controls:")
		for _, a := range failed {
			fmt.Printf("  ✗ %s (%s): %s\n", a.ControlID, a.Severity, a.Rationale)
		}
	}

	if run.Status == state.StatusAwaitingApproval {
		fmt.Println("\nRun suspended awaiting approval:")
		for _, appr := range run.PendingApprovals() {
			fmt.Printf("  %s (%s severity, %d control(s))\n", appr.ApprovalID, appr.Severity, len(appr.AffectedControls))
		}
		fmt.Printf("\nDecide with: conmon approvals approve <approval-id>\nthen:        conmon resume %s\n", run.RunID)
	}

	if len(run.Errors) > 0 {
		fmt.Println("\nStage errors (run continued):")
		for _, e := range run.Errors {
			fmt.Printf("  ! %s: %s\n", e.Stage, e.Message)
		}
	}
}

func failedControls(run *state.RunState) []state.ControlAssessment {
	var out []state.ControlAssessment
	for _, a := range run.Assessments {
		if a.Status == state.StatusFail {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ControlID < out[j].ControlID })
	return out
}

func countOpenFindings(findings []state.Finding) int {
	n := 0
	for _, f := range findings {
		if f.Status == "Open" {
			n++
		}
	}
	return n
}
