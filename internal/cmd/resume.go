package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	resumePolicyPath string
	resumeOutput     string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a suspended run after approvals are decided",
	Long: `Resumes a run in awaiting_approval status. All pending approvals for the
run must have been decided first (see conmon approvals). The remaining
pipeline stages execute synchronously: approved remediation proceeds,
rejected remediation is skipped with a note.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumePolicyPath, "policy", "", "governance policy YAML (default: built-in)")
	resumeCmd.Flags().StringVarP(&resumeOutput, "output", "o", "text", "output format (text, json)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "resume")
	defer span.End()

	s, err := buildStack(ctx, resumePolicyPath, false)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.orch.Resume(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resuming run: %w", err)
	}

	if resumeOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	printRunSummary(run)
	return nil
}
