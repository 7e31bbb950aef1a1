package cmd

import (
	"fmt"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
)

var (
	approvalsRunID    string
	approvalsReviewer string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide pending run approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideApproval(cmd, args[0], true)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideApproval(cmd, args[0], false)
	},
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsRunID, "run", "", "only approvals for this run")
	approvalsApproveCmd.Flags().StringVar(&approvalsReviewer, "reviewer", "", "reviewer identity (default: OS username)")
	approvalsRejectCmd.Flags().StringVar(&approvalsReviewer, "reviewer", "", "reviewer identity (default: OS username)")
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	pending, err := s.runs.PendingApprovals(ctx, approvalsRunID)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	for _, a := range pending {
		fmt.Printf("%s  run=%s  severity=%s  controls=%s\n",
			a.ApprovalID, a.RunID, a.Severity, strings.Join(a.AffectedControls, ","))
		for _, r := range a.Reasons {
			fmt.Printf("    - %s\n", r)
		}
	}
	return nil
}

func decideApproval(cmd *cobra.Command, approvalID string, approved bool) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	reviewer := approvalsReviewer
	if reviewer == "" {
		if u, err := user.Current(); err == nil {
			reviewer = u.Username
		} else {
			reviewer = "unknown"
		}
	}

	appr, err := s.runs.GetApproval(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("looking up approval: %w", err)
	}
	if err := s.runs.Decide(ctx, approvalID, reviewer, approved); err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}

	verb := "approved"
	if !approved {
		verb = "rejected"
	}
	fmt.Printf("✓ Approval %s %s by %s\n", approvalID, verb, reviewer)

	remaining, err := s.runs.HasPending(ctx, appr.RunID)
	if err == nil && !remaining {
		fmt.Printf("All approvals for run %s decided. Continue with: conmon resume %s\n", appr.RunID, appr.RunID)
	}
	return nil
}
