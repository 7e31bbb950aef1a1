package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/conmon/internal/audit"
)

var (
	auditRunID   string
	auditAgentID string
	auditTool    string
	auditLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the signed tool-call audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audited tool calls",
	RunE:  runAuditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <record-id>",
	Short: "Verify a record's HMAC signature",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditRunID, "run", "", "only calls from this run")
	auditListCmd.Flags().StringVar(&auditAgentID, "agent", "", "filter by agent id")
	auditListCmd.Flags().StringVar(&auditTool, "tool", "", "filter by tool name")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum records")
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	var records []audit.CallRecord
	if auditRunID != "" {
		records, err = s.audit.ByRun(ctx, auditRunID)
	} else {
		records, err = s.audit.List(ctx, auditAgentID, auditTool, time.Time{}, time.Time{}, auditLimit)
	}
	if err != nil {
		return fmt.Errorf("listing audit records: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No audit records found.")
		return nil
	}
	for _, rec := range records {
		status := "ok"
		if !rec.Success {
			status = "error"
		}
		decision := "allowed"
		if !rec.PolicyDecision.Allowed {
			decision = "denied"
		}
		fmt.Printf("%s  %s  %s.%s  decision=%s  %dms  %s\n",
			rec.StartedAt.Format(time.RFC3339), rec.ID, rec.Tool, rec.Action,
			decision, rec.DurationMS, status)
	}
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.audit.Verify(ctx, args[0])
	if err != nil {
		return fmt.Errorf("verifying record: %w", err)
	}
	if !ok {
		return fmt.Errorf("record %s failed signature verification", args[0])
	}
	fmt.Printf("✓ Record %s signature verified\n", args[0])
	return nil
}
