package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/conmon/internal/secrets"
)

var (
	secretValue      string
	secretACLAgents  []string
	secretACLSystems []string
	secretAuditName  string
	secretAuditLimit int
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage connector credentials",
	Long: `Manages the encrypted credential vault used by evidence collectors.
Values are encrypted at rest; every read attempt, allowed or denied,
is recorded in the access log (conmon secrets audit).`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a credential (value from --value or stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials (metadata only, never values)",
	RunE:  runSecretsList,
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Re-encrypt a credential with a fresh nonce",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsRotate,
}

var secretsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the credential access log",
	RunE:  runSecretsAudit,
}

func init() {
	secretsSetCmd.Flags().StringVar(&secretValue, "value", "", "credential value (omit to read from stdin)")
	secretsSetCmd.Flags().StringSliceVar(&secretACLAgents, "agents", nil, "agents allowed to read (empty allows all)")
	secretsSetCmd.Flags().StringSliceVar(&secretACLSystems, "systems", nil, "systems the credential is scoped to (empty allows all)")
	secretsAuditCmd.Flags().StringVar(&secretAuditName, "secret", "", "only entries for this credential")
	secretsAuditCmd.Flags().IntVar(&secretAuditLimit, "limit", 50, "maximum entries")
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsRotateCmd, secretsAuditCmd)
	rootCmd.AddCommand(secretsCmd)
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	value := secretValue
	if value == "" {
		fmt.Fprint(os.Stderr, "Value: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading value from stdin: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return fmt.Errorf("credential value must not be empty")
	}

	acl := secrets.ACL{Agents: secretACLAgents, Systems: secretACLSystems}
	if err := s.secrets.Set(ctx, args[0], []byte(value), acl); err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	fmt.Printf("✓ Secret '%s' stored (encrypted at rest)\n", args[0])
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.secrets.List(ctx)
	if err != nil {
		return fmt.Errorf("listing secrets: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}
	for _, sec := range list {
		agents := "all"
		if len(sec.ACL.Agents) > 0 {
			agents = strings.Join(sec.ACL.Agents, ",")
		}
		fmt.Printf("%-30s  agents=%s  reads=%d  created=%s\n",
			sec.Name, agents, sec.AccessCount, sec.CreatedAt.Format("2006-01-02"))
	}
	return nil
}

func runSecretsRotate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.secrets.Rotate(ctx, args[0]); err != nil {
		return fmt.Errorf("rotating secret: %w", err)
	}
	fmt.Printf("✓ Secret '%s' rotated\n", args[0])
	return nil
}

func runSecretsAudit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.secrets.AccessLog(ctx, secretAuditName, secretAuditLimit)
	if err != nil {
		return fmt.Errorf("reading access log: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No access log entries.")
		return nil
	}
	for _, rec := range records {
		verdict := "allowed"
		if !rec.Allowed {
			verdict = "DENIED"
		}
		fmt.Printf("%s  %s  agent=%s  system=%s  %s", rec.Timestamp.Format(time.RFC3339),
			rec.SecretName, rec.AgentID, rec.SystemID, verdict)
		if rec.Reason != "" {
			fmt.Printf("  (%s)", rec.Reason)
		}
		fmt.Println()
	}
	return nil
}
