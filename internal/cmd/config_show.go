package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/conmon/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration (keys redacted)",
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Printf("data_dir:        %s\n", cfg.DataDir)
	fmt.Printf("listen_addr:     %s\n", cfg.ListenAddr)
	fmt.Printf("secrets_key:     %s\n", describeKey(cfg.UsingDefaultSecretsKey()))
	fmt.Printf("signing_key:     %s\n", describeKey(cfg.UsingDefaultSigningKey()))
	fmt.Printf("global_rpm:      %d\n", cfg.GlobalRPM)
	fmt.Printf("per_caller_rpm:  %d\n", cfg.PerCallerRPM)
	fmt.Printf("api_keys:        %d configured\n", len(cfg.APIKeys))

	fmt.Printf("schedules:       %d\n", len(cfg.Schedules))
	for _, sch := range cfg.Schedules {
		fmt.Printf("  - %s  cron=%q  system=%s\n", sch.Name, sch.Cron, sch.SystemID)
	}
	fmt.Printf("webhooks:        %d\n", len(cfg.Webhooks))
	for _, wh := range cfg.Webhooks {
		fmt.Printf("  - %s  system=%s\n", wh.Name, wh.SystemID)
	}
	return nil
}

func describeKey(usingDefault bool) string {
	if usingDefault {
		return "[derived default, set explicitly for production]"
	}
	return "[set, redacted]"
}
