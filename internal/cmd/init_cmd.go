package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/conmon/internal/config"
)

const sampleConfig = `# conmon configuration
# Keys shown commented out use their defaults.

# data_dir: ~/.conmon
# listen_addr: ":8484"

# Generate with: openssl rand -hex 32
# secrets_key: ""
# signing_key: ""

# API keys for conmon serve. With none configured the API is
# unauthenticated and callers are recorded as "local".
# api_keys:
#   <key>: isso@example.com

# global_rpm: 600
# per_caller_rpm: 120

# Scheduled assessments (5-field cron expressions).
# schedules:
#   - name: nightly
#     cron: "0 2 * * *"
#     system_id: sys-001
#     providers: [aws]
#     baseline: fedramp_mod
#     frameworks: [nist_800_53_r5, stig]

# Named out-of-cycle triggers for POST /api/triggers/{name}.
# webhooks:
#   - name: incident
#     system_id: sys-001
#     providers: [aws]
`

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and a starter config file",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	fmt.Printf("✓ Data directory ready: %s\n", cfg.DataDir)

	path := "conmon.config.yaml"
	if _, err := os.Stat(path); err == nil && !initForce {
		fmt.Printf("Config file %s already exists (use --force to overwrite)\n", path)
		return nil
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	fmt.Printf("✓ Wrote starter config: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set secrets_key and signing_key (openssl rand -hex 32)")
	fmt.Println("  2. Store connector credentials: conmon secrets set <name>")
	fmt.Println("  3. Run an assessment: conmon run --system sys-001 --providers aws")
	return nil
}
