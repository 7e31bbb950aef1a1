package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var reportName string

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print a stored assessment report",
	Long: `Prints a report generated for a completed run. Without --name, lists the
available reports. Reports include conmon_summary, ssp_delta,
executive_summary, sar_bundle, and family_breakdown.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportName, "name", "", "report to print (omit to list)")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := buildStack(ctx, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.runs.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	if reportName == "" {
		if len(run.Reports) == 0 {
			fmt.Println("No reports stored for this run.")
			return nil
		}
		names := make([]string, 0, len(run.Reports))
		for name := range run.Reports {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("Reports for %s:\n  %s\n", run.RunID, strings.Join(names, "\n  "))
		return nil
	}

	report, ok := run.Reports[reportName]
	if !ok {
		return fmt.Errorf("run %s has no report %q", run.RunID, reportName)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
