package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/pgmove/internal/config"
	"github.com/untoldecay/pgmove/internal/reconcile"
	"github.com/untoldecay/pgmove/internal/source"
)

var scanCmd = &cobra.Command{
	Use:   "scan [source.db]",
	Short: "Count orphaned rows without changing anything",
	Long: `Scan counts orphaned rows for every configured relationship and prints a
per-table report. The database is opened read-mostly and never modified.

Exit status is 0 when the database is clean and 1 when violations exist, so
scan doubles as a check in scripts.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	srcPath := resolveSource(args)

	descriptors, err := loadDescriptors()
	if err != nil {
		FatalError("loading relationships: %v", err)
	}

	store, err := source.Open(ctx, srcPath, config.LockTimeout())
	if err != nil {
		FatalError("%v", err)
	}
	defer store.Close()

	violations, err := store.ForeignKeyCheck(ctx)
	if err != nil {
		FatalError("foreign_key_check: %v", err)
	}

	scanner, err := reconcile.NewScanner(store, descriptors)
	if err != nil {
		FatalError("%v", err)
	}
	report, err := scanner.Scan(ctx)
	if err != nil {
		FatalError("scan: %v", err)
	}

	if jsonOutput {
		outputJSON(struct {
			Source              string               `json:"source"`
			PreflightViolations []source.FKViolation `json:"preflight_violations,omitempty"`
			Report              reconcile.Report     `json:"report"`
			Clean               bool                 `json:"clean"`
		}{srcPath, violations, report, report.Clean()})
	} else {
		printPreflight(violations)
		printReport(report)
	}
	if !report.Clean() {
		os.Exit(1)
	}
}
