package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/pgmove/internal/config"
	"github.com/untoldecay/pgmove/internal/reconcile"
	"github.com/untoldecay/pgmove/internal/source"
	"github.com/untoldecay/pgmove/internal/ui"
)

var reconcileDryRun bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [source.db]",
	Short: "Delete orphaned rows, then verify the database is clean",
	Long: `Reconcile permanently deletes every orphaned row and re-scans to verify
nothing survived. Deletion is physical: no rows are archived or exported.

With --dry-run the destructive pass is skipped and only the counts that
would be deleted are printed.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Report what would be deleted without deleting")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	srcPath := resolveSource(args)

	descriptors, err := loadDescriptors()
	if err != nil {
		FatalError("loading relationships: %v", err)
	}

	lock, err := source.AcquireLock(ctx, srcPath, config.LockTimeout())
	if err != nil {
		FatalError("%v", err)
	}
	defer lock.Unlock() //nolint:errcheck

	store, err := source.Open(ctx, srcPath, config.LockTimeout())
	if err != nil {
		FatalError("%v", err)
	}
	defer store.Close()

	scanner, err := reconcile.NewScanner(store, descriptors)
	if err != nil {
		FatalError("%v", err)
	}
	report, err := scanner.Scan(ctx)
	if err != nil {
		FatalError("scan: %v", err)
	}

	if reconcileDryRun {
		if jsonOutput {
			outputJSON(struct {
				Source string           `json:"source"`
				DryRun bool             `json:"dry_run"`
				Report reconcile.Report `json:"report"`
			}{srcPath, true, report})
			return
		}
		printReport(report)
		if !report.Clean() {
			fmt.Printf("\nDry run: %d row(s) would be deleted\n", report.Total())
		}
		return
	}

	rec, err := reconcile.NewReconciler(store, descriptors)
	if err != nil {
		FatalError("%v", err)
	}
	result, err := rec.Reconcile(ctx)
	if err != nil {
		FatalError("reconcile: %v", err)
	}

	verification, err := scanner.Scan(ctx)
	if err != nil {
		FatalError("verify: %v", err)
	}
	if !verification.Clean() {
		FatalError("verification failed: %d orphan row(s) remain after reconciliation", verification.Total())
	}

	if jsonOutput {
		outputJSON(struct {
			Source       string           `json:"source"`
			Result       reconcile.Result `json:"result"`
			Verification reconcile.Report `json:"verification"`
		}{srcPath, result, verification})
		return
	}
	for _, d := range result.Deletions {
		fmt.Printf("  %s %s: %d deleted\n", ui.RenderPass("✓"), d.Table, d.Deleted)
	}
	fmt.Printf("%s Deleted %d orphaned row(s), verification clean\n",
		ui.RenderPass("✓"), result.Total())
}
