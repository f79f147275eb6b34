package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/pgmove/internal/config"
	"github.com/untoldecay/pgmove/internal/loader"
	"github.com/untoldecay/pgmove/internal/reconcile"
	"github.com/untoldecay/pgmove/internal/source"
	"github.com/untoldecay/pgmove/internal/ui"
)

var loadForce bool

var loadCmd = &cobra.Command{
	Use:   "load [source.db]",
	Short: "Bulk-copy a verified-clean database into PostgreSQL",
	Long: `Load truncates the target tables and bulk-copies every mapped table from
the SQLite source via the COPY protocol, inside a single transaction.

The source must already be clean: load re-scans first and refuses to run
when violations remain (override with --force at your own risk; PostgreSQL
will reject the rows anyway if its constraints are enforced).`,
	Args: cobra.MaximumNArgs(1),
	Run:  runLoad,
}

func init() {
	loadCmd.Flags().BoolVar(&loadForce, "force", false, "Skip the cleanliness check before loading")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	srcPath := resolveSource(args)

	pg, err := buildLoader(srcPath)
	if err != nil {
		FatalError("%v", err)
	}

	if !loadForce {
		descriptors, err := loadDescriptors()
		if err != nil {
			FatalError("loading relationships: %v", err)
		}
		// The lock covers the scan only; like the pipeline, it is released
		// before the loader's own read pass.
		lock, err := source.AcquireLock(ctx, srcPath, config.LockTimeout())
		if err != nil {
			FatalError("%v", err)
		}
		store, err := source.Open(ctx, srcPath, config.LockTimeout())
		if err != nil {
			lock.Unlock() //nolint:errcheck
			FatalError("%v", err)
		}
		scanner, err := reconcile.NewScanner(store, descriptors)
		if err != nil {
			store.Close()
			lock.Unlock() //nolint:errcheck
			FatalError("%v", err)
		}
		report, err := scanner.Scan(ctx)
		store.Close()
		lock.Unlock() //nolint:errcheck
		if err != nil {
			FatalError("pre-load scan: %v", err)
		}
		if !report.Clean() {
			if !jsonOutput {
				printReport(report)
			}
			FatalError("source has %d orphaned row(s); run `pgmove reconcile` first", report.Total())
		}
	}

	if !jsonOutput {
		fmt.Printf("Loading %s → %s\n", srcPath, loader.MaskDSN(config.DatabaseURL()))
	}
	if err := pg.Load(ctx); err != nil {
		FatalError("load: %v", err)
	}

	if jsonOutput {
		outputJSON(struct {
			Source string `json:"source"`
			Target string `json:"target"`
			Loaded bool   `json:"loaded"`
		}{srcPath, loader.MaskDSN(config.DatabaseURL()), true})
		return
	}
	fmt.Printf("%s Load complete\n", ui.RenderPass("✓"))
}
