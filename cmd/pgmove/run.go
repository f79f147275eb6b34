package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/untoldecay/pgmove/internal/config"
	"github.com/untoldecay/pgmove/internal/loader"
	"github.com/untoldecay/pgmove/internal/pipeline"
	"github.com/untoldecay/pgmove/internal/reconcile"
	"github.com/untoldecay/pgmove/internal/ui"
)

// runPipeline executes the full scan/reconcile/verify/load sequence.
func runPipeline(cmd *cobra.Command, args []string) {
	srcPath := resolveSource(args)

	descriptors, err := loadDescriptors()
	if err != nil {
		FatalError("loading relationships: %v", err)
	}
	pg, err := buildLoader(srcPath)
	if err != nil {
		FatalError("%v", err)
	}

	if confirmGate && jsonOutput {
		FatalError("--confirm requires an interactive terminal and cannot be combined with --json")
	}
	if confirmGate && !ui.IsTerminal() {
		FatalError("--confirm requires an interactive terminal")
	}

	d := &pipeline.Driver{
		SourcePath:  srcPath,
		Descriptors: descriptors,
		Loader:      pg,
		LockTimeout: config.LockTimeout(),
	}
	if !jsonOutput {
		d.OnReport = func(s pipeline.Summary) {
			printPreflight(s.PreflightViolations)
			printReport(s.Report)
		}
	}
	if confirmGate {
		d.Confirm = confirmReconciliation
	}

	if !jsonOutput {
		fmt.Printf("Migrating %s → %s\n\n", srcPath, loader.MaskDSN(config.DatabaseURL()))
	}

	summary, err := d.Run(context.Background())
	if err != nil {
		var perr *pipeline.PhaseError
		if errors.As(err, &perr) {
			FatalError("pipeline stopped during %s: %v", perr.Phase, perr.Err)
		}
		FatalError("%v", err)
	}

	if jsonOutput {
		outputJSON(summary)
		return
	}
	if summary.Declined {
		fmt.Println("Aborted before reconciliation. Nothing was deleted.")
		return
	}
	fmt.Printf("\n%s Reconciled %d orphaned row(s), verification clean\n",
		ui.RenderPass("✓"), summary.Result.Total())
	fmt.Printf("%s Migration complete\n", ui.RenderPass("✓"))
}

// confirmReconciliation pauses between the report and the destructive phase.
func confirmReconciliation(report reconcile.Report) (bool, error) {
	if report.Clean() {
		return true, nil
	}
	var proceed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Permanently delete %d orphaned row(s)?", report.Total())).
			Affirmative("Delete and migrate").
			Negative("Abort").
			Value(&proceed),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return proceed, nil
}
