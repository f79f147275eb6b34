package main

import (
	"fmt"

	"github.com/untoldecay/pgmove/internal/config"
	"github.com/untoldecay/pgmove/internal/loader"
	"github.com/untoldecay/pgmove/internal/reconcile"
	"github.com/untoldecay/pgmove/internal/relation"
	"github.com/untoldecay/pgmove/internal/source"
	"github.com/untoldecay/pgmove/internal/ui"
)

// loadDescriptors returns the configured relationship descriptors, falling
// back to the built-in wishlist set.
func loadDescriptors() ([]relation.Descriptor, error) {
	if path := config.RelationshipsPath(); path != "" {
		return relation.LoadFile(path)
	}
	return relation.Defaults(), nil
}

// loadMapping returns the configured loader mapping, falling back to the
// built-in wishlist mapping.
func loadMapping() (loader.Mapping, error) {
	if path := config.MappingPath(); path != "" {
		return loader.LoadMappingFile(path)
	}
	return loader.DefaultMapping(), nil
}

// buildLoader constructs the PostgreSQL bulk loader, or fails with a
// configuration error when no target connection is resolvable.
func buildLoader(sourcePath string) (*loader.Postgres, error) {
	url := config.DatabaseURL()
	if url == "" {
		return nil, fmt.Errorf("no target connection configured: set DATABASE_URL (environment, .env, or pgmove.yaml)")
	}
	mapping, err := loadMapping()
	if err != nil {
		return nil, err
	}
	pg := loader.NewPostgres(sourcePath, url, mapping)
	if !jsonOutput {
		pg.Progress = func(table string, rows int64) {
			fmt.Printf("  %s %s: %d rows copied\n", ui.RenderPass("✓"), table, rows)
		}
	}
	return pg, nil
}

// printReport renders a scan report for the operator.
func printReport(report reconcile.Report) {
	if report.Clean() {
		fmt.Printf("%s No orphaned rows found - database is clean\n", ui.RenderPass("✓"))
		return
	}
	fmt.Printf("%s Found %d orphaned row(s):\n", ui.RenderWarn("⚠"), report.Total())
	tbl := ui.NewReportTable("Table", "Orphans")
	for _, c := range report.Counts {
		count := fmt.Sprintf("%d", c.Orphans)
		if c.Orphans > 0 {
			count = ui.RenderWarn(count)
		}
		tbl.Row(c.Table, count)
	}
	fmt.Println(tbl.Render())
}

// printPreflight renders engine-level foreign key findings. Advisory only.
func printPreflight(violations []source.FKViolation) {
	if len(violations) == 0 {
		return
	}
	fmt.Printf("%s foreign_key_check reports %d engine-level violation(s):\n",
		ui.RenderWarn("⚠"), len(violations))
	byTable := make(map[string]int)
	order := make([]string, 0, len(violations))
	for _, v := range violations {
		if byTable[v.Table] == 0 {
			order = append(order, v.Table)
		}
		byTable[v.Table]++
	}
	for _, table := range order {
		fmt.Printf("  • %s: %d (parent constraints)\n", table, byTable[table])
	}
	fmt.Println()
}
