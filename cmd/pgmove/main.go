// pgmove migrates the wishlist application's SQLite database to PostgreSQL,
// repairing referential-integrity violations first. The source schema never
// enforced foreign keys, so years of cascading deletes against the user table
// left orphaned rows behind; PostgreSQL will not accept them.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/pgmove/internal/config"
)

var (
	jsonOutput  bool
	confirmGate bool
)

var rootCmd = &cobra.Command{
	Use:   "pgmove [source.db]",
	Short: "Reconcile and migrate a SQLite database to PostgreSQL",
	Long: `pgmove runs the full migration pipeline against a frozen SQLite database:

  1. Scan     - count orphaned rows per configured relationship (read-only)
  2. Report   - print the counts before anything destructive happens
  3. Reconcile- permanently delete the orphaned rows
  4. Verify   - re-scan; any remaining violation aborts the run
  5. Load     - bulk-copy every table into PostgreSQL via COPY

The target connection string is read from DATABASE_URL (environment or .env).
Relationships and the table mapping default to the built-in wishlist schema;
override them with PGMOVE_RELATIONSHIPS / PGMOVE_MAPPING or pgmove.yaml.

The source database is deleted from, never added to: run pgmove only against
a database you have already decided to replace.

Examples:
  pgmove                      # migrate ./db.sqlite
  pgmove /data/db.sqlite      # migrate a specific file
  pgmove --confirm            # pause for confirmation after the report
  pgmove scan /data/db.sqlite # report only, no changes`,
	Args: cobra.MaximumNArgs(1),
	Run:  runPipeline,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	rootCmd.Flags().BoolVar(&confirmGate, "confirm", false, "Ask for confirmation between report and reconciliation")
}

// resolveSource returns the source database path: positional argument first,
// then configuration.
func resolveSource(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return config.SourcePath()
}

// outputJSON prints a value as indented JSON on stdout.
func outputJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"error": "failed to marshal JSON: %v"}`, err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// FatalError prints a formatted error to stderr and exits non-zero.
func FatalError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := config.Initialize(); err != nil {
		FatalError("%v", err)
	}
	if config.JSONOutput() {
		jsonOutput = true
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
