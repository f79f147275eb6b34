package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/pgmove/internal/debug"
)

// Postgres bulk-copies the reconciled source database into PostgreSQL using
// the COPY protocol. The whole load is one transaction: either every table
// lands or none does.
//
// It opens its own read-only connection to the source file; the pipeline has
// already released its handle by the time Load runs.
type Postgres struct {
	SourcePath string
	TargetURL  string
	Mapping    Mapping

	// Progress, when set, is called after each table finishes copying.
	Progress func(table string, rows int64)
}

// NewPostgres builds a loader for the given source file and target URL.
func NewPostgres(sourcePath, targetURL string, mapping Mapping) *Postgres {
	return &Postgres{SourcePath: sourcePath, TargetURL: targetURL, Mapping: mapping}
}

// Load performs the bulk copy. It truncates every target table (children
// first, CASCADE), then streams each source table parent-first through COPY.
func (p *Postgres) Load(ctx context.Context) error {
	if err := p.Mapping.Validate(); err != nil {
		return err
	}

	src, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", p.SourcePath))
	if err != nil {
		return fmt.Errorf("opening source for load: %w", err)
	}
	defer src.Close()

	pg, err := sql.Open("postgres", p.TargetURL)
	if err != nil {
		return fmt.Errorf("opening target: %w", err)
	}
	defer pg.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pg.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}

	tx, err := pg.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning target transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Disable FK trigger enforcement for this session (requires a role with
	// replication privileges). The source is already verified consistent; this
	// only removes ordering sensitivity inside the copy itself.
	if _, err := tx.ExecContext(ctx, "SET session_replication_role = replica"); err != nil {
		return fmt.Errorf("setting replica session role: %w", err)
	}

	if err := p.truncateTargets(ctx, tx); err != nil {
		return err
	}

	for _, tm := range p.Mapping.Tables {
		rows, err := p.copyTable(ctx, src, tx, tm)
		if err != nil {
			return fmt.Errorf("loading %s: %w", tm.Source, err)
		}
		if p.Progress != nil {
			p.Progress(tm.Source, rows)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing load: %w", err)
	}
	debug.Logf("load committed: %d tables", len(p.Mapping.Tables))
	return nil
}

// truncateTargets empties all target tables in one statement, children first.
// CASCADE covers any target-side FK dependencies the mapping order misses.
func (p *Postgres) truncateTargets(ctx context.Context, tx *sql.Tx) error {
	names := make([]string, 0, len(p.Mapping.Tables))
	for i := len(p.Mapping.Tables) - 1; i >= 0; i-- {
		names = append(names, pq.QuoteIdentifier(p.Mapping.Tables[i].TargetName()))
	}
	stmt := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(names, ", "))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("truncating target tables: %w", err)
	}
	return nil
}

// copyTable streams one source table into its target through COPY FROM STDIN.
func (p *Postgres) copyTable(ctx context.Context, src *sql.DB, tx *sql.Tx, tm TableMapping) (int64, error) {
	cols := tm.Columns
	if len(cols) == 0 {
		names, err := sourceColumns(ctx, src, tm.Source)
		if err != nil {
			return 0, err
		}
		cols = make([]ColumnMapping, len(names))
		for i, n := range names {
			cols[i] = ColumnMapping{Source: n}
		}
	}

	srcCols := make([]string, len(cols))
	dstCols := make([]string, len(cols))
	for i, c := range cols {
		srcCols[i] = fmt.Sprintf(`"%s"`, c.Source)
		dstCols[i] = c.Source
		if c.Target != "" {
			dstCols[i] = c.Target
		}
	}

	rows, err := src.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM "%s"`, strings.Join(srcCols, ", "), tm.Source))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(tm.TargetName(), dstCols...))
	if err != nil {
		return 0, err
	}

	var copied int64
	values := make([]interface{}, len(cols))
	scan := make([]interface{}, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			_ = stmt.Close()
			return 0, err
		}
		args := make([]interface{}, len(cols))
		for i, c := range cols {
			args[i] = coerceValue(values[i], c.Coerce)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()
			return 0, err
		}
		copied++
	}
	if err := rows.Err(); err != nil {
		_ = stmt.Close()
		return 0, err
	}

	// Final Exec with no arguments flushes the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return 0, err
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}

	debug.Logf("copied %d rows into %s", copied, tm.TargetName())
	return copied, nil
}

// coerceValue translates a scanned SQLite value for the target column.
// NULLs pass through untouched regardless of coercion.
func coerceValue(v interface{}, coerce string) interface{} {
	if v == nil {
		return nil
	}
	switch coerce {
	case "bool":
		switch n := v.(type) {
		case int64:
			return n != 0
		case bool:
			return n
		}
	}
	return v
}

// sourceColumns introspects a source table's column names in declaration order.
func sourceColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("source table %q does not exist", table)
	}
	return names, nil
}

// MaskDSN hides credentials in a connection string for display.
func MaskDSN(dsn string) string {
	if i := strings.LastIndex(dsn, "@"); i >= 0 {
		return dsn[i+1:]
	}
	return dsn
}
