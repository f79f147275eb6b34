// Package source wraps read and repair access to the frozen SQLite database
// being migrated. All orphan queries are driven by relation descriptors;
// nothing in this package knows the schema.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/pgmove/internal/debug"
	"github.com/untoldecay/pgmove/internal/relation"
)

// AcquireLock takes the exclusive advisory lock guarding the source database
// against concurrent writers. Every span that scans and then mutates (or scans
// and then trusts the result) must hold it; the caller unlocks when the span
// ends.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*flock.Flock, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("locking source database %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("locking source database %s: lock held by another process", path)
	}
	debug.Logf("acquired lock %s.lock", path)
	return lock, nil
}

// Store is a handle on the source SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the source database with referential-integrity checking enabled
// for the session. The file must already exist: pgmove never creates or
// initializes a source database.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("source database not found: %s", path)
	}

	busyMs := int64(busyTimeout / time.Millisecond)
	if busyMs <= 0 {
		busyMs = int64(30 * time.Second / time.Millisecond)
	}
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)&_time_format=sqlite",
		path, busyMs)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening source database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening source database %s: %w", path, err)
	}

	debug.Logf("opened source database %s", path)
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle. The driver releases it before the load
// phase so the bulk loader gets unshared access to the file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the source database file path.
func (s *Store) Path() string {
	return s.path
}

// FKViolation is one row of PRAGMA foreign_key_check: a constraint violation
// detected by the engine itself, outside the configured relationships.
type FKViolation struct {
	Table  string
	RowID  sql.NullInt64
	Parent string
	FKID   int64
}

// ForeignKeyCheck enumerates engine-level foreign key violations. This is an
// advisory pre-flight: findings are reported to the operator, not acted upon.
func (s *Store) ForeignKeyCheck(ctx context.Context) ([]FKViolation, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check: %w", err)
	}
	defer rows.Close()

	var violations []FKViolation
	for rows.Next() {
		var v FKViolation
		if err := rows.Scan(&v.Table, &v.RowID, &v.Parent, &v.FKID); err != nil {
			return nil, fmt.Errorf("foreign_key_check: %w", err)
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// CountOrphans counts dependent rows where at least one foreign-key role
// fails to resolve. Read-only.
func (s *Store) CountOrphans(ctx context.Context, d relation.Descriptor) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s" WHERE %s`, d.Table, d.OrphanPredicate())
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting orphans in %s: %w", d.Table, err)
	}
	return n, nil
}

// DeleteOrphans permanently deletes every orphan row of one dependent table.
// The delete runs in its own transaction: a relationship's cleanup either
// completes or leaves that table untouched. There is no rollback boundary
// narrower than the relationship and none wider either.
func (s *Store) DeleteOrphans(ctx context.Context, d relation.Descriptor) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("deleting orphans in %s: %w", d.Table, err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(`DELETE FROM "%s" WHERE %s`, d.Table, d.OrphanPredicate())
	res, err := tx.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("deleting orphans in %s: %w", d.Table, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting orphans in %s: %w", d.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("deleting orphans in %s: %w", d.Table, err)
	}

	debug.Logf("deleted %d orphan rows from %s", deleted, d.Table)
	return deleted, nil
}

// TableColumns returns the column names of a table in declaration order,
// via PRAGMA table_info. Used by the bulk loader to build COPY column lists.
func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
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
			return nil, fmt.Errorf("table_info %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q does not exist in source database", table)
	}
	return columns, nil
}

// SelectAll streams every row of a table with the given column list.
// The caller owns the returned rows and must Close them.
func (s *Store) SelectAll(ctx context.Context, table string, columns []string) (*sql.Rows, error) {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = fmt.Sprintf(`"%s"`, c)
	}
	query := fmt.Sprintf(`SELECT %s FROM "%s"`, strings.Join(cols, ", "), table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	return rows, nil
}

// CountRows returns the total row count of a table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", table, err)
	}
	return n, nil
}
