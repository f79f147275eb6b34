package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/pgmove/internal/relation"
	"github.com/untoldecay/pgmove/internal/source"
)

const testSchema = `
CREATE TABLE "user" (
    id INTEGER PRIMARY KEY,
    display_name TEXT NOT NULL
);
CREATE TABLE wish (
    id INTEGER PRIMARY KEY,
    user_id INTEGER REFERENCES "user"(id),
    reserved_by_id INTEGER REFERENCES "user"(id),
    name TEXT NOT NULL
);
CREATE TABLE user_following (
    follower_id INTEGER NOT NULL REFERENCES "user"(id),
    followed_id INTEGER NOT NULL REFERENCES "user"(id),
    PRIMARY KEY (follower_id, followed_id)
);
CREATE TABLE push_sending_log (
    id INTEGER PRIMARY KEY,
    reason TEXT NOT NULL DEFAULT '',
    reason_user_id INTEGER NOT NULL REFERENCES "user"(id),
    target_user_id INTEGER NOT NULL REFERENCES "user"(id)
);
`

// dirtySeed produces a database with violations in every dependent table:
//   - user ids {1,2,3}
//   - wish: one valid, one dangling owner, one valid owner with dangling reservation
//   - user_following: (1,2) valid, (4,2) and (1,5) orphaned
//   - push_sending_log: one valid, one with a dangling target role
var dirtySeed = []string{
	`INSERT INTO "user" (id, display_name) VALUES (1,'a'),(2,'b'),(3,'c')`,
	`INSERT INTO wish (id, user_id, reserved_by_id, name) VALUES
		(1,1,NULL,'bike'),
		(2,42,NULL,'lost'),
		(3,2,99,'reserved-by-ghost')`,
	`INSERT INTO user_following (follower_id, followed_id) VALUES (1,2),(4,2),(1,5)`,
	`INSERT INTO push_sending_log (id, reason, reason_user_id, target_user_id) VALUES
		(1,'birthday',2,2),
		(2,'wish_created',2,99)`,
}

func newDirtyStore(t *testing.T) *source.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=foreign_keys(OFF)", path))
	if err != nil {
		t.Fatalf("opening seed connection: %v", err)
	}
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	for _, stmt := range dirtySeed {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing seed connection: %v", err)
	}

	store, err := source.Open(context.Background(), path, 5*time.Second)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScanCountsPerRelationship(t *testing.T) {
	store := newDirtyStore(t)
	scanner, err := NewScanner(store, relation.Defaults())
	if err != nil {
		t.Fatalf("NewScanner() failed: %v", err)
	}

	report, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	want := map[string]int64{
		"wish":             2,
		"user_following":   2,
		"push_sending_log": 1,
	}
	if len(report.Counts) != len(want) {
		t.Fatalf("Scan() returned %d counts, want %d", len(report.Counts), len(want))
	}
	for _, c := range report.Counts {
		if c.Orphans != want[c.Table] {
			t.Errorf("orphans in %s = %d, want %d", c.Table, c.Orphans, want[c.Table])
		}
	}
	if report.Total() != 5 {
		t.Errorf("Total() = %d, want 5", report.Total())
	}
	if report.Clean() {
		t.Error("Clean() = true for a dirty database")
	}
}

func TestReconcileCompleteness(t *testing.T) {
	store := newDirtyStore(t)
	ctx := context.Background()

	rec, err := NewReconciler(store, relation.Defaults())
	if err != nil {
		t.Fatalf("NewReconciler() failed: %v", err)
	}
	result, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if result.Total() != 5 {
		t.Errorf("Reconcile() deleted %d rows, want 5", result.Total())
	}

	// A fresh scan must report zero violations for every relationship.
	scanner, _ := NewScanner(store, relation.Defaults())
	report, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("post-reconcile Scan() failed: %v", err)
	}
	if !report.Clean() {
		t.Errorf("post-reconcile scan not clean: %+v", report.Counts)
	}
}

func TestReconcileIdempotence(t *testing.T) {
	store := newDirtyStore(t)
	ctx := context.Background()

	rec, err := NewReconciler(store, relation.Defaults())
	if err != nil {
		t.Fatalf("NewReconciler() failed: %v", err)
	}
	if _, err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("first Reconcile() failed: %v", err)
	}

	second, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second Reconcile() failed: %v", err)
	}
	if second.Total() != 0 {
		t.Errorf("second Reconcile() deleted %d rows, want 0", second.Total())
	}
	for _, d := range second.Deletions {
		if d.Deleted != 0 {
			t.Errorf("second pass deleted %d rows from %s, want 0", d.Deleted, d.Table)
		}
	}
}

func TestReconcilePreservesValidRows(t *testing.T) {
	store := newDirtyStore(t)
	ctx := context.Background()

	rec, _ := NewReconciler(store, relation.Defaults())
	if _, err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}

	for table, want := range map[string]int64{
		"user":             3, // never mutated
		"wish":             1,
		"user_following":   1,
		"push_sending_log": 1,
	} {
		got, err := store.CountRows(ctx, table)
		if err != nil {
			t.Fatalf("CountRows(%s) failed: %v", table, err)
		}
		if got != want {
			t.Errorf("rows in %s after reconcile = %d, want %d", table, got, want)
		}
	}
}

func TestReconcileOrderIrrelevantForIndependentRelationships(t *testing.T) {
	// All permutations of the three independent relationships must leave the
	// same final row set.
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	type counts struct{ wish, following, log int64 }
	var want *counts

	for _, perm := range perms {
		store := newDirtyStore(t)
		ctx := context.Background()

		defaults := relation.Defaults()
		ordered := make([]relation.Descriptor, 0, len(perm))
		for _, i := range perm {
			ordered = append(ordered, defaults[i])
		}

		rec, err := NewReconciler(store, ordered)
		if err != nil {
			t.Fatalf("NewReconciler(%v) failed: %v", perm, err)
		}
		if _, err := rec.Reconcile(ctx); err != nil {
			t.Fatalf("Reconcile(%v) failed: %v", perm, err)
		}

		var got counts
		got.wish, _ = store.CountRows(ctx, "wish")
		got.following, _ = store.CountRows(ctx, "user_following")
		got.log, _ = store.CountRows(ctx, "push_sending_log")

		if want == nil {
			want = &got
			continue
		}
		if got != *want {
			t.Errorf("permutation %v produced %+v, want %+v", perm, got, *want)
		}
	}
}

func TestScannerRejectsInvalidDescriptors(t *testing.T) {
	store := newDirtyStore(t)
	if _, err := NewScanner(store, nil); err == nil {
		t.Fatal("NewScanner(nil descriptors) succeeded, want error")
	}
	if _, err := NewReconciler(store, []relation.Descriptor{{Table: "wish"}}); err == nil {
		t.Fatal("NewReconciler(role-less descriptor) succeeded, want error")
	}
}

func TestReconcileAbortsOnMissingTable(t *testing.T) {
	store := newDirtyStore(t)
	ctx := context.Background()

	// Second descriptor targets a table that does not exist: the delete fails,
	// and the third relationship must not be attempted.
	descs := []relation.Descriptor{
		relation.Defaults()[0],
		{Table: "not_a_table", Roles: []relation.Role{
			{Column: "user_id", RefTable: "user", RefColumn: "id", NullPolicy: relation.NullMandatory},
		}},
		relation.Defaults()[1],
	}

	rec, err := NewReconciler(store, descs)
	if err != nil {
		t.Fatalf("NewReconciler() failed: %v", err)
	}
	result, err := rec.Reconcile(ctx)
	if err == nil {
		t.Fatal("Reconcile() with missing table succeeded, want error")
	}
	if len(result.Deletions) != 1 {
		t.Errorf("partial result has %d deletions, want 1 (only the first relationship)", len(result.Deletions))
	}

	// The skipped relationship still has its orphans.
	n, err := store.CountOrphans(ctx, relation.Defaults()[1])
	if err != nil {
		t.Fatalf("CountOrphans() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("orphans in skipped relationship = %d, want 2 (untouched)", n)
	}
}
