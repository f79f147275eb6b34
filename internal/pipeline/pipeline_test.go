package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/pgmove/internal/reconcile"
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

var dirtySeed = []string{
	`INSERT INTO "user" (id, display_name) VALUES (1,'a'),(2,'b'),(3,'c')`,
	`INSERT INTO wish (id, user_id, reserved_by_id, name) VALUES (1,1,NULL,'bike'),(2,42,NULL,'lost')`,
	`INSERT INTO user_following (follower_id, followed_id) VALUES (1,2),(4,2),(1,5)`,
	`INSERT INTO push_sending_log (id, reason, reason_user_id, target_user_id) VALUES (1,'birthday',2,99)`,
}

// newDirtyDB writes a wishlist database containing known violations and
// returns its path. Extra statements run after the standard seed.
func newDirtyDB(t *testing.T, extra ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=foreign_keys(OFF)", path))
	if err != nil {
		t.Fatalf("opening seed connection: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	for _, stmt := range append(append([]string{}, dirtySeed...), extra...) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	return path
}

// fakeLoader records invocations and can be set to fail.
type fakeLoader struct {
	called bool
	err    error
}

func (f *fakeLoader) Load(ctx context.Context) error {
	f.called = true
	return f.err
}

func TestRunFullPipeline(t *testing.T) {
	path := newDirtyDB(t)
	loader := &fakeLoader{}

	var reported *Summary
	d := &Driver{
		SourcePath:  path,
		Descriptors: relation.Defaults(),
		Loader:      loader,
		LockTimeout: 2 * time.Second,
		OnReport: func(s Summary) {
			reported = &s
		},
	}

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if d.Phase() != PhaseDone {
		t.Errorf("Phase() = %s, want %s", d.Phase(), PhaseDone)
	}
	if !loader.called {
		t.Error("loader was never invoked")
	}
	if reported == nil {
		t.Fatal("OnReport was never called")
	}
	if reported.Report.Total() != 4 {
		t.Errorf("reported orphan total = %d, want 4", reported.Report.Total())
	}
	if summary.Result.Total() != 4 {
		t.Errorf("deleted total = %d, want 4", summary.Result.Total())
	}
	if !summary.Verification.Clean() {
		t.Errorf("verification not clean: %+v", summary.Verification.Counts)
	}
	// Pre-flight saw the engine-level FK violations too.
	if len(summary.PreflightViolations) == 0 {
		t.Error("expected pre-flight foreign_key_check findings on a dirty database")
	}
}

func TestRunMissingSourceIsConfigError(t *testing.T) {
	loader := &fakeLoader{}
	d := &Driver{
		SourcePath:  filepath.Join(t.TempDir(), "missing.db"),
		Descriptors: relation.Defaults(),
		Loader:      loader,
	}

	_, err := d.Run(context.Background())
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want *ConfigError", err)
	}
	if loader.called {
		t.Error("loader must not run after a configuration error")
	}
	if d.Phase() != PhaseFailed {
		t.Errorf("Phase() = %s, want %s", d.Phase(), PhaseFailed)
	}
}

func TestRunNilLoaderIsConfigError(t *testing.T) {
	d := &Driver{
		SourcePath:  newDirtyDB(t),
		Descriptors: relation.Defaults(),
	}
	_, err := d.Run(context.Background())
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want *ConfigError for missing loader", err)
	}
}

func TestRunInvalidDescriptorsIsConfigError(t *testing.T) {
	d := &Driver{
		SourcePath:  newDirtyDB(t),
		Descriptors: []relation.Descriptor{{Table: "wish"}},
		Loader:      &fakeLoader{},
	}
	_, err := d.Run(context.Background())
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want *ConfigError for invalid descriptors", err)
	}
}

func TestRunFailsWhenSourceLocked(t *testing.T) {
	path := newDirtyDB(t)
	lock, err := source.AcquireLock(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("acquiring competing lock: %v", err)
	}
	defer lock.Unlock() //nolint:errcheck

	loader := &fakeLoader{}
	d := &Driver{
		SourcePath:  path,
		Descriptors: relation.Defaults(),
		Loader:      loader,
		LockTimeout: 300 * time.Millisecond,
	}
	_, err = d.Run(context.Background())

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() against a locked source = %v, want *ConfigError", err)
	}
	if loader.called {
		t.Error("loader must not run while another process holds the lock")
	}
}

func TestRunVerifyFailureBlocksLoading(t *testing.T) {
	// A RAISE(IGNORE) trigger makes deletes on push_sending_log silently do
	// nothing: the reconciler reports success but the orphans survive, which
	// is exactly the flawed-run scenario verification exists to catch.
	path := newDirtyDB(t, `
		CREATE TRIGGER block_push_delete BEFORE DELETE ON push_sending_log
		BEGIN SELECT RAISE(IGNORE); END`)
	loader := &fakeLoader{}

	d := &Driver{
		SourcePath:  path,
		Descriptors: relation.Defaults(),
		Loader:      loader,
	}
	_, err := d.Run(context.Background())

	var perr *PhaseError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() error = %v, want *PhaseError", err)
	}
	if perr.Phase != PhaseVerifying {
		t.Errorf("failing phase = %s, want %s", perr.Phase, PhaseVerifying)
	}
	if perr.Table != "push_sending_log" {
		t.Errorf("failing table = %q, want push_sending_log", perr.Table)
	}
	if loader.called {
		t.Error("loader must never run when verification fails")
	}
	if d.Phase() != PhaseFailed {
		t.Errorf("Phase() = %s, want %s", d.Phase(), PhaseFailed)
	}
}

func TestRunLoadFailureLeavesSourceClean(t *testing.T) {
	path := newDirtyDB(t)
	loader := &fakeLoader{err: errors.New("connection refused")}

	d := &Driver{
		SourcePath:  path,
		Descriptors: relation.Defaults(),
		Loader:      loader,
	}
	_, err := d.Run(context.Background())

	var perr *PhaseError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() error = %v, want *PhaseError", err)
	}
	if perr.Phase != PhaseLoading {
		t.Errorf("failing phase = %s, want %s", perr.Phase, PhaseLoading)
	}

	// The source stays reconciled: retrying just the load is safe.
	store, err := source.Open(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("re-opening source: %v", err)
	}
	defer store.Close()
	scanner, _ := reconcile.NewScanner(store, relation.Defaults())
	report, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("post-failure scan: %v", err)
	}
	if !report.Clean() {
		t.Errorf("source not clean after load failure: %+v", report.Counts)
	}
}

func TestRunConfirmDeclinedStopsBeforeDeletion(t *testing.T) {
	path := newDirtyDB(t)
	loader := &fakeLoader{}

	d := &Driver{
		SourcePath:  path,
		Descriptors: relation.Defaults(),
		Loader:      loader,
		Confirm: func(r reconcile.Report) (bool, error) {
			return false, nil
		},
	}
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !summary.Declined {
		t.Error("summary.Declined = false, want true")
	}
	if loader.called {
		t.Error("loader must not run after a declined confirmation")
	}

	// Nothing was deleted.
	store, err := source.Open(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("re-opening source: %v", err)
	}
	defer store.Close()
	scanner, _ := reconcile.NewScanner(store, relation.Defaults())
	report, _ := scanner.Scan(context.Background())
	if report.Total() != 4 {
		t.Errorf("orphans after declined run = %d, want 4 (untouched)", report.Total())
	}
}

func TestRunConfirmAcceptedProceeds(t *testing.T) {
	path := newDirtyDB(t)
	loader := &fakeLoader{}

	d := &Driver{
		SourcePath:  path,
		Descriptors: relation.Defaults(),
		Loader:      loader,
		Confirm: func(r reconcile.Report) (bool, error) {
			return true, nil
		},
	}
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if summary.Declined {
		t.Error("summary.Declined = true, want false")
	}
	if !loader.called {
		t.Error("loader was never invoked after confirmation")
	}
}
