// Package pipeline orchestrates the migration: scan, report, reconcile,
// verify, load. Phases are strictly sequential; each one observes the result
// of the previous one, and any failure stops the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/pgmove/internal/debug"
	"github.com/untoldecay/pgmove/internal/reconcile"
	"github.com/untoldecay/pgmove/internal/relation"
	"github.com/untoldecay/pgmove/internal/source"
)

// Phase names the pipeline states.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseReporting   Phase = "reporting"
	PhaseReconciling Phase = "reconciling"
	PhaseVerifying   Phase = "verifying"
	PhaseLoading     Phase = "loading"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// ConfigError reports a problem detected before any state mutation:
// missing source file, unresolvable target, malformed descriptors.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// PhaseError attributes a failure to the phase (and, when known, the
// dependent table) it occurred in.
type PhaseError struct {
	Phase Phase
	Table string
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s failed (table %s): %v", e.Phase, e.Table, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Loader is the bulk loader the pipeline hands the verified-clean database
// to. It succeeds or fails as a single unit.
type Loader interface {
	Load(ctx context.Context) error
}

// Summary collects what each phase observed, for reporting.
type Summary struct {
	PreflightViolations []source.FKViolation `json:"preflight_violations,omitempty"`
	Report              reconcile.Report     `json:"report"`
	Result              reconcile.Result     `json:"result"`
	Verification        reconcile.Report     `json:"verification"`
	Declined            bool                 `json:"declined,omitempty"`
}

// Driver runs the migration pipeline.
//
// The source connection (and the exclusive file lock guarding it against
// concurrent writers) is held for scan+reconcile+verify and released before
// the loader runs, since the loader does its own read pass.
type Driver struct {
	SourcePath  string
	Descriptors []relation.Descriptor
	Loader      Loader
	LockTimeout time.Duration

	// OnReport, when set, is called with the scan report before any
	// destructive action (the reporting phase).
	OnReport func(Summary)

	// Confirm, when set, gates the transition from reporting to reconciling.
	// Returning false stops the run cleanly before any deletion.
	Confirm func(reconcile.Report) (bool, error)

	phase Phase
}

// Phase returns the phase the driver is currently in (Failed after an error).
func (d *Driver) Phase() Phase {
	if d.phase == "" {
		return PhaseIdle
	}
	return d.phase
}

func (d *Driver) fail(phase Phase, err error) error {
	d.phase = PhaseFailed
	var terr *reconcile.TableError
	if errors.As(err, &terr) {
		return &PhaseError{Phase: phase, Table: terr.Table, Err: terr.Err}
	}
	return &PhaseError{Phase: phase, Err: err}
}

// Run executes the pipeline to completion. On success the returned summary
// describes every phase and the driver ends in Done; on failure the error is
// a *ConfigError or a *PhaseError and the driver ends in Failed.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	d.phase = PhaseIdle
	summary := &Summary{}

	// Fail fast on configuration problems, before touching anything.
	if err := relation.ValidateAll(d.Descriptors); err != nil {
		d.phase = PhaseFailed
		return nil, &ConfigError{Reason: "invalid relationship configuration", Err: err}
	}
	if d.Loader == nil {
		d.phase = PhaseFailed
		return nil, &ConfigError{Reason: "no bulk loader configured (is the target connection resolvable?)"}
	}

	lockTimeout := d.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}

	store, err := source.Open(ctx, d.SourcePath, lockTimeout)
	if err != nil {
		d.phase = PhaseFailed
		return nil, &ConfigError{Reason: "source database unreachable", Err: err}
	}
	storeOpen := true
	defer func() {
		if storeOpen {
			_ = store.Close()
		}
	}()

	// Exclusive advisory lock: a concurrent writer would invalidate the
	// verify-then-mutate protocol.
	lock, err := source.AcquireLock(ctx, d.SourcePath, lockTimeout)
	if err != nil {
		d.phase = PhaseFailed
		return nil, &ConfigError{Reason: "could not lock source database", Err: err}
	}
	lockHeld := true
	defer func() {
		if lockHeld {
			_ = lock.Unlock()
		}
	}()

	// Scanning
	d.phase = PhaseScanning
	debug.Logf("phase: %s", d.phase)

	violations, err := store.ForeignKeyCheck(ctx)
	if err != nil {
		return nil, d.fail(PhaseScanning, err)
	}
	summary.PreflightViolations = violations

	scanner, err := reconcile.NewScanner(store, d.Descriptors)
	if err != nil {
		return nil, d.fail(PhaseScanning, err)
	}
	summary.Report, err = scanner.Scan(ctx)
	if err != nil {
		return nil, d.fail(PhaseScanning, err)
	}

	// Reporting: counts are advisory, printed for operator visibility before
	// any destructive action.
	d.phase = PhaseReporting
	debug.Logf("phase: %s", d.phase)
	if d.OnReport != nil {
		d.OnReport(*summary)
	}

	if d.Confirm != nil {
		ok, err := d.Confirm(summary.Report)
		if err != nil {
			return nil, d.fail(PhaseReporting, err)
		}
		if !ok {
			summary.Declined = true
			d.phase = PhaseIdle
			return summary, nil
		}
	}

	// Reconciling
	d.phase = PhaseReconciling
	debug.Logf("phase: %s", d.phase)
	rec, err := reconcile.NewReconciler(store, d.Descriptors)
	if err != nil {
		return nil, d.fail(PhaseReconciling, err)
	}
	summary.Result, err = rec.Reconcile(ctx)
	if err != nil {
		return nil, d.fail(PhaseReconciling, err)
	}

	// Verifying: a fresh scan must be clean, or loading would violate the
	// target's referential constraints.
	d.phase = PhaseVerifying
	debug.Logf("phase: %s", d.phase)
	summary.Verification, err = scanner.Scan(ctx)
	if err != nil {
		return nil, d.fail(PhaseVerifying, err)
	}
	if !summary.Verification.Clean() {
		for _, c := range summary.Verification.Counts {
			if c.Orphans > 0 {
				return nil, d.fail(PhaseVerifying, &reconcile.TableError{
					Table: c.Table,
					Err:   fmt.Errorf("%d orphan rows remain after reconciliation", c.Orphans),
				})
			}
		}
	}

	// Release the source before loading: the loader takes its own read pass.
	storeOpen = false
	if err := store.Close(); err != nil {
		return nil, d.fail(PhaseVerifying, err)
	}
	lockHeld = false
	if err := lock.Unlock(); err != nil {
		return nil, d.fail(PhaseVerifying, err)
	}

	// Loading
	d.phase = PhaseLoading
	debug.Logf("phase: %s", d.phase)
	if err := d.Loader.Load(ctx); err != nil {
		return nil, d.fail(PhaseLoading, err)
	}

	d.phase = PhaseDone
	debug.Logf("phase: %s", d.phase)
	return summary, nil
}
