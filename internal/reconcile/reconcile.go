// Package reconcile implements the integrity scanner and the orphan
// reconciler. Both operate on the same ordered relationship descriptor list;
// the scanner only reads, the reconciler permanently deletes.
package reconcile

import (
	"context"
	"fmt"

	"github.com/untoldecay/pgmove/internal/debug"
	"github.com/untoldecay/pgmove/internal/relation"
	"github.com/untoldecay/pgmove/internal/source"
)

// TableError attributes a scan or delete failure to one dependent table, so
// the operator can diagnose without re-running the whole pipeline.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// Count is one relationship's violation count.
type Count struct {
	Table   string `json:"table"`
	Orphans int64  `json:"orphans"`
}

// Report is the advisory output of a scan, in descriptor order.
type Report struct {
	Counts []Count `json:"counts"`
}

// Total returns the number of orphan rows across all relationships.
func (r Report) Total() int64 {
	var n int64
	for _, c := range r.Counts {
		n += c.Orphans
	}
	return n
}

// Clean reports whether the scan found zero violations everywhere.
func (r Report) Clean() bool {
	return r.Total() == 0
}

// Scanner counts orphan rows per relationship. Read-only.
type Scanner struct {
	store *source.Store
	descs []relation.Descriptor
}

// NewScanner validates the descriptor list and returns a scanner over it.
func NewScanner(store *source.Store, descs []relation.Descriptor) (*Scanner, error) {
	if err := relation.ValidateAll(descs); err != nil {
		return nil, err
	}
	return &Scanner{store: store, descs: descs}, nil
}

// Scan counts violations for every relationship, in order.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	report := Report{Counts: make([]Count, 0, len(s.descs))}
	for _, d := range s.descs {
		n, err := s.store.CountOrphans(ctx, d)
		if err != nil {
			return Report{}, &TableError{Table: d.Table, Err: err}
		}
		report.Counts = append(report.Counts, Count{Table: d.Table, Orphans: n})
	}
	return report, nil
}

// Deletion is the outcome of one relationship's destructive pass.
type Deletion struct {
	Table   string `json:"table"`
	Deleted int64  `json:"deleted"`
}

// Result summarizes a reconciliation run.
type Result struct {
	Deletions []Deletion `json:"deletions"`
}

// Total returns the number of rows deleted across all relationships.
func (r Result) Total() int64 {
	var n int64
	for _, d := range r.Deletions {
		n += d.Deleted
	}
	return n
}

// Reconciler deletes orphan rows relationship by relationship, in the
// configured order. The order is always supplied explicitly: even though the
// default relationship set is mutually independent, the engine never assumes
// that holds.
type Reconciler struct {
	store *source.Store
	descs []relation.Descriptor
}

// NewReconciler validates the descriptor list and returns a reconciler.
func NewReconciler(store *source.Store, descs []relation.Descriptor) (*Reconciler, error) {
	if err := relation.ValidateAll(descs); err != nil {
		return nil, err
	}
	return &Reconciler{store: store, descs: descs}, nil
}

// Reconcile deletes every orphan row. Idempotent: a second run deletes
// nothing, because after the first pass no orphans remain by construction.
//
// If a relationship's delete fails, the remaining relationships are not
// attempted and the partial result is returned alongside the error.
// Relationships already cleaned in this run stay cleaned; re-running the
// whole pipeline is safe.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	result := Result{Deletions: make([]Deletion, 0, len(r.descs))}
	for _, d := range r.descs {
		deleted, err := r.store.DeleteOrphans(ctx, d)
		if err != nil {
			return result, &TableError{Table: d.Table, Err: err}
		}
		result.Deletions = append(result.Deletions, Deletion{Table: d.Table, Deleted: deleted})
	}
	debug.Logf("reconciled %d relationships, %d rows deleted", len(r.descs), result.Total())
	return result, nil
}
