// Package relation defines the relationship descriptors that drive both the
// integrity scanner and the orphan reconciler. A descriptor names one dependent
// table and the foreign-key roles it declares against the primary entity table.
// Descriptors are the single source of truth: no other package hard-codes
// table or column names.
package relation

import (
	"fmt"
	"regexp"
	"strings"
)

// NullPolicy controls how a NULL foreign-key value is classified.
// This is decided explicitly per role rather than left to SQL NULL semantics,
// because "value NOT IN (set containing NULL)" is engine-dependent.
type NullPolicy string

const (
	// NullOptional marks a nullable reference: a NULL value is never an orphan.
	NullOptional NullPolicy = "optional"
	// NullMandatory marks a required reference: a NULL value is always an orphan.
	NullMandatory NullPolicy = "mandatory"
)

// Role is one foreign-key column of a dependent table and the reference it
// must resolve against.
type Role struct {
	Column     string     `yaml:"column"`
	RefTable   string     `yaml:"ref_table"`
	RefColumn  string     `yaml:"ref_column"`
	NullPolicy NullPolicy `yaml:"null_policy"`
}

// Descriptor describes one dependent table. A row is an orphan when at least
// one of its roles fails to resolve (logical OR across roles).
type Descriptor struct {
	Table string `yaml:"table"`
	Roles []Role `yaml:"roles"`
}

// identPattern matches the only identifiers we interpolate into SQL.
// Descriptors come from configuration, so this is validated up front.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that the descriptor is well-formed: non-empty table,
// at least one role, safe identifiers, and a recognized null policy per role.
func (d Descriptor) Validate() error {
	if d.Table == "" {
		return fmt.Errorf("relationship descriptor: missing table name")
	}
	if !identPattern.MatchString(d.Table) {
		return fmt.Errorf("relationship %q: invalid table identifier", d.Table)
	}
	if len(d.Roles) == 0 {
		return fmt.Errorf("relationship %q: no foreign-key roles declared", d.Table)
	}
	for _, r := range d.Roles {
		for name, v := range map[string]string{
			"column":     r.Column,
			"ref_table":  r.RefTable,
			"ref_column": r.RefColumn,
		} {
			if v == "" {
				return fmt.Errorf("relationship %q: role missing %s", d.Table, name)
			}
			if !identPattern.MatchString(v) {
				return fmt.Errorf("relationship %q: invalid %s identifier %q", d.Table, name, v)
			}
		}
		switch r.NullPolicy {
		case NullOptional, NullMandatory:
		default:
			return fmt.Errorf("relationship %q: role %q has unknown null_policy %q (want %q or %q)",
				d.Table, r.Column, r.NullPolicy, NullOptional, NullMandatory)
		}
	}
	return nil
}

// OrphanPredicate returns the SQL WHERE clause matching orphan rows of the
// dependent table. The predicate ORs the per-role conditions:
//
//	mandatory: col IS NULL OR NOT EXISTS (SELECT 1 FROM ref WHERE ref_col = t.col)
//	optional:  col IS NOT NULL AND NOT EXISTS (...)
//
// NOT EXISTS is used instead of NOT IN so that NULLs in the reference set
// cannot change the result.
func (d Descriptor) OrphanPredicate() string {
	conds := make([]string, 0, len(d.Roles))
	for _, r := range d.Roles {
		exists := fmt.Sprintf(`NOT EXISTS (SELECT 1 FROM "%s" WHERE "%s" = "%s"."%s")`,
			r.RefTable, r.RefColumn, d.Table, r.Column)
		switch r.NullPolicy {
		case NullMandatory:
			conds = append(conds, fmt.Sprintf(`("%s"."%s" IS NULL OR %s)`, d.Table, r.Column, exists))
		default: // NullOptional
			conds = append(conds, fmt.Sprintf(`("%s"."%s" IS NOT NULL AND %s)`, d.Table, r.Column, exists))
		}
	}
	return strings.Join(conds, " OR ")
}

// ValidateAll validates an ordered descriptor list and rejects duplicate
// dependent tables (a duplicate would double-count and double-delete).
func ValidateAll(descs []Descriptor) error {
	if len(descs) == 0 {
		return fmt.Errorf("no relationship descriptors configured")
	}
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Table] {
			return fmt.Errorf("relationship %q: duplicate descriptor", d.Table)
		}
		seen[d.Table] = true
	}
	return nil
}
