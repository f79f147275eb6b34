// Package loader implements the bulk load of the reconciled SQLite database
// into PostgreSQL. The pipeline treats it as an opaque collaborator that
// succeeds or fails as a unit; everything schema-specific lives in the
// declarative mapping, not in code.
package loader

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ColumnMapping maps one source column to its target column, with an optional
// type coercion across the two engines' type systems.
type ColumnMapping struct {
	Source string `yaml:"source"`
	Target string `yaml:"target,omitempty"` // defaults to Source
	Coerce string `yaml:"coerce,omitempty"` // "" or "bool"
}

// TableMapping maps one source table to its target table. When Columns is
// empty the loader introspects the source table and copies every column
// under its own name.
type TableMapping struct {
	Source  string          `yaml:"source"`
	Target  string          `yaml:"target,omitempty"` // defaults to Source
	Columns []ColumnMapping `yaml:"columns,omitempty"`
}

// TargetName returns the target table name.
func (t TableMapping) TargetName() string {
	if t.Target != "" {
		return t.Target
	}
	return t.Source
}

// Mapping is the declarative source→target description for one migration.
// Tables are listed parents first; truncation runs in reverse.
type Mapping struct {
	Tables []TableMapping `yaml:"tables"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks table ordering inputs and identifier safety.
func (m Mapping) Validate() error {
	if len(m.Tables) == 0 {
		return fmt.Errorf("mapping: no tables configured")
	}
	for _, t := range m.Tables {
		if t.Source == "" {
			return fmt.Errorf("mapping: table entry missing source name")
		}
		for _, name := range []string{t.Source, t.TargetName()} {
			if !identPattern.MatchString(name) {
				return fmt.Errorf("mapping: invalid table identifier %q", name)
			}
		}
		for _, c := range t.Columns {
			if c.Source == "" {
				return fmt.Errorf("mapping: table %q has a column entry missing source name", t.Source)
			}
			target := c.Target
			if target == "" {
				target = c.Source
			}
			for _, name := range []string{c.Source, target} {
				if !identPattern.MatchString(name) {
					return fmt.Errorf("mapping: table %q: invalid column identifier %q", t.Source, name)
				}
			}
			switch c.Coerce {
			case "", "bool":
			default:
				return fmt.Errorf("mapping: table %q column %q: unknown coercion %q", t.Source, c.Source, c.Coerce)
			}
		}
	}
	return nil
}

// LoadMappingFile reads a mapping from a YAML file.
func LoadMappingFile(path string) (Mapping, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return Mapping{}, fmt.Errorf("reading mapping %s: %w", path, err)
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mapping{}, fmt.Errorf("parsing mapping %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// DefaultMapping returns the built-in mapping for the wishlist schema:
// identical table and column names on both sides, tables in foreign-key-safe
// order (parents before children). The wish column list is explicit because
// its four boolean flags need coercion; it must enumerate every column of the
// deployed table, since a listed-but-incomplete mapping silently drops the
// missing columns.
func DefaultMapping() Mapping {
	return Mapping{
		Tables: []TableMapping{
			{Source: "user"},
			{Source: "wish", Columns: []ColumnMapping{
				{Source: "id"},
				{Source: "user_id"},
				{Source: "reserved_by_id"},
				{Source: "name"},
				{Source: "description"},
				{Source: "link"},
				{Source: "price"},
				{Source: "image"},
				{Source: "is_active", Coerce: "bool"},
				{Source: "is_archived", Coerce: "bool"},
				{Source: "created_at"},
				{Source: "is_reservation_notification_sent", Coerce: "bool"},
				{Source: "is_creation_notification_sent", Coerce: "bool"},
			}},
			{Source: "user_following"},
			{Source: "push_sending_log"},
		},
	}
}
