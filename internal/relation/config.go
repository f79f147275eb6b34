package relation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// relationshipsFile is the on-disk shape of a relationship configuration.
type relationshipsFile struct {
	Relationships []Descriptor `yaml:"relationships"`
}

// LoadFile reads an ordered descriptor list from a YAML file.
// The order in the file is the order the reconciler processes relationships in.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading relationship config %s: %w", path, err)
	}
	var f relationshipsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing relationship config %s: %w", path, err)
	}
	if err := ValidateAll(f.Relationships); err != nil {
		return nil, fmt.Errorf("relationship config %s: %w", path, err)
	}
	return f.Relationships, nil
}

// Defaults returns the built-in descriptor set for the wishlist schema.
// Every dependent table references the user table; reserved_by_id is the only
// nullable role. Relationships here are mutually independent, but the list is
// still ordered because the reconciler never infers order.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Table: "wish",
			Roles: []Role{
				{Column: "user_id", RefTable: "user", RefColumn: "id", NullPolicy: NullMandatory},
				{Column: "reserved_by_id", RefTable: "user", RefColumn: "id", NullPolicy: NullOptional},
			},
		},
		{
			Table: "user_following",
			Roles: []Role{
				{Column: "follower_id", RefTable: "user", RefColumn: "id", NullPolicy: NullMandatory},
				{Column: "followed_id", RefTable: "user", RefColumn: "id", NullPolicy: NullMandatory},
			},
		},
		{
			Table: "push_sending_log",
			Roles: []Role{
				{Column: "reason_user_id", RefTable: "user", RefColumn: "id", NullPolicy: NullMandatory},
				{Column: "target_user_id", RefTable: "user", RefColumn: "id", NullPolicy: NullMandatory},
			},
		},
	}
}
