package schema

import (
	"fmt"

	"github.com/shalteor/edbcore/internal/errors"
)

// RootID is the persistence id of the SchemaInfo root.
const RootID = "schema"

// SchemaInfo is the root of the tree; it owns tables by name. Lookups at this
// level do not resolve table or field aliases.
type SchemaInfo struct {
	Meta
}

// NewSchemaInfo returns an empty root.
func NewSchemaInfo() *SchemaInfo {
	s := &SchemaInfo{}
	s.init(s, RootID, kindString)
	return s
}

// TypeName implements Node.
func (s *SchemaInfo) TypeName() string { return "SchemaInfo" }

// Serialize always fails; only the children of the root are persisted.
func (s *SchemaInfo) Serialize(_ Node) (string, error) {
	return "", errors.New(errors.InvalidOperation, "schema.(SchemaInfo).Serialize", "SchemaInfo can not be serialized")
}

// AddChild adds a table under its name.
func (s *SchemaInfo) AddChild(key MetaKey, child Node) error {
	const op = "schema.(SchemaInfo).AddChild"
	if _, ok := child.(*TableMeta); !ok {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("schema only owns tables, got %T", child))
	}
	return s.Meta.AddChild(key, child)
}

// ReplaceChild replaces a table.
func (s *SchemaInfo) ReplaceChild(key MetaKey, child Node) error {
	const op = "schema.(SchemaInfo).ReplaceChild"
	if _, ok := child.(*TableMeta); !ok {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("schema only owns tables, got %T", child))
	}
	return s.Meta.ReplaceChild(key, child)
}

// Table returns the named table.
func (s *SchemaInfo) Table(name string) (*TableMeta, error) {
	n, err := s.GetChild(NameKey(name))
	if err != nil {
		return nil, errors.Wrap(err, "schema.(SchemaInfo).Table")
	}
	return n.(*TableMeta), nil
}

// TableNames returns the table names in ascending order.
func (s *SchemaInfo) TableNames() []string {
	children := s.Children()
	out := make([]string, 0, len(children))
	for _, c := range children {
		out = append(out, c.Key.name)
	}
	return out
}

// GetFieldMeta returns field of table, without alias resolution.
func (s *SchemaInfo) GetFieldMeta(table, field string) (*FieldMeta, error) {
	const op = "schema.(SchemaInfo).GetFieldMeta"
	t, err := s.Table(table)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	f, err := t.Field(field)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return f, nil
}
