package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shalteor/edbcore/internal/errors"
)

// randomName returns a short random identifier for anonymized names.
func randomName() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// FieldMeta is one column: its onions, keyed by onion tag, plus salt
// bookkeeping.
type FieldMeta struct {
	Meta
	fname    string
	hasSalt  bool
	saltName string
	layout   OnionLayout
}

// NewFieldMeta creates a field with one onion per onion of layout.
func NewFieldMeta(name string, layout OnionLayout, hasSalt bool) (*FieldMeta, error) {
	const op = "schema.NewFieldMeta"
	if _, ok := layouts[layout]; !ok {
		return nil, errors.New(errors.InvalidOperation, op, fmt.Sprintf("unknown layout %s", layout))
	}
	f := newFieldMeta("", name, hasSalt, "fieldSalt_"+randomName(), layout)
	for _, o := range layout.Onions() {
		om, err := NewOnionMeta(o, layout.Levels(o))
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		if err := f.AddChild(OnionKey(o), om); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}
	return f, nil
}

func newFieldMeta(id, name string, hasSalt bool, saltName string, layout OnionLayout) *FieldMeta {
	f := &FieldMeta{
		fname:    name,
		hasSalt:  hasSalt,
		saltName: saltName,
		layout:   layout,
	}
	f.init(f, id, kindOnion)
	return f
}

// TypeName implements Node.
func (f *FieldMeta) TypeName() string { return "fieldMeta" }

// Name returns the field name.
func (f *FieldMeta) Name() string { return f.fname }

// HasSalt reports whether the field has its own salt.
func (f *FieldMeta) HasSalt() bool { return f.hasSalt }

// Layout returns the onion layout classification.
func (f *FieldMeta) Layout() OnionLayout { return f.layout }

// SaltName returns the salt column name of a salted field.
func (f *FieldMeta) SaltName() (string, error) {
	if !f.hasSalt {
		return "", errors.New(errors.InvalidOperation, "schema.(FieldMeta).SaltName",
			fmt.Sprintf("field %s has no salt", f.fname))
	}
	return f.saltName, nil
}

// Onion returns the onion o of the field.
func (f *FieldMeta) Onion(o Onion) (*OnionMeta, error) {
	n, err := f.GetChild(OnionKey(o))
	if err != nil {
		return nil, errors.Wrap(err, "schema.(FieldMeta).Onion")
	}
	return n.(*OnionMeta), nil
}

// Onions returns the field's onions ordered by tag.
func (f *FieldMeta) Onions() []*OnionMeta {
	children := f.Children()
	out := make([]*OnionMeta, 0, len(children))
	for _, c := range children {
		out = append(out, c.Node.(*OnionMeta))
	}
	return out
}

// GetOnionLevel returns the current level of onion o, or SecLevelInvalid
// when the field has no such onion.
func (f *FieldMeta) GetOnionLevel(o Onion) SecLevel {
	n, ok := f.children[OnionKey(o)]
	if !ok {
		return SecLevelInvalid
	}
	return n.(*OnionMeta).SecLevel()
}

// SetOnionLevel lowers onion o to maxl by popping the layers above it. It
// never raises a level and returns false when no change is needed.
func (f *FieldMeta) SetOnionLevel(o Onion, maxl SecLevel) (bool, error) {
	const op = "schema.(FieldMeta).SetOnionLevel"
	om, err := f.Onion(o)
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	if om.SecLevel() <= maxl {
		return false, nil
	}
	changed, err := om.ReduceTo(maxl)
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	return changed, nil
}

// IsEncrypted reports whether the field has anything but a single PLAIN
// onion.
func (f *FieldMeta) IsEncrypted() bool {
	if len(f.children) != 1 {
		return true
	}
	_, plain := f.children[OnionKey(OnionPLAIN)]
	return !plain
}

func (f *FieldMeta) checkOnion(op errors.Op, key MetaKey, child Node) error {
	if child == nil {
		return errors.New(errors.InvalidOperation, op, "nil child")
	}
	om, ok := child.(*OnionMeta)
	if !ok {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("field %s only owns onions, got %s", f.fname, child.TypeName()))
	}
	if o, err := key.Onion(); err != nil || o != om.Onion() {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("key %q does not match onion %s", key, om.Onion()))
	}
	return nil
}

// AddChild adds an onion under its own tag.
func (f *FieldMeta) AddChild(key MetaKey, child Node) error {
	const op = "schema.(FieldMeta).AddChild"
	if err := f.checkOnion(op, key, child); err != nil {
		return err
	}
	return f.Meta.AddChild(key, child)
}

// ReplaceChild replaces an onion under its own tag.
func (f *FieldMeta) ReplaceChild(key MetaKey, child Node) error {
	const op = "schema.(FieldMeta).ReplaceChild"
	if err := f.checkOnion(op, key, child); err != nil {
		return err
	}
	return f.Meta.ReplaceChild(key, child)
}

// String renders the field and its onion levels for diagnostics.
func (f *FieldMeta) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", f.fname, f.layout)
	for _, om := range f.Onions() {
		fmt.Fprintf(&b, " %s:%s", om.Onion(), om.SecLevel())
	}
	return b.String()
}

type fieldSerial struct {
	Name     string `json:"name"`
	HasSalt  bool   `json:"has_salt"`
	SaltName string `json:"salt_name"`
	Layout   uint8  `json:"layout"`
}

// Serialize implements Node.
func (f *FieldMeta) Serialize(_ Node) (string, error) {
	b, err := json.Marshal(fieldSerial{Name: f.fname, HasSalt: f.hasSalt, SaltName: f.saltName, Layout: uint8(f.layout)})
	if err != nil {
		return "", fmt.Errorf("failed to serialize field: %w", err)
	}
	return string(b), nil
}

func deserializeField(id, serial string) (*FieldMeta, error) {
	var s fieldSerial
	if err := json.Unmarshal([]byte(serial), &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize field: %w", err)
	}
	return newFieldMeta(id, s.Name, s.HasSalt, s.SaltName, OnionLayout(s.Layout)), nil
}
