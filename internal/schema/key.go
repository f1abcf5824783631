package schema

import (
	"fmt"
	"strings"

	"github.com/shalteor/edbcore/internal/errors"
)

type keyKind uint8

const (
	kindNone keyKind = iota
	kindString
	kindOnion
)

func (k keyKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindOnion:
		return "onion"
	default:
		return "none"
	}
}

// MetaKey identifies a child of a node: either a name or an onion tag. Keys
// of different variants cannot be compared; trying to is an
// InvalidOperation error. MetaKey is comparable so it can key a map, and two
// keys of different variants are never map-equal.
type MetaKey struct {
	kind keyKind
	name string
	o    Onion
}

// NameKey returns a name-variant key.
func NameKey(name string) MetaKey {
	return MetaKey{kind: kindString, name: name}
}

// OnionKey returns an onion-variant key.
func OnionKey(o Onion) MetaKey {
	return MetaKey{kind: kindOnion, o: o}
}

// IsOnion reports whether k is the onion variant.
func (k MetaKey) IsOnion() bool {
	return k.kind == kindOnion
}

// Name returns the name of a name-variant key.
func (k MetaKey) Name() (string, error) {
	if k.kind != kindString {
		return "", errors.New(errors.InvalidOperation, "schema.(MetaKey).Name", "key is not a name")
	}
	return k.name, nil
}

// Onion returns the tag of an onion-variant key.
func (k MetaKey) Onion() (Onion, error) {
	if k.kind != kindOnion {
		return OnionInvalid, errors.New(errors.InvalidOperation, "schema.(MetaKey).Onion", "key is not an onion")
	}
	return k.o, nil
}

func (k MetaKey) String() string {
	switch k.kind {
	case kindString:
		return k.name
	case kindOnion:
		return k.o.String()
	default:
		return "<empty key>"
	}
}

func mismatch(op errors.Op, a, b keyKind) error {
	return errors.New(errors.InvalidOperation, op,
		fmt.Sprintf("MetaKey cannot compare a %s key with a %s key", a, b))
}

// Compare orders two keys of the same variant.
func (k MetaKey) Compare(other MetaKey) (int, error) {
	const op = "schema.(MetaKey).Compare"
	if k.kind != other.kind || k.kind == kindNone {
		return 0, mismatch(op, k.kind, other.kind)
	}
	if k.kind == kindOnion {
		switch {
		case k.o < other.o:
			return -1, nil
		case k.o > other.o:
			return 1, nil
		}
		return 0, nil
	}
	return strings.Compare(k.name, other.name), nil
}

// Equal reports whether two keys of the same variant are equal.
func (k MetaKey) Equal(other MetaKey) (bool, error) {
	c, err := k.Compare(other)
	if err != nil {
		return false, errors.Wrap(err, "schema.(MetaKey).Equal")
	}
	return c == 0, nil
}

func (k MetaKey) encode() string {
	if k.kind == kindOnion {
		return "o:" + k.o.String()
	}
	return "s:" + k.name
}

func decodeMetaKey(s string) (MetaKey, error) {
	const op = "schema.decodeMetaKey"
	switch {
	case strings.HasPrefix(s, "s:"):
		return NameKey(s[2:]), nil
	case strings.HasPrefix(s, "o:"):
		o, err := ParseOnion(s[2:])
		if err != nil {
			return MetaKey{}, errors.Wrap(err, op)
		}
		return OnionKey(o), nil
	}
	return MetaKey{}, errors.New(errors.InvalidOperation, op, fmt.Sprintf("malformed key %q", s))
}
