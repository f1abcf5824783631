package schema

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shalteor/edbcore/internal/errors"
)

// Node is one entry of the metadata tree. A node exclusively owns its
// children; destroying a node destroys every descendant exactly once.
type Node interface {
	// ID is the persistence identifier of the node.
	ID() string
	// TypeName names the concrete node type in persisted records.
	TypeName() string
	// Serialize encodes the node's own attributes (not its children).
	Serialize(parent Node) (string, error)

	ChildExists(key MetaKey) (bool, error)
	GetChild(key MetaKey) (Node, error)
	GetKey(child Node) (MetaKey, error)
	AddChild(key MetaKey, child Node) error
	ReplaceChild(key MetaKey, child Node) error
	DestroyChild(key MetaKey) error
	Children() []Child
	// Parent is a display-only back reference; nil for a root or a
	// detached node.
	Parent() Node
	Destroy()
	Destroyed() bool

	base() *Meta
}

// Child pairs a child node with its key.
type Child struct {
	Key  MetaKey
	Node Node
}

// Meta holds the child map shared by every node type. Concrete nodes embed
// it and call init from their constructor.
type Meta struct {
	id        string
	self      Node
	kind      keyKind
	children  map[MetaKey]Node
	parent    Node
	destroyed bool
}

func newID() string {
	return uuid.NewString()
}

func (m *Meta) init(self Node, id string, kind keyKind) {
	if id == "" {
		id = newID()
	}
	m.id = id
	m.self = self
	m.kind = kind
	m.children = make(map[MetaKey]Node)
}

func (m *Meta) base() *Meta { return m }

// ID returns the persistence identifier.
func (m *Meta) ID() string { return m.id }

// Parent returns the display-only parent reference.
func (m *Meta) Parent() Node { return m.parent }

// Destroyed reports whether Destroy has run.
func (m *Meta) Destroyed() bool { return m.destroyed }

func (m *Meta) checkKey(op errors.Op, key MetaKey) error {
	if key.kind == kindNone {
		return errors.New(errors.InvalidOperation, op, "empty key")
	}
	if m.kind != kindNone && key.kind != m.kind {
		return mismatch(op, m.kind, key.kind)
	}
	return nil
}

// ChildExists reports whether key names a child.
func (m *Meta) ChildExists(key MetaKey) (bool, error) {
	if err := m.checkKey("schema.(Meta).ChildExists", key); err != nil {
		return false, err
	}
	_, ok := m.children[key]
	return ok, nil
}

// GetChild returns the child at key, or a NotFound error.
func (m *Meta) GetChild(key MetaKey) (Node, error) {
	const op = "schema.(Meta).GetChild"
	if err := m.checkKey(op, key); err != nil {
		return nil, err
	}
	child, ok := m.children[key]
	if !ok {
		return nil, errors.New(errors.NotFound, op, fmt.Sprintf("no child %q", key))
	}
	return child, nil
}

// GetKey returns the key under which child is owned.
func (m *Meta) GetKey(child Node) (MetaKey, error) {
	for k, c := range m.children {
		if c == child {
			return k, nil
		}
	}
	return MetaKey{}, errors.New(errors.NotFound, "schema.(Meta).GetKey", "node is not a child")
}

// AddChild takes ownership of child under key. An existing key is a
// Conflict; use ReplaceChild to overwrite.
func (m *Meta) AddChild(key MetaKey, child Node) error {
	const op = "schema.(Meta).AddChild"
	if err := m.checkKey(op, key); err != nil {
		return err
	}
	if child == nil {
		return errors.New(errors.InvalidOperation, op, "nil child")
	}
	if m.destroyed {
		return errors.New(errors.InvalidOperation, op, "node was destroyed")
	}
	if _, ok := m.children[key]; ok {
		return errors.New(errors.Conflict, op, fmt.Sprintf("child %q already exists", key))
	}
	if p := child.Parent(); p != nil {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("child %q is already owned", key))
	}
	m.children[key] = child
	child.base().parent = m.self
	return nil
}

// ReplaceChild destroys the child at key and puts child in its place.
func (m *Meta) ReplaceChild(key MetaKey, child Node) error {
	const op = "schema.(Meta).ReplaceChild"
	if err := m.checkKey(op, key); err != nil {
		return err
	}
	if child == nil {
		return errors.New(errors.InvalidOperation, op, "nil child")
	}
	if m.destroyed {
		return errors.New(errors.InvalidOperation, op, "node was destroyed")
	}
	old, ok := m.children[key]
	if !ok {
		return errors.New(errors.NotFound, op, fmt.Sprintf("no child %q", key))
	}
	if old == child {
		return nil
	}
	if child.Parent() != nil {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("child %q is already owned", key))
	}
	delete(m.children, key)
	old.base().parent = nil
	old.Destroy()
	m.children[key] = child
	child.base().parent = m.self
	return nil
}

// DestroyChild removes the child at key and destroys it.
func (m *Meta) DestroyChild(key MetaKey) error {
	const op = "schema.(Meta).DestroyChild"
	if err := m.checkKey(op, key); err != nil {
		return err
	}
	child, ok := m.children[key]
	if !ok {
		return errors.New(errors.NotFound, op, fmt.Sprintf("no child %q", key))
	}
	delete(m.children, key)
	child.base().parent = nil
	child.Destroy()
	return nil
}

// Children returns the children ordered by key.
func (m *Meta) Children() []Child {
	out := make([]Child, 0, len(m.children))
	for k, c := range m.children {
		out = append(out, Child{Key: k, Node: c})
	}
	sort.Slice(out, func(i, j int) bool {
		c, _ := out[i].Key.Compare(out[j].Key)
		return c < 0
	})
	return out
}

// Destroy destroys every descendant, then the node itself. Calling it again
// is a no-op.
func (m *Meta) Destroy() {
	if m.destroyed {
		return
	}
	m.destroyed = true
	children := m.children
	m.children = make(map[MetaKey]Node)
	for _, c := range children {
		c.base().parent = nil
		c.Destroy()
	}
}
