package schema

import (
	"context"
	"fmt"

	"github.com/shalteor/edbcore/internal/errors"
)

// NodeRecord is the persisted form of one node: its own serialized
// attributes plus the reference to its parent and its key there.
type NodeRecord struct {
	ID       string
	ParentID string
	Key      string
	Type     string
	Serial   string
}

// NodeStore persists node records. ListChildren returns an empty slice for
// an unknown parent.
type NodeStore interface {
	PutNode(ctx context.Context, rec *NodeRecord) error
	ListChildren(ctx context.Context, parentID string) ([]*NodeRecord, error)
	DeleteNode(ctx context.Context, id string) error
}

func record(parent Node, key MetaKey, n Node) (*NodeRecord, error) {
	serial, err := n.Serialize(parent)
	if err != nil {
		return nil, err
	}
	return &NodeRecord{
		ID:       n.ID(),
		ParentID: parent.ID(),
		Key:      key.encode(),
		Type:     n.TypeName(),
		Serial:   serial,
	}, nil
}

func deserialize(rec *NodeRecord) (Node, error) {
	switch rec.Type {
	case "tableMeta":
		return deserializeTable(rec.ID, rec.Serial)
	case "fieldMeta":
		return deserializeField(rec.ID, rec.Serial)
	case "onionMeta":
		return deserializeOnion(rec.ID, rec.Serial)
	case "SchemaInfo":
		return nil, errors.New(errors.InvalidOperation, "schema.deserialize", "SchemaInfo can not be deserialized")
	}
	return nil, errors.New(errors.NotFound, "schema.deserialize", fmt.Sprintf("unknown node type %q", rec.Type))
}

// SaveTree writes every descendant of root to store and removes stored
// records whose node no longer exists in memory.
func SaveTree(ctx context.Context, store NodeStore, root *SchemaInfo) error {
	return saveChildren(ctx, store, root)
}

// SaveNode writes n, owned by parent under key, and its subtree.
func SaveNode(ctx context.Context, store NodeStore, parent Node, key MetaKey, n Node) error {
	rec, err := record(parent, key, n)
	if err != nil {
		return errors.Wrap(err, "schema.SaveNode")
	}
	if err := store.PutNode(ctx, rec); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", rec.Type, key, err)
	}
	return saveChildren(ctx, store, n)
}

func saveChildren(ctx context.Context, store NodeStore, n Node) error {
	live := make(map[string]bool)
	for _, c := range n.Children() {
		live[c.Node.ID()] = true
		if err := SaveNode(ctx, store, n, c.Key, c.Node); err != nil {
			return err
		}
	}
	stored, err := store.ListChildren(ctx, n.ID())
	if err != nil {
		return fmt.Errorf("failed to list children of %s: %w", n.ID(), err)
	}
	for _, rec := range stored {
		if !live[rec.ID] {
			if err := DeleteTree(ctx, store, rec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteTree removes the record id and every stored descendant.
func DeleteTree(ctx context.Context, store NodeStore, id string) error {
	children, err := store.ListChildren(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list children of %s: %w", id, err)
	}
	for _, c := range children {
		if err := DeleteTree(ctx, store, c.ID); err != nil {
			return err
		}
	}
	if err := store.DeleteNode(ctx, id); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	return nil
}

// FetchChildren builds the stored children of parent. The returned nodes are
// not attached; the caller owns them and must add them.
func FetchChildren(ctx context.Context, store NodeStore, parent Node) ([]Child, error) {
	const op = "schema.FetchChildren"
	recs, err := store.ListChildren(ctx, parent.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parent.ID(), err)
	}
	out := make([]Child, 0, len(recs))
	for _, rec := range recs {
		key, err := decodeMetaKey(rec.Key)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		n, err := deserialize(rec)
		if err != nil {
			return nil, errors.Wrap(err, op, errors.WithMsg("record %s", rec.ID))
		}
		out = append(out, Child{Key: key, Node: n})
	}
	return out, nil
}

// LoadSchema rebuilds the whole tree from store.
func LoadSchema(ctx context.Context, store NodeStore) (*SchemaInfo, error) {
	root := NewSchemaInfo()
	if err := loadInto(ctx, store, root); err != nil {
		root.Destroy()
		return nil, err
	}
	return root, nil
}

func loadInto(ctx context.Context, store NodeStore, parent Node) error {
	const op = "schema.LoadSchema"
	children, err := FetchChildren(ctx, store, parent)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := parent.AddChild(c.Key, c.Node); err != nil {
			c.Node.Destroy()
			return errors.Wrap(err, op)
		}
		if err := loadInto(ctx, store, c.Node); err != nil {
			return err
		}
	}
	if t, ok := parent.(*TableMeta); ok {
		if missing := t.missingFields(); len(missing) > 0 {
			return errors.New(errors.NotFound, op, fmt.Sprintf("table %s lists fields without records: %v", t.AnonTableName(), missing))
		}
	}
	return nil
}
