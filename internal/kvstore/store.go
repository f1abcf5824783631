// Package kvstore keeps metadata node records in BadgerDB.
//
// Key format:
//
//	meta/<parentID>/<id> -> JSON NodeRecord
//	node/<id>            -> parentID
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/shalteor/edbcore/internal/schema"
)

const (
	prefixMeta = "meta/"
	prefixNode = "node/"
)

var _ schema.NodeStore = (*Store)(nil)

// Store implements schema.NodeStore using BadgerDB.
type Store struct {
	db *badger.DB
}

// New wraps an open badger database.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) a badger database at path. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	opt := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opt = opt.WithInMemory(true)
	}
	db, err := badger.Open(opt)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func metaKey(parentID, id string) []byte {
	return []byte(prefixMeta + parentID + "/" + id)
}

func childPrefix(parentID string) []byte {
	return []byte(prefixMeta + parentID + "/")
}

// PutNode stores rec, moving it if its parent changed.
func (s *Store) PutNode(_ context.Context, rec *schema.NodeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize node: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixNode + rec.ID))
		switch {
		case err == nil:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(old) != rec.ParentID {
				if err := txn.Delete(metaKey(string(old), rec.ID)); err != nil {
					return err
				}
			}
		case err != badger.ErrKeyNotFound:
			return err
		}
		if err := txn.Set([]byte(prefixNode+rec.ID), []byte(rec.ParentID)); err != nil {
			return err
		}
		return txn.Set(metaKey(rec.ParentID, rec.ID), data)
	})
}

// ListChildren returns the records stored under parentID in key order.
func (s *Store) ListChildren(_ context.Context, parentID string) ([]*schema.NodeRecord, error) {
	var out []*schema.NodeRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := childPrefix(parentID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec := &schema.NodeRecord{}
				if err := json.Unmarshal(val, rec); err != nil {
					return fmt.Errorf("deserialize node %s: %w", it.Item().Key(), err)
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteNode removes one record. Deleting an unknown id is not an error.
func (s *Store) DeleteNode(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixNode + id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		parentID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(metaKey(string(parentID), id)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixNode + id))
	})
}
