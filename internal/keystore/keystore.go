// Package keystore turns reachability in the principal access graph into
// decrypted keys.
//
// Logging in a principal that gives a password makes its key a root. A
// sweep then walks the access graph from the root generic, decrypting the
// wrapped key of every reachable principal with its parent's key. Each
// cached key remembers the roots it was reached from and is zeroed when the
// last of them logs out.
//
// Keys provisioned with Insert while no root can reach them are kept in an
// orphan graph until an access path from a live key adopts them.
package keystore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/db"
	"github.com/shalteor/edbcore/internal/errors"
)

// Store holds wrapped keys and key pairs.
type Store interface {
	InsertAccessRow(ctx context.Context, table string, row *db.AccessRow) error
	GetAccessRow(ctx context.Context, table, hasAccess, accessTo string) (*db.AccessRow, error)
	ListAccessRows(ctx context.Context, table string, holders []string) ([]*db.AccessRow, error)
	ListAccessRowsTo(ctx context.Context, table, accessTo string, holders []string) ([]*db.AccessRow, error)
	CountAccessRows(ctx context.Context, table string, holders []string) (int, error)
	CountAccessRowsTo(ctx context.Context, table, accessTo string) (int, error)
	ListHolders(ctx context.Context, table, accessTo string) ([]string, error)
	DeleteAccessRow(ctx context.Context, table, hasAccess, accessTo string) error
	PutPublicKey(ctx context.Context, pk *db.PublicKey) error
	GetPublicKey(ctx context.Context, generic, value string) (*db.PublicKey, error)
}

// Crypto provides the key primitives.
type Crypto interface {
	GenerateKey() ([]byte, error)
	NewSalt() ([]byte, error)
	EncryptSym(key, salt, plaintext []byte) ([]byte, error)
	DecryptSym(key, salt, blob []byte) ([]byte, error)
	GenerateKeyPair() (pub, sec []byte, err error)
	EncryptAsym(pub, plaintext []byte) ([]byte, error)
	DecryptAsym(sec, blob []byte) ([]byte, error)
}

// Status is where a principal's key currently lives.
type Status int

const (
	// Uncached keys are not held; they may or may not be derivable.
	Uncached Status = iota
	Derived
	Orphaned
)

func (s Status) String() string {
	switch s {
	case Derived:
		return "derived"
	case Orphaned:
		return "orphaned"
	}
	return "uncached"
}

// InsertResult reports what Insert did.
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyExisted
)

func (r InsertResult) String() string {
	if r == AlreadyExisted {
		return "already existed"
	}
	return "inserted"
}

// PrinKey is a copy of a cached key and the logged-in principals it was
// reached from.
type PrinKey struct {
	Prin    access.Prin
	Key     []byte
	Holders []access.PrinID
}

type prinSet map[access.PrinID]struct{}

func (s prinSet) sorted() []access.PrinID {
	out := make([]access.PrinID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

type prinKey struct {
	prin access.Prin
	key  []byte

	// principals_with_access: the roots this key was reached from
	holders prinSet
}

func (k *prinKey) copy() PrinKey {
	return PrinKey{Prin: k.prin, Key: bytes.Clone(k.key), Holders: k.holders.sorted()}
}

type orphan struct {
	prin     access.Prin
	key      []byte
	parents  prinSet
	children prinSet
}

// KeyStore caches principal keys. All methods are safe for concurrent use;
// they are serialized by one mutex.
type KeyStore struct {
	mu sync.Mutex

	graph  *access.Graph
	store  Store
	crypt  Crypto
	logger hclog.Logger

	traversal Traversal
	threshold int

	keys  map[access.PrinID]*prinKey
	roots prinSet

	// uncached maps a generic to the live principals holding rows for it
	// that a sweep skipped
	uncached map[string]prinSet

	orphans map[access.PrinID]*orphan
}

// New returns an empty key store over graph.
func New(graph *access.Graph, store Store, crypt Crypto, opt ...Option) *KeyStore {
	opts := getOpts(opt...)
	return &KeyStore{
		graph:     graph,
		store:     store,
		crypt:     crypt,
		logger:    opts.withLogger,
		traversal: opts.withTraversal,
		threshold: opts.withEagerThreshold,
		keys:      make(map[access.PrinID]*prinKey),
		roots:     make(prinSet),
		uncached:  make(map[string]prinSet),
		orphans:   make(map[access.PrinID]*orphan),
	}
}

func (ks *KeyStore) checkFinished(op errors.Op) error {
	if !ks.graph.Finished() {
		return errors.New(errors.InvalidOperation, op, "access graph is not finished")
	}
	return nil
}

// resolve fills in the generic of p from its type.
func (ks *KeyStore) resolve(op errors.Op, p access.Prin) (access.Prin, error) {
	if p.Gen != "" {
		if !ks.graph.IsGeneric(p.Gen) {
			return p, errors.New(errors.NotFound, op, "unknown generic "+p.Gen)
		}
		return p, nil
	}
	gen, err := ks.graph.Generic(p.Type)
	if err != nil {
		return p, errors.Wrap(err, op)
	}
	p.Gen = gen
	return p, nil
}

// cache adds key for p, reached from holders. An existing live or orphan key
// must be identical; an orphan is adopted together with its descendants.
// key is copied. It reports whether anything changed.
func (ks *KeyStore) cache(p access.Prin, key []byte, holders prinSet) (bool, error) {
	const op = "keystore.cache"
	id := p.ID()
	if k, ok := ks.keys[id]; ok {
		if !bytes.Equal(k.key, key) {
			return false, errors.New(errors.Conflict, op, "principal "+id.String()+" already holds a different key")
		}
		changed := false
		for h := range holders {
			if _, ok := k.holders[h]; !ok {
				k.holders[h] = struct{}{}
				changed = true
			}
		}
		return changed, nil
	}

	k := &prinKey{prin: p, key: bytes.Clone(key), holders: make(prinSet, len(holders))}
	for h := range holders {
		k.holders[h] = struct{}{}
	}

	o, isOrphan := ks.orphans[id]
	if isOrphan && !bytes.Equal(o.key, key) {
		return false, errors.New(errors.Conflict, op, "orphan "+id.String()+" holds a different key")
	}
	ks.keys[id] = k
	ks.logger.Debug("cached key", "principal", id.String(), "fingerprint", crypto.Fingerprint(key), "holders", len(k.holders))

	if isOrphan {
		delete(ks.orphans, id)
		for child := range o.children {
			c, ok := ks.orphans[child]
			if !ok {
				continue
			}
			delete(c.parents, id)
			if _, err := ks.cache(c.prin, c.key, holders); err != nil {
				ks.logger.Warn("failed to adopt orphan", "principal", child.String(), "error", err)
			}
		}
		crypto.Zero(o.key)
		ks.logger.Debug("adopted orphan", "principal", id.String())
	}
	return true, nil
}

// evict zeroes and drops the key of id.
func (ks *KeyStore) evict(id access.PrinID) {
	k, ok := ks.keys[id]
	if !ok {
		return
	}
	crypto.Zero(k.key)
	delete(ks.keys, id)
	for gen, s := range ks.uncached {
		delete(s, id)
		if len(s) == 0 {
			delete(ks.uncached, gen)
		}
	}
	ks.logger.Debug("evicted key", "principal", id.String())
}

// liveIn returns the cached keys of gen ordered by value.
func (ks *KeyStore) liveIn(gen string) []*prinKey {
	var out []*prinKey
	for _, k := range ks.keys {
		if k.prin.Gen == gen {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].prin.Value < out[j].prin.Value })
	return out
}

// prinOf builds the principal of gen with value. Types within a generic
// are interchangeable; the first one names it.
func (ks *KeyStore) prinOf(gen, value string) access.Prin {
	typ := ""
	if members := ks.graph.Members(gen); len(members) > 0 {
		typ = members[0]
	}
	return access.Prin{Type: typ, Value: value, Gen: gen}
}

// Len returns the number of cached keys.
func (ks *KeyStore) Len() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.keys)
}

// LoggedIn reports whether p is a logged-in root.
func (ks *KeyStore) LoggedIn(p access.Prin) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	p, err := ks.resolve("keystore.(KeyStore).LoggedIn", p)
	if err != nil {
		return false
	}
	_, ok := ks.roots[p.ID()]
	return ok
}

// Status reports where the key of p lives.
func (ks *KeyStore) Status(p access.Prin) (Status, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	p, err := ks.resolve("keystore.(KeyStore).Status", p)
	if err != nil {
		return Uncached, err
	}
	return ks.status(p.ID()), nil
}

func (ks *KeyStore) status(id access.PrinID) Status {
	if _, ok := ks.keys[id]; ok {
		return Derived
	}
	if _, ok := ks.orphans[id]; ok {
		return Orphaned
	}
	return Uncached
}

// IsOrphan reports whether p's key is held in the orphan graph.
func (ks *KeyStore) IsOrphan(p access.Prin) bool {
	st, err := ks.Status(p)
	return err == nil && st == Orphaned
}

// Orphans returns the principals held in the orphan graph.
func (ks *KeyStore) Orphans() []access.PrinID {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s := make(prinSet, len(ks.orphans))
	for id := range ks.orphans {
		s[id] = struct{}{}
	}
	return s.sorted()
}

// Close zeroes every held key.
func (ks *KeyStore) Close() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for id := range ks.keys {
		ks.evict(id)
	}
	for id, o := range ks.orphans {
		crypto.Zero(o.key)
		delete(ks.orphans, id)
	}
	ks.roots = make(prinSet)
}
