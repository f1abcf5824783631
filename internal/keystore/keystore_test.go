package keystore

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/db"
	"github.com/shalteor/edbcore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *db.DB
	graph *access.Graph
	ks    *KeyStore
}

func newFixture(t *testing.T, build func(g *access.Graph) error, opt ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	g := access.New()
	require.NoError(t, build(g))
	require.NoError(t, g.CreateTables(ctx, database))

	ks := New(g, database, crypto.NewManager(), opt...)
	t.Cleanup(ks.Close)
	return &fixture{t: t, ctx: ctx, db: database, graph: g, ks: ks}
}

// users give passwords, users reach groups, groups reach messages
func chain(g *access.Graph) error {
	if err := g.AddGives("u.uid"); err != nil {
		return err
	}
	if err := g.AddAccess("u.uid", "g.gid"); err != nil {
		return err
	}
	return g.AddAccess("g.gid", "m.mid")
}

func password(b byte) []byte {
	return bytes.Repeat([]byte{b}, crypto.KeySize)
}

func (f *fixture) prin(typ, value string) access.Prin {
	f.t.Helper()
	p, err := f.graph.Prin(typ, value)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) login(p access.Prin, pw []byte) {
	f.t.Helper()
	require.NoError(f.t, f.ks.InsertPsswd(f.ctx, p, pw))
}

func (f *fixture) logout(p access.Prin) {
	f.t.Helper()
	require.NoError(f.t, f.ks.RemovePsswd(f.ctx, p))
}

func (f *fixture) insert(h, a access.Prin) InsertResult {
	f.t.Helper()
	res, err := f.ks.Insert(f.ctx, h, a)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) key(p access.Prin) []byte {
	f.t.Helper()
	k, err := f.ks.GetKey(f.ctx, p)
	require.NoError(f.t, err)
	return k
}

func (f *fixture) status(p access.Prin) Status {
	f.t.Helper()
	st, err := f.ks.Status(p)
	require.NoError(f.t, err)
	return st
}

func (f *fixture) notDerivable(p access.Prin) {
	f.t.Helper()
	_, err := f.ks.GetKey(f.ctx, p)
	assert.True(f.t, errors.Match(errors.NotDerivable, err), "want NotDerivable for %s, got %v", p, err)
}

func TestChainLoginAndLogout(t *testing.T) {
	f := newFixture(t, chain)
	alice, group, msg := f.prin("u.uid", "alice"), f.prin("g.gid", "g1"), f.prin("m.mid", "m1")

	f.notDerivable(group)

	f.login(alice, password(1))
	assert.Equal(t, Inserted, f.insert(alice, group))
	assert.Equal(t, Inserted, f.insert(group, msg))
	groupKey, msgKey := f.key(group), f.key(msg)
	assert.Len(t, groupKey, crypto.KeySize)
	assert.Equal(t, 3, f.ks.Len())

	f.logout(alice)
	assert.Zero(t, f.ks.Len())
	f.notDerivable(group)
	f.notDerivable(msg)

	f.login(alice, password(1))
	assert.Equal(t, 3, f.ks.Len())
	assert.Equal(t, Derived, f.status(msg))
	assert.Equal(t, groupKey, f.key(group))
	assert.Equal(t, msgKey, f.key(msg))

	pk, err := f.ks.GetPrinKey(f.ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, []access.PrinID{alice.ID()}, pk.Holders)

	f.logout(alice)
	assert.Zero(t, f.ks.Len())
	f.notDerivable(msg)

	err = f.ks.RemovePsswd(f.ctx, alice)
	assert.True(t, errors.Match(errors.NotFound, err))
}

func TestReturnedKeysAreCopies(t *testing.T) {
	f := newFixture(t, chain)
	alice := f.prin("u.uid", "alice")
	f.login(alice, password(1))

	k := f.key(alice)
	k[0] ^= 0xff
	assert.Equal(t, password(1), f.key(alice))
}

func TestSharedKeySurvivesOneLogout(t *testing.T) {
	f := newFixture(t, chain)
	alice, bob, group := f.prin("u.uid", "alice"), f.prin("u.uid", "bob"), f.prin("g.gid", "g1")

	f.login(alice, password(1))
	f.login(bob, password(2))
	f.insert(alice, group)
	f.insert(bob, group)

	pk, err := f.ks.GetPrinKey(f.ctx, group)
	require.NoError(t, err)
	assert.ElementsMatch(t, []access.PrinID{alice.ID(), bob.ID()}, pk.Holders)

	f.logout(alice)
	assert.Equal(t, pk.Key, f.key(group))
	assert.False(t, f.ks.LoggedIn(alice))
	assert.True(t, f.ks.LoggedIn(bob))

	f.logout(bob)
	f.notDerivable(group)
	assert.Zero(t, f.ks.Len())
}

func TestInsertExistingRow(t *testing.T) {
	f := newFixture(t, chain)
	alice, bob, group := f.prin("u.uid", "alice"), f.prin("u.uid", "bob"), f.prin("g.gid", "g1")
	f.login(alice, password(1))
	f.login(bob, password(2))

	assert.Equal(t, Inserted, f.insert(alice, group))
	assert.Equal(t, AlreadyExisted, f.insert(alice, group))

	table, err := f.graph.Table(alice.Gen, group.Gen)
	require.NoError(t, err)
	n, err := f.db.CountAccessRowsTo(f.ctx, table, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A row for bob that wraps some other key.
	m := crypto.NewManager()
	other, err := m.GenerateKey()
	require.NoError(t, err)
	salt, err := m.NewSalt()
	require.NoError(t, err)
	enc, err := m.EncryptSym(password(2), salt, other)
	require.NoError(t, err)
	require.NoError(t, f.db.InsertAccessRow(f.ctx, table, &db.AccessRow{HasAccess: "bob", AccessTo: "g1", EncryptedKey: enc, Salt: salt}))

	_, err = f.ks.Insert(f.ctx, bob, group)
	assert.True(t, errors.Match(errors.Conflict, err))
}

func TestInsertErrors(t *testing.T) {
	f := newFixture(t, chain)
	alice, carol, msg := f.prin("u.uid", "alice"), f.prin("u.uid", "carol"), f.prin("m.mid", "m1")
	f.login(alice, password(1))

	// No edge from users to messages.
	_, err := f.ks.Insert(f.ctx, alice, msg)
	assert.True(t, errors.Match(errors.NotFound, err))

	// Carol never logged in so there is no key pair to seal to.
	_, err = f.ks.Insert(f.ctx, carol, f.prin("g.gid", "g1"))
	assert.True(t, errors.Match(errors.NotDerivable, err))

	_, err = f.ks.Insert(f.ctx, access.Prin{Type: "nope", Value: "x"}, msg)
	assert.True(t, errors.Match(errors.NotFound, err))
}

func TestOrphansAreAdopted(t *testing.T) {
	f := newFixture(t, chain)
	alice, group, msg := f.prin("u.uid", "alice"), f.prin("g.gid", "g1"), f.prin("m.mid", "m1")

	// Nobody is logged in: both keys are minted as orphans.
	assert.Equal(t, Inserted, f.insert(group, msg))
	assert.Equal(t, Orphaned, f.status(group))
	assert.Equal(t, Orphaned, f.status(msg))
	assert.True(t, f.ks.IsOrphan(msg))
	assert.Equal(t, []access.PrinID{group.ID(), msg.ID()}, f.ks.Orphans())
	msgKey := bytes.Clone(f.ks.orphans[msg.ID()].key)
	f.notDerivable(msg)

	f.login(alice, password(1))
	assert.Equal(t, Inserted, f.insert(alice, group))
	assert.Empty(t, f.ks.Orphans())
	assert.Equal(t, Derived, f.status(group))
	assert.Equal(t, msgKey, f.key(msg))

	// The adopted chain is backed by rows and survives a relogin.
	f.logout(alice)
	assert.Equal(t, Uncached, f.status(msg))
	f.login(alice, password(1))
	assert.Equal(t, msgKey, f.key(msg))
}

func TestAsymmetricInsert(t *testing.T) {
	f := newFixture(t, chain)
	bob, group := f.prin("u.uid", "bob"), f.prin("g.gid", "g2")

	f.login(bob, password(2))
	pub, err := f.ks.GetPublicKey(f.ctx, bob)
	require.NoError(t, err)
	sec, err := f.ks.GetSecretKey(f.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, pub, sec[32:])
	f.logout(bob)

	_, err = f.ks.GetSecretKey(f.ctx, bob)
	assert.True(t, errors.Match(errors.NotDerivable, err))

	// Bob is logged out, so the group key is sealed to his public key.
	assert.Equal(t, Inserted, f.insert(bob, group))
	assert.Equal(t, Orphaned, f.status(group))
	groupKey := bytes.Clone(f.ks.orphans[group.ID()].key)

	table, err := f.graph.Table(bob.Gen, group.Gen)
	require.NoError(t, err)
	row, err := f.db.GetAccessRow(f.ctx, table, "bob", "g2")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Asym)

	f.login(bob, password(2))
	assert.Equal(t, Derived, f.status(group))
	assert.Equal(t, groupKey, f.key(group))

	_, err = f.ks.GetPublicKey(f.ctx, f.prin("u.uid", "nobody"))
	assert.True(t, errors.Match(errors.NotFound, err))
}

func TestGenerateAsymKeys(t *testing.T) {
	f := newFixture(t, chain)
	alice, group := f.prin("u.uid", "alice"), f.prin("g.gid", "g1")
	f.login(alice, password(1))
	f.insert(alice, group)

	_, err := f.ks.GetPublicKey(f.ctx, group)
	assert.True(t, errors.Match(errors.NotFound, err))

	require.NoError(t, f.ks.GenerateAsymKeys(f.ctx, group, f.key(group)))
	pub, err := f.ks.GetPublicKey(f.ctx, group)
	require.NoError(t, err)
	assert.Len(t, pub, crypto.PublicKeySize)

	sec, err := f.ks.GetSecretKey(f.ctx, group)
	require.NoError(t, err)
	require.Len(t, sec, crypto.SecretKeySize)
	assert.Equal(t, pub, sec[crypto.SecretKeySize-crypto.PublicKeySize:])

	err = f.ks.GenerateAsymKeys(f.ctx, access.Prin{Type: "x.y", Value: "v"}, password(2))
	assert.True(t, errors.Match(errors.NotFound, err))
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t, chain)
	alice := f.prin("u.uid", "alice")

	f.login(alice, password(1))
	f.logout(alice)

	err := f.ks.InsertPsswd(f.ctx, alice, password(9))
	assert.True(t, errors.Match(errors.CryptoFailure, err))
	assert.False(t, f.ks.LoggedIn(alice))
	assert.Zero(t, f.ks.Len())

	err = f.ks.InsertPsswd(f.ctx, alice, []byte("short"))
	assert.True(t, errors.Match(errors.InvalidOperation, err))

	err = f.ks.InsertPsswd(f.ctx, f.prin("g.gid", "g1"), password(1))
	assert.True(t, errors.Match(errors.InvalidOperation, err))

	t.Run("graph must be finished", func(t *testing.T) {
		g := access.New()
		require.NoError(t, chain(g))
		ks := New(g, f.db, crypto.NewManager())
		p, err := g.Prin("u.uid", "alice")
		require.NoError(t, err)
		err = ks.InsertPsswd(f.ctx, p, password(1))
		assert.True(t, errors.Match(errors.InvalidOperation, err))
	})
}

func TestEagerThreshold(t *testing.T) {
	f := newFixture(t, chain, WithEagerThreshold(1))
	alice, g1, g2 := f.prin("u.uid", "alice"), f.prin("g.gid", "g1"), f.prin("g.gid", "g2")

	f.login(alice, password(1))
	f.insert(alice, g1)
	f.insert(alice, g2)
	k1 := f.key(g1)
	f.logout(alice)

	f.login(alice, password(1))
	assert.Equal(t, Uncached, f.status(g1))
	assert.Contains(t, f.ks.uncached[g1.Gen], alice.ID())
	assert.Equal(t, 1, f.ks.Len())

	assert.Equal(t, k1, f.key(g1))
	assert.Equal(t, Derived, f.status(g1))
	assert.Equal(t, Uncached, f.status(g2))

	f.logout(alice)
	assert.Empty(t, f.ks.uncached)
}

func TestCorruptRowOnlyLosesItsBranch(t *testing.T) {
	f := newFixture(t, chain)
	alice, g1, g2 := f.prin("u.uid", "alice"), f.prin("g.gid", "g1"), f.prin("g.gid", "g2")

	f.login(alice, password(1))
	f.insert(alice, g1)
	f.insert(alice, g2)
	f.logout(alice)

	table, err := f.graph.Table(alice.Gen, g2.Gen)
	require.NoError(t, err)
	_, err = f.db.ExecContext(f.ctx, fmt.Sprintf(`UPDATE %s SET encrypted_key = ? WHERE access_to = ?`, table), []byte{1, 2, 3}, "g2")
	require.NoError(t, err)

	f.login(alice, password(1))
	assert.Equal(t, Derived, f.status(g1))
	f.notDerivable(g2)

	err = f.ks.sweep(f.ctx, alice.Gen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alice -> g2")
}

func TestRemoveEvictsLostPaths(t *testing.T) {
	f := newFixture(t, chain)
	alice, group, msg := f.prin("u.uid", "alice"), f.prin("g.gid", "g1"), f.prin("m.mid", "m1")
	f.login(alice, password(1))
	f.insert(alice, group)
	f.insert(group, msg)

	require.NoError(t, f.ks.Remove(f.ctx, group, msg))
	assert.Equal(t, Derived, f.status(group))
	assert.Equal(t, Uncached, f.status(msg))
	f.notDerivable(msg)

	err := f.ks.Remove(f.ctx, group, msg)
	assert.True(t, errors.Match(errors.NotFound, err))
	err = f.ks.Remove(f.ctx, alice, msg)
	assert.True(t, errors.Match(errors.NotFound, err))

	// A fresh key is minted on the next insert.
	f.insert(group, msg)
	assert.Equal(t, Derived, f.status(msg))
}

func TestRemoveDropsOrphanChain(t *testing.T) {
	f := newFixture(t, chain)
	group, msg := f.prin("g.gid", "g1"), f.prin("m.mid", "m1")
	f.insert(group, msg)

	require.NoError(t, f.ks.Remove(f.ctx, group, msg))
	assert.Equal(t, Uncached, f.status(msg))
	assert.Equal(t, []access.PrinID{group.ID()}, f.ks.Orphans())
}

func TestRemoveKeepsWrappingKeysAsOrphans(t *testing.T) {
	f := newFixture(t, chain)
	alice, group, msg := f.prin("u.uid", "alice"), f.prin("g.gid", "g1"), f.prin("m.mid", "m1")
	f.insert(group, msg)
	msgKey := bytes.Clone(f.ks.orphans[msg.ID()].key)

	f.login(alice, password(1))
	f.insert(alice, group)
	require.Empty(t, f.ks.Orphans())
	groupKey := f.key(group)

	// The row group -> m1 is still stored, so neither key may be zeroed.
	require.NoError(t, f.ks.Remove(f.ctx, alice, group))
	assert.Equal(t, []access.PrinID{group.ID(), msg.ID()}, f.ks.Orphans())
	assert.Equal(t, Orphaned, f.status(group))
	assert.Equal(t, Orphaned, f.status(msg))
	assert.Equal(t, groupKey, f.ks.orphans[group.ID()].key)
	assert.Contains(t, f.ks.orphans[msg.ID()].parents, group.ID())

	assert.Equal(t, Inserted, f.insert(alice, group))
	assert.Empty(t, f.ks.Orphans())
	assert.Equal(t, groupKey, f.key(group))
	assert.Equal(t, msgKey, f.key(msg))
	assert.Equal(t, AlreadyExisted, f.insert(group, msg))

	t.Run("keys another login recovers are dropped", func(t *testing.T) {
		bob := f.prin("u.uid", "bob")
		f.login(bob, password(2))
		f.insert(bob, group)
		f.logout(bob)

		require.NoError(t, f.ks.Remove(f.ctx, alice, group))
		assert.Empty(t, f.ks.Orphans())
		assert.Equal(t, Uncached, f.status(group))

		f.login(bob, password(2))
		assert.Equal(t, groupKey, f.key(group))
		assert.Equal(t, msgKey, f.key(msg))
	})
}

func cycle(g *access.Graph) error {
	if err := g.AddGives("u.uid"); err != nil {
		return err
	}
	for _, e := range [][2]string{{"u.uid", "a.x"}, {"u.uid", "b.x"}, {"a.x", "c.x"}, {"b.x", "c.x"}, {"c.x", "a.x"}} {
		if err := g.AddAccess(e[0], e[1]); err != nil {
			return err
		}
	}
	return nil
}

func cached(ks *KeyStore) map[access.PrinID][]byte {
	out := make(map[access.PrinID][]byte)
	for id, k := range ks.keys {
		out[id] = bytes.Clone(k.key)
	}
	return out
}

func TestTraversalsAgree(t *testing.T) {
	f := newFixture(t, cycle)
	u, err := f.graph.Generic("u.uid")
	require.NoError(t, err)

	bfs := BFSHasAccess(f.graph, u)
	dfs := DFSHasAccess(f.graph, u)
	assert.Equal(t, []string{"gen0_u_uid", "gen1_a_x", "gen2_b_x", "gen3_c_x"}, bfs)
	assert.Equal(t, []string{"gen0_u_uid", "gen1_a_x", "gen3_c_x", "gen2_b_x"}, dfs)
	assert.ElementsMatch(t, bfs, dfs)

	alice := f.prin("u.uid", "alice")
	a1, a2, b1, c1 := f.prin("a.x", "a1"), f.prin("a.x", "a2"), f.prin("b.x", "b1"), f.prin("c.x", "c1")
	f.login(alice, password(1))
	f.insert(alice, a1)
	f.insert(alice, b1)
	f.insert(a1, c1)
	f.insert(b1, c1)
	f.insert(c1, a2)
	want := cached(f.ks)
	require.Len(t, want, 5)
	f.logout(alice)

	for _, tr := range []Traversal{BFS, DFS} {
		t.Run(tr.String(), func(t *testing.T) {
			ks := New(f.graph, f.db, crypto.NewManager(), WithTraversal(tr))
			defer ks.Close()
			require.NoError(t, ks.InsertPsswd(f.ctx, alice, password(1)))
			assert.Equal(t, want, cached(ks))
		})
	}
}
