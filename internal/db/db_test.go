package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shalteor/edbcore/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	root := schema.NewSchemaInfo()
	users := schema.NewTableMeta(true, true)
	require.NoError(t, root.AddChild(schema.NameKey("users"), users))
	for _, name := range []string{"uid", "name"} {
		f, err := schema.NewFieldMeta(name, schema.LayoutStr, true)
		require.NoError(t, err)
		require.NoError(t, users.AddChild(schema.NameKey(name), f))
	}
	_, err := users.AddIndex("users_by_name")
	require.NoError(t, err)

	require.NoError(t, schema.SaveTree(ctx, database, root))

	loaded, err := schema.LoadSchema(ctx, database)
	require.NoError(t, err)
	if diff := cmp.Diff(schema.Snapshot(root), schema.Snapshot(loaded)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	t.Run("resave after destroy", func(t *testing.T) {
		require.NoError(t, users.DestroyChild(schema.NameKey("name")))
		require.NoError(t, schema.SaveTree(ctx, database, root))

		var n int
		require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM edb_meta WHERE type = 'fieldMeta'`).Scan(&n))
		assert.Equal(t, 1, n)

		reloaded, err := schema.LoadSchema(ctx, database)
		require.NoError(t, err)
		assert.Equal(t, []string{"uid"}, mustTable(t, reloaded, "users").FieldNames())
	})

	t.Run("unknown parent has no children", func(t *testing.T) {
		recs, err := database.ListChildren(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, recs)
		require.NoError(t, database.DeleteNode(ctx, "nope"))
	})
}

func mustTable(t *testing.T, s *schema.SchemaInfo, name string) *schema.TableMeta {
	t.Helper()
	table, err := s.Table(name)
	require.NoError(t, err)
	return table
}

func TestAccessTables(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	const table = "edb_access_0"

	require.NoError(t, database.CreateAccessTable(ctx, table))
	require.NoError(t, database.CreateAccessTable(ctx, table))

	rows := []*AccessRow{
		{HasAccess: "alice", AccessTo: "g1", EncryptedKey: []byte{1}, Salt: []byte{9}},
		{HasAccess: "alice", AccessTo: "g2", EncryptedKey: []byte{2}, Salt: []byte{9}},
		{HasAccess: "bob", AccessTo: "g1", EncryptedKey: []byte{3}, Salt: []byte{9}, Asym: true},
	}
	for _, r := range rows {
		require.NoError(t, database.InsertAccessRow(ctx, table, r))
	}
	assert.Error(t, database.InsertAccessRow(ctx, table, rows[0]))

	got, err := database.GetAccessRow(ctx, table, "bob", "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Asym)
	assert.Equal(t, []byte{3}, got.EncryptedKey)

	missing, err := database.GetAccessRow(ctx, table, "bob", "g2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := database.ListAccessRows(ctx, table, []string{"alice", "carol"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "g1", list[0].AccessTo)
	assert.Equal(t, "g2", list[1].AccessTo)

	to, err := database.ListAccessRowsTo(ctx, table, "g1", []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, to, 2)
	assert.Equal(t, "alice", to[0].HasAccess)

	all, err := database.ListAllAccessRows(ctx, table)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := database.CountAccessRows(ctx, table, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = database.CountAccessRowsTo(ctx, table, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	holders, err := database.ListHolders(ctx, table, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, holders)
	holders, err = database.ListHolders(ctx, table, "nobody")
	require.NoError(t, err)
	assert.Empty(t, holders)
	n, err = database.CountAccessRows(ctx, table, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, database.DeleteAccessRow(ctx, table, "alice", "g2"))
	assert.ErrorIs(t, database.DeleteAccessRow(ctx, table, "alice", "g2"), sql.ErrNoRows)

	require.NoError(t, database.DropAccessTable(ctx, table))
	_, err = database.GetAccessRow(ctx, table, "alice", "g1")
	assert.Error(t, err)

	t.Run("identifiers are validated", func(t *testing.T) {
		assert.Error(t, database.CreateAccessTable(ctx, "x; DROP TABLE edb_meta"))
		_, err := database.ListAccessRows(ctx, "a-b", []string{"x"})
		assert.Error(t, err)
	})
}

func TestPublicKeys(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	pk, err := database.GetPublicKey(ctx, "gen0_u", "alice")
	require.NoError(t, err)
	assert.Nil(t, pk)

	rec := &PublicKey{Generic: "gen0_u", Value: "alice", PublicKey: []byte("pub"), EncryptedSecretKey: []byte("sec"), Salt: []byte("salt")}
	require.NoError(t, database.PutPublicKey(ctx, rec))
	rec.PublicKey = []byte("pub2")
	require.NoError(t, database.PutPublicKey(ctx, rec))

	pk, err = database.GetPublicKey(ctx, "gen0_u", "alice")
	require.NoError(t, err)
	require.NotNil(t, pk)
	assert.Equal(t, []byte("pub2"), pk.PublicKey)
	assert.Equal(t, []byte("sec"), pk.EncryptedSecretKey)

	require.NoError(t, database.DeletePublicKey(ctx, "gen0_u", "alice"))
	assert.ErrorIs(t, database.DeletePublicKey(ctx, "gen0_u", "alice"), sql.ErrNoRows)
}
