package access

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shalteor/edbcore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGen(t *testing.T, g *Graph, prin string) string {
	t.Helper()
	gen, err := g.Generic(prin)
	require.NoError(t, err)
	return gen
}

func TestAddEquals(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEquals("u.uid", "m.uid"))
	assert.Equal(t, mustGen(t, g, "u.uid"), mustGen(t, g, "m.uid"))
	assert.Equal(t, "gen0_u_uid", mustGen(t, g, "u.uid"))

	require.NoError(t, g.AddEquals("m.uid", "n.uid"))
	require.NoError(t, g.AddEquals("o.uid", "u.uid"))
	eq, err := g.Equals("o.uid")
	require.NoError(t, err)
	assert.Equal(t, []string{"m.uid", "n.uid", "o.uid", "u.uid"}, eq)

	_, err = g.Generic("nobody")
	assert.True(t, errors.Match(errors.NotFound, err))
	assert.True(t, errors.Match(errors.InvalidOperation, g.AddEquals("", "x")))
}

func TestMergePreservesEdges(t *testing.T) {
	g := New()
	require.NoError(t, g.AddAccess("u.uid", "g.gid"))
	require.NoError(t, g.AddAccess("g.gid", "msg.mid"))
	require.NoError(t, g.AddAccess("x.x", "u.uid"))
	require.NoError(t, g.AddGives("u.uid"))
	require.NoError(t, g.AddAccess("a.a", "b.b"))
	require.NoError(t, g.AddGives("b.b"))

	table, err := g.Table(mustGen(t, g, "u.uid"), mustGen(t, g, "g.gid"))
	require.NoError(t, err)

	// Merge two classes that both carry edges and gives.
	require.NoError(t, g.AddEquals("u.uid", "b.b"))
	require.NoError(t, g.CheckAccess())

	ub := mustGen(t, g, "u.uid")
	assert.Equal(t, ub, mustGen(t, g, "b.b"))
	assert.True(t, g.IsGives("b.b"))
	assert.True(t, g.IsGenGives(ub))
	assert.False(t, g.IsGeneric("gen5_b_b"))

	assert.Equal(t, []string{mustGen(t, g, "g.gid")}, g.Children(ub))
	assert.ElementsMatch(t, []string{mustGen(t, g, "x.x"), mustGen(t, g, "a.a")}, g.Parents(ub))

	got, err := g.Table(ub, mustGen(t, g, "g.gid"))
	require.NoError(t, err)
	assert.Equal(t, table, got)
	_, err = g.Table(mustGen(t, g, "a.a"), ub)
	require.NoError(t, err)

	t.Run("merging across an edge makes a self edge", func(t *testing.T) {
		require.NoError(t, g.AddEquals("g.gid", "msg.mid"))
		gen := mustGen(t, g, "g.gid")
		assert.Contains(t, g.Children(gen), gen)
		require.NoError(t, g.CheckAccess())
	})
}

func TestOneHopQueries(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEquals("u.uid", "m.uid"))
	require.NoError(t, g.AddAccess("u.uid", "g.gid"))
	require.NoError(t, g.AddAccess("g.gid", "msg.mid"))
	require.NoError(t, g.AddEquals("g.gid", "grp.id"))

	u, gg, msg := mustGen(t, g, "u.uid"), mustGen(t, g, "g.gid"), mustGen(t, g, "msg.mid")

	to, err := g.GenHasAccessTo(u)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{u, gg}, to)

	from, err := g.GenAccessibleFrom(gg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{u, gg}, from)

	// One hop only: msg is two hops from u.
	assert.NotContains(t, to, msg)

	_, err = g.GenHasAccessTo("gen99_none")
	assert.True(t, errors.Match(errors.NotFound, err))

	types, err := g.TypesHasAccessTo("m.uid")
	require.NoError(t, err)
	assert.Equal(t, []string{"g.gid", "grp.id"}, types)

	types, err = g.TypesAccessibleFrom("grp.id")
	require.NoError(t, err)
	assert.Equal(t, []string{"m.uid", "u.uid"}, types)

	t.Run("own class is excluded", func(t *testing.T) {
		require.NoError(t, g.AddAccess("grp.id", "g.gid"))
		types, err := g.TypesHasAccessTo("g.gid")
		require.NoError(t, err)
		assert.Equal(t, []string{"msg.mid"}, types)
	})
}

func TestFinishFreezes(t *testing.T) {
	ctx := context.Background()
	g := New()
	require.NoError(t, g.AddAccess("a.a", "b.b"))
	require.NoError(t, g.AddAccess("b.b", "c.c"))

	store := &tableRecorder{}
	require.NoError(t, g.CreateTables(ctx, store))
	assert.True(t, g.Finished())
	assert.Equal(t, []string{"edb_access_0", "edb_access_1"}, store.created)

	assert.True(t, errors.Match(errors.InvalidOperation, g.AddAccess("c.c", "d.d")))
	assert.True(t, errors.Match(errors.InvalidOperation, g.AddEquals("a.a", "d.d")))
	assert.True(t, errors.Match(errors.InvalidOperation, g.AddGives("a.a")))

	require.NoError(t, g.DeleteTables(ctx, store))
	assert.Equal(t, store.created, store.dropped)

	var buf bytes.Buffer
	_, err := g.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "gen0_a_a -> gen1_b_b [edb_access_0]")
}

func TestInverseMapsRandomized(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	g := New()
	name := func() string { return fmt.Sprintf("t%d.c", r.Intn(12)) }
	for i := 0; i < 300; i++ {
		switch r.Intn(3) {
		case 0:
			require.NoError(t, g.AddEquals(name(), name()))
		case 1:
			require.NoError(t, g.AddAccess(name(), name()))
		case 2:
			require.NoError(t, g.AddGives(name()))
		}
		require.NoError(t, g.CheckAccess(), "step %d", i)
	}
}

type tableRecorder struct {
	created []string
	dropped []string
}

func (r *tableRecorder) CreateAccessTable(_ context.Context, table string) error {
	r.created = append(r.created, table)
	return nil
}

func (r *tableRecorder) DropAccessTable(_ context.Context, table string) error {
	r.dropped = append(r.dropped, table)
	return nil
}
