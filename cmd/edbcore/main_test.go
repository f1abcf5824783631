package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/shalteor/edbcore/internal/errors"
	"github.com/shalteor/edbcore/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `
access:
  - [u.uid, g.gid]
  - [g.gid, m.mid]
gives:
  - u.uid
`

const testSchema = `
tables:
  - name: users
    sensitive: true
    salt: true
    indexes: [users_by_name]
    fields:
      - {name: uid, layout: num, onions: {oOPE: OPE}}
      - {name: name, layout: str, salt: true}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setupConfig(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	policy := writeFile(t, dir, "policy.yaml", testPolicy)
	return writeFile(t, dir, "edb.yaml", "database_path: "+filepath.Join(dir, "edb.db")+"\n"+
		"meta_backend: "+backend+"\n"+
		"badger_path: "+filepath.Join(dir, "meta")+"\n"+
		"policy_file: "+policy+"\n"+
		"log_level: error\n")
}

func TestTablesAndGraph(t *testing.T) {
	cfg := setupConfig(t, "sqlite")

	out, err := run(t, "--config", cfg, "tables", "create")
	require.NoError(t, err)
	assert.Equal(t, "created 2 access tables\n", out)

	out, err = run(t, "--config", cfg, "graph")
	require.NoError(t, err)
	assert.Contains(t, out, "gen0_u_uid (gives): u.uid")
	assert.Contains(t, out, "gen0_u_uid -> gen1_g_gid [edb_access_0]")
	assert.Contains(t, out, "gen1_g_gid -> gen2_m_mid [edb_access_1]")

	out, err = run(t, "--config", cfg, "tables", "drop")
	require.NoError(t, err)
	assert.Equal(t, "dropped 2 access tables\n", out)
}

func TestMissingPolicy(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "edb.yaml", "database_path: "+filepath.Join(dir, "edb.db")+"\n")
	_, err := run(t, "--config", cfg, "graph")
	assert.ErrorContains(t, err, "policy_file is required")
}

func TestSchemaCommands(t *testing.T) {
	for _, backend := range []string{"sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			cfg := setupConfig(t, backend)
			file := writeFile(t, t.TempDir(), "schema.yaml", testSchema)

			out, err := run(t, "--config", cfg, "schema", "add", file)
			require.NoError(t, err)
			assert.Equal(t, "added 1 tables\n", out)

			out, err = run(t, "--config", cfg, "schema", "show")
			require.NoError(t, err)
			assert.Regexp(t, `users \[table_[^\]]+\] sensitive=true salt=true`, out)
			assert.Contains(t, out, "uid (NUM_ONION_LAYOUT)")
			assert.Regexp(t, `oOPE \[[^\]]+\]: OPE\n`, out)
			assert.Contains(t, out, "name (STR_ONION_LAYOUT)")
			assert.Contains(t, out, "index users_by_name")

			_, err = run(t, "--config", cfg, "schema", "add", file)
			assert.True(t, errors.Match(errors.Conflict, err), "got %v", err)

			_, err = run(t, "--config", cfg, "schema", "drop", "users")
			require.NoError(t, err)
			out, err = run(t, "--config", cfg, "schema", "show")
			require.NoError(t, err)
			assert.Empty(t, out)
		})
	}
}

func TestSchemaFile(t *testing.T) {
	f, err := parseSchemaFile([]byte(testSchema))
	require.NoError(t, err)
	require.Len(t, f.Tables, 1)

	root := schema.NewSchemaInfo()
	require.NoError(t, f.apply(root))
	uid, err := root.GetFieldMeta("users", "uid")
	require.NoError(t, err)
	assert.Equal(t, schema.SecLevelOPE, uid.GetOnionLevel(schema.OnionOPE))
	assert.Equal(t, schema.SecLevelRND, uid.GetOnionLevel(schema.OnionDET))

	t.Run("a failing table adds nothing", func(t *testing.T) {
		bad, err := parseSchemaFile([]byte(`
tables:
  - name: notes
    fields: [{name: body, layout: plain}]
  - name: users
    fields: [{name: id, layout: num}]
`))
		require.NoError(t, err)
		assert.True(t, errors.Match(errors.Conflict, bad.apply(root)))
		assert.Equal(t, []string{"users"}, root.TableNames())
	})

	t.Run("unknown names are rejected", func(t *testing.T) {
		for _, doc := range []string{
			"tables: [{name: t, fields: [{name: f, layout: wide}]}]",
			"tables: [{name: t, fields: [{name: f, layout: num, onions: {oXYZ: DET}}]}]",
			"tables: [{name: t, fields: [{name: f, layout: num, onions: {oDET: LOUD}}]}]",
			"tables: [{fields: []}]",
		} {
			f, err := parseSchemaFile([]byte(doc))
			require.NoError(t, err)
			assert.Error(t, f.apply(schema.NewSchemaInfo()), doc)
		}
		_, err := parseSchemaFile([]byte("tables: [{name: t, colour: red}]"))
		assert.Error(t, err)
	})
}
