package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), *c)
	assert.Equal(t, hclog.Info, c.Level())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /var/lib/edb/edb.db
meta_backend: badger
traversal: dfs
eager_threshold: 5
log_level: debug
session_ttl: 30m
allowed_origins:
  - http://localhost:3000
`), 0o600))

	t.Setenv("EDB_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("EDB_EAGER_THRESHOLD", "7")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/edb/edb.db", c.DatabasePath)
	assert.Equal(t, BackendBadger, c.MetaBackend)
	assert.Equal(t, "dfs", c.Traversal)
	assert.Equal(t, "127.0.0.1:9999", c.ListenAddr)
	assert.Equal(t, 7, c.EagerThreshold)
	assert.Equal(t, hclog.Debug, c.Level())
	assert.Equal(t, 30*time.Minute, c.SessionTTL)
	assert.Equal(t, []string{"http://localhost:3000"}, c.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"backend":   func(c *Config) { c.MetaBackend = "postgres" },
		"traversal": func(c *Config) { c.Traversal = "random" },
		"log level": func(c *Config) { c.LogLevel = "loud" },
		"database":  func(c *Config) { c.DatabasePath = "" },
		"ttl":       func(c *Config) { c.SessionTTL = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("meta_backend: [oops"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
