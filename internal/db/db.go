package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS edb_meta (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL,

	-- Encoded MetaKey of the node under its parent (s:<name> or o:<onion>)
	meta_key TEXT NOT NULL,
	type TEXT NOT NULL,

	-- The node's own attributes; children are separate rows
	serial TEXT NOT NULL,

	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_meta_parent ON edb_meta(parent_id);

CREATE TABLE IF NOT EXISTS edb_public_keys (
	generic TEXT NOT NULL,
	value TEXT NOT NULL,

	-- Public half in the clear, secret half encrypted under the principal's symmetric key
	public_key BLOB NOT NULL,
	encrypted_secret_key BLOB NOT NULL,
	salt BLOB NOT NULL,

	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

	PRIMARY KEY (generic, value)
);
`

type DB struct {
	*sql.DB
}

// New opens the sqlite database at path and creates the fixed tables.
// Access tables are created separately, one per access edge.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite has a single writer and every ":memory:"
	// connection would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &DB{db}, nil
}
