package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// AccessRow is one wrapped key: the key of AccessTo encrypted under the key
// of HasAccess (or sealed to its public key when Asym is set).
type AccessRow struct {
	HasAccess    string
	AccessTo     string
	EncryptedKey []byte
	Salt         []byte
	Asym         bool
	CreatedAt    time.Time
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Access table names come from the principal graph, never from clients,
// but they are still formatted into SQL.
func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(vals []string, extra ...any) []any {
	args := make([]any, 0, len(vals)+len(extra))
	for _, e := range extra {
		args = append(args, e)
	}
	for _, v := range vals {
		args = append(args, v)
	}
	return args
}

// CreateAccessTable creates an access table if it does not exist
func (db *DB) CreateAccessTable(ctx context.Context, table string) error {
	if err := checkIdent(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			has_access TEXT NOT NULL,
			access_to TEXT NOT NULL,
			encrypted_key BLOB NOT NULL,
			salt BLOB NOT NULL,
			asym INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (has_access, access_to)
		)
	`, table)

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create access table %s: %w", table, err)
	}

	return nil
}

// DropAccessTable drops an access table if it exists
func (db *DB) DropAccessTable(ctx context.Context, table string) error {
	if err := checkIdent(table); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("failed to drop access table %s: %w", table, err)
	}

	return nil
}

// InsertAccessRow inserts a wrapped key. An existing row for the same pair
// is an error; callers check with GetAccessRow first.
func (db *DB) InsertAccessRow(ctx context.Context, table string, row *AccessRow) error {
	if err := checkIdent(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (has_access, access_to, encrypted_key, salt, asym)
		VALUES (?, ?, ?, ?, ?)
	`, table)

	_, err := db.ExecContext(ctx, query, row.HasAccess, row.AccessTo, row.EncryptedKey, row.Salt, row.Asym)
	if err != nil {
		return fmt.Errorf("failed to insert access row: %w", err)
	}

	return nil
}

// GetAccessRow retrieves the row for one (hasAccess, accessTo) pair
func (db *DB) GetAccessRow(ctx context.Context, table, hasAccess, accessTo string) (*AccessRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT has_access, access_to, encrypted_key, salt, asym, created_at
		FROM %s
		WHERE has_access = ? AND access_to = ?
	`, table)

	row := &AccessRow{}
	err := db.QueryRowContext(ctx, query, hasAccess, accessTo).Scan(
		&row.HasAccess, &row.AccessTo, &row.EncryptedKey, &row.Salt, &row.Asym, &row.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access row: %w", err)
	}

	return row, nil
}

// ListAccessRows retrieves every row held by one of the given values
func (db *DB) ListAccessRows(ctx context.Context, table string, holders []string) ([]*AccessRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT has_access, access_to, encrypted_key, salt, asym, created_at
		FROM %s
		WHERE has_access IN (%s)
		ORDER BY has_access ASC, access_to ASC
	`, table, placeholders(len(holders)))

	return db.queryAccessRows(ctx, query, stringArgs(holders)...)
}

// ListAccessRowsTo retrieves the rows granting accessTo, restricted to the
// given holders
func (db *DB) ListAccessRowsTo(ctx context.Context, table, accessTo string, holders []string) ([]*AccessRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT has_access, access_to, encrypted_key, salt, asym, created_at
		FROM %s
		WHERE access_to = ? AND has_access IN (%s)
		ORDER BY has_access ASC
	`, table, placeholders(len(holders)))

	return db.queryAccessRows(ctx, query, stringArgs(holders, accessTo)...)
}

// ListAllAccessRows retrieves every row of an access table
func (db *DB) ListAllAccessRows(ctx context.Context, table string) ([]*AccessRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT has_access, access_to, encrypted_key, salt, asym, created_at
		FROM %s
		ORDER BY has_access ASC, access_to ASC
	`, table)

	return db.queryAccessRows(ctx, query)
}

func (db *DB) queryAccessRows(ctx context.Context, query string, args ...any) ([]*AccessRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list access rows: %w", err)
	}
	defer rows.Close()

	var out []*AccessRow
	for rows.Next() {
		row := &AccessRow{}
		if err := rows.Scan(&row.HasAccess, &row.AccessTo, &row.EncryptedKey, &row.Salt, &row.Asym, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access row: %w", err)
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// CountAccessRows counts the rows held by one of the given values
func (db *DB) CountAccessRows(ctx context.Context, table string, holders []string) (int, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	if len(holders) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE has_access IN (%s)`, table, placeholders(len(holders)))

	var n int
	if err := db.QueryRowContext(ctx, query, stringArgs(holders)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count access rows: %w", err)
	}

	return n, nil
}

// CountAccessRowsTo counts the rows granting accessTo, whoever holds them
func (db *DB) CountAccessRowsTo(ctx context.Context, table, accessTo string) (int, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE access_to = ?`, table)

	var n int
	if err := db.QueryRowContext(ctx, query, accessTo).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count access rows: %w", err)
	}

	return n, nil
}

// ListHolders returns the principals holding a row for accessTo
func (db *DB) ListHolders(ctx context.Context, table, accessTo string) ([]string, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT has_access FROM %s WHERE access_to = ? ORDER BY has_access ASC`, table)

	rows, err := db.QueryContext(ctx, query, accessTo)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	defer rows.Close()

	var holders []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan holder: %w", err)
		}
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate holders: %w", err)
	}

	return holders, nil
}

// DeleteAccessRow performs a hard delete of one row
func (db *DB) DeleteAccessRow(ctx context.Context, table, hasAccess, accessTo string) error {
	if err := checkIdent(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE has_access = ? AND access_to = ?`, table)

	result, err := db.ExecContext(ctx, query, hasAccess, accessTo)
	if err != nil {
		return fmt.Errorf("failed to delete access row: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}
