package db

import (
	"context"
	"fmt"

	"github.com/shalteor/edbcore/internal/schema"
)

var _ schema.NodeStore = (*DB)(nil)

// PutNode inserts or replaces a metadata node record
func (db *DB) PutNode(ctx context.Context, rec *schema.NodeRecord) error {
	query := `
		INSERT INTO edb_meta (id, parent_id, meta_key, type, serial, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			meta_key = excluded.meta_key,
			type = excluded.type,
			serial = excluded.serial,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := db.ExecContext(ctx, query, rec.ID, rec.ParentID, rec.Key, rec.Type, rec.Serial)
	if err != nil {
		return fmt.Errorf("failed to put node: %w", err)
	}

	return nil
}

// ListChildren retrieves the records whose parent is parentID
func (db *DB) ListChildren(ctx context.Context, parentID string) ([]*schema.NodeRecord, error) {
	query := `
		SELECT id, parent_id, meta_key, type, serial
		FROM edb_meta
		WHERE parent_id = ?
		ORDER BY id ASC
	`

	rows, err := db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var recs []*schema.NodeRecord
	for rows.Next() {
		rec := &schema.NodeRecord{}
		if err := rows.Scan(&rec.ID, &rec.ParentID, &rec.Key, &rec.Type, &rec.Serial); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return recs, nil
}

// DeleteNode removes one node record; deleting an absent id is not an error
func (db *DB) DeleteNode(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM edb_meta WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return nil
}
