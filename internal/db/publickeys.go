package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PublicKey is the key pair record of a gives principal. The secret half
// is encrypted under the principal's symmetric key.
type PublicKey struct {
	Generic            string
	Value              string
	PublicKey          []byte
	EncryptedSecretKey []byte
	Salt               []byte
	CreatedAt          time.Time
}

// PutPublicKey inserts or replaces a key pair record
func (db *DB) PutPublicKey(ctx context.Context, pk *PublicKey) error {
	query := `
		INSERT INTO edb_public_keys (generic, value, public_key, encrypted_secret_key, salt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(generic, value) DO UPDATE SET
			public_key = excluded.public_key,
			encrypted_secret_key = excluded.encrypted_secret_key,
			salt = excluded.salt
	`

	_, err := db.ExecContext(ctx, query, pk.Generic, pk.Value, pk.PublicKey, pk.EncryptedSecretKey, pk.Salt)
	if err != nil {
		return fmt.Errorf("failed to put public key: %w", err)
	}

	return nil
}

// GetPublicKey retrieves the key pair record of a principal
func (db *DB) GetPublicKey(ctx context.Context, generic, value string) (*PublicKey, error) {
	query := `
		SELECT generic, value, public_key, encrypted_secret_key, salt, created_at
		FROM edb_public_keys
		WHERE generic = ? AND value = ?
	`

	pk := &PublicKey{}
	err := db.QueryRowContext(ctx, query, generic, value).Scan(
		&pk.Generic, &pk.Value, &pk.PublicKey, &pk.EncryptedSecretKey, &pk.Salt, &pk.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	return pk, nil
}

// DeletePublicKey removes the key pair record of a principal
func (db *DB) DeletePublicKey(ctx context.Context, generic, value string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM edb_public_keys WHERE generic = ? AND value = ?`, generic, value)
	if err != nil {
		return fmt.Errorf("failed to delete public key: %w", err)
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
