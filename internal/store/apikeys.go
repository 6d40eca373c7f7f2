package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyStore looks up API key credentials.
//
// Obtain one via [Store.Keys] rather than constructing directly.
type KeyStore struct {
	pool *pgxpool.Pool
}

// GetByHash returns the active API key whose SHA-256 hash matches keyHash,
// or [ErrNotFound]. Inactive keys are treated as absent so revocation takes
// effect immediately.
func (s *KeyStore) GetByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	const q = `
		SELECT id, key_hash, name, is_admin, active, created_at
		FROM   api_keys
		WHERE  key_hash = $1 AND active`

	rows, err := s.pool.Query(ctx, q, keyHash)
	if err != nil {
		return nil, fmt.Errorf("key store: get by hash: %w", err)
	}
	key, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (APIKey, error) {
		var k APIKey
		err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &k.IsAdmin, &k.Active, &k.CreatedAt)
		return k, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("key store: scan: %w", err)
	}
	return &key, nil
}

// Create inserts a new API key record. Used by provisioning tooling and by
// integration tests.
func (s *KeyStore) Create(ctx context.Context, k *APIKey) error {
	const q = `
		INSERT INTO api_keys (id, key_hash, name, is_admin, active)
		VALUES ($1, $2, $3, $4, TRUE)`

	_, err := s.pool.Exec(ctx, q, k.ID, k.KeyHash, k.Name, k.IsAdmin)
	if err != nil {
		return fmt.Errorf("key store: create: %w", err)
	}
	return nil
}
