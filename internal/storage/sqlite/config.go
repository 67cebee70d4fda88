package sqlite

import (
	"context"
	"fmt"
)

// SetConfig implements storage.Storage.SetConfig.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set config %s: %w", key, err)
	}
	return nil
}

// GetConfig implements storage.Storage.GetConfig.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("sqlite: get config %s: %w", key, err)
	}
	return value, nil
}

// GetAllConfig implements storage.Storage.GetAllConfig.
func (s *Store) GetAllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get all config: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite: scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetMetadata implements storage.Storage.SetMetadata.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata implements storage.Storage.GetMetadata.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("sqlite: get metadata %s: %w", key, err)
	}
	return value, nil
}
