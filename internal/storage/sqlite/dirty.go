package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// markDirty marks issueIDs dirty within an open transaction, idempotently.
func markDirty(ctx context.Context, conn *sql.Conn, issueIDs []string) error {
	for _, id := range issueIDs {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO dirty_issues (issue_id) VALUES (?)
			ON CONFLICT(issue_id) DO UPDATE SET marked_at = CURRENT_TIMESTAMP
		`, id)
		if err != nil {
			return fmt.Errorf("sqlite: mark dirty %s: %w", id, err)
		}
	}
	return nil
}

// GetDirtyIssues implements storage.Storage.GetDirtyIssues.
func (s *Store) GetDirtyIssues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT issue_id FROM dirty_issues ORDER BY marked_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get dirty issues: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan dirty issue: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearDirtyIssuesByID implements storage.Storage.ClearDirtyIssuesByID.
func (s *Store) ClearDirtyIssuesByID(ctx context.Context, issueIDs []string) error {
	if len(issueIDs) == 0 {
		return nil
	}
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, id := range issueIDs {
			if _, err := conn.ExecContext(ctx, `DELETE FROM dirty_issues WHERE issue_id = ?`, id); err != nil {
				return fmt.Errorf("sqlite: clear dirty %s: %w", id, err)
			}
		}
		return nil
	})
}

// GetExportHash implements storage.Storage.GetExportHash.
func (s *Store) GetExportHash(ctx context.Context, issueID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT export_hash FROM export_hashes WHERE issue_id = ?`, issueID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: get export hash for %s: %w", issueID, err)
	}
	return hash, nil
}

// SetExportHash implements storage.Storage.SetExportHash.
func (s *Store) SetExportHash(ctx context.Context, issueID, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_hashes (issue_id, export_hash) VALUES (?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET export_hash = excluded.export_hash
	`, issueID, contentHash)
	if err != nil {
		return fmt.Errorf("sqlite: set export hash for %s: %w", issueID, err)
	}
	return nil
}

// ClearAllExportHashes implements storage.Storage.ClearAllExportHashes, used
// when a full export supersedes the incremental record.
func (s *Store) ClearAllExportHashes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM export_hashes`); err != nil {
		return fmt.Errorf("sqlite: clear export hashes: %w", err)
	}
	return nil
}
