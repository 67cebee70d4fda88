package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/types"
)

// AddLabel implements storage.Storage.AddLabel.
func (s *Store) AddLabel(ctx context.Context, issueID, label, actor string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := requireIssueExists(ctx, conn, issueID); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)`, issueID, label)
		if err != nil {
			return fmt.Errorf("sqlite: add label %s to %s: %w", label, issueID, err)
		}
		if err := recordEvent(ctx, conn, issueID, types.EventLabelAdded, actor, "", label); err != nil {
			return err
		}
		return markDirty(ctx, conn, []string{issueID})
	})
}

// RemoveLabel implements storage.Storage.RemoveLabel.
func (s *Store) RemoveLabel(ctx context.Context, issueID, label, actor string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM labels WHERE issue_id = ? AND label = ?`, issueID, label)
		if err != nil {
			return fmt.Errorf("sqlite: remove label %s from %s: %w", label, issueID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return beaderr.New(beaderr.NotFound, fmt.Sprintf("label %q not found on %s", label, issueID))
		}
		if err := recordEvent(ctx, conn, issueID, types.EventLabelRemoved, actor, label, ""); err != nil {
			return err
		}
		return markDirty(ctx, conn, []string{issueID})
	})
}

// GetLabels implements storage.Storage.GetLabels.
func (s *Store) GetLabels(ctx context.Context, issueID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label FROM labels WHERE issue_id = ? ORDER BY label`, issueID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get labels for %s: %w", issueID, err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("sqlite: scan label: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func requireIssueExists(ctx context.Context, conn *sql.Conn, issueID string) error {
	var count int
	err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, issueID).Scan(&count)
	if err != nil {
		return fmt.Errorf("sqlite: check issue existence: %w", err)
	}
	if count == 0 {
		return beaderr.New(beaderr.NotFound, fmt.Sprintf("issue %s not found", issueID))
	}
	return nil
}
