package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beadscore/beads/internal/types"
)

// AddComment implements storage.Storage.AddComment. Comments are append-only
// and never hashed into content_hash.
func (s *Store) AddComment(ctx context.Context, issueID, author, text string) (*types.Comment, error) {
	var comment types.Comment
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := requireIssueExists(ctx, conn, issueID); err != nil {
			return err
		}
		res, err := conn.ExecContext(ctx, `
			INSERT INTO comments (issue_id, author, text) VALUES (?, ?, ?)
		`, issueID, author, text)
		if err != nil {
			return fmt.Errorf("sqlite: add comment to %s: %w", issueID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: read comment id: %w", err)
		}
		row := conn.QueryRowContext(ctx, `SELECT id, issue_id, author, text, created_at FROM comments WHERE id = ?`, id)
		if err := row.Scan(&comment.ID, &comment.IssueID, &comment.Author, &comment.Text, &comment.CreatedAt); err != nil {
			return fmt.Errorf("sqlite: reload comment: %w", err)
		}
		if err := recordEvent(ctx, conn, issueID, types.EventCommented, author, "", ""); err != nil {
			return err
		}
		return markDirty(ctx, conn, []string{issueID})
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// GetComments implements storage.Storage.GetComments.
func (s *Store) GetComments(ctx context.Context, issueID string) ([]*types.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author, text, created_at FROM comments
		WHERE issue_id = ? ORDER BY created_at, id
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get comments for %s: %w", issueID, err)
	}
	defer rows.Close()

	var comments []*types.Comment
	for rows.Next() {
		var c types.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}
