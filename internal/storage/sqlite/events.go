package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beadscore/beads/internal/types"
)

// recordEvent appends an audit trail entry within an open transaction.
func recordEvent(ctx context.Context, conn *sql.Conn, issueID string, eventType types.EventType, actor, oldValue, newValue string) error {
	var oldPtr, newPtr *string
	if oldValue != "" {
		oldPtr = &oldValue
	}
	if newValue != "" {
		newPtr = &newValue
	}
	_, err := conn.ExecContext(ctx, `
		INSERT INTO events (issue_id, event_type, actor, old_value, new_value)
		VALUES (?, ?, ?, ?, ?)
	`, issueID, string(eventType), actor, nullStringPtr(oldPtr), nullStringPtr(newPtr))
	if err != nil {
		return fmt.Errorf("sqlite: record event for %s: %w", issueID, err)
	}
	return nil
}

// GetEvents implements storage.Storage.GetEvents.
func (s *Store) GetEvents(ctx context.Context, issueID string, limit int) ([]*types.Event, error) {
	query := `SELECT id, issue_id, event_type, actor, old_value, new_value, comment, created_at
		FROM events WHERE issue_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{issueID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get events for %s: %w", issueID, err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var e types.Event
		var oldValue, newValue, comment sql.NullString
		if err := rows.Scan(&e.ID, &e.IssueID, &e.EventType, &e.Actor, &oldValue, &newValue, &comment, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if oldValue.Valid {
			e.OldValue = &oldValue.String
		}
		if newValue.Valid {
			e.NewValue = &newValue.String
		}
		if comment.Valid {
			e.Comment = &comment.String
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
