package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/beadscore/beads/internal/types"
)

var issueColumnNames = []string{
	"id", "content_hash", "title", "description", "design", "acceptance_criteria", "notes",
	"status", "priority", "issue_type", "assignee", "owner", "estimated_minutes",
	"created_at", "updated_at", "closed_at", "close_reason",
	"deleted_at", "deleted_by", "delete_reason", "original_type",
	"due_at", "defer_until", "external_ref", "source_system",
	"pinned", "ephemeral", "is_template",
}

var issueColumns = strings.Join(issueColumnNames, ", ")

// prefixColumns renders issueColumnNames qualified with alias (e.g. "i.") for
// use in joined queries.
func prefixColumns(alias string) string {
	out := make([]string, len(issueColumnNames))
	for i, c := range issueColumnNames {
		out[i] = alias + c
	}
	return strings.Join(out, ", ")
}

// issueScanner abstracts *sql.Row and *sql.Rows so scanIssueRow works with
// either.
type issueScanner interface {
	Scan(dest ...any) error
}

func scanIssueRow(row issueScanner) (*types.Issue, error) {
	var iss types.Issue
	var assignee, owner, closeReason, deletedBy, deleteReason, originalType sql.NullString
	var externalRef, sourceSystem sql.NullString
	var estimatedMinutes sql.NullInt64
	var closedAt, deletedAt, dueAt, deferUntil sql.NullTime
	var pinned, ephemeral, isTemplate int

	err := row.Scan(
		&iss.ID, &iss.ContentHash, &iss.Title, &iss.Description, &iss.Design,
		&iss.AcceptanceCriteria, &iss.Notes, &iss.Status, &iss.Priority,
		&iss.IssueType, &assignee, &owner, &estimatedMinutes,
		&iss.CreatedAt, &iss.UpdatedAt, &closedAt, &closeReason,
		&deletedAt, &deletedBy, &deleteReason, &originalType,
		&dueAt, &deferUntil, &externalRef, &sourceSystem,
		&pinned, &ephemeral, &isTemplate,
	)
	if err != nil {
		return nil, err
	}

	iss.Assignee = assignee.String
	iss.Owner = owner.String
	iss.CloseReason = closeReason.String
	iss.DeletedBy = deletedBy.String
	iss.DeleteReason = deleteReason.String
	iss.OriginalType = types.IssueType(originalType.String)
	iss.SourceSystem = sourceSystem.String
	iss.Pinned = pinned != 0
	iss.Ephemeral = ephemeral != 0
	iss.IsTemplate = isTemplate != 0

	if estimatedMinutes.Valid {
		m := int(estimatedMinutes.Int64)
		iss.EstimatedMinutes = &m
	}
	if closedAt.Valid {
		t := closedAt.Time
		iss.ClosedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		iss.DeletedAt = &t
	}
	if dueAt.Valid {
		t := dueAt.Time
		iss.DueAt = &t
	}
	if deferUntil.Valid {
		t := deferUntil.Time
		iss.DeferUntil = &t
	}
	if externalRef.Valid {
		s := externalRef.String
		iss.ExternalRef = &s
	}

	return &iss, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullIntPtr(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func timeNow() time.Time {
	return time.Now()
}
