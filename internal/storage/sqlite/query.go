package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/types"
)

// filterClause builds the WHERE clause and argument list shared by List and
// Search (§4.3 list/search). Tombstones are excluded by default unless the
// caller either asks for them explicitly or names statuses that include one.
func filterClause(filter types.IssueFilter) (string, []any) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	} else if !filter.IncludeTombstones {
		where = append(where, "status != 'tombstone'")
	}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "issue_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	if filter.PriorityMin != nil {
		where = append(where, "priority >= ?")
		args = append(args, *filter.PriorityMin)
	}
	if filter.PriorityMax != nil {
		where = append(where, "priority <= ?")
		args = append(args, *filter.PriorityMax)
	}
	if filter.Assignee != nil {
		where = append(where, "assignee = ?")
		args = append(args, *filter.Assignee)
	}
	if filter.Owner != nil {
		where = append(where, "owner = ?")
		args = append(args, *filter.Owner)
	}
	if filter.HasExternalRef != nil {
		if *filter.HasExternalRef {
			where = append(where, "external_ref IS NOT NULL")
		} else {
			where = append(where, "external_ref IS NULL")
		}
	}
	if filter.Pinned != nil {
		where = append(where, "pinned = ?")
		args = append(args, boolToInt(*filter.Pinned))
	}
	if filter.Overdue {
		where = append(where, "due_at IS NOT NULL AND due_at < ? AND status NOT IN ('closed', 'tombstone')")
		args = append(args, time.Now())
	}
	if filter.Deferred {
		where = append(where, "defer_until IS NOT NULL AND defer_until > ?")
		args = append(args, time.Now())
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at > ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, *filter.CreatedBefore)
	}
	if filter.UpdatedAfter != nil {
		where = append(where, "updated_at > ?")
		args = append(args, *filter.UpdatedAfter)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}
	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(filter.ExcludeIDs) > 0 {
		placeholders := make([]string, len(filter.ExcludeIDs))
		for i, id := range filter.ExcludeIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id NOT IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ParentSubtree != "" {
		where = append(where, "(id = ? OR id LIKE ?)")
		args = append(args, filter.ParentSubtree, filter.ParentSubtree+".%")
	}
	if filter.TitleSearch != "" {
		where = append(where, "(title LIKE ? OR description LIKE ? OR id LIKE ?)")
		needle := "%" + filter.TitleSearch + "%"
		args = append(args, needle, needle, needle)
	}

	for _, label := range filter.Labels {
		where = append(where, "id IN (SELECT issue_id FROM labels WHERE label = ?)")
		args = append(args, label)
	}
	if len(filter.LabelsAny) > 0 {
		placeholders := make([]string, len(filter.LabelsAny))
		for i, l := range filter.LabelsAny {
			placeholders[i] = "?"
			args = append(args, l)
		}
		where = append(where, "id IN (SELECT issue_id FROM labels WHERE label IN ("+strings.Join(placeholders, ", ")+"))")
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	return clause, args
}

// List implements storage.Storage.List (§4.3 list). Relational children are
// not populated; callers fetch those explicitly via Get.
func (s *Store) List(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	where, args := filterClause(filter)
	query := fmt.Sprintf(`SELECT %s FROM issues %s ORDER BY priority ASC, created_at DESC`, issueColumns, where)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list issues: %w", err)
	}
	defer rows.Close()

	var out []*types.Issue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan listed issue: %w", err)
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

// Search implements storage.Storage.Search: a substring search over title,
// description, and ID layered on top of the same filter surface as List.
func (s *Store) Search(ctx context.Context, query string, filter types.IssueFilter) ([]*types.Issue, error) {
	if query != "" {
		filter.TitleSearch = query
	}
	return s.List(ctx, filter)
}

// Resolve implements storage.Storage.Resolve (§4.3 resolve): exact match,
// then prefix-qualified exact match, then substring match on the token
// portion.
func (s *Store) Resolve(ctx context.Context, input string) (string, error) {
	if input == "" {
		return "", beaderr.New(beaderr.InvalidID, "empty id")
	}

	exists, err := s.IDExists(ctx, input)
	if err != nil {
		return "", err
	}
	if exists {
		return input, nil
	}

	prefix := s.Prefix(ctx)
	if prefix != "" && !strings.Contains(input, "-") {
		qualified := prefix + "-" + input
		exists, err := s.IDExists(ctx, qualified)
		if err != nil {
			return "", err
		}
		if exists {
			return qualified, nil
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM issues
		WHERE (CASE WHEN instr(id, '-') > 0 THEN substr(id, instr(id, '-') + 1) ELSE id END) LIKE '%' || ? || '%'
		ORDER BY id
	`, input)
	if err != nil {
		return "", fmt.Errorf("sqlite: resolve %q: %w", input, err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("sqlite: scan resolve candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(candidates) {
	case 0:
		return "", beaderr.New(beaderr.NotFound, fmt.Sprintf("no issue matches %q", input))
	case 1:
		return candidates[0], nil
	default:
		return "", beaderr.New(beaderr.AmbiguousID, fmt.Sprintf("%q matches multiple issues", input)).
			WithContext("candidates", candidates)
	}
}

// Stats implements storage.Storage.Stats.
func (s *Store) Stats(ctx context.Context) (*types.Statistics, error) {
	stats := &types.Statistics{}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan status count: %w", err)
		}
		stats.TotalIssues += count
		switch types.Status(status) {
		case types.StatusOpen:
			stats.OpenIssues = count
		case types.StatusInProgress:
			stats.InProgressIssues = count
		case types.StatusClosed:
			stats.ClosedIssues = count
		case types.StatusTombstone:
			stats.TombstoneIssues = count
			stats.TotalIssues -= count // tombstones are excluded from the live total
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocked_cache`).Scan(&stats.BlockedIssues); err != nil {
		return nil, fmt.Errorf("sqlite: stats blocked count: %w", err)
	}

	ready, err := s.Ready(ctx, types.WorkFilter{})
	if err != nil {
		return nil, err
	}
	stats.ReadyIssues = len(ready)

	var avgHours sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(closed_at) - julianday(created_at)) * 24.0)
		FROM issues WHERE status = 'closed' AND closed_at IS NOT NULL
	`).Scan(&avgHours)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats lead time: %w", err)
	}
	if avgHours.Valid {
		stats.AverageLeadTime = avgHours.Float64
	}

	return stats, nil
}

// Ready implements storage.Storage.Ready (§4.4 ready work): open or
// in-progress issues that are not blocked, not deferred into the future,
// not pinned, not ephemeral, and not a wisp.
func (s *Store) Ready(ctx context.Context, filter types.WorkFilter) ([]*types.Issue, error) {
	query := `
		SELECT ` + issueColumns + ` FROM issues i
		WHERE status IN ('open', 'in_progress')
		  AND pinned = 0
		  AND ephemeral = 0
		  AND id NOT LIKE '%-wisp-%'
		  AND id NOT IN (SELECT issue_id FROM blocked_cache)
		  AND (defer_until IS NULL OR defer_until <= ?)
	`
	args := []any{time.Now()}

	if filter.Assignee != nil {
		query += " AND assignee = ?"
		args = append(args, *filter.Assignee)
	}
	if filter.PriorityMax != nil {
		query += " AND priority <= ?"
		args = append(args, *filter.PriorityMax)
	}
	for _, label := range filter.Labels {
		query += " AND id IN (SELECT issue_id FROM labels WHERE label = ?)"
		args = append(args, label)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query ready issues: %w", err)
	}
	defer rows.Close()

	var out []*types.Issue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan ready issue: %w", err)
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortReadyIssues(out, filter.SortPolicy)

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// sortReadyIssues orders ready work per the requested policy (§4.4):
//   - priority: priority ascending, then created_at ascending.
//   - oldest: created_at ascending regardless of priority.
//   - hybrid (default): issues created in the last 48h first (ordered by
//     priority ascending), then older issues ordered by created_at
//     ascending, with created_at as the final tiebreak.
func sortReadyIssues(issues []*types.Issue, policy types.SortPolicy) {
	now := time.Now()
	recent := func(issue *types.Issue) bool {
		return now.Sub(issue.CreatedAt) <= 48*time.Hour
	}

	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		switch policy {
		case types.SortPolicyOldest:
			return a.CreatedAt.Before(b.CreatedAt)
		case types.SortPolicyPriority:
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.CreatedAt.Before(b.CreatedAt)
		default: // hybrid
			ra, rb := recent(a), recent(b)
			if ra != rb {
				return ra
			}
			if ra {
				if a.Priority != b.Priority {
					return a.Priority < b.Priority
				}
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}
