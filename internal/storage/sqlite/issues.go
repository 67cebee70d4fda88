package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/idgen"
	"github.com/beadscore/beads/internal/types"
)

// Create implements storage.Storage.Create (§4.3 create).
func (s *Store) Create(ctx context.Context, issue *types.Issue, actor string) error {
	if issue.Title == "" {
		return beaderr.New(beaderr.ValidationFailed, "title is required")
	}

	now := time.Now()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now
	issue.ContentHash = issue.ComputeContentHash()

	if err := issue.Validate(); err != nil {
		return beaderr.Wrap(beaderr.ValidationFailed, err, err.Error())
	}

	prefix := s.Prefix(ctx)

	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if issue.ID == "" {
			if err := s.assignID(ctx, conn, prefix, issue, actor); err != nil {
				return err
			}
		} else if strings.HasSuffix(issue.ID, ".") {
			parent := strings.TrimSuffix(issue.ID, ".")
			if err := validateIDPrefix(parent, prefix); err != nil {
				return beaderr.Wrap(beaderr.PrefixMismatchOnCreate, err, err.Error())
			}
			id, err := s.childIDTx(ctx, conn, parent)
			if err != nil {
				return err
			}
			issue.ID = id
		} else {
			if err := validateIDPrefix(issue.ID, prefix); err != nil {
				return beaderr.Wrap(beaderr.PrefixMismatchOnCreate, err, err.Error())
			}
			if parent, n, ok := idgen.SplitHierarchical(issue.ID); ok {
				if idgen.Depth(issue.ID) > s.AdaptiveConfig(ctx).MaxDepth {
					return beaderr.New(beaderr.HierarchyDepthExceeded, "hierarchical depth exceeds configured maximum")
				}
				var parentCount int
				if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, parent).Scan(&parentCount); err != nil {
					return fmt.Errorf("sqlite: check parent existence: %w", err)
				}
				if parentCount == 0 {
					return beaderr.New(beaderr.NotFound, fmt.Sprintf("parent issue %s does not exist", parent))
				}
				if err := bumpChildCounter(ctx, conn, parent, n); err != nil {
					return err
				}
			}
		}

		if err := insertIssueRow(ctx, conn, issue); err != nil {
			return err
		}
		if err := recordEvent(ctx, conn, issue.ID, types.EventCreated, actor, "", ""); err != nil {
			return err
		}
		return markDirty(ctx, conn, []string{issue.ID})
	})
}

// assignID generates and assigns an ID for issue using the adaptive
// base36 scheme of §4.1.
func (s *Store) assignID(ctx context.Context, conn *sql.Conn, prefix string, issue *types.Issue, actor string) error {
	numTopLevel, err := s.CountTopLevelIssues(ctx, prefix)
	if err != nil {
		numTopLevel = 0
	}
	cfg := s.AdaptiveConfig(ctx)
	baseLength := idgen.ComputeAdaptiveLength(numTopLevel, cfg)

	exists := func(ctx context.Context, candidate string) (bool, error) {
		var count int
		err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, candidate).Scan(&count)
		return count > 0, err
	}

	id, err := idgen.Generate(ctx, prefix, issue.Title, issue.Description, actor, issue.CreatedAt, baseLength, cfg, exists)
	if err != nil {
		return beaderr.Wrap(beaderr.IDCollision, err, "exhausted id generation at max length")
	}
	issue.ID = id
	return nil
}

// CreateBatch implements storage.Storage.CreateBatch.
func (s *Store) CreateBatch(ctx context.Context, issues []*types.Issue, actor string) error {
	if len(issues) == 0 {
		return nil
	}
	now := time.Now()
	for _, issue := range issues {
		if issue.CreatedAt.IsZero() {
			issue.CreatedAt = now
		}
		issue.UpdatedAt = now
		issue.ContentHash = issue.ComputeContentHash()
		if err := issue.Validate(); err != nil {
			return beaderr.Wrap(beaderr.ValidationFailed, err, err.Error())
		}
	}

	prefix := s.Prefix(ctx)
	ids := make([]string, 0, len(issues))

	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, issue := range issues {
			if issue.ID == "" {
				if err := s.assignID(ctx, conn, prefix, issue, actor); err != nil {
					return err
				}
			} else if parent, n, ok := idgen.SplitHierarchical(issue.ID); ok {
				if err := bumpChildCounter(ctx, conn, parent, n); err != nil {
					return err
				}
			}
			if err := insertIssueRow(ctx, conn, issue); err != nil {
				return err
			}
			if err := recordEvent(ctx, conn, issue.ID, types.EventCreated, actor, "", ""); err != nil {
				return err
			}
			ids = append(ids, issue.ID)
		}
		return markDirty(ctx, conn, ids)
	})
}

func insertIssueRow(ctx context.Context, conn *sql.Conn, issue *types.Issue) error {
	_, err := conn.ExecContext(ctx, `
		INSERT INTO issues (
			id, content_hash, title, description, design, acceptance_criteria, notes,
			status, priority, issue_type, assignee, owner, estimated_minutes,
			created_at, updated_at, closed_at, close_reason,
			deleted_at, deleted_by, delete_reason, original_type,
			due_at, defer_until, external_ref, source_system,
			pinned, ephemeral, is_template
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		issue.ID, issue.ContentHash, issue.Title, issue.Description, issue.Design,
		issue.AcceptanceCriteria, issue.Notes, string(issue.Status), issue.Priority,
		string(issue.IssueType), nullString(issue.Assignee), nullString(issue.Owner), nullIntPtr(issue.EstimatedMinutes),
		issue.CreatedAt, issue.UpdatedAt, nullTime(issue.ClosedAt), nullString(issue.CloseReason),
		nullTime(issue.DeletedAt), nullString(issue.DeletedBy), nullString(issue.DeleteReason), nullString(string(issue.OriginalType)),
		nullTime(issue.DueAt), nullTime(issue.DeferUntil), nullStringPtr(issue.ExternalRef), nullString(issue.SourceSystem),
		boolToInt(issue.Pinned), boolToInt(issue.Ephemeral), boolToInt(issue.IsTemplate),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert issue %s: %w", issue.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func validateIDPrefix(id, prefix string) error {
	if !strings.HasPrefix(id, prefix+"-") {
		return fmt.Errorf("issue ID %q does not match configured prefix %q", id, prefix)
	}
	return nil
}

// Get implements storage.Storage.Get.
func (s *Store) Get(ctx context.Context, id string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssueRow(row)
	if err == sql.ErrNoRows {
		return nil, beaderr.New(beaderr.NotFound, fmt.Sprintf("issue %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get issue %s: %w", id, err)
	}

	labels, err := s.GetLabels(ctx, id)
	if err != nil {
		return nil, err
	}
	issue.Labels = labels

	deps, err := s.GetDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	issue.Dependencies = deps

	comments, err := s.GetComments(ctx, id)
	if err != nil {
		return nil, err
	}
	issue.Comments = comments

	return issue, nil
}

var allowedUpdateFields = map[string]bool{
	"title": true, "description": true, "design": true, "acceptance_criteria": true,
	"notes": true, "status": true, "priority": true, "issue_type": true,
	"assignee": true, "owner": true, "estimated_minutes": true,
	"due_at": true, "defer_until": true, "external_ref": true,
	"pinned": true, "is_template": true,
}

var hashedFields = map[string]bool{
	"title": true, "description": true, "design": true, "acceptance_criteria": true,
	"notes": true, "status": true, "priority": true, "issue_type": true,
	"assignee": true, "owner": true, "external_ref": true,
	"due_at": true, "defer_until": true, "pinned": true, "is_template": true,
}

// Update implements storage.Storage.Update (§4.3 update).
func (s *Store) Update(ctx context.Context, id string, changes map[string]any, actor string, force bool) error {
	for key := range changes {
		if !allowedUpdateFields[key] {
			return beaderr.New(beaderr.ValidationFailed, fmt.Sprintf("field %q cannot be updated", key))
		}
	}
	if status, ok := changes["status"]; ok && status == string(types.StatusTombstone) {
		return beaderr.New(beaderr.ValidationFailed, "use delete() to tombstone an issue, not update()")
	}

	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		old, err := s.getTx(ctx, conn, id)
		if err != nil {
			return err
		}
		if old == nil {
			return beaderr.New(beaderr.NotFound, fmt.Sprintf("issue %s not found", id))
		}
		if old.IsTemplate {
			return beaderr.New(beaderr.TemplateReadOnly, "templates are read-only")
		}
		if old.Pinned && !force {
			return beaderr.New(beaderr.PinnedGuard, "issue is pinned; pass force to override")
		}

		merged := *old
		applyChanges(&merged, changes)

		statusChanged := false
		if rawStatus, ok := changes["status"]; ok {
			newStatus := rawStatus.(string)
			statusChanged = newStatus != string(old.Status)
			if newStatus == string(types.StatusClosed) && old.Status != types.StatusClosed {
				now := time.Now()
				merged.ClosedAt = &now
			} else if newStatus != string(types.StatusClosed) && old.Status == types.StatusClosed {
				merged.ClosedAt = nil
				merged.CloseReason = ""
			}
		}

		contentChanged := false
		for key := range changes {
			if hashedFields[key] {
				contentChanged = true
				break
			}
		}
		merged.UpdatedAt = time.Now()
		if contentChanged {
			merged.ContentHash = merged.ComputeContentHash()
		}
		if err := merged.Validate(); err != nil {
			return beaderr.Wrap(beaderr.ValidationFailed, err, err.Error())
		}

		if err := updateIssueRow(ctx, conn, &merged); err != nil {
			return err
		}

		eventType := types.EventUpdated
		if rawStatus, ok := changes["status"]; ok {
			switch rawStatus.(string) {
			case string(types.StatusClosed):
				eventType = types.EventClosed
			default:
				if old.Status == types.StatusClosed {
					eventType = types.EventReopened
				} else {
					eventType = types.EventStatusChanged
				}
			}
		} else if _, ok := changes["priority"]; ok {
			eventType = types.EventPriorityChanged
		} else if _, ok := changes["assignee"]; ok {
			eventType = types.EventAssigneeChanged
		}
		if err := recordEvent(ctx, conn, id, eventType, actor, "", ""); err != nil {
			return err
		}
		if err := markDirty(ctx, conn, []string{id}); err != nil {
			return err
		}
		if statusChanged {
			return rebuildBlockedCacheTx(ctx, conn)
		}
		return nil
	})
}

func applyChanges(issue *types.Issue, changes map[string]any) {
	for key, value := range changes {
		switch key {
		case "title":
			issue.Title = value.(string)
		case "description":
			issue.Description = value.(string)
		case "design":
			issue.Design = value.(string)
		case "acceptance_criteria":
			issue.AcceptanceCriteria = value.(string)
		case "notes":
			issue.Notes = value.(string)
		case "status":
			issue.Status = types.Status(value.(string))
		case "priority":
			issue.Priority = value.(int)
		case "issue_type":
			issue.IssueType = types.IssueType(value.(string))
		case "assignee":
			issue.Assignee = value.(string)
		case "owner":
			issue.Owner = value.(string)
		case "estimated_minutes":
			if v, ok := value.(int); ok {
				issue.EstimatedMinutes = &v
			}
		case "due_at":
			if v, ok := value.(time.Time); ok {
				issue.DueAt = &v
			}
		case "defer_until":
			if v, ok := value.(time.Time); ok {
				issue.DeferUntil = &v
			}
		case "external_ref":
			if v, ok := value.(string); ok {
				issue.ExternalRef = &v
			}
		case "pinned":
			issue.Pinned = value.(bool)
		case "is_template":
			issue.IsTemplate = value.(bool)
		}
	}
}

func updateIssueRow(ctx context.Context, conn *sql.Conn, issue *types.Issue) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE issues SET
			content_hash = ?, title = ?, description = ?, design = ?, acceptance_criteria = ?,
			notes = ?, status = ?, priority = ?, issue_type = ?, assignee = ?, owner = ?,
			estimated_minutes = ?, updated_at = ?, closed_at = ?, close_reason = ?,
			due_at = ?, defer_until = ?, external_ref = ?, pinned = ?, is_template = ?
		WHERE id = ?
	`,
		issue.ContentHash, issue.Title, issue.Description, issue.Design, issue.AcceptanceCriteria,
		issue.Notes, string(issue.Status), issue.Priority, string(issue.IssueType), nullString(issue.Assignee), nullString(issue.Owner),
		nullIntPtr(issue.EstimatedMinutes), issue.UpdatedAt, nullTime(issue.ClosedAt), nullString(issue.CloseReason),
		nullTime(issue.DueAt), nullTime(issue.DeferUntil), nullStringPtr(issue.ExternalRef), boolToInt(issue.Pinned), boolToInt(issue.IsTemplate),
		issue.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update issue %s: %w", issue.ID, err)
	}
	return nil
}

func (s *Store) getTx(ctx context.Context, conn *sql.Conn, id string) (*types.Issue, error) {
	row := conn.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssueRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get issue %s: %w", id, err)
	}
	return issue, nil
}

// CloseIssue implements storage.Storage.CloseIssue (§4.3 close).
func (s *Store) CloseIssue(ctx context.Context, id, reason, actor string, force bool) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		old, err := s.getTx(ctx, conn, id)
		if err != nil {
			return err
		}
		if old == nil {
			return beaderr.New(beaderr.NotFound, fmt.Sprintf("issue %s not found", id))
		}
		if !force {
			blocked, _, err := isBlockedTx(ctx, conn, id)
			if err != nil {
				return err
			}
			if blocked {
				return beaderr.New(beaderr.ValidationFailed, "issue is blocked; pass force to close anyway")
			}
		}
		now := time.Now()
		old.Status = types.StatusClosed
		old.ClosedAt = &now
		old.CloseReason = reason
		old.UpdatedAt = now
		old.ContentHash = old.ComputeContentHash()

		if err := updateIssueRow(ctx, conn, old); err != nil {
			return err
		}
		if err := recordEvent(ctx, conn, id, types.EventClosed, actor, "", reason); err != nil {
			return err
		}
		if err := markDirty(ctx, conn, []string{id}); err != nil {
			return err
		}
		return rebuildBlockedCacheTx(ctx, conn)
	})
}

// Reopen implements storage.Storage.Reopen (§4.3 reopen).
func (s *Store) Reopen(ctx context.Context, id, actor string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		old, err := s.getTx(ctx, conn, id)
		if err != nil {
			return err
		}
		if old == nil {
			return beaderr.New(beaderr.NotFound, fmt.Sprintf("issue %s not found", id))
		}
		old.Status = types.StatusOpen
		old.ClosedAt = nil
		old.CloseReason = ""
		old.UpdatedAt = time.Now()
		old.ContentHash = old.ComputeContentHash()

		if err := updateIssueRow(ctx, conn, old); err != nil {
			return err
		}
		if err := recordEvent(ctx, conn, id, types.EventReopened, actor, "", ""); err != nil {
			return err
		}
		if err := markDirty(ctx, conn, []string{id}); err != nil {
			return err
		}
		return rebuildBlockedCacheTx(ctx, conn)
	})
}

// referenceTokenPattern matches a token with non-word boundaries on both
// sides; word characters are digits, letters, underscore, and hyphen (so an
// ID embedded in running text is only rewritten at true boundaries, per
// §4.3 delete()'s reference-rewrite rule).
func referenceTokenPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^A-Za-z0-9_-])` + regexp.QuoteMeta(id) + `($|[^A-Za-z0-9_-])`)
}

func rewriteReferences(text, id string) (string, bool) {
	pattern := referenceTokenPattern(id)
	if !pattern.MatchString(text) {
		return text, false
	}
	replacement := fmt.Sprintf("${1}[deleted:%s]${2}", id)
	return pattern.ReplaceAllString(text, replacement), true
}

// Delete implements storage.Storage.Delete (§4.3 delete, tombstone).
func (s *Store) Delete(ctx context.Context, ids []string, actor, reason string, cascade, force bool) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		targets := map[string]bool{}
		for _, id := range ids {
			targets[id] = true
		}

		if cascade {
			frontier := ids
			for len(frontier) > 0 {
				var next []string
				for _, id := range frontier {
					rows, err := conn.QueryContext(ctx, `SELECT issue_id FROM dependencies WHERE target_id = ? AND type = 'parent-child'`, id)
					if err != nil {
						return fmt.Errorf("sqlite: find dependents for cascade: %w", err)
					}
					var children []string
					for rows.Next() {
						var child string
						if err := rows.Scan(&child); err != nil {
							rows.Close()
							return fmt.Errorf("sqlite: scan dependent: %w", err)
						}
						children = append(children, child)
					}
					rows.Close()
					for _, child := range children {
						if !targets[child] {
							targets[child] = true
							next = append(next, child)
						}
					}
				}
				frontier = next
			}
		} else if !force {
			for _, id := range ids {
				var count int
				err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dependencies WHERE target_id = ?`, id).Scan(&count)
				if err != nil {
					return fmt.Errorf("sqlite: check dependents of %s: %w", id, err)
				}
				if count > 0 {
					return beaderr.New(beaderr.HasDependents, fmt.Sprintf("%s has dependents; pass cascade or force", id))
				}
			}
		}

		now := time.Now()
		dirty := make([]string, 0, len(targets))
		for id := range targets {
			old, err := s.getTx(ctx, conn, id)
			if err != nil {
				return err
			}
			if old == nil || old.Status == types.StatusTombstone {
				continue
			}

			originalType := old.IssueType
			_, err = conn.ExecContext(ctx, `
				UPDATE issues SET
					status = ?, original_type = ?, deleted_at = ?, deleted_by = ?, delete_reason = ?, updated_at = ?
				WHERE id = ?
			`, string(types.StatusTombstone), string(originalType), now, actor, reason, now, id)
			if err != nil {
				return fmt.Errorf("sqlite: tombstone %s: %w", id, err)
			}

			_, err = conn.ExecContext(ctx, `DELETE FROM dependencies WHERE issue_id = ? OR target_id = ?`, id, id)
			if err != nil {
				return fmt.Errorf("sqlite: remove dependency edges for %s: %w", id, err)
			}

			if err := recordEvent(ctx, conn, id, types.EventDeleted, actor, "", reason); err != nil {
				return err
			}
			dirty = append(dirty, id)
		}

		if err := rewriteSiblingReferences(ctx, conn, targets); err != nil {
			return err
		}
		if err := markDirty(ctx, conn, dirty); err != nil {
			return err
		}
		return rebuildBlockedCacheTx(ctx, conn)
	})
}

// rewriteSiblingReferences rewrites "id" to "[deleted:id]" in every other
// issue's long-text fields, token-boundary safe, per §4.3 delete().
func rewriteSiblingReferences(ctx context.Context, conn *sql.Conn, deleted map[string]bool) error {
	rows, err := conn.QueryContext(ctx, `SELECT id, description, design, acceptance_criteria, notes FROM issues`)
	if err != nil {
		return fmt.Errorf("sqlite: scan issues for reference rewrite: %w", err)
	}
	type row struct{ id, desc, design, ac, notes string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.desc, &r.design, &r.ac, &r.notes); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: scan row for reference rewrite: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()

	for _, r := range all {
		if deleted[r.id] {
			continue
		}
		changed := false
		for id := range deleted {
			var ok bool
			if r.desc, ok = rewriteReferences(r.desc, id); ok {
				changed = true
			}
			if r.design, ok = rewriteReferences(r.design, id); ok {
				changed = true
			}
			if r.ac, ok = rewriteReferences(r.ac, id); ok {
				changed = true
			}
			if r.notes, ok = rewriteReferences(r.notes, id); ok {
				changed = true
			}
		}
		if !changed {
			continue
		}
		_, err := conn.ExecContext(ctx, `
			UPDATE issues SET description = ?, design = ?, acceptance_criteria = ?, notes = ? WHERE id = ?
		`, r.desc, r.design, r.ac, r.notes, r.id)
		if err != nil {
			return fmt.Errorf("sqlite: rewrite references in %s: %w", r.id, err)
		}
	}
	return nil
}

// HardDelete implements storage.Storage.HardDelete: physical removal with no
// tombstone (§4.3 hard_delete). It does not check whether the issue was ever
// exported, and the importer's phase-1b rename calls it on the replaced issue
// without checking export_hash.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("sqlite: hard delete %s: %w", id, err)
		}
		return nil
	})
}

// Restore un-tombstones an issue, the only operation allowed to resurrect
// one (§3 invariant 6).
func (s *Store) Restore(ctx context.Context, id, actor string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		old, err := s.getTx(ctx, conn, id)
		if err != nil {
			return err
		}
		if old == nil {
			return beaderr.New(beaderr.NotFound, fmt.Sprintf("issue %s not found", id))
		}
		if old.Status != types.StatusTombstone {
			return beaderr.New(beaderr.ValidationFailed, fmt.Sprintf("issue %s is not tombstoned", id))
		}
		restoredType := old.OriginalType
		if restoredType == "" {
			restoredType = types.TypeTask
		}
		now := time.Now()
		_, err = conn.ExecContext(ctx, `
			UPDATE issues SET
				status = ?, issue_type = ?, deleted_at = NULL, deleted_by = NULL, delete_reason = NULL, updated_at = ?
			WHERE id = ?
		`, string(types.StatusOpen), string(restoredType), now, id)
		if err != nil {
			return fmt.Errorf("sqlite: restore %s: %w", id, err)
		}
		if err := recordEvent(ctx, conn, id, types.EventRestored, actor, "", ""); err != nil {
			return err
		}
		return markDirty(ctx, conn, []string{id})
	})
}
