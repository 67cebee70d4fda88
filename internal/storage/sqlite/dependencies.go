package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/idgen"
	"github.com/beadscore/beads/internal/types"
)

// AddDependency implements storage.Storage.AddDependency (§4.4).
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency, actor string) error {
	if !dep.Type.IsValid() {
		return beaderr.New(beaderr.ValidationFailed, fmt.Sprintf("invalid dependency type %q", dep.Type))
	}
	if dep.Issue == dep.Target {
		return beaderr.New(beaderr.SelfDependency, "an issue cannot depend on itself")
	}
	if dep.Type == types.DepParentChild && isHierarchicalAncestor(dep.Issue, dep.Target) {
		return beaderr.New(beaderr.InvertedParentChild,
			fmt.Sprintf("%s is the hierarchical parent of %s; a parent-child edge must point from child to parent", dep.Issue, dep.Target))
	}

	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := requireIssueExists(ctx, conn, dep.Issue); err != nil {
			return err
		}
		if !types.IsExternalTarget(dep.Target) {
			var count int
			if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, dep.Target).Scan(&count); err != nil {
				return fmt.Errorf("sqlite: check target existence: %w", err)
			}
			if count == 0 {
				return beaderr.New(beaderr.DependencyNotFound, fmt.Sprintf("target %s not found", dep.Target))
			}
		}

		var exists int
		err := conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM dependencies WHERE issue_id = ? AND target_id = ? AND type = ?
		`, dep.Issue, dep.Target, string(dep.Type)).Scan(&exists)
		if err != nil {
			return fmt.Errorf("sqlite: check duplicate dependency: %w", err)
		}
		if exists > 0 {
			return beaderr.New(beaderr.DuplicateDependency, "dependency already exists")
		}

		if dep.Type.ParticipatesInCycleCheck() && !types.IsExternalTarget(dep.Target) {
			introducesCycle, err := wouldCreateCycle(ctx, conn, dep.Issue, dep.Target)
			if err != nil {
				return err
			}
			if introducesCycle {
				return beaderr.New(beaderr.CycleDetected, fmt.Sprintf("adding %s -> %s would create a cycle", dep.Issue, dep.Target))
			}
		}

		if dep.CreatedAt.IsZero() {
			dep.CreatedAt = timeNow()
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO dependencies (issue_id, target_id, type, created_at, created_by, metadata, thread_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, dep.Issue, dep.Target, string(dep.Type), dep.CreatedAt, actor, dep.Metadata, nullString(dep.ThreadID))
		if err != nil {
			return fmt.Errorf("sqlite: add dependency: %w", err)
		}

		if err := recordEvent(ctx, conn, dep.Issue, types.EventDependencyAdded, actor, "", dep.Target); err != nil {
			return err
		}
		if err := markDirty(ctx, conn, []string{dep.Issue}); err != nil {
			return err
		}
		if dep.Type.IsWorkflowType() {
			return rebuildBlockedCacheTx(ctx, conn)
		}
		return nil
	})
}

// RemoveDependency implements storage.Storage.RemoveDependency.
func (s *Store) RemoveDependency(ctx context.Context, issueID, targetID string, actor string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var depType string
		err := conn.QueryRowContext(ctx, `
			SELECT type FROM dependencies WHERE issue_id = ? AND target_id = ? LIMIT 1
		`, issueID, targetID).Scan(&depType)
		if err == sql.ErrNoRows {
			return beaderr.New(beaderr.DependencyNotFound, "dependency not found")
		}
		if err != nil {
			return fmt.Errorf("sqlite: find dependency: %w", err)
		}

		_, err = conn.ExecContext(ctx, `DELETE FROM dependencies WHERE issue_id = ? AND target_id = ?`, issueID, targetID)
		if err != nil {
			return fmt.Errorf("sqlite: remove dependency: %w", err)
		}
		if err := recordEvent(ctx, conn, issueID, types.EventDependencyRemoved, actor, targetID, ""); err != nil {
			return err
		}
		if err := markDirty(ctx, conn, []string{issueID}); err != nil {
			return err
		}
		if types.DependencyType(depType).IsWorkflowType() {
			return rebuildBlockedCacheTx(ctx, conn)
		}
		return nil
	})
}

// GetDependencies implements storage.Storage.GetDependencies: edges
// outbound from issueID (what it depends on).
func (s *Store) GetDependencies(ctx context.Context, issueID string) ([]*types.Dependency, error) {
	return queryDependencies(ctx, s.db, `WHERE issue_id = ?`, issueID)
}

// GetDependents implements storage.Storage.GetDependents: edges inbound to
// issueID (what depends on it).
func (s *Store) GetDependents(ctx context.Context, issueID string) ([]*types.Dependency, error) {
	return queryDependencies(ctx, s.db, `WHERE target_id = ?`, issueID)
}

func queryDependencies(ctx context.Context, db *sql.DB, where string, arg string) ([]*types.Dependency, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT issue_id, target_id, type, created_at, created_by, metadata, thread_id
		FROM dependencies `+where+` ORDER BY created_at
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []*types.Dependency
	for rows.Next() {
		var d types.Dependency
		var threadID sql.NullString
		if err := rows.Scan(&d.Issue, &d.Target, &d.Type, &d.CreatedAt, &d.CreatedBy, &d.Metadata, &threadID); err != nil {
			return nil, fmt.Errorf("sqlite: scan dependency: %w", err)
		}
		d.ThreadID = threadID.String
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// isHierarchicalAncestor reports whether ancestor is an ID-naming ancestor
// of id (walking id's "parent.N" chain upward). Used to catch a
// parent-child dependency created backward, before any reverse edge exists
// to trip generic cycle detection (§4.4).
func isHierarchicalAncestor(ancestor, id string) bool {
	cur := id
	for {
		parent, _, ok := idgen.SplitHierarchical(cur)
		if !ok {
			return false
		}
		if parent == ancestor {
			return true
		}
		cur = parent
	}
}

// wouldCreateCycle reports whether adding an edge from -> to would create a
// cycle, by checking whether to can already reach from via cycle-checked
// edge types (§4.4).
func wouldCreateCycle(ctx context.Context, conn *sql.Conn, from, to string) (bool, error) {
	visited := map[string]bool{}
	frontier := []string{to}
	depth := 0
	for len(frontier) > 0 && depth < 100 {
		var next []string
		for _, node := range frontier {
			if node == from {
				return true, nil
			}
			if visited[node] {
				continue
			}
			visited[node] = true

			rows, err := conn.QueryContext(ctx, `
				SELECT target_id FROM dependencies
				WHERE issue_id = ? AND type != 'relates-to'
			`, node)
			if err != nil {
				return false, fmt.Errorf("sqlite: walk dependency graph: %w", err)
			}
			var targets []string
			for rows.Next() {
				var t string
				if err := rows.Scan(&t); err != nil {
					rows.Close()
					return false, fmt.Errorf("sqlite: scan dependency edge: %w", err)
				}
				targets = append(targets, t)
			}
			rows.Close()
			next = append(next, targets...)
		}
		frontier = next
		depth++
	}
	return false, nil
}
