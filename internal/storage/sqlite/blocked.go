package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beadscore/beads/internal/types"
)

// blockedCacheMaxDepth bounds the transitive walk used to populate the
// materialized blocked cache (§4.4).
const blockedCacheMaxDepth = 50

// failureKeywords are substrings (case-insensitive) that mark a
// conditional-blocks target's close_reason as a failure rather than a
// success, per §4.4's blocked-condition table.
var failureKeywords = []string{
	"failed", "rejected", "wontfix", "won't fix", "cancelled", "canceled",
	"abandoned", "blocked", "error", "timeout", "aborted",
}

func hasFailureKeyword(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kw := range failureKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// waitsForGate is the metadata shape read off a waits-for dependency row to
// pick between the all-children (default) and any-children gate.
type waitsForGate struct {
	Gate string `json:"gate"`
}

const gateAnyChildren = "any-children"

// RebuildBlockedCache implements storage.Storage.RebuildBlockedCache.
func (s *Store) RebuildBlockedCache(ctx context.Context) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return rebuildBlockedCacheTx(ctx, conn)
	})
}

// rebuildBlockedCacheTx recomputes blocked_cache and blocked_cache_blockers
// from scratch within an open transaction. It is triggered whenever a
// workflow-type dependency edge changes or an issue's status/close/reopen
// transitions, never updated incrementally (§4.4).
func rebuildBlockedCacheTx(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `DELETE FROM blocked_cache`); err != nil {
		return fmt.Errorf("sqlite: clear blocked cache: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM blocked_cache_blockers`); err != nil {
		return fmt.Errorf("sqlite: clear blocked cache blockers: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT id FROM issues WHERE status NOT IN ('closed', 'tombstone')`)
	if err != nil {
		return fmt.Errorf("sqlite: list candidate issues: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: scan candidate issue: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	resolver := &blockerResolver{conn: conn, memo: map[string][]string{}, computing: map[string]bool{}}

	for _, id := range ids {
		blockers, err := resolver.blockersOf(ctx, id, 0)
		if err != nil {
			return err
		}
		if len(blockers) == 0 {
			continue
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO blocked_cache (issue_id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("sqlite: insert blocked cache row for %s: %w", id, err)
		}
		for _, b := range blockers {
			_, err := conn.ExecContext(ctx, `INSERT OR IGNORE INTO blocked_cache_blockers (issue_id, blocker_id) VALUES (?, ?)`, id, b)
			if err != nil {
				return fmt.Errorf("sqlite: insert blocker for %s: %w", id, err)
			}
		}
	}
	return nil
}

// blockerResolver walks the dependency graph computing, per issue, the set
// of direct and transitive blockers implied by workflow-type edges. Results
// are memoized within a single rebuild pass since parent-child propagation
// needs a blocked issue's own blockers, and many children share ancestors.
type blockerResolver struct {
	conn      *sql.Conn
	memo      map[string][]string
	computing map[string]bool
}

// blockersOf returns the blockers for id per the §4.4 blocked-condition
// table. External targets are never added here; they are excluded from the
// persisted cache and resolved lazily at query time instead.
func (r *blockerResolver) blockersOf(ctx context.Context, id string, depth int) ([]string, error) {
	if b, ok := r.memo[id]; ok {
		return b, nil
	}
	if depth > blockedCacheMaxDepth || r.computing[id] {
		return nil, nil
	}
	r.computing[id] = true
	defer delete(r.computing, id)

	rows, err := r.conn.QueryContext(ctx, `SELECT target_id, type, metadata FROM dependencies WHERE issue_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: walk blocking edges for %s: %w", id, err)
	}
	type edge struct {
		target, depType, metadata string
	}
	var edges []edge
	for rows.Next() {
		var e edge
		var metadata sql.NullString
		if err := rows.Scan(&e.target, &e.depType, &metadata); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan blocking edge for %s: %w", id, err)
		}
		e.metadata = metadata.String
		edges = append(edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var blockers []string
	add := func(target string) {
		if !seen[target] {
			seen[target] = true
			blockers = append(blockers, target)
		}
	}

	for _, e := range edges {
		if types.IsExternalTarget(e.target) {
			continue
		}
		switch types.DependencyType(e.depType) {
		case types.DepBlocks:
			status, _, ok, err := r.issueStatus(ctx, e.target)
			if err != nil {
				return nil, err
			}
			if ok && status != types.StatusClosed && status != types.StatusTombstone {
				add(e.target)
			}

		case types.DepConditionalBlocks:
			status, closeReason, ok, err := r.issueStatus(ctx, e.target)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if status != types.StatusClosed {
				add(e.target)
			} else if hasFailureKeyword(closeReason) {
				add(e.target)
			}

		case types.DepWaitsFor:
			blocked, err := r.waitsForBlocks(ctx, e.target, e.metadata)
			if err != nil {
				return nil, err
			}
			if blocked {
				add(e.target)
			}

		case types.DepParentChild:
			parentBlockers, err := r.blockersOf(ctx, e.target, depth+1)
			if err != nil {
				return nil, err
			}
			if len(parentBlockers) > 0 {
				add(e.target)
			}
		}
	}

	r.memo[id] = blockers
	return blockers, nil
}

// waitsForBlocks implements the waits-for gate check against the children
// of the referenced spawner: all-children (default) blocks while any child
// is non-closed; any-children blocks until at least one child is closed.
func (r *blockerResolver) waitsForBlocks(ctx context.Context, spawner, metadata string) (bool, error) {
	gate := waitsForGate{}
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &gate)
	}

	rows, err := r.conn.QueryContext(ctx, `
		SELECT issue_id FROM dependencies WHERE target_id = ? AND type = 'parent-child'
	`, spawner)
	if err != nil {
		return false, fmt.Errorf("sqlite: list children of %s: %w", spawner, err)
	}
	var children []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return false, fmt.Errorf("sqlite: scan child of %s: %w", spawner, err)
		}
		children = append(children, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if len(children) == 0 {
		return false, nil
	}

	if gate.Gate == gateAnyChildren {
		for _, c := range children {
			status, _, ok, err := r.issueStatus(ctx, c)
			if err != nil {
				return false, err
			}
			if ok && status == types.StatusClosed {
				return false, nil
			}
		}
		return true, nil
	}

	for _, c := range children {
		status, _, ok, err := r.issueStatus(ctx, c)
		if err != nil {
			return false, err
		}
		if ok && status != types.StatusClosed {
			return true, nil
		}
	}
	return false, nil
}

func (r *blockerResolver) issueStatus(ctx context.Context, id string) (types.Status, string, bool, error) {
	var status string
	var closeReason sql.NullString
	err := r.conn.QueryRowContext(ctx, `SELECT status, close_reason FROM issues WHERE id = ?`, id).Scan(&status, &closeReason)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("sqlite: check status of %s: %w", id, err)
	}
	return types.Status(status), closeReason.String, true, nil
}

// isBlockedTx reports blocked status and the direct blocker list using the
// materialized cache within an open transaction.
func isBlockedTx(ctx context.Context, conn *sql.Conn, id string) (bool, []string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT blocker_id FROM blocked_cache_blockers WHERE issue_id = ?`, id)
	if err != nil {
		return false, nil, fmt.Errorf("sqlite: read blocked cache for %s: %w", id, err)
	}
	defer rows.Close()
	var blockers []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return false, nil, fmt.Errorf("sqlite: scan blocker: %w", err)
		}
		blockers = append(blockers, b)
	}
	return len(blockers) > 0, blockers, rows.Err()
}

// ExternalResolver checks whether a sibling workspace satisfies an external
// reference target (`external:<project>:<capability>`), per §4.4. Store
// consults it, when set, to layer lazy external blocking on top of the
// persisted cache; external targets are never written into the cache
// itself. internal/workspace/external.go supplies the concrete
// implementation that opens the sibling database.
type ExternalResolver interface {
	Provides(ctx context.Context, target string) (bool, error)
}

// SetExternalResolver wires in the lazy external-reference resolver used by
// IsBlocked and Blocked. A nil resolver (the default) treats every external
// target as unresolved, i.e. still blocking, per "misses are treated as not
// satisfied" (§4.4).
func (s *Store) SetExternalResolver(r ExternalResolver) {
	s.externalResolver = r
}

func (s *Store) externalBlockers(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id FROM dependencies
		WHERE issue_id = ? AND type IN ('blocks', 'parent-child', 'conditional-blocks', 'waits-for')
	`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list external edges for %s: %w", id, err)
	}
	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan external edge for %s: %w", id, err)
		}
		if types.IsExternalTarget(t) {
			targets = append(targets, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	var blockers []string
	for _, t := range targets {
		satisfied := false
		if s.externalResolver != nil {
			var err error
			satisfied, err = s.externalResolver.Provides(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("sqlite: resolve external target %s: %w", t, err)
			}
		}
		if !satisfied {
			blockers = append(blockers, t)
		}
	}
	return blockers, nil
}

// IsBlocked implements storage.Storage.IsBlocked. It layers the lazy
// external-reference check on top of the materialized cache.
func (s *Store) IsBlocked(ctx context.Context, id string) (bool, []string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("sqlite: acquire connection: %w", err)
	}
	blocked, blockers, err := isBlockedTx(ctx, conn, id)
	conn.Close()
	if err != nil {
		return false, nil, err
	}

	extBlockers, err := s.externalBlockers(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if len(extBlockers) > 0 {
		blockers = append(blockers, extBlockers...)
		blocked = true
	}
	return blocked, blockers, nil
}

// Blocked implements storage.Storage.Blocked.
func (s *Store) Blocked(ctx context.Context) ([]*types.BlockedIssue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixColumns("i.")+` FROM issues i JOIN blocked_cache bc ON bc.issue_id = i.id ORDER BY i.priority, i.created_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query blocked issues: %w", err)
	}
	var result []*types.BlockedIssue
	for rows.Next() {
		issue, err := scanIssueRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan blocked issue: %w", err)
		}
		result = append(result, &types.BlockedIssue{Issue: *issue})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Issues blocked purely by an unresolved external reference are not in
	// blocked_cache (externals are excluded from it); pick those up too.
	candidates, err := s.List(ctx, types.IssueFilter{
		Statuses: []types.Status{types.StatusOpen, types.StatusInProgress, types.StatusBlocked, types.StatusDeferred},
	})
	if err != nil {
		return nil, err
	}
	inResult := map[string]bool{}
	for _, bi := range result {
		inResult[bi.ID] = true
	}
	for _, issue := range candidates {
		if inResult[issue.ID] {
			continue
		}
		extBlockers, err := s.externalBlockers(ctx, issue.ID)
		if err != nil {
			return nil, err
		}
		if len(extBlockers) > 0 {
			result = append(result, &types.BlockedIssue{Issue: *issue})
			inResult[issue.ID] = true
		}
	}

	for _, bi := range result {
		_, blockers, err := s.IsBlocked(ctx, bi.ID)
		if err != nil {
			return nil, err
		}
		bi.BlockedBy = blockers
		bi.BlockedByCount = len(blockers)
	}
	return result, nil
}
