package sqlite

import (
	"context"
	"fmt"
	"sort"

	"github.com/beadscore/beads/internal/storage"
	"github.com/beadscore/beads/internal/types"
)

// DependencyTree implements storage.Storage.DependencyTree: a flattened,
// depth-annotated walk of the dependency graph from root in the requested
// direction (§4.4). External references become synthetic leaf nodes in the
// down direction.
func (s *Store) DependencyTree(ctx context.Context, root string, opts storage.DependencyTreeOptions) ([]*types.TreeNode, error) {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 50
	}

	type frame struct {
		id       string
		parentID string
		depth    int
	}

	var nodes []*types.TreeNode
	visited := map[string]bool{}
	frontier := []frame{{id: root, depth: 0}}

	for len(frontier) > 0 {
		var next []frame
		for _, f := range frontier {
			if f.depth > 0 {
				if types.IsExternalTarget(f.id) {
					nodes = append(nodes, &types.TreeNode{
						Issue:    types.Issue{ID: f.id, Title: f.id, Status: s.externalLeafStatus(ctx, f.id)},
						Depth:    f.depth,
						ParentID: f.parentID,
					})
					continue
				}
				if opts.Dedup && visited[f.id] {
					continue
				}

				issue, err := s.Get(ctx, f.id)
				if err != nil {
					continue
				}
				truncated := f.depth >= maxDepth
				nodes = append(nodes, &types.TreeNode{
					Issue:     *issue,
					Depth:     f.depth,
					ParentID:  f.parentID,
					Truncated: truncated,
				})
				visited[f.id] = true
				if truncated {
					continue
				}
			} else {
				visited[f.id] = true
			}

			children, err := childEdges(ctx, s, f.id, opts.Direction)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				next = append(next, frame{id: c, parentID: f.id, depth: f.depth + 1})
			}
		}
		frontier = next
	}

	sortTreeNodes(nodes)
	return nodes, nil
}

// sortTreeNodes orders the flattened tree so that, within each depth,
// siblings sort by priority ascending then ID ascending (§4.4 "Ordering
// within each depth"). Depth order itself is preserved as already produced
// by the level-by-level BFS above.
func sortTreeNodes(nodes []*types.TreeNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// externalLeafStatus reports the synthetic status for an external-reference
// leaf node: closed when the resolver confirms the target is provided,
// open otherwise (including when no resolver is wired, per §4.4 "misses are
// treated as not satisfied").
func (s *Store) externalLeafStatus(ctx context.Context, target string) types.Status {
	if s.externalResolver == nil {
		return types.StatusOpen
	}
	provided, err := s.externalResolver.Provides(ctx, target)
	if err != nil || !provided {
		return types.StatusOpen
	}
	return types.StatusClosed
}

func childEdges(ctx context.Context, s *Store, id string, direction types.TreeDirection) ([]string, error) {
	var query string
	if direction == types.TreeUp {
		query = `SELECT issue_id FROM dependencies WHERE target_id = ? AND type != 'relates-to'`
	} else {
		query = `SELECT target_id FROM dependencies WHERE issue_id = ? AND type != 'relates-to'`
	}
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: walk dependency tree from %s: %w", id, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("sqlite: scan dependency tree edge: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
