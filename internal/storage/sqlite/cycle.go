package sqlite

import (
	"context"
	"fmt"
)

// loadCycleCheckedEdges builds an adjacency list over every dependency edge
// whose type participates in cycle detection (all but relates-to).

// cycleCheckMaxDepth bounds DetectCycles's DFS, per §4.4.
const cycleCheckMaxDepth = 100

// DetectCycles implements storage.Storage.DetectCycles: a full-graph DFS
// over cycle-checked edge types, returning each distinct cycle as an
// ordered list of issue IDs closing back on its first element.
func (s *Store) DetectCycles(ctx context.Context) ([][]string, error) {
	edges, err := loadCycleCheckedEdges(ctx, s)
	if err != nil {
		return nil, err
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string
	var cycles [][]string
	seen := map[string]bool{}

	var visit func(node string, depth int) error
	visit = func(node string, depth int) error {
		if depth > cycleCheckMaxDepth {
			return nil
		}
		color[node] = gray
		stack = append(stack, node)

		for _, next := range edges[node] {
			switch color[next] {
			case white:
				if err := visit(next, depth+1); err != nil {
					return err
				}
			case gray:
				cycle := extractCycle(stack, next)
				key := cycleKey(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
		return nil
	}

	var nodes []string
	for node := range edges {
		nodes = append(nodes, node)
	}
	for _, node := range nodes {
		if color[node] == white {
			if err := visit(node, 0); err != nil {
				return nil, err
			}
		}
	}
	return cycles, nil
}

func loadCycleCheckedEdges(ctx context.Context, s *Store) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT issue_id, target_id FROM dependencies WHERE type != 'relates-to'`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load dependency edges: %w", err)
	}
	defer rows.Close()

	edges := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("sqlite: scan dependency edge: %w", err)
		}
		edges[from] = append(edges[from], to)
		if _, ok := edges[to]; !ok {
			edges[to] = nil
		}
	}
	return edges, rows.Err()
}

func extractCycle(stack []string, repeat string) []string {
	for i, node := range stack {
		if node == repeat {
			cycle := append([]string{}, stack[i:]...)
			return cycle
		}
	}
	return []string{repeat}
}

func cycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	minIdx := 0
	for i, n := range cycle {
		if n < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string{}, cycle[minIdx:]...), cycle[:minIdx]...)
	key := ""
	for _, n := range rotated {
		key += n + ">"
	}
	return key
}
