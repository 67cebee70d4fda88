package sqlite

import (
	"context"
	"testing"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/types"
)

// TestAddDependencyRejectsInvertedParentChild covers §4.4's "parent-child
// orientation is checked (parent cannot depend on its child)": a fresh
// parent -[parent-child]-> child edge, with no pre-existing reverse edge to
// trip generic cycle detection, must still be rejected.
func TestAddDependencyRejectsInvertedParentChild(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-p", "Parent", 2)
	createIssue(t, s, "bd-p.1", "Child", 2)

	err := s.AddDependency(ctx, &types.Dependency{Issue: "bd-p", Target: "bd-p.1", Type: types.DepParentChild}, "tester")
	if err == nil {
		t.Fatalf("expected inverted parent-child edge to be rejected")
	}
	assertCode(t, err, beaderr.InvertedParentChild)
}

// TestAddDependencyAcceptsCorrectParentChildOrientation covers the valid
// orientation: child depends on (is blocked transitively by) its parent.
func TestAddDependencyAcceptsCorrectParentChildOrientation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-p", "Parent", 2)
	createIssue(t, s, "bd-p.1", "Child", 2)

	if err := s.AddDependency(ctx, &types.Dependency{Issue: "bd-p.1", Target: "bd-p", Type: types.DepParentChild}, "tester"); err != nil {
		t.Fatalf("expected correctly oriented parent-child edge to be accepted: %v", err)
	}
}
