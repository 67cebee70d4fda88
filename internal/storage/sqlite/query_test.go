package sqlite

import (
	"context"
	"testing"
)

// TestResolveSubstringMatchesTokenOnly covers §4.3: Resolve's substring
// fallback matches the token portion of an ID, not the whole ID including
// its project prefix.
func TestResolveSubstringMatchesTokenOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-a1b2c3", "One", 2)

	resolved, err := s.Resolve(ctx, "1b2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != "bd-a1b2c3" {
		t.Fatalf("expected bd-a1b2c3, got %s", resolved)
	}
}

// TestResolveSubstringDoesNotMatchAcrossPrefixBoundary ensures a substring
// spanning the prefix separator (matching the whole ID but not the token)
// does not spuriously match.
func TestResolveSubstringDoesNotMatchAcrossPrefixBoundary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-a1b2c3", "One", 2)

	if _, err := s.Resolve(ctx, "d-a"); err == nil {
		t.Fatalf("expected no match for a substring that only appears across the prefix boundary")
	}
}
