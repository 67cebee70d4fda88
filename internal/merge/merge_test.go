package merge

import (
	"testing"
	"time"

	"github.com/beadscore/beads/internal/types"
)

func issue(id, title string, updatedAt time.Time) *types.Issue {
	iss := &types.Issue{
		ID:        id,
		Title:     title,
		Status:    types.StatusOpen,
		IssueType: types.TypeTask,
		Priority:  2,
		UpdatedAt: updatedAt,
	}
	iss.ContentHash = iss.ComputeContentHash()
	return iss
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMergeUnchangedPassesThrough(t *testing.T) {
	base := []*types.Issue{issue("bd-1", "T", t0)}
	local := []*types.Issue{issue("bd-1", "T", t0)}
	remote := []*types.Issue{issue("bd-1", "T", t0)}

	result := Merge(base, local, remote)
	if len(result.Issues) != 1 || result.Issues[0].Title != "T" {
		t.Fatalf("expected unchanged issue to pass through, got %+v", result.Issues)
	}
}

func TestMergeOnlyLocalChangedWins(t *testing.T) {
	base := []*types.Issue{issue("bd-1", "T", t0)}
	local := []*types.Issue{issue("bd-1", "T2", t0.Add(time.Hour))}
	remote := []*types.Issue{issue("bd-1", "T", t0)}

	result := Merge(base, local, remote)
	if len(result.Issues) != 1 || result.Issues[0].Title != "T2" {
		t.Fatalf("expected local edit to win, got %+v", result.Issues)
	}
}

func TestMergeOnlyRemoteChangedWins(t *testing.T) {
	base := []*types.Issue{issue("bd-1", "T", t0)}
	local := []*types.Issue{issue("bd-1", "T", t0)}
	remote := []*types.Issue{issue("bd-1", "T3", t0.Add(time.Hour))}

	result := Merge(base, local, remote)
	if len(result.Issues) != 1 || result.Issues[0].Title != "T3" {
		t.Fatalf("expected remote edit to win, got %+v", result.Issues)
	}
}

func TestMergeBothChangedDisjointFieldsResolvesEach(t *testing.T) {
	base := issue("bd-1", "T", t0)
	base.Description = "D"

	local := issue("bd-1", "T2", t0.Add(time.Hour))
	local.Description = "D"
	local.ContentHash = local.ComputeContentHash()

	remote := issue("bd-1", "T", t0.Add(2*time.Hour))
	remote.Description = "D2"
	remote.ContentHash = remote.ComputeContentHash()

	result := Merge([]*types.Issue{base}, []*types.Issue{local}, []*types.Issue{remote})
	if len(result.Issues) != 1 {
		t.Fatalf("expected one merged issue, got %d", len(result.Issues))
	}
	merged := result.Issues[0]
	if merged.Title != "T2" {
		t.Fatalf("expected local's title change to survive, got %q", merged.Title)
	}
	if merged.Description != "D2" {
		t.Fatalf("expected remote's description change to survive, got %q", merged.Description)
	}
}

func TestMergeNotesConcatenateOnTrueDivergence(t *testing.T) {
	base := issue("bd-1", "T", t0)
	base.Notes = "base note"

	local := issue("bd-1", "T2", t0.Add(time.Hour))
	local.Notes = "local note"
	local.ContentHash = local.ComputeContentHash()

	remote := issue("bd-1", "T", t0.Add(2*time.Hour))
	remote.Notes = "remote note"
	remote.ContentHash = remote.ComputeContentHash()

	result := Merge([]*types.Issue{base}, []*types.Issue{local}, []*types.Issue{remote})
	got := result.Issues[0].Notes
	want := "local note\n---\nremote note"
	if got != want {
		t.Fatalf("expected concatenated notes %q, got %q", want, got)
	}
}

func TestMergeClosedStatusDominates(t *testing.T) {
	base := issue("bd-1", "T", t0)

	local := issue("bd-1", "T2", t0.Add(time.Hour))
	local.ContentHash = local.ComputeContentHash()

	remote := issue("bd-1", "T", t0.Add(2*time.Hour))
	closedAt := t0.Add(2 * time.Hour)
	remote.Status = types.StatusClosed
	remote.ClosedAt = &closedAt
	remote.ContentHash = remote.ComputeContentHash()

	result := Merge([]*types.Issue{base}, []*types.Issue{local}, []*types.Issue{remote})
	if result.Issues[0].Status != types.StatusClosed {
		t.Fatalf("expected closed status to dominate, got %s", result.Issues[0].Status)
	}
}

func TestMergePriorityLowerWinsWithZeroAsUnset(t *testing.T) {
	tests := []struct {
		name         string
		base, l, r   int
		wantPriority int
	}{
		{"lower wins outright", 2, 1, 3, 1},
		{"zero treated as unset against a set value", 2, 0, 3, 3},
		{"both zero keeps zero", 2, 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mergePriority(tc.base, tc.l, tc.r)
			if got != tc.wantPriority {
				t.Fatalf("mergePriority(%d,%d,%d) = %d, want %d", tc.base, tc.l, tc.r, got, tc.wantPriority)
			}
		})
	}
}

func TestMergeLabelsUnion(t *testing.T) {
	got := unionLabels([]string{"b", "a"}, []string{"a", "c"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("unionLabels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unionLabels = %v, want %v", got, want)
		}
	}
}

func TestMergeDependenciesRemovalWinsOverAddition(t *testing.T) {
	base := []*types.Dependency{
		{Issue: "bd-1", Target: "bd-2", Type: types.DepBlocks},
	}
	// Remote removed the bd-1->bd-2 edge; local still has it untouched.
	local := []*types.Dependency{
		{Issue: "bd-1", Target: "bd-2", Type: types.DepBlocks},
	}
	remote := []*types.Dependency{}

	got := mergeDependencies(base, local, remote)
	if len(got) != 0 {
		t.Fatalf("expected removal to win, got %v", got)
	}
}

func TestMergeDependenciesPreservesUnrelatedAdditions(t *testing.T) {
	base := []*types.Dependency{}
	local := []*types.Dependency{{Issue: "bd-1", Target: "bd-2", Type: types.DepBlocks}}
	remote := []*types.Dependency{{Issue: "bd-1", Target: "bd-3", Type: types.DepRelated}}

	got := mergeDependencies(base, local, remote)
	if len(got) != 2 {
		t.Fatalf("expected both additions to survive, got %v", got)
	}
}

func TestMergeCommentsUnionDedupesByID(t *testing.T) {
	shared := &types.Comment{ID: 1, Author: "a", Text: "hi", CreatedAt: t0}
	local := []*types.Comment{shared, {ID: 0, Author: "b", Text: "local only", CreatedAt: t0.Add(time.Minute)}}
	remote := []*types.Comment{shared, {ID: 0, Author: "c", Text: "remote only", CreatedAt: t0.Add(2 * time.Minute)}}

	got := unionComments(local, remote)
	if len(got) != 3 {
		t.Fatalf("expected 3 deduped comments, got %d: %+v", len(got), got)
	}
}

func TestMergeExpiresOldTombstones(t *testing.T) {
	longAgo := time.Now().Add(-(TombstoneTTL + TombstoneGrace + time.Hour))
	recent := time.Now().Add(-time.Hour)

	expired := issue("bd-1", "gone", t0)
	expired.Status = types.StatusTombstone
	expired.DeletedAt = &longAgo

	fresh := issue("bd-2", "gone too", t0)
	fresh.Status = types.StatusTombstone
	fresh.DeletedAt = &recent

	out := expireTombstones([]*types.Issue{expired, fresh})
	if len(out) != 1 || out[0].ID != "bd-2" {
		t.Fatalf("expected only the fresh tombstone to survive, got %v", idsOf(out))
	}
}

func TestMergeDeletionWinsWhenNoLocalChange(t *testing.T) {
	base := []*types.Issue{issue("bd-1", "T", t0)}
	local := []*types.Issue{issue("bd-1", "T", t0)} // untouched locally
	remote := []*types.Issue{}                      // deleted remotely

	result := Merge(base, local, remote)
	if len(result.Issues) != 0 {
		t.Fatalf("expected remote deletion to win over no local change, got %v", idsOf(result.Issues))
	}
}

func TestMergeLocalEditWinsOverRemoteDeletion(t *testing.T) {
	base := []*types.Issue{issue("bd-1", "T", t0)}
	local := []*types.Issue{issue("bd-1", "T edited", t0.Add(time.Hour))}
	remote := []*types.Issue{}

	result := Merge(base, local, remote)
	if len(result.Issues) != 1 || result.Issues[0].Title != "T edited" {
		t.Fatalf("expected local edit to survive remote deletion, got %v", result.Issues)
	}
}

func TestMergeMassDeletionWarning(t *testing.T) {
	var base, local []*types.Issue
	for i := 0; i < 10; i++ {
		id := "bd-" + string(rune('a'+i))
		base = append(base, issue(id, "T", t0))
		local = append(local, issue(id, "T", t0))
	}
	// Remote keeps only one; 9 of 10 vanish.
	remote := []*types.Issue{local[0]}

	result := Merge(base, local, remote)
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a mass-deletion warning, got none")
	}
}

func idsOf(issues []*types.Issue) []string {
	out := make([]string, len(issues))
	for i, iss := range issues {
		out[i] = iss.ID
	}
	return out
}
