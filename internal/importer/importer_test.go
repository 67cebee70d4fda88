package importer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/enginelog"
	"github.com/beadscore/beads/internal/storage"
	"github.com/beadscore/beads/internal/storage/sqlite"
	"github.com/beadscore/beads/internal/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:", "bd", enginelog.NoOp())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Shutdown() })
	return store
}

func writeJSONL(t *testing.T, issues ...*types.Issue) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	for _, issue := range issues {
		data, err := json.Marshal(issue)
		if err != nil {
			t.Fatalf("marshal issue: %v", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			t.Fatalf("write line: %v", err)
		}
	}
	return path
}

func stubIssue(id, title string) *types.Issue {
	return &types.Issue{ID: id, Title: title, Status: types.StatusOpen, IssueType: types.TypeTask, CreatedAt: time.Now(), UpdatedAt: time.Now()}
}

func TestImportCreatesNewIssues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-1", "One"), stubIssue("bd-2", "Two"))

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Created) != 2 {
		t.Fatalf("expected 2 created, got %v", result.Created)
	}
}

func TestImportIdempotentOnExactReplay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-1", "One"))

	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("first import: %v", err)
	}

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if result.Unchanged != 1 || len(result.Created) != 0 {
		t.Fatalf("expected idempotent replay to be a no-op, got %+v", result)
	}
}

func TestImportUpdatesOnContentChangeSameID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-1", "One"))
	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("first import: %v", err)
	}

	updated := stubIssue("bd-1", "One updated")
	updated.UpdatedAt = time.Now().Add(time.Hour)
	path2 := writeJSONL(t, updated)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path2, Actor: "tester"})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if len(result.Updated) != 1 || result.Updated[0] != "bd-1" {
		t.Fatalf("expected bd-1 to be updated, got %+v", result)
	}

	got, err := s.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get bd-1: %v", err)
	}
	if got.Title != "One updated" {
		t.Fatalf("expected title to be updated, got %q", got.Title)
	}
}

func TestImportSkipsStaleUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-1", "One"))
	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("first import: %v", err)
	}

	if err := s.Update(ctx, "bd-1", map[string]any{"title": "locally edited"}, "tester", false); err != nil {
		t.Fatalf("local update: %v", err)
	}

	stale := stubIssue("bd-1", "stale remote title")
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	path2 := writeJSONL(t, stale)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path2, Actor: "tester"})
	if err != nil {
		t.Fatalf("import stale: %v", err)
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("expected the stale update to be skipped, got %+v", result)
	}

	got, err := s.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get bd-1: %v", err)
	}
	if got.Title != "locally edited" {
		t.Fatalf("expected local edit to survive, got %q", got.Title)
	}
}

func TestImportTombstoneNeverResurrected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-abc", "One"))
	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if err := s.Delete(ctx, []string{"bd-abc"}, "tester", "no longer needed", false, false); err != nil {
		t.Fatalf("delete bd-abc: %v", err)
	}

	incoming := stubIssue("bd-abc", "resurrected from remote")
	incoming.UpdatedAt = time.Now().Add(time.Hour)
	path2 := writeJSONL(t, incoming)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path2, Actor: "tester"})
	if err != nil {
		t.Fatalf("import over tombstone: %v", err)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].ID != "bd-abc" {
		t.Fatalf("expected the incoming change to be skipped, got %+v", result)
	}
	if len(result.Updated) != 0 || len(result.Created) != 0 {
		t.Fatalf("expected no update or create for a tombstoned issue, got %+v", result)
	}

	got, err := s.Get(ctx, "bd-abc")
	if err != nil {
		t.Fatalf("get bd-abc: %v", err)
	}
	if got.Status != types.StatusTombstone {
		t.Fatalf("expected bd-abc to remain tombstoned, got status %q", got.Status)
	}
}

func TestImportRenamesOnContentMatchDifferentIDSamePrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-1", "One"))
	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("first import: %v", err)
	}

	existing, err := s.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get bd-1: %v", err)
	}
	renamed := &types.Issue{
		ID: "bd-2", Title: existing.Title, Status: existing.Status, IssueType: existing.IssueType,
		CreatedAt: existing.CreatedAt, UpdatedAt: existing.UpdatedAt,
	}
	path2 := writeJSONL(t, renamed)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path2, Actor: "tester"})
	if err != nil {
		t.Fatalf("import rename: %v", err)
	}
	if len(result.Renamed) != 1 || result.Renamed[0].OldID != "bd-1" || result.Renamed[0].NewID != "bd-2" {
		t.Fatalf("expected a rename from bd-1 to bd-2, got %+v", result)
	}

	if _, err := s.Get(ctx, "bd-1"); err == nil {
		t.Fatalf("expected bd-1 to be hard-deleted after rename")
	}
	if _, err := s.Get(ctx, "bd-2"); err != nil {
		t.Fatalf("expected bd-2 to exist after rename: %v", err)
	}
}

func TestImportSkipsCrossProjectContentMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-1", "One"))
	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("first import: %v", err)
	}

	existing, err := s.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get bd-1: %v", err)
	}
	crossProject := &types.Issue{
		ID: "other-1", Title: existing.Title, Status: existing.Status, IssueType: existing.IssueType,
		CreatedAt: existing.CreatedAt, UpdatedAt: existing.UpdatedAt,
	}
	path2 := writeJSONL(t, crossProject)

	result, err := Import(ctx, s, storage.ImportOptions{
		SourcePath: path2, Actor: "tester", AllowedPrefixes: []string{"other"},
	})
	if err != nil {
		t.Fatalf("import cross-project: %v", err)
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("expected the cross-project content match to be skipped, got %+v", result)
	}
	if len(result.Created) != 0 || len(result.Renamed) != 0 {
		t.Fatalf("expected no create/rename for cross-project match, got %+v", result)
	}
}

func TestImportRejectsPrefixMismatchWithoutRename(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("other-1", "Outsider"))

	_, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"})
	if err == nil {
		t.Fatalf("expected prefix mismatch to be rejected")
	}
	assertCode(t, err, beaderr.PrefixMismatch)
}

func TestImportRenamesOnMismatchWhenAllowed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("other-1", "Outsider"))

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester", RenameOnMismatch: true})
	if err != nil {
		t.Fatalf("import with rename-on-mismatch: %v", err)
	}
	if len(result.Renamed) != 1 || len(result.Created) != 1 {
		t.Fatalf("expected the mismatched issue to be renamed and created, got %+v", result)
	}
}

func TestImportDropsMismatchedPrefixTombstoneSilently(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tombstone := stubIssue("other-1", "Outsider")
	tombstone.Status = types.StatusTombstone
	deletedAt := time.Now()
	tombstone.DeletedAt = &deletedAt
	path := writeJSONL(t, tombstone)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"})
	if err != nil {
		t.Fatalf("expected mismatched tombstone to be dropped, not rejected: %v", err)
	}
	if len(result.Created) != 0 || len(result.Skipped) != 1 {
		t.Fatalf("expected the tombstone to be silently skipped, got %+v", result)
	}
}

func TestImportMultiWorkspaceModeSkipsPrefixValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("other-1", "Outsider"))

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester", AllowMultiWorkspace: true})
	if err != nil {
		t.Fatalf("expected multi-workspace import to skip prefix validation: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0] != "other-1" {
		t.Fatalf("expected other-1 to be created unchanged, got %+v", result)
	}
}

func TestImportConflictMarkersRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	content := `{"id":"bd-1","title":"One"}
<<<<<<< ours
{"id":"bd-2","title":"Two"}
=======
{"id":"bd-2","title":"Three"}
>>>>>>> theirs
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write conflicted jsonl: %v", err)
	}

	_, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"})
	if err == nil {
		t.Fatalf("expected conflict markers to be rejected")
	}
	assertCode(t, err, beaderr.ConflictMarkers)
}

func TestImportOrphanStrictAborts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	child := stubIssue("bd-2", "Child")
	child.Dependencies = []*types.Dependency{{Issue: "bd-2", Target: "bd-1", Type: types.DepParentChild}}
	path := writeJSONL(t, child)

	_, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester", OrphanMode: storage.OrphanStrict})
	if err == nil {
		t.Fatalf("expected strict orphan mode to abort the import")
	}
}

func TestImportOrphanSkipDropsOnlyThatIssue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ok := stubIssue("bd-1", "Fine")
	orphan := stubIssue("bd-2", "Orphan")
	orphan.Dependencies = []*types.Dependency{{Issue: "bd-2", Target: "bd-missing", Type: types.DepParentChild}}
	path := writeJSONL(t, ok, orphan)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester", OrphanMode: storage.OrphanSkip})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0] != "bd-1" {
		t.Fatalf("expected only bd-1 to be created, got %+v", result)
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("expected bd-2 to be skipped, got %+v", result)
	}
}

func TestImportOrphanResurrectCreatesStub(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	child := stubIssue("bd-2", "Child")
	child.Dependencies = []*types.Dependency{{Issue: "bd-2", Target: "bd-1", Type: types.DepParentChild}}
	path := writeJSONL(t, child)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester", OrphanMode: storage.OrphanResurrect})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0] != "bd-2" {
		t.Fatalf("expected bd-2 to be created, got %+v", result)
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a resurrection warning")
	}
	placeholder, err := s.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("expected resurrected bd-1 to exist: %v", err)
	}
	if placeholder.Status != types.StatusClosed {
		t.Fatalf("expected resurrected placeholder to be closed, got status %q", placeholder.Status)
	}
	deps, err := s.GetDependencies(ctx, "bd-2")
	if err != nil {
		t.Fatalf("get dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].Target != "bd-1" {
		t.Fatalf("expected the parent-child edge to be kept after resurrection, got %v", deps)
	}
}

func TestImportOrphanAllowDropsEdgeKeepsIssue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	child := stubIssue("bd-2", "Child")
	child.Dependencies = []*types.Dependency{{Issue: "bd-2", Target: "bd-missing", Type: types.DepParentChild}}
	path := writeJSONL(t, child)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester", OrphanMode: storage.OrphanAllow})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("expected bd-2 to be created with the dangling edge dropped, got %+v", result)
	}
	deps, err := s.GetDependencies(ctx, "bd-2")
	if err != nil {
		t.Fatalf("get dependencies: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("expected the dangling parent-child edge to be dropped, got %v", deps)
	}
}

func TestImportInsertsParentsBeforeChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	parent := stubIssue("bd-1", "Parent")
	child := stubIssue("bd-1.1", "Child")
	child.Dependencies = []*types.Dependency{{Issue: "bd-1.1", Target: "bd-1", Type: types.DepParentChild}}
	// Write child before parent in the file to ensure ordering isn't
	// accidentally file-order dependent.
	path := writeJSONL(t, child, parent)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Created) != 2 {
		t.Fatalf("expected both issues created, got %+v", result)
	}
	deps, err := s.GetDependencies(ctx, "bd-1.1")
	if err != nil {
		t.Fatalf("get dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].Target != "bd-1" {
		t.Fatalf("expected the parent-child edge to be reconciled, got %v", deps)
	}
}

func TestImportReconcilesAdditiveLabelsAndComments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	issue := stubIssue("bd-1", "One")
	issue.Labels = []string{"urgent"}
	issue.Comments = []*types.Comment{{Author: "alice", Text: "hello", CreatedAt: time.Now()}}
	path := writeJSONL(t, issue)

	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("import: %v", err)
	}

	labels, err := s.GetLabels(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get labels: %v", err)
	}
	if len(labels) != 1 || labels[0] != "urgent" {
		t.Fatalf("expected label urgent, got %v", labels)
	}

	comments, err := s.GetComments(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Text != "hello" {
		t.Fatalf("expected comment to be reconciled, got %v", comments)
	}

	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("second import: %v", err)
	}
	comments, err = s.GetComments(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get comments after replay: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("expected re-import of the same JSONL to stay idempotent on comments, got %v", comments)
	}
}

func TestImportDedupesBatchByContentHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := stubIssue("bd-1", "Same")
	b := stubIssue("bd-2", "Same")
	b.CreatedAt = a.CreatedAt
	b.UpdatedAt = a.UpdatedAt
	path := writeJSONL(t, a, b)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("expected the duplicate-content second issue to be deduped away, got %+v", result)
	}
}

func TestStalenessReportsFreshAfterMatchingHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := writeJSONL(t, stubIssue("bd-1", "One"))

	report, err := Staleness(ctx, s, path)
	if err != nil {
		t.Fatalf("staleness: %v", err)
	}
	if report.Fresh {
		t.Fatalf("expected a never-recorded hash to be reported as not fresh")
	}

	if err := s.SetMetadata(ctx, "jsonl_file_hash", report.FileHash); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	report2, err := Staleness(ctx, s, path)
	if err != nil {
		t.Fatalf("staleness: %v", err)
	}
	if !report2.Fresh {
		t.Fatalf("expected matching hash to be reported fresh")
	}
}

func TestImportCanonicalizesExternalRefCasingOnPhase0Match(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	existing := stubIssue("bd-1", "Upstream thing")
	ref := "external:SomeProject:BuildCap"
	existing.ExternalRef = &ref
	path := writeJSONL(t, existing)
	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("first import: %v", err)
	}

	incoming := stubIssue("bd-2", "Same upstream thing, different local ID")
	differentCasing := "external:someproject:buildcap"
	incoming.ExternalRef = &differentCasing
	incoming.UpdatedAt = time.Now().Add(time.Hour)
	path2 := writeJSONL(t, incoming)

	result, err := Import(ctx, s, storage.ImportOptions{SourcePath: path2, Actor: "tester"})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if len(result.Created) != 0 {
		t.Fatalf("expected no new issue created for a canonically-equal external ref, got %+v", result)
	}
	if len(result.Updated) != 1 || result.Updated[0] != "bd-1" {
		t.Fatalf("expected bd-1 to be updated via phase 0 external-ref match, got %+v", result)
	}
}

func TestImportWispTokenForcesEphemeral(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wisp := stubIssue("bd-wisp-abc123", "transient workflow instance")
	wisp.Ephemeral = false
	path := writeJSONL(t, wisp)

	if _, err := Import(ctx, s, storage.ImportOptions{SourcePath: path, Actor: "tester"}); err != nil {
		t.Fatalf("import: %v", err)
	}

	got, err := s.Get(ctx, "bd-wisp-abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Ephemeral {
		t.Fatalf("expected a -wisp- token to force ephemeral=true regardless of the incoming value")
	}
}

func assertCode(t *testing.T, err error, code beaderr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var be *beaderr.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *beaderr.Error with code %s, got %T: %v", code, err, err)
	}
	if be.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, be.Code, err)
	}
}
