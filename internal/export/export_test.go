package export

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

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

func createIssue(t *testing.T, s *sqlite.Store, id, title string) *types.Issue {
	t.Helper()
	issue := &types.Issue{ID: id, Title: title, Status: types.StatusOpen, IssueType: types.TypeTask}
	if err := s.Create(context.Background(), issue, "tester"); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return issue
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n
}

func TestExportFullWritesAllIssues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-1", "One")
	createIssue(t, s, "bd-2", "Two")

	target := filepath.Join(t.TempDir(), "issues.jsonl")
	result, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportFull, TargetPath: target})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(result.ExportedIDs) != 2 {
		t.Fatalf("expected 2 exported ids, got %v", result.ExportedIDs)
	}
	if countLines(t, target) != 2 {
		t.Fatalf("expected 2 lines in %s", target)
	}
}

func TestExportIncludesComments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-1", "One")
	if _, err := s.AddComment(ctx, "bd-1", "alice", "first comment"); err != nil {
		t.Fatalf("add comment: %v", err)
	}

	target := filepath.Join(t.TempDir(), "issues.jsonl")
	if _, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportFull, TargetPath: target}); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read %s: %v", target, err)
	}
	var got types.Issue
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal exported issue: %v", err)
	}
	if len(got.Comments) != 1 || got.Comments[0].Text != "first comment" {
		t.Fatalf("expected the comment to round-trip through export, got %+v", got.Comments)
	}
}

func TestExportEmptyDBGuardRefusesToClobber(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "issues.jsonl")
	if err := os.WriteFile(target, []byte(`{"id":"bd-1","title":"keep me","status":"open","issue_type":"task"}`+"\n"), 0600); err != nil {
		t.Fatalf("seed jsonl: %v", err)
	}

	_, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportFull, TargetPath: target})
	if err == nil {
		t.Fatalf("expected empty-DB guard to refuse overwriting existing issues")
	}
}

func TestExportEmptyDBGuardOverriddenByForce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := filepath.Join(t.TempDir(), "issues.jsonl")
	if err := os.WriteFile(target, []byte(`{"id":"bd-1","title":"keep me","status":"open","issue_type":"task"}`+"\n"), 0600); err != nil {
		t.Fatalf("seed jsonl: %v", err)
	}

	_, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportFull, TargetPath: target, Force: true})
	if err != nil {
		t.Fatalf("expected Force to override the empty-DB guard: %v", err)
	}
	if countLines(t, target) != 0 {
		t.Fatalf("expected the target to be cleared by a forced empty export")
	}
}

func TestExportIncrementalOnlyWritesDirtyIssues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-1", "One")
	createIssue(t, s, "bd-2", "Two")

	target := filepath.Join(t.TempDir(), "issues.jsonl")
	if _, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportFull, TargetPath: target}); err != nil {
		t.Fatalf("initial full export: %v", err)
	}

	if err := s.Update(ctx, "bd-1", map[string]any{"title": "One Updated"}, "tester", false); err != nil {
		t.Fatalf("update bd-1: %v", err)
	}

	result, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportIncremental, TargetPath: target})
	if err != nil {
		t.Fatalf("incremental export: %v", err)
	}
	if len(result.ExportedIDs) != 1 || result.ExportedIDs[0] != "bd-1" {
		t.Fatalf("expected incremental export to carry only bd-1, got %v", result.ExportedIDs)
	}
}

func TestExportEphemeralIssuesAreExcluded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-1", "Kept")
	ephemeral := &types.Issue{ID: "bd-2", Title: "Transient", Status: types.StatusOpen, IssueType: types.TypeTask, Ephemeral: true}
	if err := s.Create(ctx, ephemeral, "tester"); err != nil {
		t.Fatalf("create ephemeral: %v", err)
	}

	target := filepath.Join(t.TempDir(), "issues.jsonl")
	result, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportFull, TargetPath: target})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(result.ExportedIDs) != 1 || result.ExportedIDs[0] != "bd-1" {
		t.Fatalf("expected ephemeral issue to be excluded, got %v", result.ExportedIDs)
	}
}

func TestExportWritesManifestWhenRequested(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createIssue(t, s, "bd-1", "One")

	target := filepath.Join(t.TempDir(), "issues.jsonl")
	_, err := Export(ctx, s, storage.ExportOptions{Mode: storage.ExportFull, TargetPath: target, WriteManifest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(target + ".manifest.json"); err != nil {
		t.Fatalf("expected manifest file: %v", err)
	}
}
