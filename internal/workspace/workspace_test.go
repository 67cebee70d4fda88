package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/beadscore/beads/internal/enginelog"
	"github.com/beadscore/beads/internal/storage"
	"github.com/beadscore/beads/internal/types"
)

func initWorkspace(t *testing.T, root string) *Handle {
	t.Helper()
	beadsDir, err := Init(root, "bd")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	h, err := Open(beadsDir, enginelog.NoOp())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestInitThenOpenRoundTrips(t *testing.T) {
	root := t.TempDir()
	h := initWorkspace(t, root)

	if h.Config.IssuePrefix != "bd" {
		t.Fatalf("expected issue prefix bd, got %q", h.Config.IssuePrefix)
	}
	if _, err := os.Stat(h.DatabasePath()); err != nil {
		t.Fatalf("expected database file to exist: %v", err)
	}
}

func TestInitRefusesToReinitialize(t *testing.T) {
	root := t.TempDir()
	initWorkspace(t, root)

	_, err := Init(root, "bd")
	if err == nil {
		t.Fatalf("expected re-init to fail")
	}
}

func TestDiscoverWalksUpFromNestedDir(t *testing.T) {
	root := t.TempDir()
	initWorkspace(t, root)

	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	found, err := Discover(nested)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := filepath.Join(root, dirName)
	gotAbs, _ := filepath.Abs(found)
	wantAbs, _ := filepath.Abs(want)
	if gotAbs != wantAbs {
		t.Fatalf("expected to discover %s, got %s", wantAbs, gotAbs)
	}
}

func TestDiscoverFailsWhenNoWorkspaceAbove(t *testing.T) {
	root := t.TempDir()
	_, err := Discover(root)
	if err == nil {
		t.Fatalf("expected discover to fail with no .beads directory present")
	}
}

func TestExportThenImportRoundTrips(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := initWorkspace(t, root)

	issue := &types.Issue{ID: "bd-1", Title: "One", Status: types.StatusOpen, IssueType: types.TypeTask}
	if err := h.Store.Create(ctx, issue, "tester"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := h.Export(ctx, storage.ExportOptions{Mode: storage.ExportFull}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(h.JSONLPath()); err != nil {
		t.Fatalf("expected jsonl to be written at the workspace's default path: %v", err)
	}

	result, err := h.Import(ctx, storage.ImportOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Unchanged != 1 {
		t.Fatalf("expected re-importing the just-exported file to be a no-op, got %+v", result)
	}
}

func TestExportBacksUpPreviousJSONL(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := initWorkspace(t, root)

	issue := &types.Issue{ID: "bd-1", Title: "One", Status: types.StatusOpen, IssueType: types.TypeTask}
	if err := h.Store.Create(ctx, issue, "tester"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.Export(ctx, storage.ExportOptions{Mode: storage.ExportFull}); err != nil {
		t.Fatalf("first export: %v", err)
	}
	if _, err := h.Export(ctx, storage.ExportOptions{Mode: storage.ExportFull, Force: true}); err != nil {
		t.Fatalf("second export: %v", err)
	}

	entries, err := os.ReadDir(h.HistoryDir())
	if err != nil {
		t.Fatalf("read history dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected a backup of the jsonl before the second export")
	}
}

func TestImportRejectsPathOutsideWorkspaceWithoutMultiWorkspaceFlag(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := initWorkspace(t, root)

	outside := filepath.Join(t.TempDir(), "issues.jsonl")
	if err := os.WriteFile(outside, []byte(`{"id":"bd-1","title":"One","status":"open","issue_type":"task"}`+"\n"), 0600); err != nil {
		t.Fatalf("write outside jsonl: %v", err)
	}

	_, err := h.Import(ctx, storage.ImportOptions{SourcePath: outside, Actor: "tester"})
	if err == nil {
		t.Fatalf("expected importing from outside the workspace to be rejected without AllowMultiWorkspace")
	}
}

func TestImportAllowsPathOutsideWorkspaceWithMultiWorkspaceFlag(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := initWorkspace(t, root)

	outside := filepath.Join(t.TempDir(), "issues.jsonl")
	if err := os.WriteFile(outside, []byte(`{"id":"bd-1","title":"One","status":"open","issue_type":"task"}`+"\n"), 0600); err != nil {
		t.Fatalf("write outside jsonl: %v", err)
	}

	result, err := h.Import(ctx, storage.ImportOptions{SourcePath: outside, Actor: "tester", AllowMultiWorkspace: true})
	if err != nil {
		t.Fatalf("import with AllowMultiWorkspace: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("expected one issue created, got %+v", result)
	}
}

func TestWorkspaceInfoReportsCounts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := initWorkspace(t, root)

	for _, id := range []string{"bd-1", "bd-2"} {
		issue := &types.Issue{ID: id, Title: id, Status: types.StatusOpen, IssueType: types.TypeTask}
		if err := h.Store.Create(ctx, issue, "tester"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	info, err := h.WorkspaceInfo(ctx)
	if err != nil {
		t.Fatalf("workspace info: %v", err)
	}
	if info.IssueCount != 2 {
		t.Fatalf("expected 2 issues, got %d", info.IssueCount)
	}
	if info.Prefix != "bd" {
		t.Fatalf("expected prefix bd, got %q", info.Prefix)
	}
}

func TestStalenessUnknownBeforeAnyExport(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := initWorkspace(t, root)

	report, err := h.Staleness(ctx)
	if err != nil {
		t.Fatalf("staleness: %v", err)
	}
	if report.Fresh {
		t.Fatalf("expected a workspace with no prior export to be reported as not fresh")
	}
}

func TestLockForSyncPreventsDoubleLock(t *testing.T) {
	root := t.TempDir()
	h := initWorkspace(t, root)

	if err := h.LockForSync(); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer h.Unlock()

	beadsDir := filepath.Join(root, dirName)
	h2, err := Open(beadsDir, enginelog.NoOp())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer h2.Close()

	err = h2.LockForSync()
	if err == nil {
		t.Fatalf("expected the second handle to fail acquiring the held sync lock")
	}
}
