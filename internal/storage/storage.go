// Package storage defines the interface for issue storage backends.
package storage

import (
	"context"
	"database/sql"

	"github.com/beadscore/beads/internal/types"
)

// ExportMode selects incremental (dirty-set) or full export.
type ExportMode string

const (
	ExportIncremental ExportMode = "incremental"
	ExportFull        ExportMode = "full"
)

// ErrorPolicy governs single-issue failure behavior during export.
type ErrorPolicy string

const (
	PolicyStrict        ErrorPolicy = "strict"
	PolicyBestEffort    ErrorPolicy = "best-effort"
	PolicyPartial       ErrorPolicy = "partial"
	PolicyRequiredCore  ErrorPolicy = "required-core"
)

// ExportOptions configures a single export() call.
type ExportOptions struct {
	Mode           ExportMode
	Policy         ErrorPolicy
	WriteManifest  bool
	Force          bool // override the empty-DB guard
	TargetPath     string
	MultiWorkspace bool // writes 0644 instead of 0600 (§4.5)
}

// ExportManifest records the outcome of an export for later inspection.
type ExportManifest struct {
	RunID        string
	Policy       ErrorPolicy
	ExportedCount int
	Failed       []FailedIssue
	Warnings     []string
	Complete     bool
	Timestamp    string
}

// FailedIssue records why a single issue could not be exported.
type FailedIssue struct {
	ID     string
	Reason string
	Class  string // e.g. "labels", "comments", "row"
}

// ImportOptions configures a single import() call.
type ImportOptions struct {
	SourcePath            string
	Actor                 string
	RenameOnMismatch      bool
	OrphanMode            OrphanMode
	AllowMultiWorkspace   bool
	AllowedPrefixes       []string          // in addition to the workspace's own prefix
	ProtectLocalExportIDs map[string]string // id -> RFC3339 protection timestamp
	BaseSnapshotPath      string            // sync_base.jsonl, for 3-way merge
	Strict                bool              // abort on any relational-child reconciliation failure
}

// OrphanMode controls how new issues with a missing parent-child target
// are handled during import.
type OrphanMode string

const (
	OrphanStrict    OrphanMode = "strict"
	OrphanResurrect OrphanMode = "resurrect"
	OrphanSkip      OrphanMode = "skip"
	OrphanAllow     OrphanMode = "allow"
)

// ImportResult summarizes an import() run.
type ImportResult struct {
	Created     []string
	Updated     []string
	Renamed     []RenameDetail
	Skipped     []SkippedIssue
	Unchanged   int
	Warnings    []string
	MassDeletion bool
}

// RenameDetail records a phase-1b rename (content-hash match, different ID).
type RenameDetail struct {
	OldID string
	NewID string
}

// SkippedIssue records why an incoming issue was not applied.
type SkippedIssue struct {
	ID     string
	Reason string
}

// StalenessReport is returned by staleness().
type StalenessReport struct {
	Fresh        bool
	FileHash     string
	StoredHash   string
	DirtyCount   int
}

// WorkspaceInfo is returned by workspace_info().
type WorkspaceInfo struct {
	Root         string
	DatabasePath string
	JSONLPath    string
	Prefix       string
	IssueCount   int
	SchemaVersion int
}

// TreeDirection selects which edges dependency_tree() follows.
type TreeDirection = types.TreeDirection

// DependencyTreeOptions configures dependency_tree().
type DependencyTreeOptions struct {
	Direction TreeDirection
	MaxDepth  int
	Dedup     bool
}

// Storage defines the full engine operation surface (§4, §6.5) against a
// single embedded relational backend.
type Storage interface {
	// Core CRUD (§4.3)
	Create(ctx context.Context, issue *types.Issue, actor string) error
	CreateBatch(ctx context.Context, issues []*types.Issue, actor string) error
	Get(ctx context.Context, id string) (*types.Issue, error)
	Update(ctx context.Context, id string, changes map[string]any, actor string, force bool) error
	CloseIssue(ctx context.Context, id, reason, actor string, force bool) error
	Reopen(ctx context.Context, id, actor string) error
	Delete(ctx context.Context, ids []string, actor, reason string, cascade, force bool) error
	HardDelete(ctx context.Context, id string) error
	Restore(ctx context.Context, id, actor string) error

	// Resolution, listing, search (§4.3, §6.5)
	Resolve(ctx context.Context, input string) (string, error)
	List(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error)
	Search(ctx context.Context, query string, filter types.IssueFilter) ([]*types.Issue, error)
	Stats(ctx context.Context) (*types.Statistics, error)

	// Dependencies
	AddDependency(ctx context.Context, dep *types.Dependency, actor string) error
	RemoveDependency(ctx context.Context, issueID, targetID string, actor string) error
	GetDependencies(ctx context.Context, issueID string) ([]*types.Dependency, error)
	GetDependents(ctx context.Context, issueID string) ([]*types.Dependency, error)
	DependencyTree(ctx context.Context, root string, opts DependencyTreeOptions) ([]*types.TreeNode, error)
	DetectCycles(ctx context.Context) ([][]string, error)

	// Labels
	AddLabel(ctx context.Context, issueID, label, actor string) error
	RemoveLabel(ctx context.Context, issueID, label, actor string) error
	GetLabels(ctx context.Context, issueID string) ([]string, error)

	// Comments
	AddComment(ctx context.Context, issueID, author, text string) (*types.Comment, error)
	GetComments(ctx context.Context, issueID string) ([]*types.Comment, error)

	// Events
	GetEvents(ctx context.Context, issueID string, limit int) ([]*types.Event, error)

	// Ready/Blocked engine (§4.4)
	Ready(ctx context.Context, filter types.WorkFilter) ([]*types.Issue, error)
	Blocked(ctx context.Context) ([]*types.BlockedIssue, error)
	IsBlocked(ctx context.Context, id string) (bool, []string, error)
	RebuildBlockedCache(ctx context.Context) error

	// Dirty tracking / export-hash bookkeeping (§4.5)
	GetDirtyIssues(ctx context.Context) ([]string, error)
	ClearDirtyIssuesByID(ctx context.Context, issueIDs []string) error
	GetExportHash(ctx context.Context, issueID string) (string, error)
	SetExportHash(ctx context.Context, issueID, contentHash string) error
	ClearAllExportHashes(ctx context.Context) error

	// ID generation
	NextChildID(ctx context.Context, parentID string) (string, error)
	CountTopLevelIssues(ctx context.Context, prefix string) (int, error)
	IDExists(ctx context.Context, id string) (bool, error)

	// Config / metadata
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	GetAllConfig(ctx context.Context) (map[string]string, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Lifecycle
	Shutdown() error
	Path() string
	UnderlyingDB() *sql.DB
	UnderlyingConn(ctx context.Context) (*sql.Conn, error)
}

// Config holds embedded-store configuration. Only the SQLite backend is
// in scope; the field set intentionally excludes network-database options
// the teacher's Postgres-flavored Config carried.
type Config struct {
	Path     string
	InMemory bool
}
