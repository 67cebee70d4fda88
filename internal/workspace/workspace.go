// Package workspace owns the on-disk `.beads/` layout (§6.1): discovery,
// the database/JSONL/config/metadata files, path-safety enforcement
// (§6.2), history backups, and the sync lock. It is exposed as an
// explicit, constructed Handle with an open/migrate/serve/close lifecycle;
// there is no ambient singleton (§9).
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/enginelog"
	"github.com/beadscore/beads/internal/export"
	"github.com/beadscore/beads/internal/importer"
	"github.com/beadscore/beads/internal/lockfile"
	"github.com/beadscore/beads/internal/storage"
	"github.com/beadscore/beads/internal/storage/sqlite"
	"github.com/beadscore/beads/internal/types"
)

const dirName = ".beads"

// Config is the user-visible subset of config.yaml the engine reads. The
// file may carry additional fields used by the external CLI; writeConfig
// marshals only the fields below, so those other fields are not preserved
// when the file is written.
type Config struct {
	IssuePrefix     string            `yaml:"issue_prefix"`
	AllowedPrefixes []string          `yaml:"allowed_prefixes,omitempty"`
	MinHashLength   int               `yaml:"min_hash_length,omitempty"`
	MaxHashLength   int               `yaml:"max_hash_length,omitempty"`
	ExternalProjects ExternalProjects `yaml:"external_projects,omitempty"`
}

// Handle is a constructed, owned reference to a single `.beads/` workspace:
// its connection pool (through the storage.Storage it wraps), its sync
// lock, and its layout paths.
type Handle struct {
	Root   string // the `.beads/` directory itself
	Store  storage.Storage
	Config Config

	dbPath       string
	jsonlPath    string
	configPath   string
	metadataPath string
	historyDir   string
	syncLockPath string
	syncLock     *lockfile.Lock
	log          *enginelog.Logger
	externals    *ProvidesResolver
}

// DatabasePath, JSONLPath, etc. expose the resolved file paths within Root.
func (h *Handle) DatabasePath() string { return h.dbPath }
func (h *Handle) JSONLPath() string    { return h.jsonlPath }
func (h *Handle) ConfigPath() string   { return h.configPath }
func (h *Handle) MetadataPath() string { return h.metadataPath }
func (h *Handle) HistoryDir() string   { return h.historyDir }
func (h *Handle) SyncLockPath() string { return h.syncLockPath }

// Discover walks up from startDir looking for a `.beads/` directory,
// mirroring the teacher's cwd-upward search. It returns beaderr.NotInitialized
// if none is found before reaching the filesystem root.
func Discover(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve start directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, dirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", beaderr.New(beaderr.NotInitialized, "no .beads directory found above "+startDir)
}

// Init creates a new `.beads/` directory at root/.beads, refusing if one
// already exists.
func Init(root, issuePrefix string) (string, error) {
	beadsDir := filepath.Join(root, dirName)
	if info, err := os.Stat(beadsDir); err == nil && info.IsDir() {
		return "", beaderr.New(beaderr.AlreadyInitialized, beadsDir+" already exists")
	}
	if err := os.MkdirAll(filepath.Join(beadsDir, ".br_history"), 0755); err != nil {
		return "", fmt.Errorf("workspace: create %s: %w", beadsDir, err)
	}

	cfg := Config{IssuePrefix: issuePrefix}
	if err := writeConfig(filepath.Join(beadsDir, "config.yaml"), cfg); err != nil {
		return "", err
	}
	meta := map[string]string{
		"database_filename": "beads.db",
		"jsonl_filename":    "issues.jsonl",
		"schema_version":    "1",
	}
	if err := writeMetadataFile(filepath.Join(beadsDir, "metadata.json"), meta); err != nil {
		return "", err
	}
	return beadsDir, nil
}

// Open constructs a Handle over an existing `.beads/` directory: it loads
// config.yaml and metadata.json, opens the sqlite store named there, and
// does NOT take the sync lock (callers take it explicitly around
// multi-step sync operations via Lock/Unlock).
func Open(beadsDir string, log *enginelog.Logger) (*Handle, error) {
	if log == nil {
		log = enginelog.NoOp()
	}

	info, err := os.Stat(beadsDir)
	if err != nil || !info.IsDir() {
		return nil, beaderr.New(beaderr.NotInitialized, beadsDir+" is not a workspace")
	}

	cfg, err := readConfig(filepath.Join(beadsDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	meta, err := readMetadataFile(filepath.Join(beadsDir, "metadata.json"))
	if err != nil {
		return nil, err
	}
	dbFile := meta["database_filename"]
	if dbFile == "" {
		dbFile = "beads.db"
	}
	jsonlFile := meta["jsonl_filename"]
	if jsonlFile == "" {
		jsonlFile = "issues.jsonl"
	}

	dbPath := filepath.Join(beadsDir, dbFile)
	store, err := sqlite.Open(dbPath, cfg.IssuePrefix, log)
	if err != nil {
		return nil, fmt.Errorf("workspace: open database: %w", err)
	}

	h := &Handle{
		Root:         beadsDir,
		Store:        store,
		Config:       cfg,
		dbPath:       dbPath,
		jsonlPath:    filepath.Join(beadsDir, jsonlFile),
		configPath:   filepath.Join(beadsDir, "config.yaml"),
		metadataPath: filepath.Join(beadsDir, "metadata.json"),
		historyDir:   filepath.Join(beadsDir, ".br_history"),
		syncLockPath: filepath.Join(beadsDir, ".sync.lock"),
		log:          log,
	}

	if len(cfg.ExternalProjects) > 0 {
		if sqliteStore, ok := store.(*sqlite.Store); ok {
			h.externals = NewProvidesResolver(cfg.ExternalProjects, filepath.Dir(beadsDir), log)
			sqliteStore.SetExternalResolver(h.externals)
		}
	}
	return h, nil
}

// LockForSync acquires the workspace's exclusive sync lock, guarding a
// multi-step import-then-export operation (§5). Release with Unlock.
func (h *Handle) LockForSync() error {
	lock, err := lockfile.Acquire(h.syncLockPath)
	if err != nil {
		if err == lockfile.ErrLocked {
			return beaderr.New(beaderr.DatabaseLocked, "another process holds the sync lock").WithRetryable(true)
		}
		return fmt.Errorf("workspace: acquire sync lock: %w", err)
	}
	h.syncLock = lock
	return nil
}

// Unlock releases the sync lock acquired by LockForSync, if held.
func (h *Handle) Unlock() error {
	if h.syncLock == nil {
		return nil
	}
	err := h.syncLock.Release()
	h.syncLock = nil
	return err
}

// ValidateWriteTarget enforces §6.2's path-safety rules for a file the
// engine is about to write outside the database. allowExternal corresponds
// to the caller having set the explicit "allow external JSONL" flag.
func (h *Handle) ValidateWriteTarget(path string, allowExternal bool) error {
	return validateWriteTarget(h.Root, path, allowExternal)
}

// BackupJSONL copies the current JSONL file into .br_history/ with a
// timestamped name before it gets overwritten, per §6.1.
func (h *Handle) BackupJSONL() error {
	return backupFile(h.historyDir, h.jsonlPath)
}

// Close runs the handle's teardown: release the sync lock (if held) and
// shut down the storage pool, per §9's "flush pool, release lock" contract.
func (h *Handle) Close() error {
	var errs []error
	if err := h.Unlock(); err != nil {
		errs = append(errs, err)
	}
	if h.externals != nil {
		if err := h.externals.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.Store.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("workspace: close errors: %v", errs)
	}
	return nil
}

// Export runs export() against this workspace's JSONL file, writing into
// h.jsonlPath unless opts.TargetPath overrides it, and backs up the
// previous JSONL to history before the write per §6.1.
func (h *Handle) Export(ctx context.Context, opts storage.ExportOptions) (*export.Result, error) {
	if opts.TargetPath == "" {
		opts.TargetPath = h.jsonlPath
	}
	if err := h.ValidateWriteTarget(opts.TargetPath, opts.MultiWorkspace); err != nil {
		return nil, err
	}
	if err := h.BackupJSONL(); err != nil {
		return nil, fmt.Errorf("workspace: backup jsonl before export: %w", err)
	}
	return export.Export(ctx, h.Store, opts)
}

// Import runs import() against a JSONL file, defaulting to this
// workspace's own JSONL path when opts.SourcePath is unset, applying the
// workspace's configured allowed prefixes.
func (h *Handle) Import(ctx context.Context, opts storage.ImportOptions) (*storage.ImportResult, error) {
	if opts.SourcePath == "" {
		opts.SourcePath = h.jsonlPath
	}
	if !opts.AllowMultiWorkspace {
		if err := h.ValidateWriteTarget(opts.SourcePath, false); err != nil {
			return nil, err
		}
	}
	if len(opts.AllowedPrefixes) == 0 {
		opts.AllowedPrefixes = h.Config.AllowedPrefixes
	}
	return importer.Import(ctx, h.Store, opts)
}

// Staleness reports whether this workspace's JSONL file matches the hash
// recorded at last export, per §4.6's staleness check.
func (h *Handle) Staleness(ctx context.Context) (*storage.StalenessReport, error) {
	return importer.Staleness(ctx, h.Store, h.jsonlPath)
}

// WorkspaceInfo reports the workspace's layout and summary counts for
// workspace_info() (§6.5).
func (h *Handle) WorkspaceInfo(ctx context.Context) (*storage.WorkspaceInfo, error) {
	issues, err := h.Store.List(ctx, types.IssueFilter{IncludeTombstones: true})
	if err != nil {
		return nil, fmt.Errorf("workspace: count issues: %w", err)
	}
	schemaVersion := 1
	if v, err := strconv.Atoi(h.metadataValue("schema_version")); err == nil {
		schemaVersion = v
	}
	return &storage.WorkspaceInfo{
		Root:          h.Root,
		DatabasePath:  h.dbPath,
		JSONLPath:     h.jsonlPath,
		Prefix:        h.Config.IssuePrefix,
		IssueCount:    len(issues),
		SchemaVersion: schemaVersion,
	}, nil
}

func (h *Handle) metadataValue(key string) string {
	meta, err := readMetadataFile(h.metadataPath)
	if err != nil {
		return ""
	}
	return meta[key]
}

func errPathTraversal(path, reason string) error {
	return beaderr.New(beaderr.PathTraversal, fmt.Sprintf("%s: %s", path, reason))
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("workspace: read config.yaml: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("workspace: parse config.yaml: %w", err)
	}
	return cfg, nil
}

func writeConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("workspace: marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func readMetadataFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("workspace: read metadata.json: %w", err)
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("workspace: parse metadata.json: %w", err)
	}
	return meta, nil
}

func writeMetadataFile(path string, meta map[string]string) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal metadata.json: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func backupFile(historyDir, srcPath string) error {
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: stat %s: %w", srcPath, err)
	}
	if err := os.MkdirAll(historyDir, 0755); err != nil {
		return fmt.Errorf("workspace: create history dir: %w", err)
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("workspace: read %s for backup: %w", srcPath, err)
	}
	name := fmt.Sprintf("%s.%s", filepath.Base(srcPath), time.Now().UTC().Format("20060102T150405.000000000Z"))
	dest := filepath.Join(historyDir, name)
	return os.WriteFile(dest, data, 0600)
}
