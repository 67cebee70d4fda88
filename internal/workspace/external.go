package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/beadscore/beads/internal/enginelog"
	"github.com/beadscore/beads/internal/storage/sqlite"
	"github.com/beadscore/beads/internal/types"
)

// ExternalProjects maps a project name (the middle segment of an
// external:<project>:<capability> target) to the filesystem path of its
// sibling workspace root (the directory containing .beads/, not .beads/
// itself). Resolved relative to the owning workspace's parent directory
// when the configured path isn't absolute, mirroring the teacher's
// multi-repo path handling (internal/storage/sqlite/multirepo.go).
type ExternalProjects map[string]string

// ProvidesResolver implements sqlite.ExternalResolver by opening a sibling
// workspace's database and checking for a closed issue labeled
// provides:<capability>, per §4.4 and §9's "one open per project" note. The
// sibling is opened with sqlite.Open, which opens it read-write and applies
// the schema and migrations to it; Provides itself only reads. It
// caches opened sibling stores for its own lifetime so repeated Provides
// calls within one blocked()/is_blocked() invocation reuse the connection
// instead of reopening per capability; callers that want per-query scoping
// should construct a fresh ProvidesResolver per call (cheap: it opens
// nothing until Provides is first invoked for a project).
type ProvidesResolver struct {
	projects ExternalProjects
	baseDir  string
	log      *enginelog.Logger

	mu      sync.Mutex
	opened  map[string]*sqlite.Store
	missing map[string]bool
}

// NewProvidesResolver builds a resolver over projects, a mapping from
// project name to sibling workspace root. baseDir resolves relative
// project paths (the directory containing the owning workspace's .beads/).
func NewProvidesResolver(projects ExternalProjects, baseDir string, log *enginelog.Logger) *ProvidesResolver {
	if log == nil {
		log = enginelog.NoOp()
	}
	return &ProvidesResolver{
		projects: projects,
		baseDir:  baseDir,
		log:      log,
		opened:   make(map[string]*sqlite.Store),
		missing:  make(map[string]bool),
	}
}

// Provides implements sqlite.ExternalResolver. target must be of shape
// external:<project>:<capability>; any other shape is treated as
// unsatisfied rather than an error, matching "misses are treated as not
// satisfied" (§4.4).
func (r *ProvidesResolver) Provides(ctx context.Context, target string) (bool, error) {
	project, capability, ok := types.ParseExternalTarget(target)
	if !ok {
		return false, nil
	}

	store, err := r.storeFor(project)
	if err != nil {
		r.log.Warnf("external provides check: %s: %v", project, err)
		return false, nil
	}
	if store == nil {
		return false, nil
	}

	label := "provides:" + capability
	issues, err := store.List(ctx, types.IssueFilter{
		Statuses: []types.Status{types.StatusClosed},
		Labels:   []string{label},
		Limit:    1,
	})
	if err != nil {
		return false, fmt.Errorf("workspace: check external provides %s: %w", target, err)
	}
	return len(issues) > 0, nil
}

// storeFor returns the cached sibling store for project, opening it on
// first use. A project with no configured path, or whose .beads directory
// does not exist, is cached as "missing" so later lookups don't repeatedly
// stat the filesystem.
func (r *ProvidesResolver) storeFor(project string) (*sqlite.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.missing[project] {
		return nil, nil
	}
	if s, ok := r.opened[project]; ok {
		return s, nil
	}

	root, ok := r.projects[project]
	if !ok {
		r.missing[project] = true
		return nil, nil
	}
	root, err := expandTilde(root)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(r.baseDir, root)
	}

	beadsDir := filepath.Join(root, dirName)
	info, err := os.Stat(beadsDir)
	if err != nil || !info.IsDir() {
		r.missing[project] = true
		return nil, nil
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

	store, err := sqlite.Open(filepath.Join(beadsDir, dbFile), cfg.IssuePrefix, r.log)
	if err != nil {
		return nil, fmt.Errorf("open sibling workspace %s: %w", project, err)
	}
	r.opened[project] = store
	return store, nil
}

// Close shuts down every sibling store this resolver opened. Safe to call
// even if no sibling was ever opened.
func (r *ProvidesResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []string
	for project, s := range r.opened {
		if err := s.Shutdown(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", project, err))
		}
	}
	r.opened = make(map[string]*sqlite.Store)
	if len(errs) > 0 {
		return fmt.Errorf("workspace: close external resolvers: %s", strings.Join(errs, "; "))
	}
	return nil
}

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand tilde: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
