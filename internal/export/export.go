// Package export implements the JSONL export pipeline (§4.5): incremental
// or full snapshots of a workspace's issues written atomically, with
// per-issue error policies and an optional manifest.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/idgen"
	"github.com/beadscore/beads/internal/storage"
	"github.com/beadscore/beads/internal/types"
)

const (
	metadataJSONLHash   = "jsonl_content_hash"
	metadataFileHash    = "jsonl_file_hash"
	metadataLastImport  = "last_import_time"
	partialRetryAttempts = 3
)

// Result summarizes a completed export, independent of whether a manifest
// was written to disk.
type Result struct {
	Manifest    storage.ExportManifest
	Mode        storage.ExportMode
	TargetPath  string
	ExportedIDs []string
}

// Export runs a single export() call against store per opts (§4.5). It
// performs the integrity-driven incremental-to-full promotion, the
// empty-DB guard, per-issue error-policy handling, atomic file writes, and
// post-success bookkeeping.
func Export(ctx context.Context, store storage.Storage, opts storage.ExportOptions) (*Result, error) {
	if opts.TargetPath == "" {
		return nil, fmt.Errorf("export: target path is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = storage.ExportFull
	}
	policy := opts.Policy
	if policy == "" {
		policy = storage.PolicyBestEffort
	}

	mode, err := resolveMode(ctx, store, mode, opts.TargetPath)
	if err != nil {
		return nil, err
	}

	issues, err := selectIssues(ctx, store, mode)
	if err != nil {
		return nil, err
	}

	if mode == storage.ExportFull && len(issues) == 0 && !opts.Force {
		existing, err := countIssuesInJSONL(opts.TargetPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("export: read existing jsonl: %w", err)
		}
		if existing > 0 {
			return nil, beaderr.New(beaderr.EmptyDBGuard,
				fmt.Sprintf("refusing to overwrite %d existing issue(s) with an empty database", existing)).
				WithHint("pass Force to override").
				WithContext("existing_count", existing)
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })

	issues, err = hydrateChildren(ctx, store, issues)
	if err != nil {
		return nil, err
	}

	manifest := storage.ExportManifest{
		RunID:     uuid.NewString(),
		Policy:    policy,
		Complete:  true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	encoded := make([]encodedIssue, 0, len(issues))
	for _, issue := range issues {
		data, err := encodeIssue(ctx, store, issue, policy, &manifest)
		if err != nil {
			return nil, err // strict / required-core abort
		}
		if data == nil {
			continue // skipped per best-effort/partial
		}
		encoded = append(encoded, encodedIssue{id: issue.ID, line: data})
	}

	if err := writeAtomic(opts.TargetPath, encoded, fileMode(opts)); err != nil {
		return nil, fmt.Errorf("export: write %s: %w", opts.TargetPath, err)
	}

	exportedIDs := make([]string, 0, len(encoded))
	for _, e := range encoded {
		exportedIDs = append(exportedIDs, e.id)
	}
	manifest.ExportedCount = len(exportedIDs)

	if err := bookkeep(ctx, store, opts.TargetPath, exportedIDs); err != nil {
		return nil, err
	}

	if opts.WriteManifest {
		if err := writeManifest(opts.TargetPath, manifest); err != nil {
			return nil, fmt.Errorf("export: write manifest: %w", err)
		}
	}

	return &Result{Manifest: manifest, Mode: mode, TargetPath: opts.TargetPath, ExportedIDs: exportedIDs}, nil
}

// resolveMode implements the integrity-driven fallback: an incremental
// export whose stored JSONL hash disagrees with (or is missing against) the
// on-disk file is promoted to full, clearing export hashes so the next
// full pass starts clean.
func resolveMode(ctx context.Context, store storage.Storage, mode storage.ExportMode, targetPath string) (storage.ExportMode, error) {
	if mode != storage.ExportIncremental {
		return mode, nil
	}

	stored, err := store.GetMetadata(ctx, metadataFileHash)
	if err != nil {
		stored = ""
	}

	actual, err := idgen.HashFile(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			if clearErr := store.ClearAllExportHashes(ctx); clearErr != nil {
				return "", clearErr
			}
			return storage.ExportFull, nil
		}
		return "", fmt.Errorf("export: hash existing jsonl: %w", err)
	}

	if stored == "" || stored != actual {
		if err := store.ClearAllExportHashes(ctx); err != nil {
			return "", err
		}
		return storage.ExportFull, nil
	}
	return storage.ExportIncremental, nil
}

func selectIssues(ctx context.Context, store storage.Storage, mode storage.ExportMode) ([]*types.Issue, error) {
	if mode == storage.ExportIncremental {
		ids, err := store.GetDirtyIssues(ctx)
		if err != nil {
			return nil, fmt.Errorf("export: list dirty issues: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		issues, err := store.List(ctx, types.IssueFilter{IDs: ids, IncludeTombstones: true})
		if err != nil {
			return nil, fmt.Errorf("export: load dirty issues: %w", err)
		}
		return issues, nil
	}

	return store.List(ctx, types.IssueFilter{IncludeTombstones: true})
}

// hydrateChildren drops ephemeral issues (never exported, §4.5) and
// populates each remaining issue's Labels/Dependencies/Comments for
// serialization.
func hydrateChildren(ctx context.Context, store storage.Storage, issues []*types.Issue) ([]*types.Issue, error) {
	kept := make([]*types.Issue, 0, len(issues))
	for _, issue := range issues {
		if !issue.Ephemeral {
			kept = append(kept, issue)
		}
	}

	for _, issue := range kept {
		deps, err := store.GetDependencies(ctx, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("export: load dependencies for %s: %w", issue.ID, err)
		}
		issue.Dependencies = deps

		labels, err := store.GetLabels(ctx, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("export: load labels for %s: %w", issue.ID, err)
		}
		issue.Labels = labels

		comments, err := store.GetComments(ctx, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("export: load comments for %s: %w", issue.ID, err)
		}
		issue.Comments = comments
	}
	return kept, nil
}

type encodedIssue struct {
	id   string
	line []byte
}

// encodeIssue serializes a single issue per its error policy. It returns
// (nil, nil) when the issue is skipped (best-effort/partial), and returns
// an error only when the policy demands aborting the whole export.
func encodeIssue(ctx context.Context, store storage.Storage, issue *types.Issue, policy storage.ErrorPolicy, manifest *storage.ExportManifest) ([]byte, error) {
	marshal := func() ([]byte, error) {
		data, err := json.Marshal(issue)
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}

	switch policy {
	case storage.PolicyStrict:
		data, err := marshal()
		if err != nil {
			return nil, fmt.Errorf("export: encode %s: %w", issue.ID, err)
		}
		return data, nil

	case storage.PolicyBestEffort:
		data, err := marshal()
		if err != nil {
			manifest.Failed = append(manifest.Failed, storage.FailedIssue{ID: issue.ID, Reason: err.Error(), Class: "row"})
			manifest.Complete = false
			return nil, nil
		}
		return data, nil

	case storage.PolicyPartial:
		var data []byte
		op := func() error {
			var err error
			data, err = marshal()
			return err
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		boff := backoff.WithMaxRetries(b, partialRetryAttempts)
		if err := backoff.Retry(op, boff); err != nil {
			manifest.Failed = append(manifest.Failed, storage.FailedIssue{ID: issue.ID, Reason: err.Error(), Class: "row"})
			manifest.Complete = false
			manifest.Warnings = append(manifest.Warnings, fmt.Sprintf("retried %s after transient failures, giving up: %v", issue.ID, err))
			return nil, nil
		}
		return data, nil

	case storage.PolicyRequiredCore:
		// A marshal failure aborts the export. Labels are re-read and a
		// failure is recorded as a warning with the manifest marked
		// incomplete; comments are not re-checked here. Dependencies,
		// labels and comments are all loaded by hydrateChildren, where a
		// load failure aborts the export under every policy, this one
		// included.
		data, err := marshal()
		if err != nil {
			return nil, fmt.Errorf("export: encode %s (required-core): %w", issue.ID, err)
		}
		if _, err := store.GetLabels(ctx, issue.ID); err != nil {
			manifest.Warnings = append(manifest.Warnings, fmt.Sprintf("labels unavailable for %s: %v", issue.ID, err))
			manifest.Complete = false
		}
		return data, nil

	default:
		data, err := marshal()
		if err != nil {
			return nil, fmt.Errorf("export: encode %s: %w", issue.ID, err)
		}
		return data, nil
	}
}

func fileMode(opts storage.ExportOptions) os.FileMode {
	if opts.MultiWorkspace {
		return 0644
	}
	return 0600
}

func writeAtomic(targetPath string, issues []encodedIssue, mode os.FileMode) error {
	dir := filepath.Dir(targetPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(targetPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	for _, issue := range issues {
		if _, err := tmp.Write(issue.line); err != nil {
			cleanup()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Chmod(targetPath, mode)
}

func bookkeep(ctx context.Context, store storage.Storage, targetPath string, exportedIDs []string) error {
	for _, id := range exportedIDs {
		issue, err := store.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := store.SetExportHash(ctx, id, issue.ContentHash); err != nil {
			return fmt.Errorf("export: set export hash for %s: %w", id, err)
		}
	}
	if err := store.ClearDirtyIssuesByID(ctx, exportedIDs); err != nil {
		return fmt.Errorf("export: clear dirty flags: %w", err)
	}

	fileHash, err := idgen.HashFile(targetPath)
	if err != nil {
		return fmt.Errorf("export: hash written jsonl: %w", err)
	}
	if err := store.SetMetadata(ctx, metadataFileHash, fileHash); err != nil {
		return err
	}

	contentHash, err := hashJSONLContent(targetPath)
	if err != nil {
		return fmt.Errorf("export: hash jsonl content: %w", err)
	}
	if err := store.SetMetadata(ctx, metadataJSONLHash, contentHash); err != nil {
		return err
	}

	return store.SetMetadata(ctx, metadataLastImport, time.Now().UTC().Format(time.RFC3339))
}

func writeManifest(targetPath string, manifest storage.ExportManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	manifestPath := targetPath + ".manifest.json"
	dir := filepath.Dir(manifestPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(manifestPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, manifestPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Chmod(manifestPath, 0600)
}

// countIssuesInJSONL counts decodable issue lines in an existing JSONL
// file, used by the empty-DB guard.
func countIssuesInJSONL(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	decoder := json.NewDecoder(f)
	for {
		var issue types.Issue
		if err := decoder.Decode(&issue); err != nil {
			if err.Error() == "EOF" {
				break
			}
			return count, fmt.Errorf("invalid JSON at issue %d: %w", count+1, err)
		}
		count++
	}
	return count, nil
}

func hashJSONLContent(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
