// Package importer implements the JSONL import pipeline (§4.6): staleness
// detection, conflict-marker guard, normalization, batch dedup, prefix
// policy, four-phase collision resolution, orphan handling, and relational
// reconciliation of dependencies/labels/comments.
package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/idgen"
	"github.com/beadscore/beads/internal/merge"
	"github.com/beadscore/beads/internal/storage"
	"github.com/beadscore/beads/internal/types"
)

// Staleness implements storage.StalenessReport's computation: compares the
// on-disk JSONL's streamed hash against the workspace's stored hash, and
// reports the current dirty-issue count for context.
func Staleness(ctx context.Context, store storage.Storage, jsonlPath string) (*storage.StalenessReport, error) {
	actual, err := idgen.HashFile(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("importer: hash %s: %w", jsonlPath, err)
	}
	stored, err := store.GetMetadata(ctx, "jsonl_file_hash")
	if err != nil {
		stored = ""
	}
	dirty, err := store.GetDirtyIssues(ctx)
	if err != nil {
		return nil, err
	}
	return &storage.StalenessReport{
		Fresh:      stored != "" && stored == actual,
		FileHash:   actual,
		StoredHash: stored,
		DirtyCount: len(dirty),
	}, nil
}

// Import runs a single import() call against store per opts (§4.6).
func Import(ctx context.Context, store storage.Storage, opts storage.ImportOptions) (*storage.ImportResult, error) {
	if opts.SourcePath == "" {
		return nil, fmt.Errorf("importer: source path is required")
	}

	remote, err := readJSONL(opts.SourcePath)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, issue := range remote {
		normalize(issue, now)
	}

	incoming := remote
	result := &storage.ImportResult{}

	if opts.BaseSnapshotPath != "" {
		base, err := readJSONL(opts.BaseSnapshotPath)
		if err != nil {
			return nil, err
		}
		for _, issue := range base {
			normalize(issue, now)
		}

		local, err := loadLocalSnapshot(ctx, store)
		if err != nil {
			return nil, err
		}

		merged := merge.Merge(base, local, incoming)
		incoming = merged.Issues
		result.Warnings = append(result.Warnings, merged.Warnings...)
		for _, w := range merged.Warnings {
			if containsMassDeletion(w) {
				result.MassDeletion = true
			}
		}
	}

	incoming = dedupeBatch(incoming)

	primaryPrefix := ""
	if sp, ok := store.(interface {
		Prefix(ctx context.Context) string
	}); ok {
		primaryPrefix = sp.Prefix(ctx)
	}

	runID := uuid.NewString()

	existing, err := store.List(ctx, types.IssueFilter{IncludeTombstones: true})
	if err != nil {
		return nil, fmt.Errorf("importer: load existing issues: %w", err)
	}
	idx := newIndex(existing)

	knownIDs := make(map[string]bool, len(existing)+len(incoming))
	for _, issue := range existing {
		knownIDs[issue.ID] = true
	}

	var toCreate []*types.Issue

	for _, issue := range incoming {
		if !opts.AllowMultiWorkspace && !checkPrefix(issue.ID, primaryPrefix, opts.AllowedPrefixes) {
			if issue.Status == types.StatusTombstone {
				result.Skipped = append(result.Skipped, storage.SkippedIssue{
					ID: issue.ID, Reason: "tombstone from a different project prefix; dropped silently",
				})
				continue
			}
			if opts.RenameOnMismatch {
				renamed := fmt.Sprintf("%s-%s", primaryPrefix, idgen.Token(issue.Title, issue.Description, opts.Actor, issue.CreatedAt, 6, 0))
				result.Renamed = append(result.Renamed, storage.RenameDetail{OldID: issue.ID, NewID: renamed})
				issue.ID = renamed
			} else {
				return nil, beaderr.New(beaderr.PrefixMismatch,
					fmt.Sprintf("issue %s has a prefix outside the allowed set", issue.ID)).
					WithContext("run_id", runID)
			}
		}

		action, target := classify(issue, idx)

		switch action {
		case actionUnchanged:
			result.Unchanged++
			if err := reconcile(ctx, store, target, issue, opts); err != nil {
				if opts.Strict {
					return nil, err
				}
				result.Warnings = append(result.Warnings, err.Error())
			}

		case actionRenameSamePrefix:
			if err := store.HardDelete(ctx, target.ID); err != nil {
				return nil, fmt.Errorf("importer: replace %s: %w", target.ID, err)
			}
			delete(knownIDs, target.ID)
			toCreate = append(toCreate, issue)
			result.Renamed = append(result.Renamed, storage.RenameDetail{OldID: target.ID, NewID: issue.ID})

		case actionSkipCrossProject:
			result.Skipped = append(result.Skipped, storage.SkippedIssue{
				ID: issue.ID, Reason: "content matches issue " + target.ID + " under a different project prefix",
			})

		case actionSkipTombstone:
			result.Skipped = append(result.Skipped, storage.SkippedIssue{
				ID: issue.ID, Reason: "issue " + target.ID + " is tombstoned locally; incoming change dropped, not resurrected",
			})

		case actionUpdate:
			protectedUntil, isProtected := opts.ProtectLocalExportIDs[issue.ID]
			if isProtected && localEditedAfterProtection(target, protectedUntil) {
				result.Skipped = append(result.Skipped, storage.SkippedIssue{
					ID: issue.ID, Reason: "local copy edited after export; import would clobber it",
				})
				continue
			}
			if target.UpdatedAt.After(issue.UpdatedAt) {
				result.Skipped = append(result.Skipped, storage.SkippedIssue{ID: issue.ID, Reason: "local copy is newer"})
				continue
			}

			if issue.Status == types.StatusTombstone {
				if err := store.Delete(ctx, []string{issue.ID}, opts.Actor, issue.DeleteReason, false, true); err != nil {
					return nil, fmt.Errorf("importer: tombstone %s: %w", issue.ID, err)
				}
			} else {
				if err := store.Update(ctx, issue.ID, changesFromIssue(issue), opts.Actor, true); err != nil {
					return nil, fmt.Errorf("importer: update %s: %w", issue.ID, err)
				}
			}
			result.Updated = append(result.Updated, issue.ID)
			if err := reconcile(ctx, store, issue, issue, opts); err != nil {
				if opts.Strict {
					return nil, err
				}
				result.Warnings = append(result.Warnings, err.Error())
			}

		case actionCreate:
			toCreate = append(toCreate, issue)
			knownIDs[issue.ID] = true
		}
	}

	sort.SliceStable(toCreate, func(i, j int) bool {
		return idgen.Depth(toCreate[i].ID) < idgen.Depth(toCreate[j].ID)
	})

	for _, issue := range toCreate {
		keep, warnings, err := resolveOrphans(ctx, store, issue, knownIDs, opts)
		if err != nil {
			return nil, err
		}
		result.Warnings = append(result.Warnings, warnings...)
		if !keep {
			result.Skipped = append(result.Skipped, storage.SkippedIssue{ID: issue.ID, Reason: "missing parent-child target"})
			continue
		}

		if err := store.Create(ctx, issue, opts.Actor); err != nil {
			return nil, fmt.Errorf("importer: create %s: %w", issue.ID, err)
		}
		result.Created = append(result.Created, issue.ID)
		knownIDs[issue.ID] = true

		if err := reconcile(ctx, store, issue, issue, opts); err != nil {
			if opts.Strict {
				return nil, err
			}
			result.Warnings = append(result.Warnings, err.Error())
		}
	}

	return result, nil
}

func containsMassDeletion(warning string) bool {
	return len(warning) > 0 && (warning[0] == 'm' || warning[0] == 'M') &&
		len(warning) >= 13 && warning[1:13] == "ass deletion"
}

// loadLocalSnapshot hydrates every non-ephemeral issue in store with its
// relational children, mirroring the shape export() produces, so it can
// stand in as the "local" side of a three-way merge.
func loadLocalSnapshot(ctx context.Context, store storage.Storage) ([]*types.Issue, error) {
	issues, err := store.List(ctx, types.IssueFilter{IncludeTombstones: true})
	if err != nil {
		return nil, fmt.Errorf("importer: load local snapshot: %w", err)
	}
	for _, issue := range issues {
		deps, err := store.GetDependencies(ctx, issue.ID)
		if err != nil {
			return nil, err
		}
		issue.Dependencies = deps
		labels, err := store.GetLabels(ctx, issue.ID)
		if err != nil {
			return nil, err
		}
		issue.Labels = labels
		comments, err := store.GetComments(ctx, issue.ID)
		if err != nil {
			return nil, err
		}
		issue.Comments = comments
	}
	return issues, nil
}

// localEditedAfterProtection reports whether an existing issue's last edit
// happened after its export-protection timestamp, meaning a genuine local
// change occurred post-export that an import of the exported snapshot must
// not clobber.
func localEditedAfterProtection(existing *types.Issue, protectedAt string) bool {
	t, err := time.Parse(time.RFC3339, protectedAt)
	if err != nil {
		return false
	}
	return existing.UpdatedAt.After(t)
}

type collisionIndex struct {
	byID         map[string]*types.Issue
	byHash       map[string][]*types.Issue
	byExternal   map[string]*types.Issue
}

func newIndex(existing []*types.Issue) *collisionIndex {
	idx := &collisionIndex{
		byID:       make(map[string]*types.Issue, len(existing)),
		byHash:     make(map[string][]*types.Issue, len(existing)),
		byExternal: make(map[string]*types.Issue),
	}
	for _, issue := range existing {
		idx.byID[issue.ID] = issue
		idx.byHash[issue.ContentHash] = append(idx.byHash[issue.ContentHash], issue)
		if issue.ExternalRef != nil && *issue.ExternalRef != "" {
			idx.byExternal[*issue.ExternalRef] = issue
		}
	}
	return idx
}

type action int

const (
	actionCreate action = iota
	actionUnchanged
	actionUpdate
	actionRenameSamePrefix
	actionSkipCrossProject
	actionSkipTombstone
)

// classify implements the four-phase collision resolution of §4.6: phase 0
// (external_ref match), phase 1a (exact ID+content match), phase 1b
// (content match, different ID), phase 2 (ID match, content differs),
// phase 3 (no match at all). A tombstone found in the database short-circuits
// every phase: the incoming issue is skipped outright, never resurrected
// (§4.6, §8 P6).
func classify(issue *types.Issue, idx *collisionIndex) (action, *types.Issue) {
	// Phase 0: external reference match takes priority over ID matching,
	// since the same external thing may have been imported under a
	// different local ID by a different collaborator.
	if issue.ExternalRef != nil && *issue.ExternalRef != "" {
		if existing, ok := idx.byExternal[*issue.ExternalRef]; ok {
			if existing.Status == types.StatusTombstone {
				return actionSkipTombstone, existing
			}
			issue.ID = existing.ID
			if existing.ContentHash == issue.ContentHash {
				return actionUnchanged, existing
			}
			return actionUpdate, existing
		}
	}

	if existing, ok := idx.byID[issue.ID]; ok {
		if existing.Status == types.StatusTombstone {
			return actionSkipTombstone, existing
		}
		// Phase 1a: identical ID, identical content — already imported.
		if existing.ContentHash == issue.ContentHash {
			return actionUnchanged, existing
		}
		// Phase 2: same ID, different content.
		return actionUpdate, existing
	}

	// Phase 1b: different ID, identical content to something that exists.
	if dups := idx.byHash[issue.ContentHash]; len(dups) > 0 {
		dup := dups[0]
		if dup.Status == types.StatusTombstone {
			return actionSkipTombstone, dup
		}
		if prefixOf(dup.ID) == prefixOf(issue.ID) {
			return actionRenameSamePrefix, dup
		}
		return actionSkipCrossProject, dup
	}

	// Phase 3: genuinely new.
	return actionCreate, nil
}

// resolveOrphans applies opts.OrphanMode to any parent-child dependency
// whose target is neither already in the store nor part of this batch
// (§4.6 orphan handling). It returns keep=false when the whole issue should
// be skipped (OrphanSkip), and an error only for OrphanStrict.
func resolveOrphans(ctx context.Context, store storage.Storage, issue *types.Issue, knownIDs map[string]bool, opts storage.ImportOptions) (keep bool, warnings []string, err error) {
	if len(issue.Dependencies) == 0 {
		return true, nil, nil
	}
	kept := issue.Dependencies[:0:0]
	for _, dep := range issue.Dependencies {
		if dep.Type != types.DepParentChild || types.IsExternalTarget(dep.Target) || knownIDs[dep.Target] {
			kept = append(kept, dep)
			continue
		}

		switch opts.OrphanMode {
		case storage.OrphanStrict:
			return false, nil, beaderr.New(beaderr.NotFound,
				fmt.Sprintf("issue %s references missing parent %s", issue.ID, dep.Target))
		case storage.OrphanSkip:
			return false, nil, nil
		case storage.OrphanResurrect:
			stub := resurrectedPlaceholder(ctx, store, dep.Target, issue)
			if err := store.Create(ctx, stub, opts.Actor); err != nil {
				return false, nil, fmt.Errorf("importer: resurrect %s: %w", dep.Target, err)
			}
			knownIDs[dep.Target] = true
			kept = append(kept, dep)
			warnings = append(warnings, fmt.Sprintf("resurrected missing parent %s for %s", dep.Target, issue.ID))
		default: // OrphanAllow
			warnings = append(warnings, fmt.Sprintf("dropped dangling parent-child edge %s -> %s", issue.ID, dep.Target))
		}
	}
	issue.Dependencies = kept
	return true, warnings, nil
}

// resurrectedPlaceholder builds the closed stub issue materialized for a
// missing parent-child target under OrphanResurrect (§4.6): historical data
// about targetID wins when store still returns a record for it, falling back
// to a placeholder seeded from the incoming child issue itself.
func resurrectedPlaceholder(ctx context.Context, store storage.Storage, targetID string, child *types.Issue) *types.Issue {
	now := time.Now()
	if historical, err := store.Get(ctx, targetID); err == nil && historical != nil {
		stub := *historical
		stub.Status = types.StatusClosed
		stub.ClosedAt = &now
		stub.CloseReason = "resurrected as orphan placeholder during import"
		stub.DeletedAt = nil
		return &stub
	}
	return &types.Issue{
		ID:          targetID,
		Title:       "resurrected placeholder for " + targetID,
		Description: "Historical record unavailable; recreated because " + child.ID + " referenced it as a parent.",
		Status:      types.StatusClosed,
		ClosedAt:    &now,
		CloseReason: "resurrected as orphan placeholder during import",
		IssueType:   types.TypeTask,
		Priority:    child.Priority,
	}
}

// reconcile additively applies incoming's relational children (dependencies,
// labels, comments) against store, tolerating duplicates. Every child is
// applied under canonical.ID.
func reconcile(ctx context.Context, store storage.Storage, canonical, incoming *types.Issue, opts storage.ImportOptions) error {
	id := canonical.ID

	for _, dep := range incoming.Dependencies {
		d := &types.Dependency{Issue: id, Target: dep.Target, Type: dep.Type, CreatedAt: dep.CreatedAt, CreatedBy: dep.CreatedBy, Metadata: dep.Metadata, ThreadID: dep.ThreadID}
		if err := store.AddDependency(ctx, d, opts.Actor); err != nil {
			if isIgnorableReconcileErr(err) {
				continue
			}
			return fmt.Errorf("importer: reconcile dependency %s -> %s: %w", id, dep.Target, err)
		}
	}

	for _, label := range incoming.Labels {
		if err := store.AddLabel(ctx, id, label, opts.Actor); err != nil {
			if isIgnorableReconcileErr(err) {
				continue
			}
			return fmt.Errorf("importer: reconcile label %s on %s: %w", label, id, err)
		}
	}

	if len(incoming.Comments) > 0 {
		existingComments, err := store.GetComments(ctx, id)
		if err != nil {
			return fmt.Errorf("importer: load existing comments for %s: %w", id, err)
		}
		existingKeys := make(map[string]bool, len(existingComments))
		for _, c := range existingComments {
			existingKeys[commentKey(c.Author, c.Text)] = true
		}
		for _, comment := range incoming.Comments {
			if existingKeys[commentKey(comment.Author, comment.Text)] {
				continue
			}
			if _, err := store.AddComment(ctx, id, comment.Author, comment.Text); err != nil {
				return fmt.Errorf("importer: reconcile comment on %s: %w", id, err)
			}
			existingKeys[commentKey(comment.Author, comment.Text)] = true
		}
	}

	return nil
}

// commentKey identifies a comment for additive-reconciliation dedup by
// (author, text), matching the merge package's comment union rule so a
// repeated import of the same JSONL never duplicates comments (§8 P3).
func commentKey(author, text string) string {
	return author + "\x00" + text
}

func isIgnorableReconcileErr(err error) bool {
	var be *beaderr.Error
	if e, ok := err.(*beaderr.Error); ok {
		be = e
	} else {
		return false
	}
	switch be.Code {
	case beaderr.DuplicateDependency, beaderr.CycleDetected:
		return true
	}
	return false
}
