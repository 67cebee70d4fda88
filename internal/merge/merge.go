// Package merge implements the three-way merge of §4.6: base/local/remote
// issue sets reconciled field-by-field when all three diverge, with
// deletion-vs-modification resolution, tombstone TTL, and a mass-deletion
// heuristic.
package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/beadscore/beads/internal/types"
)

// TombstoneTTL is how long a tombstone is kept before merge may drop it
// (§4.6 "Tombstones survive merge unless expired"), with a grace window to
// absorb clock skew between collaborators.
const (
	TombstoneTTL  = 90 * 24 * time.Hour
	TombstoneGrace = 6 * time.Hour
)

// massDeletionThreshold and massDeletionMinBase gate the "mass deletion"
// warning: only worth raising on a base large enough that a majority
// vanishing is meaningful.
const (
	massDeletionThreshold = 0.5
	massDeletionMinBase   = 5
)

// Result is the outcome of a 3-way merge: the reconciled issue set plus any
// advisory warnings (mass-deletion heuristic, tombstone expiry).
type Result struct {
	Issues   []*types.Issue
	Warnings []string
}

// Merge reconciles base (B), local (L), and remote (R) issue snapshots per
// the table in §4.6. It does not touch storage; callers feed the result
// back through the normal import pipeline as the new "incoming" set.
func Merge(base, local, remote []*types.Issue) *Result {
	baseByID := indexByID(base)
	localByID := indexByID(local)
	remoteByID := indexByID(remote)

	ids := unionIDs(baseByID, localByID, remoteByID)
	sort.Strings(ids)

	var merged []*types.Issue
	var removedFromBase int

	for _, id := range ids {
		b, inBase := baseByID[id]
		l, inLocal := localByID[id]
		r, inRemote := remoteByID[id]

		switch {
		case inBase && inLocal && inRemote:
			merged = append(merged, resolveThreeWay(b, l, r))

		case inBase && inLocal && !inRemote:
			// Deleted remotely; kept (or edited) locally.
			if issuesEqual(b, l) {
				removedFromBase++ // deletion wins over no local change
				continue
			}
			merged = append(merged, l) // local edit wins over remote deletion

		case inBase && !inLocal && inRemote:
			// Deleted locally; kept (or edited) remotely.
			if issuesEqual(b, r) {
				removedFromBase++
				continue
			}
			merged = append(merged, r)

		case inBase && !inLocal && !inRemote:
			removedFromBase++ // deleted on both sides

		case !inBase && inLocal && inRemote:
			if issuesEqual(l, r) {
				merged = append(merged, l)
			} else {
				merged = append(merged, lastWriterWins(l, r))
			}

		case !inBase && inLocal && !inRemote:
			merged = append(merged, l)

		case !inBase && !inLocal && inRemote:
			merged = append(merged, r)
		}
	}

	merged = expireTombstones(merged)

	var warnings []string
	if len(base) > massDeletionMinBase {
		fraction := float64(removedFromBase) / float64(len(base))
		if fraction > massDeletionThreshold {
			warnings = append(warnings, fmt.Sprintf(
				"mass deletion detected: %d of %d base issues (%.0f%%) are absent from the merge result",
				removedFromBase, len(base), fraction*100))
		}
	}

	return &Result{Issues: merged, Warnings: warnings}
}

func indexByID(issues []*types.Issue) map[string]*types.Issue {
	out := make(map[string]*types.Issue, len(issues))
	for _, issue := range issues {
		out[issue.ID] = issue
	}
	return out
}

func unionIDs(maps ...map[string]*types.Issue) []string {
	seen := map[string]bool{}
	var ids []string
	for _, m := range maps {
		for id := range m {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// issuesEqual reports structural equality ignoring fields a merge doesn't
// care about preserving byte-for-byte (content hash is derived).
func issuesEqual(a, b *types.Issue) bool {
	return cmp.Equal(a, b, cmpopts.IgnoreFields(types.Issue{}, "ContentHash"))
}

// lastWriterWins picks the issue with the later UpdatedAt, used when two
// sides both introduce the same ID with different content and there is no
// base version to diff against.
func lastWriterWins(l, r *types.Issue) *types.Issue {
	if r.UpdatedAt.After(l.UpdatedAt) {
		return r
	}
	return l
}

// resolveThreeWay implements the base/local/remote resolution table: take
// the unchanged side outright when only one side diverged, and run
// field-level resolution when both diverged.
func resolveThreeWay(b, l, r *types.Issue) *types.Issue {
	localChanged := !issuesEqual(b, l)
	remoteChanged := !issuesEqual(b, r)

	switch {
	case !localChanged && !remoteChanged:
		return b
	case !localChanged && remoteChanged:
		return r
	case localChanged && !remoteChanged:
		return l
	default:
		return resolveFields(b, l, r)
	}
}

// resolveFields applies the per-field resolution rules of §4.6 when both
// local and remote diverge from base.
func resolveFields(b, l, r *types.Issue) *types.Issue {
	newer := l
	if r.UpdatedAt.After(l.UpdatedAt) {
		newer = r
	}

	out := *newer // start from the newer side's scalar fields as a baseline

	out.Title = mergeScalar(b.Title, l.Title, r.Title, newer.Title)
	out.Description = mergeScalar(b.Description, l.Description, r.Description, newer.Description)

	out.Notes = mergeNotes(b.Notes, l.Notes, r.Notes)

	out.Status, out.ClosedAt, out.CloseReason = mergeStatus(l, r)

	out.Priority = mergePriority(b.Priority, l.Priority, r.Priority)
	out.UpdatedAt = newer.UpdatedAt

	out.Labels = unionLabels(l.Labels, r.Labels)
	out.Dependencies = mergeDependencies(b.Dependencies, l.Dependencies, r.Dependencies)
	out.Comments = unionComments(l.Comments, r.Comments)

	out.ContentHash = out.ComputeContentHash()
	return &out
}

// mergeScalar resolves a single scalar field three ways: the side that
// alone changed it wins outright; when both changed it to the same value
// that value wins; when both changed it to different values the newer
// side wins. Used for fields the spec singles out (title, description)
// rather than deferring to "newer" wholesale.
func mergeScalar(base, l, r, newer string) string {
	lChanged := l != base
	rChanged := r != base
	switch {
	case lChanged && rChanged:
		if l == r {
			return l
		}
		return newer
	case lChanged:
		return l
	case rChanged:
		return r
	default:
		return base
	}
}

// mergeNotes concatenates both sides' notes with a stable separator when
// both diverged to different values; otherwise takes whichever side
// changed.
func mergeNotes(base, l, r string) string {
	lChanged := l != base
	rChanged := r != base
	switch {
	case lChanged && rChanged && l != r:
		return l + "\n---\n" + r
	case lChanged:
		return l
	case rChanged:
		return r
	default:
		return base
	}
}

// mergeStatus: closed dominates any non-closed status on the other side.
func mergeStatus(l, r *types.Issue) (types.Status, *time.Time, string) {
	lClosed := l.Status == types.StatusClosed
	rClosed := r.Status == types.StatusClosed
	switch {
	case lClosed && rClosed:
		if r.UpdatedAt.After(l.UpdatedAt) {
			return r.Status, r.ClosedAt, r.CloseReason
		}
		return l.Status, l.ClosedAt, l.CloseReason
	case lClosed:
		return l.Status, l.ClosedAt, l.CloseReason
	case rClosed:
		return r.Status, r.ClosedAt, r.CloseReason
	default:
		if r.UpdatedAt.After(l.UpdatedAt) {
			return r.Status, r.ClosedAt, r.CloseReason
		}
		return l.Status, l.ClosedAt, l.CloseReason
	}
}

// mergePriority: lower number wins: 0 is treated as "unset" when it is
// competing against a genuinely set priority on the other side, per §4.6.
func mergePriority(base, l, r int) int {
	if l == base && r == base {
		return base
	}
	lCompeting, rCompeting := l, r
	if l == 0 && r != 0 {
		lCompeting = 5 // worse than any valid priority so r wins
	}
	if r == 0 && l != 0 {
		rCompeting = 5
	}
	if lCompeting <= rCompeting {
		return l
	}
	return r
}

func unionLabels(l, r []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, label := range l {
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	for _, label := range r {
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

func depKey(d *types.Dependency) string {
	return d.Issue + "|" + d.Target + "|" + string(d.Type)
}

// mergeDependencies performs a 3-way merge on edge sets: a removal (present
// in base, absent from one side) wins over an unrelated addition elsewhere,
// per §4.6 ("dependencies 3-way where removals win over additions").
func mergeDependencies(base, l, r []*types.Dependency) []*types.Dependency {
	baseSet := depSet(base)
	lSet := depSet(l)
	rSet := depSet(r)

	out := map[string]*types.Dependency{}
	order := []string{}
	add := func(d *types.Dependency) {
		k := depKey(d)
		if _, ok := out[k]; !ok {
			order = append(order, k)
		}
		out[k] = d
	}

	for k, d := range lSet {
		if _, inBase := baseSet[k]; inBase {
			if _, stillInRemote := rSet[k]; !stillInRemote {
				continue // removed remotely
			}
		}
		add(d)
	}
	for k, d := range rSet {
		if _, inBase := baseSet[k]; inBase {
			if _, stillInLocal := lSet[k]; !stillInLocal {
				continue // removed locally
			}
		}
		if _, already := out[k]; !already {
			add(d)
		}
	}

	sort.Strings(order)
	result := make([]*types.Dependency, 0, len(order))
	for _, k := range order {
		result = append(result, out[k])
	}
	return result
}

func depSet(deps []*types.Dependency) map[string]*types.Dependency {
	out := make(map[string]*types.Dependency, len(deps))
	for _, d := range deps {
		out[depKey(d)] = d
	}
	return out
}

func commentKey(c *types.Comment) string {
	if c.ID != 0 {
		return fmt.Sprintf("id:%d", c.ID)
	}
	return c.Author + "|" + c.Text
}

// unionComments merges two comment lists, deduping by (author, text) or by
// ID when one was already persisted, per §4.6.
func unionComments(l, r []*types.Comment) []*types.Comment {
	seen := map[string]bool{}
	var out []*types.Comment
	for _, c := range l {
		k := commentKey(c)
		if !seen[k] {
			seen[k] = true
			out = append(out, c)
		}
	}
	for _, c := range r {
		k := commentKey(c)
		if !seen[k] {
			seen[k] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// expireTombstones drops tombstones whose deletion is older than
// TombstoneTTL plus the clock-skew grace window; all other issues pass
// through unchanged.
func expireTombstones(issues []*types.Issue) []*types.Issue {
	now := time.Now()
	out := make([]*types.Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.Status == types.StatusTombstone && issue.DeletedAt != nil {
			if now.Sub(*issue.DeletedAt) > TombstoneTTL+TombstoneGrace {
				continue
			}
		}
		out = append(out, issue)
	}
	return out
}
