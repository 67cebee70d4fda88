package importer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/types"
)

var conflictMarkers = [][]byte{
	[]byte("<<<<<<<"),
	[]byte("======="),
	[]byte(">>>>>>>"),
}

// hasConflictMarkers reports whether data contains an unresolved git-style
// merge conflict marker line.
func hasConflictMarkers(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		for _, marker := range conflictMarkers {
			if bytes.HasPrefix(trimmed, marker) {
				return true
			}
		}
	}
	return false
}

// readJSONL reads and parses a JSONL issue file, guarding against unresolved
// conflict markers before attempting to decode any line.
func readJSONL(path string) ([]*types.Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("importer: read %s: %w", path, err)
	}
	if hasConflictMarkers(data) {
		return nil, beaderr.New(beaderr.ConflictMarkers, "unresolved merge conflict markers in "+path).
			WithHint("resolve the conflict before importing")
	}

	var issues []*types.Issue
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var issue types.Issue
		if err := json.Unmarshal(line, &issue); err != nil {
			return nil, beaderr.Wrap(beaderr.JSONLParseError, err, fmt.Sprintf("%s line %d: %v", path, lineNo, err))
		}
		issues = append(issues, &issue)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("importer: scan %s: %w", path, err)
	}
	return issues, nil
}

// normalize fills in defaults a freshly-decoded issue may be missing and
// recomputes its content hash (ContentHash is never serialized, so every
// decoded issue arrives with it zeroed).
func normalize(issue *types.Issue, now time.Time) {
	issue.Title = strings.TrimSpace(issue.Title)
	if issue.Status == "" {
		issue.Status = types.StatusOpen
	}
	if issue.IssueType == "" {
		issue.IssueType = types.TypeTask
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = issue.CreatedAt
	}
	// Defense in depth: a wisp token marks its issue ephemeral regardless of
	// what the incoming row claims, mirroring the NOT LIKE '%-wisp-%' ready
	// filter (§4.6 step 2).
	if strings.Contains(issue.ID, "-wisp-") {
		issue.Ephemeral = true
	}
	// Closed-at invariant: a closed issue missing closed_at gets one stamped
	// at normalization time so it never violates §3 invariant 1 on insert.
	if issue.Status == types.StatusClosed && issue.ClosedAt == nil {
		closedAt := issue.UpdatedAt
		issue.ClosedAt = &closedAt
	}
	if issue.Status != types.StatusClosed {
		issue.ClosedAt = nil
	}
	if issue.Status == types.StatusTombstone && issue.DeletedAt == nil {
		deletedAt := issue.UpdatedAt
		issue.DeletedAt = &deletedAt
	}
	if issue.Status != types.StatusTombstone {
		issue.DeletedAt = nil
	}
	if issue.ExternalRef != nil {
		canonical := canonicalizeExternalRef(*issue.ExternalRef)
		issue.ExternalRef = &canonical
	}
	for _, dep := range issue.Dependencies {
		if types.IsExternalTarget(dep.Target) {
			dep.Target = canonicalizeExternalRef(dep.Target)
		}
	}
	issue.ContentHash = issue.ComputeContentHash()
}

// canonicalizeExternalRef normalizes an external:<project>:<capability>
// reference so a slug form and an ID form referring to the same external
// thing converge on one representation (§4.6 normalization step 3): leading
// and trailing whitespace is trimmed and the project/capability components
// are lowercased, since external references are compared byte-for-byte
// downstream and casing drift is the most common source of accidental
// duplicate external targets. Non-external or malformed strings pass through
// unchanged.
func canonicalizeExternalRef(ref string) string {
	project, capability, ok := types.ParseExternalTarget(strings.TrimSpace(ref))
	if !ok {
		return ref
	}
	return "external:" + strings.ToLower(strings.TrimSpace(project)) + ":" + strings.ToLower(strings.TrimSpace(capability))
}

// dedupeBatch drops later duplicates within the same import batch: first by
// content hash, then by ID, first occurrence wins.
func dedupeBatch(issues []*types.Issue) []*types.Issue {
	seenHash := map[string]bool{}
	seenID := map[string]bool{}
	out := make([]*types.Issue, 0, len(issues))
	for _, issue := range issues {
		if seenHash[issue.ContentHash] || seenID[issue.ID] {
			continue
		}
		seenHash[issue.ContentHash] = true
		seenID[issue.ID] = true
		out = append(out, issue)
	}
	return out
}

// prefixOf extracts the project prefix from an issue ID ("bd-1a2" -> "bd"),
// falling back to the whole ID if it carries no separator.
func prefixOf(id string) string {
	if idx := strings.Index(id, "-"); idx >= 0 {
		return id[:idx]
	}
	return id
}

// checkPrefix validates id's prefix against the workspace's own prefix and
// any additionally allowed prefixes (§6.2 multi-workspace imports).
func checkPrefix(id, primary string, allowed []string) bool {
	p := prefixOf(id)
	if p == primary {
		return true
	}
	for _, a := range allowed {
		if p == a {
			return true
		}
	}
	return false
}

// changesFromIssue builds the Update() changes map that would bring an
// existing issue's mutable fields in line with incoming. Status is omitted
// when incoming is a tombstone; callers route that case through Delete
// instead, since Update rejects status=tombstone outright.
func changesFromIssue(incoming *types.Issue) map[string]any {
	changes := map[string]any{
		"title":               incoming.Title,
		"description":         incoming.Description,
		"design":              incoming.Design,
		"acceptance_criteria": incoming.AcceptanceCriteria,
		"notes":               incoming.Notes,
		"priority":            incoming.Priority,
		"issue_type":          string(incoming.IssueType),
		"assignee":            incoming.Assignee,
		"owner":               incoming.Owner,
		"pinned":              incoming.Pinned,
		"is_template":         incoming.IsTemplate,
	}
	if incoming.Status != types.StatusTombstone {
		changes["status"] = string(incoming.Status)
	}
	if incoming.EstimatedMinutes != nil {
		changes["estimated_minutes"] = *incoming.EstimatedMinutes
	}
	if incoming.DueAt != nil {
		changes["due_at"] = *incoming.DueAt
	}
	if incoming.DeferUntil != nil {
		changes["defer_until"] = *incoming.DeferUntil
	}
	if incoming.ExternalRef != nil {
		changes["external_ref"] = *incoming.ExternalRef
	}
	return changes
}
