// Package types defines the core data structures for the issue tracker.
package types

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Issue represents a trackable work item.
type Issue struct {
	ID                 string     `json:"id"`
	ContentHash        string     `json:"-"` // derived, never serialized directly
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Design             string     `json:"design,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	Status             Status     `json:"status"`
	Priority           int        `json:"priority"`
	IssueType          IssueType  `json:"issue_type"`
	Assignee           string     `json:"assignee,omitempty"`
	Owner              string     `json:"owner,omitempty"`
	EstimatedMinutes   *int       `json:"estimated_minutes,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	CloseReason        string     `json:"close_reason,omitempty"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
	DeletedBy          string     `json:"deleted_by,omitempty"`
	DeleteReason       string     `json:"delete_reason,omitempty"`
	OriginalType       IssueType  `json:"original_type,omitempty"`
	DueAt              *time.Time `json:"due_at,omitempty"`
	DeferUntil         *time.Time `json:"defer_until,omitempty"`
	ExternalRef        *string    `json:"external_ref,omitempty"`
	SourceSystem       string     `json:"source_system,omitempty"`
	Pinned             bool       `json:"pinned,omitempty"`
	Ephemeral          bool       `json:"ephemeral,omitempty"`
	IsTemplate         bool       `json:"is_template,omitempty"`

	// Relational children, populated only for export/import and explicit fetches.
	Labels       []string      `json:"labels,omitempty"`
	Dependencies []*Dependency `json:"dependencies,omitempty"`
	Comments     []*Comment    `json:"comments,omitempty"`
}

// ComputeContentHash computes the deterministic SHA-256 hash over the fixed,
// ordered field list of §4.1. Labels, dependencies, comments, IDs,
// timestamps, and tombstone metadata are excluded by design.
func (i *Issue) ComputeContentHash() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(i.Title)
	write(i.Description)
	write(i.Design)
	write(i.AcceptanceCriteria)
	write(i.Notes)
	write(string(i.Status))
	write(fmt.Sprintf("%d", i.Priority))
	write(string(i.IssueType))
	write(i.Assignee)
	write(i.Owner)
	write(derefString(i.ExternalRef))
	write(formatTimePtr(i.DueAt))
	write(formatTimePtr(i.DeferUntil))
	write(fmt.Sprintf("%t", i.Pinned))
	write(fmt.Sprintf("%t", i.IsTemplate))
	h.Write([]byte(fmt.Sprintf("%t", i.Ephemeral)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Validate checks the invariants of §3 that apply at the field level.
// Relational invariants (dependency acyclicity, external_ref uniqueness)
// are enforced by the storage layer, not here.
func (i *Issue) Validate() error {
	titleLen := len([]rune(i.Title))
	if titleLen == 0 {
		return fmt.Errorf("title is required")
	}
	if titleLen > 500 {
		return fmt.Errorf("title must be 500 codepoints or fewer (got %d)", titleLen)
	}
	if i.Priority < 0 || i.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if i.EstimatedMinutes != nil && *i.EstimatedMinutes < 0 {
		return fmt.Errorf("estimated_minutes cannot be negative")
	}
	if i.Status == StatusClosed && i.ClosedAt == nil {
		return fmt.Errorf("closed issues must have closed_at timestamp")
	}
	if i.Status != StatusClosed && i.ClosedAt != nil {
		return fmt.Errorf("non-closed issues cannot have closed_at timestamp")
	}
	if i.Status == StatusTombstone && i.DeletedAt == nil {
		return fmt.Errorf("tombstoned issues must have deleted_at timestamp")
	}
	if i.Status != StatusTombstone && i.DeletedAt != nil {
		return fmt.Errorf("non-tombstone issues cannot have deleted_at timestamp")
	}
	return nil
}

// Status represents the workflow state of an issue.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
	StatusTombstone  Status = "tombstone"
	StatusPinned     Status = "pinned"
)

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusDeferred, StatusClosed, StatusTombstone, StatusPinned:
		return true
	}
	return false
}

// IssueType categorizes the kind of work. Workspaces may also configure
// custom type values beyond this builtin set (§3); IsValid only validates
// the builtin set, custom values are checked against workspace config by
// the caller.
type IssueType string

const (
	TypeBug      IssueType = "bug"
	TypeFeature  IssueType = "feature"
	TypeTask     IssueType = "task"
	TypeEpic     IssueType = "epic"
	TypeChore    IssueType = "chore"
	TypeDocs     IssueType = "docs"
	TypeQuestion IssueType = "question"
)

// IsValid reports whether t is one of the builtin issue types.
func (t IssueType) IsValid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore, TypeDocs, TypeQuestion:
		return true
	}
	return false
}

// DependencyType categorizes the relationship a Dependency expresses.
type DependencyType string

// Workflow-type dependencies participate in blocking and cycle detection.
const (
	DepBlocks            DependencyType = "blocks"
	DepParentChild       DependencyType = "parent-child"
	DepConditionalBlocks DependencyType = "conditional-blocks"
	DepWaitsFor          DependencyType = "waits-for"
)

// Associative dependencies are informational.
const (
	DepRelated        DependencyType = "related"
	DepDiscoveredFrom DependencyType = "discovered-from"
	DepRepliesTo      DependencyType = "replies-to"
	DepRelatesTo      DependencyType = "relates-to"
	DepDuplicates     DependencyType = "duplicates"
	DepSupersedes     DependencyType = "supersedes"
	DepCausedBy       DependencyType = "caused-by"
)

// IsValid reports whether d is a known dependency type.
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepParentChild, DepConditionalBlocks, DepWaitsFor,
		DepRelated, DepDiscoveredFrom, DepRepliesTo, DepRelatesTo,
		DepDuplicates, DepSupersedes, DepCausedBy:
		return true
	}
	return false
}

// IsWorkflowType reports whether d participates in blocking.
func (d DependencyType) IsWorkflowType() bool {
	switch d {
	case DepBlocks, DepParentChild, DepConditionalBlocks, DepWaitsFor:
		return true
	}
	return false
}

// ParticipatesInCycleCheck reports whether d is traversed by cycle
// detection. Every dependency type except relates-to participates (§3,
// §4.4).
func (d DependencyType) ParticipatesInCycleCheck() bool {
	return d != DepRelatesTo
}

// IsExternalTarget reports whether target names an external reference of
// shape "external:<project>:<capability>".
func IsExternalTarget(target string) bool {
	return strings.HasPrefix(target, "external:")
}

// ParseExternalTarget splits an external reference into project and
// capability. ok is false if target is not well-formed.
func ParseExternalTarget(target string) (project, capability string, ok bool) {
	if !IsExternalTarget(target) {
		return "", "", false
	}
	rest := strings.TrimPrefix(target, "external:")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Dependency is a directed edge from Issue to Target. Target may be
// another issue's ID or an external reference string; there is
// intentionally no foreign key on Target (§9).
type Dependency struct {
	Issue     string         `json:"issue"`
	Target    string         `json:"target"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	Metadata  string         `json:"metadata,omitempty"` // opaque JSON
	ThreadID  string         `json:"thread_id,omitempty"`
}

// Comment is an append-only child of an issue.
type Comment struct {
	ID        int64     `json:"id"`
	IssueID   string    `json:"issue_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType categorizes an audit trail entry.
type EventType string

const (
	EventCreated           EventType = "created"
	EventUpdated           EventType = "updated"
	EventStatusChanged     EventType = "status_changed"
	EventPriorityChanged   EventType = "priority_changed"
	EventAssigneeChanged   EventType = "assignee_changed"
	EventCommented         EventType = "commented"
	EventClosed            EventType = "closed"
	EventReopened          EventType = "reopened"
	EventDependencyAdded   EventType = "dependency_added"
	EventDependencyRemoved EventType = "dependency_removed"
	EventLabelAdded        EventType = "label_added"
	EventLabelRemoved      EventType = "label_removed"
	EventDeleted           EventType = "deleted"
	EventRestored          EventType = "restored"
)

// Event is an audit trail entry recorded against an issue.
type Event struct {
	ID        int64     `json:"id"`
	IssueID   string    `json:"issue_id"`
	EventType EventType `json:"event_type"`
	Actor     string    `json:"actor"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  *string   `json:"new_value,omitempty"`
	Comment   *string   `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BlockedIssue extends Issue with the set of issues blocking it.
type BlockedIssue struct {
	Issue
	BlockedByCount int      `json:"blocked_by_count"`
	BlockedBy      []string `json:"blocked_by"`
}

// TreeNode is a node in a flattened dependency tree.
type TreeNode struct {
	Issue
	Depth     int    `json:"depth"`
	ParentID  string `json:"parent_id,omitempty"`
	Truncated bool   `json:"truncated"`
}

// Statistics provides aggregate metrics over the workspace.
type Statistics struct {
	TotalIssues      int     `json:"total_issues"`
	OpenIssues       int     `json:"open_issues"`
	InProgressIssues int     `json:"in_progress_issues"`
	ClosedIssues     int     `json:"closed_issues"`
	BlockedIssues    int     `json:"blocked_issues"`
	ReadyIssues      int     `json:"ready_issues"`
	TombstoneIssues  int     `json:"tombstone_issues"`
	AverageLeadTime  float64 `json:"average_lead_time_hours"`
}

// IssueFilter filters issue queries (§4.3 list/search).
type IssueFilter struct {
	Statuses          []Status
	Types             []IssueType
	PriorityMin       *int
	PriorityMax       *int
	Assignee          *string
	Owner             *string
	Labels            []string // AND semantics
	LabelsAny         []string // OR semantics
	TitleSearch       string
	IDs               []string
	ExcludeIDs        []string
	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
	UpdatedAfter      *time.Time
	UpdatedBefore     *time.Time
	HasExternalRef    *bool
	Overdue           bool
	Deferred          bool
	Pinned            *bool
	IncludeTombstones bool
	ParentSubtree     string
	Limit             int
	Offset            int
}

// SortPolicy determines how ready work is ordered.
type SortPolicy string

const (
	SortPolicyHybrid   SortPolicy = "hybrid"
	SortPolicyPriority SortPolicy = "priority"
	SortPolicyOldest   SortPolicy = "oldest"
)

// IsValid reports whether s is a known sort policy (including the empty
// default).
func (s SortPolicy) IsValid() bool {
	switch s {
	case SortPolicyHybrid, SortPolicyPriority, SortPolicyOldest, "":
		return true
	}
	return false
}

// WorkFilter filters ready-work queries.
type WorkFilter struct {
	Assignee    *string
	PriorityMax *int
	Labels      []string
	Limit       int
	SortPolicy  SortPolicy
}

// TreeDirection selects which edge direction a dependency tree walks.
type TreeDirection string

const (
	TreeDown TreeDirection = "down" // what this issue blocks on
	TreeUp   TreeDirection = "up"   // what depends on this issue
)
