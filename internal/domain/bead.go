// Package domain holds the value types shared across the loop: tracked work
// items, point-in-time snapshots, phase and iteration outcomes, and the
// bookkeeping state (circuit breaker, skip list) the loop controller owns.
package domain

import "regexp"

// idPattern is the only defense against command-argument injection: every id
// handed to a tracker or git subprocess must match this before it is used as
// an argument.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidID reports whether s is a syntactically valid bead id.
func ValidID(s string) bool {
	return s != "" && idPattern.MatchString(s)
}

// IssueType is the kind of tracked work item.
type IssueType string

const (
	IssueEpic    IssueType = "epic"
	IssueFeature IssueType = "feature"
	IssueTask    IssueType = "task"
	IssueBug     IssueType = "bug"
)

// Status is the lifecycle state of a Bead, owned by the tracker.
type Status string

const (
	StatusOpen       Status = "open"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusBlocked    Status = "blocked"
)

// Bead is a tracked work item. Lifecycle fields are owned by the tracker;
// the loop treats a Bead as an immutable value once fetched.
type Bead struct {
	ID          string
	Title       string
	Type        IssueType
	Status      Status
	Parent      string // empty if no parent
	Priority    int    // lower is higher priority; 0 means unset
	Description string
}

// MaxAncestorDepth bounds parent-chain walks; cycles are never expected but
// must terminate rather than loop forever.
const MaxAncestorDepth = 10
