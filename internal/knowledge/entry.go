// Package knowledge is the file-backed store for issues and the project
// milestone. Entries live as markdown files with YAML frontmatter under a
// root directory whose subfolders mirror entry status; the milestone is
// the singleton GOAL.md at the root. Bodies may cross-reference other
// entries with [[ID]] tokens.
package knowledge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"conductor/internal/fault"
)

// Type discriminates the two entry kinds.
type Type string

const (
	TypeIssue     Type = "issue"
	TypeMilestone Type = "milestone"
)

// prefix returns the ID prefix for the type, e.g. ISSUE_12.
func (t Type) prefix() string {
	switch t {
	case TypeMilestone:
		return "MILESTONE"
	default:
		return "ISSUE"
	}
}

// Status drives which folder an entry file lives in.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusArchived   Status = "archived"
)

// statusOrder is both the Get lookup order and the on-disk folder set.
var statusOrder = []Status{StatusOpen, StatusInProgress, StatusCompleted, StatusArchived}

// Valid reports whether the status is one of the recognized values.
func (s Status) Valid() bool {
	for _, st := range statusOrder {
		if s == st {
			return true
		}
	}
	return false
}

// Issue priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// priorityRank orders priorities for sorting. Unknown values sort first.
func priorityRank(p string) int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	default:
		return 0
	}
}

func validPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

var (
	idPattern  = regexp.MustCompile(`^[A-Z]+_\d+$`)
	tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Entry is one knowledge unit. Issue and milestone fields are mutually
// exclusive by Type; the codec only persists the relevant ones.
type Entry struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Status      Status            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Content     string            `json:"content"`

	// Issue fields.
	Priority   string     `json:"priority,omitempty"`
	Assignee   string     `json:"assignee,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	RelatedIDs []string   `json:"relatedIds,omitempty"`

	// Milestone fields.
	Title           string     `json:"title,omitempty"`
	TargetDate      *time.Time `json:"targetDate,omitempty"`
	Progress        int        `json:"progress,omitempty"`
	RelatedIssueIDs []string   `json:"relatedIssueIds,omitempty"`
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	cp := e
	cp.Tags = append([]string(nil), e.Tags...)
	cp.RelatedIDs = append([]string(nil), e.RelatedIDs...)
	cp.RelatedIssueIDs = append([]string(nil), e.RelatedIssueIDs...)
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.DueDate != nil {
		t := *e.DueDate
		cp.DueDate = &t
	}
	if e.TargetDate != nil {
		t := *e.TargetDate
		cp.TargetDate = &t
	}
	return cp
}

// validate checks the fields a caller can influence.
func (e *Entry) validate() error {
	if !e.Status.Valid() {
		return fault.InvalidRequest("unknown status %q", e.Status)
	}
	for _, tag := range e.Tags {
		if !tagPattern.MatchString(tag) {
			return fault.InvalidRequest("tag %q must match [A-Za-z0-9_-]+", tag)
		}
	}
	switch e.Type {
	case TypeIssue:
		if !validPriority(e.Priority) {
			return fault.InvalidRequest("priority %q must be low, medium or high", e.Priority)
		}
	case TypeMilestone:
		if strings.TrimSpace(e.Title) == "" {
			return fault.InvalidRequest("milestone title is required")
		}
		if e.Progress < 0 || e.Progress > 100 {
			return fault.InvalidRequest("progress %d out of range [0, 100]", e.Progress)
		}
	default:
		return fault.InvalidRequest("unknown entry type %q", e.Type)
	}
	return nil
}

// checkID rejects ids that do not match the PREFIX_N shape before they
// can reach the filesystem.
func checkID(id string) error {
	if !idPattern.MatchString(id) {
		return fault.InvalidRequest("id %q must match PREFIX_N, e.g. ISSUE_42", id)
	}
	return nil
}

// parseIDNumber extracts N from a "PREFIX_N.md" filename. Returns false
// for filenames that belong to other prefixes or are not entry files.
func parseIDNumber(filename, prefix string) (int, bool) {
	name := strings.TrimSuffix(filename, ".md")
	if name == filename {
		return 0, false
	}
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func formatID(prefix string, n int) string {
	return fmt.Sprintf("%s_%d", prefix, n)
}
