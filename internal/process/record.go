// Package process implements the process registry and supervisor: child
// processes run in their own process groups, their output is captured into
// bounded per-process ring buffers, and every record moves through a
// validated state machine from starting to a terminal state.
package process

import (
	"strings"
	"time"

	"conductor/internal/fault"
)

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// validStatuses enumerates all accepted status values.
var validStatuses = map[Status]bool{
	StatusStarting: true,
	StatusRunning:  true,
	StatusStopping: true,
	StatusStopped:  true,
	StatusFailed:   true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal returns true for states with no outgoing edges.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// transitions holds the legal state machine edges. Terminal states have
// no entry.
var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusStopping, StatusStopped, StatusFailed},
	StatusStopping: {StatusStopped, StatusFailed},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority bounds for process specs. Higher dispatches first.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// Stream identifies the origin of a captured log line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamSystem carries supervisor-generated lines such as spawn
	// failures, signal escalations and exit notices.
	StreamSystem Stream = "system"
)

// LogEntry is one captured output line. Oversized lines are split into
// chunks, each stored as its own entry. Seq is monotone per process and
// keeps counting across ring evictions so readers can detect gaps.
type LogEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Text      string    `json:"text"`
}

// Spec describes a process to launch.
type Spec struct {
	// ID is optional; the supervisor mints one when empty. The scheduler
	// passes a stable id so retries of the same submission share one
	// record identity.
	ID       string            `json:"id,omitempty"`
	Title    string            `json:"title"`
	Command  []string          `json:"command"`
	Env      map[string]string `json:"env,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the spec shape. Priority zero means unset and is
// defaulted at admission.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fault.InvalidRequest("title is required")
	}
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return fault.InvalidRequest("command must have at least one element")
	}
	if s.Priority != 0 && (s.Priority < PriorityMin || s.Priority > PriorityMax) {
		return fault.InvalidRequest("priority %d out of range [%d, %d]", s.Priority, PriorityMin, PriorityMax)
	}
	return nil
}

// Record is the registry's view of one process. The registry owns all
// fields; accessors hand out deep copies.
type Record struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Command   []string          `json:"command"`
	Env       map[string]string `json:"env,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	PID       int               `json:"pid,omitempty"`
	Status    Status            `json:"status"`
	Priority  int               `json:"priority"`
	StartTime time.Time         `json:"startTime"`
	EndTime   *time.Time        `json:"endTime,omitempty"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Signal    string            `json:"signal,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	cp := r
	cp.Command = append([]string(nil), r.Command...)
	cp.Env = cloneMap(r.Env)
	cp.Metadata = cloneMap(r.Metadata)
	if r.EndTime != nil {
		t := *r.EndTime
		cp.EndTime = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		cp.ExitCode = &c
	}
	return cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// LogEvent is the payload published on the process.log topic.
type LogEvent struct {
	ProcessID string   `json:"processId"`
	Entry     LogEntry `json:"entry"`
}
