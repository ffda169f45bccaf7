// Package fragment stores small knowledge units with vector embeddings.
// Vectors live in a chromem-go collection used purely for nearest
// neighbour retrieval; fragment metadata (including a copy of the
// vector) lives in a JSON sidecar that is the system of record for
// exact reads. The two substrates are transactionally independent; the
// integrity report reconciles them.
package fragment

import (
	"strings"
	"time"

	"conductor/internal/fault"
)

// Type classifies what a fragment captures.
type Type string

const (
	TypeQuestion      Type = "question"
	TypeAnswer        Type = "answer"
	TypeNote          Type = "note"
	TypeDocumentation Type = "documentation"
	TypeIssue         Type = "issue"
	TypeSolution      Type = "solution"
	TypeReference     Type = "reference"
)

var fragmentTypes = map[Type]bool{
	TypeQuestion:      true,
	TypeAnswer:        true,
	TypeNote:          true,
	TypeDocumentation: true,
	TypeIssue:         true,
	TypeSolution:      true,
	TypeReference:     true,
}

// Status tracks a fragment's lifecycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

var fragmentStatuses = map[Status]bool{
	StatusActive:   true,
	StatusArchived: true,
	StatusDraft:    true,
}

// Fragment priorities share the issue scale.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Fragment is one stored unit. Vector is managed by the store; its
// length always equals the store dimension.
type Fragment struct {
	ID         string            `json:"id"`
	Title      string            `json:"title,omitempty"`
	Body       string            `json:"body"`
	Type       Type              `json:"type"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RelatedIDs []string          `json:"relatedIds,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	Status     Status            `json:"status"`
	Vector     []float32         `json:"vector,omitempty"`
}

// Clone returns a deep copy.
func (f Fragment) Clone() Fragment {
	cp := f
	cp.Tags = append([]string(nil), f.Tags...)
	cp.RelatedIDs = append([]string(nil), f.RelatedIDs...)
	cp.Vector = append([]float32(nil), f.Vector...)
	if f.Metadata != nil {
		cp.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// embedText is the preimage of the fragment's vector.
func (f Fragment) embedText() string {
	return f.Title + "\n\n" + f.Body
}

func (f *Fragment) validate() error {
	if strings.TrimSpace(f.Title) == "" && strings.TrimSpace(f.Body) == "" {
		return fault.InvalidRequest("fragment needs a title or a body")
	}
	if !fragmentTypes[f.Type] {
		return fault.InvalidRequest("unknown fragment type %q", f.Type)
	}
	if !fragmentStatuses[f.Status] {
		return fault.InvalidRequest("unknown fragment status %q", f.Status)
	}
	if f.Priority != "" && f.Priority != PriorityLow && f.Priority != PriorityMedium && f.Priority != PriorityHigh {
		return fault.InvalidRequest("priority %q must be low, medium or high", f.Priority)
	}
	return nil
}
