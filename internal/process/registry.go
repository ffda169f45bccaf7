package process

import (
	"sort"
	"strings"
	"sync"
	"time"

	"conductor/internal/fault"
	"conductor/internal/logging"
)

// Filter selects records in Query and Count. The zero value matches
// every record.
type Filter struct {
	Statuses      []Status
	IDs           []string
	TitleContains string
	StartedAfter  time.Time
	StartedBefore time.Time
}

func (f Filter) matches(r *Record) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.IDs) > 0 {
		ok := false
		for _, id := range f.IDs {
			if r.ID == id {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.TitleContains != "" && !strings.Contains(strings.ToLower(r.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	if !f.StartedAfter.IsZero() && r.StartTime.Before(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !r.StartTime.Before(f.StartedBefore) {
		return false
	}
	return true
}

// SortField names a sortable record field.
type SortField string

const (
	SortByStartTime SortField = "startTime"
	SortByTitle     SortField = "title"
	SortByStatus    SortField = "status"
	SortByPriority  SortField = "priority"
)

// Sort orders Query results. The zero value sorts by start time,
// newest first.
type Sort struct {
	Field SortField
	Asc   bool
}

// Page bounds Query results. Zero Limit means no cap.
type Page struct {
	Offset int
	Limit  int
}

// Registry is the in-memory source of truth for process records and their
// log rings. All mutation funnels through Add, Update and AppendLog so
// state transitions are validated in exactly one place.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	rings   map[string]*logRing
	logCap  int
	logger  logging.Logger
}

// NewRegistry builds a registry whose rings hold logBufferSize entries
// each; zero or negative falls back to DefaultLogBufferSize.
func NewRegistry(logBufferSize int, logger logging.Logger) *Registry {
	if logBufferSize <= 0 {
		logBufferSize = DefaultLogBufferSize
	}
	return &Registry{
		records: make(map[string]*Record),
		rings:   make(map[string]*logRing),
		logCap:  logBufferSize,
		logger:  logging.OrNop(logger),
	}
}

// Add inserts a new record and allocates its log ring.
func (g *Registry) Add(rec Record) error {
	if rec.ID == "" {
		return fault.InvalidRequest("record id is required")
	}
	if !rec.Status.IsValid() {
		return fault.InvalidRequest("unknown status %q", rec.Status)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[rec.ID]; exists {
		return fault.Conflict("process %s already registered", rec.ID)
	}
	cp := rec.Clone()
	g.records[rec.ID] = &cp
	g.rings[rec.ID] = newLogRing(g.logCap)
	return nil
}

// Get returns a deep copy of the record.
func (g *Registry) Get(id string) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Update applies mutate to a copy of the record, validates any status
// change against the state machine and commits. The returned record is a
// copy of the committed state. The record id cannot be changed.
func (g *Registry) Update(id string, mutate func(*Record)) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.records[id]
	if !ok {
		return Record{}, fault.NotFound("process %s", id)
	}
	next := cur.Clone()
	mutate(&next)
	next.ID = cur.ID
	if next.Status != cur.Status {
		if !next.Status.IsValid() {
			return Record{}, fault.InvalidRequest("unknown status %q", next.Status)
		}
		if !CanTransition(cur.Status, next.Status) {
			return Record{}, fault.Conflict("invalid transition %s to %s for process %s", cur.Status, next.Status, id)
		}
	}
	g.records[id] = &next
	return next.Clone(), nil
}

// Remove deletes the record and its log ring. Returns false when absent.
func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[id]; !ok {
		return false
	}
	delete(g.records, id)
	delete(g.rings, id)
	return true
}

// AppendLog pushes one line into the process ring, stamping sequence and
// timestamp. Appends are accepted in any state so late pipe drains after
// exit still land. Returns false when the process is unknown.
func (g *Registry) AppendLog(id string, stream Stream, text string) (LogEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ring, ok := g.rings[id]
	if !ok {
		return LogEntry{}, false
	}
	return ring.append(time.Now().UTC(), stream, text), true
}

// Logs returns a filtered snapshot of the ring in sequence order.
func (g *Registry) Logs(id string, f LogFilter) ([]LogEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ring, ok := g.rings[id]
	if !ok {
		return nil, fault.NotFound("process %s", id)
	}
	return ring.snapshot(f), nil
}

// Query returns deep copies of the records matching the filter, sorted
// and paged.
func (g *Registry) Query(f Filter, s Sort, p Page) []Record {
	g.mu.RLock()
	matched := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		if f.matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	g.mu.RUnlock()

	sortRecords(matched, s)

	if p.Offset > 0 {
		if p.Offset >= len(matched) {
			return []Record{}
		}
		matched = matched[p.Offset:]
	}
	if p.Limit > 0 && len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}
	return matched
}

// Count returns the number of records matching the filter.
func (g *Registry) Count(f Filter) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, rec := range g.records {
		if f.matches(rec) {
			n++
		}
	}
	return n
}

func sortRecords(recs []Record, s Sort) {
	less := func(a, b *Record) bool {
		switch s.Field {
		case SortByTitle:
			if a.Title != b.Title {
				return a.Title < b.Title
			}
		case SortByStatus:
			if a.Status != b.Status {
				return a.Status < b.Status
			}
		case SortByPriority:
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
		default:
			if !a.StartTime.Equal(b.StartTime) {
				return a.StartTime.Before(b.StartTime)
			}
		}
		return a.ID < b.ID
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if s.Asc {
			return less(&recs[i], &recs[j])
		}
		return less(&recs[j], &recs[i])
	})
}
