package knowledge

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"conductor/internal/bus"
	"conductor/internal/fault"
	"conductor/internal/logging"
)

const milestoneFile = "GOAL.md"

// Store owns the knowledge root. One mutex serializes every operation;
// ID allocation, writes and folder moves are multi-step and must not
// interleave.
type Store struct {
	root   string
	bus    *bus.Bus
	logger logging.Logger

	mu sync.Mutex
}

// NewStore opens (and if needed creates) the knowledge root and its
// status folders. The bus may be nil when nothing listens.
func NewStore(root string, b *bus.Bus, logger logging.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fault.InvalidRequest("knowledge root is required")
	}
	s := &Store{root: root, bus: b, logger: logging.OrNop(logger)}
	for _, st := range statusOrder {
		if err := os.MkdirAll(s.folder(st), 0o755); err != nil {
			return nil, fault.WithCause(fault.ErrInternal, err, "create knowledge folder %s", s.folder(st))
		}
	}
	return s, nil
}

func (s *Store) folder(st Status) string {
	return filepath.Join(s.root, string(st))
}

func (s *Store) entryPath(st Status, id string) string {
	return filepath.Join(s.folder(st), id+".md")
}

func (s *Store) milestonePath() string {
	return filepath.Join(s.root, milestoneFile)
}

// NextID returns the next free id for the type: the highest existing
// number across all folders plus one.
func (s *Store) NextID(t Type) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked(t)
}

func (s *Store) nextIDLocked(t Type) (string, error) {
	prefix := t.prefix()
	max := 0
	for _, st := range statusOrder {
		names, err := os.ReadDir(s.folder(st))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fault.WithCause(fault.ErrInternal, err, "scan %s", s.folder(st))
		}
		for _, de := range names {
			if n, ok := parseIDNumber(de.Name(), prefix); ok && n > max {
				max = n
			}
		}
	}
	if t == TypeMilestone {
		if e, err := s.readFile(s.milestonePath()); err == nil {
			if n, ok := parseIDNumber(e.ID+".md", prefix); ok && n > max {
				max = n
			}
		}
	}
	return formatID(prefix, max+1), nil
}

// CreateIssue mints an id and writes the issue into the folder of its
// initial status. Fields the store owns (id, type, timestamps) are
// overwritten on the draft.
func (s *Store) CreateIssue(draft Entry) (Entry, error) {
	e := draft.Clone()
	e.Type = TypeIssue
	if e.Status == "" {
		e.Status = StatusOpen
	}
	if e.Priority == "" {
		e.Priority = PriorityMedium
	}
	e.Title, e.TargetDate, e.RelatedIssueIDs = "", nil, nil
	e.Progress = 0
	if err := e.validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	id, err := s.nextIDLocked(TypeIssue)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	e.ID = id
	now := time.Now().UTC()
	e.Timestamp, e.LastUpdated = now, now
	if err := s.writeLocked(e, s.entryPath(e.Status, id)); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	s.mu.Unlock()

	s.publish(bus.TopicKnowledgeCreated, e.Clone())
	return e, nil
}

// CreateMilestone writes the singleton GOAL.md. A second create is a
// conflict until the existing milestone is deleted.
func (s *Store) CreateMilestone(draft Entry) (Entry, error) {
	e := draft.Clone()
	e.Type = TypeMilestone
	if e.Status == "" {
		e.Status = StatusOpen
	}
	e.Priority, e.Assignee, e.DueDate, e.RelatedIDs = "", "", nil, nil
	if err := e.validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	if _, err := os.Stat(s.milestonePath()); err == nil {
		s.mu.Unlock()
		return Entry{}, fault.Conflict("milestone already exists; update or delete it first")
	}
	id, err := s.nextIDLocked(TypeMilestone)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	e.ID = id
	now := time.Now().UTC()
	e.Timestamp, e.LastUpdated = now, now
	if err := s.writeLocked(e, s.milestonePath()); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	s.mu.Unlock()

	s.publish(bus.TopicKnowledgeCreated, e.Clone())
	return e, nil
}

// Milestone returns the singleton milestone entry.
func (s *Store) Milestone() (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.readFile(s.milestonePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, fault.NotFound("no milestone defined")
		}
		return Entry{}, err
	}
	return e, nil
}

// Get looks the id up across the status folders in status order, then
// falls back to the milestone file.
func (s *Store) Get(id string) (Entry, error) {
	if err := checkID(id); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _, err := s.findLocked(id)
	return e, err
}

// Update applies the mutator to a copy of the entry and persists the
// result. Identity fields and the creation timestamp are restored after
// the mutator runs. A status change relocates the file to the folder of
// the new status; the milestone file never moves.
func (s *Store) Update(id string, mutate func(*Entry)) (Entry, error) {
	if err := checkID(id); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	cur, path, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	next := cur.Clone()
	mutate(&next)
	next.ID = cur.ID
	next.Type = cur.Type
	next.Timestamp = cur.Timestamp
	if err := next.validate(); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	next.LastUpdated = time.Now().UTC()

	if err := s.writeLocked(next, path); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	if next.Type != TypeMilestone && next.Status != cur.Status {
		dst := s.entryPath(next.Status, id)
		if err := moveFile(path, dst); err != nil {
			s.mu.Unlock()
			return Entry{}, fault.WithCause(fault.ErrInternal, err, "move %s to %s", path, dst)
		}
	}
	s.mu.Unlock()

	s.publish(bus.TopicKnowledgeUpdated, next.Clone())
	return next, nil
}

// Delete removes the entry file. Dangling [[id]] references elsewhere
// are tolerated; FindBroken reports them.
func (s *Store) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}

	s.mu.Lock()
	e, path, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := os.Remove(path); err != nil {
		s.mu.Unlock()
		return fault.WithCause(fault.ErrInternal, err, "remove %s", path)
	}
	s.mu.Unlock()

	s.publish(bus.TopicKnowledgeDeleted, e.Clone())
	return nil
}

// Filter narrows Search and Count results. Zero values match everything.
type Filter struct {
	Type      Type
	Status    Status
	Tags      []string // entry must carry at least one
	Priority  string
	ProcessID string
	FullText  string // case-insensitive substring over the body
}

func (f Filter) matches(e Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Priority != "" && e.Priority != f.Priority {
		return false
	}
	if f.ProcessID != "" && e.Metadata["processId"] != f.ProcessID {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(e.Tags, f.Tags) {
		return false
	}
	if f.FullText != "" && !strings.Contains(strings.ToLower(e.Content), strings.ToLower(f.FullText)) {
		return false
	}
	return true
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// SortField selects the Search sort key.
type SortField string

const (
	SortByTimestamp   SortField = "timestamp"
	SortByLastUpdated SortField = "lastUpdated"
	SortByType        SortField = "type"
	SortByPriority    SortField = "priority"
)

// Sort describes result ordering. The zero value sorts by lastUpdated,
// newest first.
type Sort struct {
	Field SortField
	Asc   bool
}

// Page bounds a result window. Limit <= 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}

// Search scans every entry, filters, sorts and paginates. Corrupt or
// vanished files are skipped with a warning rather than failing the
// whole search.
func (s *Store) Search(f Filter, srt Sort, p Page) []Entry {
	s.mu.Lock()
	items := s.scanLocked()
	s.mu.Unlock()

	var out []Entry
	for _, it := range items {
		if f.matches(it.entry) {
			out = append(out, it.entry)
		}
	}
	sortEntries(out, srt)
	return paginate(out, p)
}

// Count reports how many entries match the filter.
func (s *Store) Count(f Filter) int {
	s.mu.Lock()
	items := s.scanLocked()
	s.mu.Unlock()

	n := 0
	for _, it := range items {
		if f.matches(it.entry) {
			n++
		}
	}
	return n
}

func sortEntries(entries []Entry, srt Sort) {
	field := srt.Field
	if field == "" {
		field = SortByLastUpdated
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		var less, eq bool
		switch field {
		case SortByTimestamp:
			less, eq = a.Timestamp.Before(b.Timestamp), a.Timestamp.Equal(b.Timestamp)
		case SortByType:
			less, eq = a.Type < b.Type, a.Type == b.Type
		case SortByPriority:
			ra, rb := priorityRank(a.Priority), priorityRank(b.Priority)
			less, eq = ra < rb, ra == rb
		default:
			less, eq = a.LastUpdated.Before(b.LastUpdated), a.LastUpdated.Equal(b.LastUpdated)
		}
		if eq {
			return a.ID < b.ID
		}
		if srt.Asc {
			return less
		}
		return !less
	})
}

func paginate(entries []Entry, p Page) []Entry {
	if p.Offset > 0 {
		if p.Offset >= len(entries) {
			return nil
		}
		entries = entries[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(entries) {
		entries = entries[:p.Limit]
	}
	return entries
}

// stored pairs an entry with the file it came from.
type stored struct {
	entry Entry
	path  string
}

// scanLocked loads every readable entry, folders first in status order,
// milestone last.
func (s *Store) scanLocked() []stored {
	var out []stored
	for _, st := range statusOrder {
		dir := s.folder(st)
		names, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("knowledge: scan %s: %v", dir, err)
			}
			continue
		}
		for _, de := range names {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, de.Name())
			e, err := s.readFile(path)
			if err != nil {
				if !os.IsNotExist(err) {
					s.logger.Warn("knowledge: skipping %s: %v", path, err)
				}
				continue
			}
			out = append(out, stored{entry: e, path: path})
		}
	}
	if e, err := s.readFile(s.milestonePath()); err == nil {
		out = append(out, stored{entry: e, path: s.milestonePath()})
	} else if !os.IsNotExist(err) {
		s.logger.Warn("knowledge: skipping %s: %v", s.milestonePath(), err)
	}
	return out
}

func (s *Store) findLocked(id string) (Entry, string, error) {
	for _, st := range statusOrder {
		path := s.entryPath(st, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Entry{}, "", fault.WithCause(fault.ErrInternal, err, "read %s", path)
		}
		e, err := parseEntryFile(data)
		if err != nil {
			return Entry{}, "", fault.WithCause(fault.ErrStoreCorrupt, err, "parse %s", path)
		}
		return e, path, nil
	}
	if e, err := s.readFile(s.milestonePath()); err == nil && e.ID == id {
		return e, s.milestonePath(), nil
	}
	return Entry{}, "", fault.NotFound("knowledge entry %s not found", id)
}

// readFile reads and parses one entry file. Missing files surface the
// raw os error so callers can distinguish them from corruption.
func (s *Store) readFile(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	return parseEntryFile(data)
}

func (s *Store) writeLocked(e Entry, path string) error {
	data, err := renderEntryFile(e)
	if err != nil {
		return err
	}
	if err := atomicWrite(path, data); err != nil {
		return fault.WithCause(fault.ErrInternal, err, "write %s", path)
	}
	return nil
}

func (s *Store) publish(topic bus.Topic, e Entry) {
	if s.bus != nil {
		s.bus.Publish(topic, e)
	}
}

// atomicWrite lands data under path via a temp file in the same
// directory so readers never observe a partial entry.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// moveFile prefers rename and falls back to copy+delete when the rename
// fails, e.g. across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
