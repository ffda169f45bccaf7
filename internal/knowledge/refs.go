package knowledge

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"conductor/internal/bus"
	"conductor/internal/diffview"
	"conductor/internal/fault"
)

// refPattern is the one canonical scanner for [[ID]] cross-references.
// Every helper in this file derives from it so they can never disagree
// about what counts as a reference.
var refPattern = regexp.MustCompile(`\[\[([A-Z]+_\d+)\]\]`)

// Ref is one cross-reference occurrence inside a body.
type Ref struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // prefix, lowercased
	Position int    `json:"position"`
	Length   int    `json:"length"`
}

// ParseRefs extracts every [[ID]] occurrence in order of appearance.
func ParseRefs(text string) []Ref {
	ms := refPattern.FindAllStringSubmatchIndex(text, -1)
	if len(ms) == 0 {
		return nil
	}
	refs := make([]Ref, 0, len(ms))
	for _, m := range ms {
		id := text[m[2]:m[3]]
		prefix, _, _ := strings.Cut(id, "_")
		refs = append(refs, Ref{
			ID:       id,
			Type:     strings.ToLower(prefix),
			Position: m[0],
			Length:   m[1] - m[0],
		})
	}
	return refs
}

// ResolvedRef pairs an occurrence with the entry it points at, if any.
type ResolvedRef struct {
	Ref
	Exists bool   `json:"exists"`
	Entry  *Entry `json:"entry,omitempty"`
}

// ResolveRefs parses the text and resolves each occurrence against the
// store in one scan, however many times an id repeats.
func (s *Store) ResolveRefs(text string) []ResolvedRef {
	refs := ParseRefs(text)
	if len(refs) == 0 {
		return nil
	}

	s.mu.Lock()
	items := s.scanLocked()
	s.mu.Unlock()
	index := make(map[string]Entry, len(items))
	for _, it := range items {
		index[it.entry.ID] = it.entry
	}

	out := make([]ResolvedRef, 0, len(refs))
	for _, ref := range refs {
		r := ResolvedRef{Ref: ref}
		if e, ok := index[ref.ID]; ok {
			cp := e.Clone()
			r.Exists = true
			r.Entry = &cp
		}
		out = append(out, r)
	}
	return out
}

// BrokenRef lists the dangling targets one file references.
type BrokenRef struct {
	FilePath   string   `json:"filePath"`
	SourceID   string   `json:"sourceId"`
	BrokenRefs []string `json:"brokenRefs"`
}

// FindBroken reports every entry whose body references an id that no
// longer exists. Broken references are warnings, never errors.
func (s *Store) FindBroken() []BrokenRef {
	s.mu.Lock()
	items := s.scanLocked()
	s.mu.Unlock()

	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.entry.ID] = true
	}

	var out []BrokenRef
	for _, it := range items {
		seen := map[string]bool{}
		var broken []string
		for _, ref := range ParseRefs(it.entry.Content) {
			if known[ref.ID] || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			broken = append(broken, ref.ID)
		}
		if len(broken) > 0 {
			sort.Strings(broken)
			out = append(out, BrokenRef{
				FilePath:   s.relPath(it.path),
				SourceID:   it.entry.ID,
				BrokenRefs: broken,
			})
		}
	}
	return out
}

// RefUpdate describes one file a rename touches.
type RefUpdate struct {
	FilePath    string `json:"filePath"`
	SourceID    string `json:"sourceId"`
	Occurrences int    `json:"occurrences"`
	Preview     string `json:"preview,omitempty"`
}

// Rename retargets an id: every [[oldID]] occurrence becomes [[newID]],
// one atomic rewrite per file, and when an entry owns oldID the entry
// itself takes the new id (its file is relocated; the milestone keeps
// its fixed filename). Entries whose bodies are rewritten keep their
// own ids. With dryRun the planned updates and their diff previews are
// returned without touching any file. Renaming an id that no entry owns
// is allowed and repairs references alone.
func (s *Store) Rename(oldID, newID string, dryRun bool) ([]RefUpdate, error) {
	if err := checkID(oldID); err != nil {
		return nil, err
	}
	if err := checkID(newID); err != nil {
		return nil, err
	}
	if oldID == newID {
		return nil, fault.InvalidRequest("old and new ids are identical")
	}

	oldToken, newToken := "[["+oldID+"]]", "[["+newID+"]]"
	renderer := diffview.NewRenderer(false)

	s.mu.Lock()
	items := s.scanLocked()

	haveTarget := false
	for _, it := range items {
		switch it.entry.ID {
		case oldID:
			haveTarget = true
		case newID:
			s.mu.Unlock()
			return nil, fault.Conflict("entry %s already exists", newID)
		}
	}
	if haveTarget && idPrefix(oldID) != idPrefix(newID) {
		s.mu.Unlock()
		return nil, fault.InvalidRequest("renaming %s cannot change its prefix", oldID)
	}

	var updates []RefUpdate
	var changed []Entry
	for _, it := range items {
		isTarget := it.entry.ID == oldID
		n := strings.Count(it.entry.Content, oldToken)
		if n == 0 && !isTarget {
			continue
		}
		next := it.entry.Clone()
		next.Content = strings.ReplaceAll(next.Content, oldToken, newToken)
		if isTarget {
			next.ID = newID
		}
		name := s.relPath(it.path)
		updates = append(updates, RefUpdate{
			FilePath:    name,
			SourceID:    it.entry.ID,
			Occurrences: n,
			Preview:     s.renamePreview(renderer, it.entry, next, name),
		})
		if dryRun {
			continue
		}
		next.LastUpdated = time.Now().UTC()
		if err := s.writeLocked(next, it.path); err != nil {
			s.mu.Unlock()
			return updates, err
		}
		if isTarget && it.path != s.milestonePath() {
			dst := s.entryPath(next.Status, newID)
			if err := moveFile(it.path, dst); err != nil {
				s.mu.Unlock()
				return updates, fault.WithCause(fault.ErrInternal, err, "move %s to %s", it.path, dst)
			}
		}
		changed = append(changed, next)
	}
	s.mu.Unlock()

	for _, e := range changed {
		s.publish(bus.TopicKnowledgeUpdated, e.Clone())
	}
	return updates, nil
}

// renamePreview diffs the rendered files before the lastUpdated bump so
// the preview shows only reference and id changes.
func (s *Store) renamePreview(r *diffview.Renderer, old, next Entry, name string) string {
	before, err := renderEntryFile(old)
	if err != nil {
		return ""
	}
	after, err := renderEntryFile(next)
	if err != nil {
		return ""
	}
	return r.Unified(string(before), string(after), name).Unified
}

func idPrefix(id string) string {
	prefix, _, _ := strings.Cut(id, "_")
	return prefix
}

// RefCount ranks one id by reference count.
type RefCount struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// RefStats aggregates the cross-reference graph.
type RefStats struct {
	TotalRefs      int        `json:"totalRefs"`
	UniqueTargets  int        `json:"uniqueTargets"`
	BrokenRefs     int        `json:"brokenRefs"`
	TopReferenced  []RefCount `json:"topReferenced"`
	TopReferencing []RefCount `json:"topReferencing"`
}

// Stats counts references across the whole store. BrokenRefs counts
// occurrences, not distinct targets.
func (s *Store) Stats() RefStats {
	s.mu.Lock()
	items := s.scanLocked()
	s.mu.Unlock()

	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.entry.ID] = true
	}

	targets := map[string]int{}
	sources := map[string]int{}
	var stats RefStats
	for _, it := range items {
		refs := ParseRefs(it.entry.Content)
		if len(refs) == 0 {
			continue
		}
		sources[it.entry.ID] = len(refs)
		stats.TotalRefs += len(refs)
		for _, ref := range refs {
			targets[ref.ID]++
			if !known[ref.ID] {
				stats.BrokenRefs++
			}
		}
	}
	stats.UniqueTargets = len(targets)
	stats.TopReferenced = topCounts(targets, 10)
	stats.TopReferencing = topCounts(sources, 10)
	return stats
}

func topCounts(m map[string]int, n int) []RefCount {
	out := make([]RefCount, 0, len(m))
	for id, c := range m {
		out = append(out, RefCount{ID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (s *Store) relPath(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return rel
}
