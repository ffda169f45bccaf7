package fragment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"conductor/internal/bus"
	"conductor/internal/fault"
	"conductor/internal/logging"
)

// LinkType classifies a relation between two fragments.
type LinkType string

const (
	LinkAnswers    LinkType = "answers"
	LinkReferences LinkType = "references"
	LinkRelated    LinkType = "related"
	LinkSupersedes LinkType = "supersedes"
)

var linkTypes = map[LinkType]bool{
	LinkAnswers:    true,
	LinkReferences: true,
	LinkRelated:    true,
	LinkSupersedes: true,
}

// Link is a typed directed edge between two fragments. The id is
// derived from (source, target, type), which is also the uniqueness key.
type Link struct {
	ID       string            `json:"id"`
	SourceID string            `json:"sourceId"`
	TargetID string            `json:"targetId"`
	Type     LinkType          `json:"type"`
	Created  time.Time         `json:"created"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (l Link) Clone() Link {
	cp := l
	if l.Metadata != nil {
		cp.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Direction selects which edges count for a fragment.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

func normalizeDirection(d Direction) (Direction, error) {
	switch d {
	case "", DirectionBoth:
		return DirectionBoth, nil
	case DirectionOutgoing, DirectionIncoming:
		return d, nil
	default:
		return "", fault.InvalidRequest("direction %q must be outgoing, incoming or both", d)
	}
}

const linksVersion = 1

type linksFile struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"savedAt"`
	Links   []Link    `json:"links"`
}

// LinkStore keeps the link table in memory with by-source and by-target
// indexes, persisted to a JSON file on every change. Links may outlive
// their endpoints; FindOrphaned and the integrity report surface those.
type LinkStore struct {
	path   string
	bus    *bus.Bus
	logger logging.Logger

	mu       sync.RWMutex
	links    map[string]Link
	bySource map[string][]string
	byTarget map[string][]string
}

// NewLinkStore loads the link table from path, starting empty when the
// file is missing and quarantining it when it does not decode.
func NewLinkStore(path string, b *bus.Bus, logger logging.Logger) *LinkStore {
	ls := &LinkStore{
		path:     path,
		bus:      b,
		logger:   logging.OrNop(logger),
		links:    make(map[string]Link),
		bySource: make(map[string][]string),
		byTarget: make(map[string][]string),
	}
	ls.load()
	return ls
}

func (ls *LinkStore) load() {
	data, err := os.ReadFile(ls.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			ls.logger.Warn("fragment: read links %s: %v", ls.path, err)
		}
		return
	}
	var file linksFile
	if err := json.Unmarshal(data, &file); err != nil {
		dst := fmt.Sprintf("%s.corrupt.%d", ls.path, time.Now().Unix())
		if renameErr := os.Rename(ls.path, dst); renameErr != nil {
			ls.logger.Error("fragment: quarantine corrupt links file: %v (decode error: %v)", renameErr, err)
			return
		}
		ls.logger.Warn("fragment: links file did not decode (%v), moved to %s", err, dst)
		return
	}
	for _, l := range file.Links {
		ls.indexLink(l)
	}
	ls.logger.Info("fragment: loaded %d links", len(ls.links))
}

// indexLink inserts into the map and both indexes. Callers hold the
// write lock except during load.
func (ls *LinkStore) indexLink(l Link) {
	ls.links[l.ID] = l
	ls.bySource[l.SourceID] = append(ls.bySource[l.SourceID], l.ID)
	ls.byTarget[l.TargetID] = append(ls.byTarget[l.TargetID], l.ID)
}

func (ls *LinkStore) unindexLink(l Link) {
	delete(ls.links, l.ID)
	ls.bySource[l.SourceID] = removeString(ls.bySource[l.SourceID], l.ID)
	if len(ls.bySource[l.SourceID]) == 0 {
		delete(ls.bySource, l.SourceID)
	}
	ls.byTarget[l.TargetID] = removeString(ls.byTarget[l.TargetID], l.ID)
	if len(ls.byTarget[l.TargetID]) == 0 {
		delete(ls.byTarget, l.TargetID)
	}
}

func removeString(in []string, s string) []string {
	for i, v := range in {
		if v == s {
			return append(in[:i], in[i+1:]...)
		}
	}
	return in
}

// saveLocked persists the table. Errors are logged and swallowed in the
// same way the fragment sidecar handles them.
func (ls *LinkStore) saveLocked() {
	file := linksFile{
		Version: linksVersion,
		SavedAt: time.Now().UTC(),
		Links:   make([]Link, 0, len(ls.links)),
	}
	for _, l := range ls.links {
		file.Links = append(file.Links, l)
	}
	sort.Slice(file.Links, func(i, j int) bool { return file.Links[i].ID < file.Links[j].ID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		ls.logger.Error("fragment: encode links: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(ls.path), 0o755); err != nil {
		ls.logger.Error("fragment: create links dir: %v", err)
		return
	}
	tmp := ls.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		ls.logger.Error("fragment: write temp links: %v", err)
		return
	}
	if err := os.Rename(tmp, ls.path); err != nil {
		_ = os.Remove(tmp)
		ls.logger.Error("fragment: rename links: %v", err)
	}
}

// CreateLink adds an edge. Self-links are rejected and an existing
// (source, target, type) edge is a conflict.
func (ls *LinkStore) CreateLink(sourceID, targetID string, linkType LinkType, metadata map[string]string) (Link, error) {
	if sourceID == "" || targetID == "" {
		return Link{}, fault.InvalidRequest("link needs a source and a target fragment id")
	}
	if sourceID == targetID {
		return Link{}, fault.InvalidRequest("a fragment cannot link to itself")
	}
	if !linkTypes[linkType] {
		return Link{}, fault.InvalidRequest("unknown link type %q", linkType)
	}

	id := fmt.Sprintf("link_%s_%s_%s", sourceID, targetID, linkType)
	link := Link{
		ID:       id,
		SourceID: sourceID,
		TargetID: targetID,
		Type:     linkType,
		Created:  time.Now().UTC(),
	}
	if metadata != nil {
		link.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			link.Metadata[k] = v
		}
	}

	ls.mu.Lock()
	if _, exists := ls.links[id]; exists {
		ls.mu.Unlock()
		return Link{}, fault.Conflict("link %s already exists", id)
	}
	ls.indexLink(link)
	ls.saveLocked()
	ls.mu.Unlock()

	ls.publish(bus.TopicLinkCreated, link)
	return link.Clone(), nil
}

// DeleteLink removes the edge by id.
func (ls *LinkStore) DeleteLink(id string) (Link, error) {
	ls.mu.Lock()
	link, ok := ls.links[id]
	if !ok {
		ls.mu.Unlock()
		return Link{}, fault.NotFound("link %s not found", id)
	}
	ls.unindexLink(link)
	ls.saveLocked()
	ls.mu.Unlock()

	ls.publish(bus.TopicLinkDeleted, link)
	return link.Clone(), nil
}

// GetLink returns the edge by id.
func (ls *LinkStore) GetLink(id string) (Link, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	link, ok := ls.links[id]
	if !ok {
		return Link{}, false
	}
	return link.Clone(), true
}

// LinkQuery filters the link table. FragmentID with a direction matches
// either end; SourceID and TargetID match one end exactly.
type LinkQuery struct {
	FragmentID string    `json:"fragmentId,omitempty"`
	SourceID   string    `json:"sourceId,omitempty"`
	TargetID   string    `json:"targetId,omitempty"`
	Type       LinkType  `json:"type,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// QueryLinks returns matching edges oldest first.
func (ls *LinkStore) QueryLinks(q LinkQuery) ([]Link, error) {
	direction, err := normalizeDirection(q.Direction)
	if err != nil {
		return nil, err
	}
	if q.Type != "" && !linkTypes[q.Type] {
		return nil, fault.InvalidRequest("unknown link type %q", q.Type)
	}

	ls.mu.RLock()
	var candidates []Link
	if q.FragmentID != "" {
		candidates = ls.linksForLocked(q.FragmentID, direction)
	} else {
		candidates = make([]Link, 0, len(ls.links))
		for _, l := range ls.links {
			candidates = append(candidates, l)
		}
	}

	var out []Link
	for _, l := range candidates {
		if q.SourceID != "" && l.SourceID != q.SourceID {
			continue
		}
		if q.TargetID != "" && l.TargetID != q.TargetID {
			continue
		}
		if q.Type != "" && l.Type != q.Type {
			continue
		}
		out = append(out, l.Clone())
	}
	ls.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, q.Offset, q.Limit), nil
}

// linksForLocked collects the edges touching id in the given direction.
// A link cannot have id on both ends, so no deduplication is needed.
func (ls *LinkStore) linksForLocked(id string, direction Direction) []Link {
	var out []Link
	if direction == DirectionOutgoing || direction == DirectionBoth {
		for _, lid := range ls.bySource[id] {
			out = append(out, ls.links[lid])
		}
	}
	if direction == DirectionIncoming || direction == DirectionBoth {
		for _, lid := range ls.byTarget[id] {
			out = append(out, ls.links[lid])
		}
	}
	return out
}

// GetLinksForFragment returns the edges touching a fragment, oldest
// first.
func (ls *LinkStore) GetLinksForFragment(id string, direction Direction) ([]Link, error) {
	return ls.QueryLinks(LinkQuery{FragmentID: id, Direction: direction})
}

// DeleteLinksForFragment removes every edge touching the fragment and
// reports how many went away. Callers use it when deleting a fragment.
func (ls *LinkStore) DeleteLinksForFragment(id string) int {
	ls.mu.Lock()
	doomed := ls.linksForLocked(id, DirectionBoth)
	for _, l := range doomed {
		ls.unindexLink(l)
	}
	if len(doomed) > 0 {
		ls.saveLocked()
	}
	ls.mu.Unlock()

	for _, l := range doomed {
		ls.publish(bus.TopicLinkDeleted, l)
	}
	return len(doomed)
}

// Count reports how many edges the table holds.
func (ls *LinkStore) Count() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.links)
}

// FindOrphaned returns edges with at least one missing endpoint, sorted
// by id for stable output.
func (ls *LinkStore) FindOrphaned(exists func(string) bool) []Link {
	ls.mu.RLock()
	var out []Link
	for _, l := range ls.links {
		if !exists(l.SourceID) || !exists(l.TargetID) {
			out = append(out, l.Clone())
		}
	}
	ls.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ls *LinkStore) publish(topic bus.Topic, l Link) {
	if ls.bus == nil {
		return
	}
	ls.bus.Publish(topic, l.Clone())
}
