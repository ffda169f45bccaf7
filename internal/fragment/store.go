package fragment

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"conductor/internal/bus"
	"conductor/internal/fault"
	"conductor/internal/logging"
)

const collectionName = "fragments"

// Store keeps fragments in two substrates: a chromem-go collection for
// nearest neighbour queries and a JSON sidecar holding the full records.
// The first successful create fixes the vector dimension; every vector
// stored afterwards must match it.
type Store struct {
	embedder Embedder
	bus      *bus.Bus
	logger   logging.Logger

	db         *chromem.DB
	collection *chromem.Collection
	sidecar    *sidecarStore

	mu        sync.RWMutex
	dimension int
	fragments map[string]Fragment
}

// NewStore opens the vector index under root/fragments and loads the
// sidecar. A count mismatch between the two is reported but not fatal;
// the integrity report is the tool for digging into it.
func NewStore(root string, embedder Embedder, b *bus.Bus, logger logging.Logger) (*Store, error) {
	logger = logging.OrNop(logger)
	if embedder == nil {
		return nil, fault.Internal("fragment store requires an embedder")
	}

	db, err := chromem.NewPersistentDB(filepath.Join(root, "fragments"), false)
	if err != nil {
		return nil, fault.WithCause(fault.ErrStoreCorrupt, err, "open vector index")
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, embedder.Embed)
	if err != nil {
		return nil, fault.WithCause(fault.ErrStoreCorrupt, err, "open collection %s", collectionName)
	}

	sidecar := newSidecarStore(filepath.Join(root, "fragments.json"), logger)
	fragments, dimension, ok := sidecar.load()
	if fragments == nil {
		fragments = make(map[string]Fragment)
	}
	if ok {
		logger.Info("fragment: loaded %d fragments (dimension %d)", len(fragments), dimension)
	}
	if indexed := collection.Count(); indexed != len(fragments) {
		logger.Warn("fragment: vector index holds %d documents but sidecar holds %d fragments", indexed, len(fragments))
	}

	return &Store{
		embedder:   embedder,
		bus:        b,
		logger:     logger,
		db:         db,
		collection: collection,
		sidecar:    sidecar,
		dimension:  dimension,
		fragments:  fragments,
	}, nil
}

// Create validates the draft, embeds its text and inserts it into both
// substrates. An embed failure leaves no partial row behind.
func (s *Store) Create(ctx context.Context, draft Fragment) (Fragment, error) {
	f := draft.Clone()
	f.Vector = nil
	if f.Type == "" {
		f.Type = TypeNote
	}
	if f.Status == "" {
		f.Status = StatusActive
	}
	if err := f.validate(); err != nil {
		return Fragment{}, err
	}

	vec, err := s.embedder.Embed(ctx, f.embedText())
	if err != nil {
		return Fragment{}, err
	}

	s.mu.Lock()
	if err := s.ensureDimensionLocked(vec); err != nil {
		s.mu.Unlock()
		return Fragment{}, err
	}
	now := time.Now().UTC()
	f.ID = uuid.NewString()
	f.Created = now
	f.Updated = now
	f.Vector = vec
	if err := s.indexLocked(ctx, f); err != nil {
		s.mu.Unlock()
		return Fragment{}, err
	}
	s.fragments[f.ID] = f
	s.sidecar.save(s.dimension, s.fragments)
	s.mu.Unlock()

	s.publish(bus.TopicFragmentCreated, f)
	return f.Clone(), nil
}

// Get returns the fragment by id.
func (s *Store) Get(id string) (Fragment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[id]
	if !ok {
		return Fragment{}, false
	}
	return f.Clone(), true
}

// Update applies mutate to a copy of the fragment and persists the
// result. Identity fields and the vector are restored afterwards; the
// text is re-embedded only when title or body actually changed.
// Concurrent updates to the same fragment are last writer wins since
// the embed call is too slow to hold the store lock across.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Fragment)) (Fragment, error) {
	s.mu.RLock()
	cur, ok := s.fragments[id]
	s.mu.RUnlock()
	if !ok {
		return Fragment{}, fault.NotFound("fragment %s not found", id)
	}

	next := cur.Clone()
	mutate(&next)
	next.ID = cur.ID
	next.Created = cur.Created
	next.Vector = cur.Vector
	if err := next.validate(); err != nil {
		return Fragment{}, err
	}
	next.Updated = time.Now().UTC()

	reembedded := next.embedText() != cur.embedText()
	if reembedded {
		vec, err := s.embedder.Embed(ctx, next.embedText())
		if err != nil {
			return Fragment{}, err
		}
		next.Vector = vec
	}

	s.mu.Lock()
	if _, ok := s.fragments[id]; !ok {
		s.mu.Unlock()
		return Fragment{}, fault.NotFound("fragment %s not found", id)
	}
	if reembedded {
		if err := s.ensureDimensionLocked(next.Vector); err != nil {
			s.mu.Unlock()
			return Fragment{}, err
		}
	}
	if err := s.indexLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return Fragment{}, err
	}
	s.fragments[id] = next
	s.sidecar.save(s.dimension, s.fragments)
	s.mu.Unlock()

	s.publish(bus.TopicFragmentUpdated, next)
	return next.Clone(), nil
}

// Delete removes the fragment from both substrates. Deleting an unknown
// id reports false without error.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	f, ok := s.fragments[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		s.mu.Unlock()
		return false, fault.WithCause(fault.ErrInternal, err, "unindex fragment %s", id)
	}
	delete(s.fragments, id)
	s.sidecar.save(s.dimension, s.fragments)
	s.mu.Unlock()

	s.publish(bus.TopicFragmentDeleted, f)
	return true, nil
}

// GetAll returns fragments newest first. limit <= 0 returns everything.
func (s *Store) GetAll(limit int) []Fragment {
	s.mu.RLock()
	out := make([]Fragment, 0, len(s.fragments))
	for _, f := range s.fragments {
		out = append(out, f.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count reports how many fragments the sidecar holds.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fragments)
}

// Dimension reports the vector dimension, 0 before the first create.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Stats summarises the store for the tool surface.
type Stats struct {
	Total     int            `json:"total"`
	ByType    map[string]int `json:"byType"`
	ByStatus  map[string]int `json:"byStatus"`
	Dimension int            `json:"dimension"`
	Indexed   int            `json:"indexed"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Total:     len(s.fragments),
		ByType:    make(map[string]int),
		ByStatus:  make(map[string]int),
		Dimension: s.dimension,
		Indexed:   s.collection.Count(),
	}
	for _, f := range s.fragments {
		st.ByType[string(f.Type)]++
		st.ByStatus[string(f.Status)]++
	}
	return st
}

func (s *Store) ensureDimensionLocked(vec []float32) error {
	if s.dimension == 0 {
		s.dimension = len(vec)
		return nil
	}
	if len(vec) != s.dimension {
		return fault.PreconditionFailed("embedding dimension %d does not match the index dimension %d; the index was built with a different model", len(vec), s.dimension)
	}
	return nil
}

// indexLocked writes the fragment into chromem. AddDocument replaces an
// existing document with the same id, which refreshes the filterable
// metadata on updates.
func (s *Store) indexLocked(ctx context.Context, f Fragment) error {
	doc := chromem.Document{
		ID:        f.ID,
		Content:   f.embedText(),
		Embedding: f.Vector,
		Metadata: map[string]string{
			"type":   string(f.Type),
			"status": string(f.Status),
		},
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fault.WithCause(fault.ErrInternal, err, "index fragment %s", f.ID)
	}
	return nil
}

// publish emits a fragment event with the vector stripped; subscribers
// get metadata, not embedding payloads.
func (s *Store) publish(topic bus.Topic, f Fragment) {
	if s.bus == nil {
		return
	}
	ev := f.Clone()
	ev.Vector = nil
	s.bus.Publish(topic, ev)
}
