package fragment

import (
	"context"
	"sort"
	"strings"
	"time"

	"conductor/internal/fault"
)

// Search defaults. The threshold applies to scores in [0,1]; passing a
// negative threshold disables the cut entirely.
const (
	DefaultSearchLimit     = 10
	DefaultScoreThreshold  = 0.1
	candidateOverfetchMult = 4
)

// Filter modes for SearchAdvanced.
const (
	FilterModePre  = "pre"
	FilterModePost = "post"
)

// Query filters fragments on the sidecar, no vectors involved.
type Query struct {
	Text     string            `json:"text,omitempty"`
	Type     Type              `json:"type,omitempty"`
	Status   Status            `json:"status,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Time     *TimeFilter       `json:"time,omitempty"`
	Offset   int               `json:"offset,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

// Search evaluates the query over every fragment and returns the page,
// most recently updated first. Text is a case-insensitive substring
// match over title and body; tags must all be present.
func (s *Store) Search(q Query) ([]Fragment, error) {
	tf, err := q.Time.compile(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []Fragment
	for _, f := range s.fragments {
		if matchesQuery(f, q, tf) {
			out = append(out, f.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.After(out[j].Updated)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, q.Offset, q.Limit), nil
}

func matchesQuery(f Fragment, q Query, tf compiledTimeFilter) bool {
	if q.Type != "" && f.Type != q.Type {
		return false
	}
	if q.Status != "" && f.Status != q.Status {
		return false
	}
	if !hasAllTags(f, q.Tags) {
		return false
	}
	for k, v := range q.Metadata {
		if f.Metadata[k] != v {
			return false
		}
	}
	if q.Text != "" && !textMatches(f, q.Text) {
		return false
	}
	return tf.matches(f)
}

// Match pairs a fragment with its similarity score in [0,1].
type Match struct {
	Fragment Fragment `json:"fragment"`
	Score    float32  `json:"score"`
}

// SimilarQuery drives nearest neighbour search. Threshold 0 takes the
// default 0.1; a negative threshold keeps every neighbour.
type SimilarQuery struct {
	Text      string   `json:"text"`
	Limit     int      `json:"limit,omitempty"`
	Threshold float32  `json:"threshold,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// SearchSimilar embeds the query text and returns the nearest fragments
// above the threshold, best first. The index reports cosine similarity
// in [-1,1]; scores clamp the negative half to 0 so the threshold scale
// stays [0,1]. Tag filtering happens after retrieval.
func (s *Store) SearchSimilar(ctx context.Context, q SimilarQuery) ([]Match, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fault.InvalidRequest("similarity search needs query text")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := effectiveThreshold(q.Threshold)

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	n := limit
	if n > count {
		n = count
	}
	results, err := s.collection.Query(ctx, q.Text, n, nil, nil)
	if err != nil {
		return nil, fault.WithCause(fault.ErrInternal, err, "similarity query")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []Match
	for _, r := range results {
		score := clampScore(r.Similarity)
		if score < threshold {
			continue
		}
		f, ok := s.fragments[r.ID]
		if !ok {
			s.logger.Warn("fragment: index returned %s which is missing from the sidecar", r.ID)
			continue
		}
		if !hasAllTags(f, q.Tags) {
			continue
		}
		matches = append(matches, Match{Fragment: f.Clone(), Score: score})
	}
	return matches, nil
}

// AdvancedQuery combines nearest neighbour search with exact filters.
// FilterMode pre pushes type and status into the index query; everything
// the index cannot express is always applied after retrieval.
type AdvancedQuery struct {
	Text       string            `json:"text"`
	TextFilter string            `json:"textFilter,omitempty"`
	Type       Type              `json:"type,omitempty"`
	Status     Status            `json:"status,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Time       *TimeFilter       `json:"time,omitempty"`
	Threshold  float32           `json:"threshold,omitempty"`
	FilterMode string            `json:"filterMode,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// AdvancedResult reports the matches and which filter strategy actually
// ran, since a pre request can be downgraded.
type AdvancedResult struct {
	Matches        []Match `json:"matches"`
	FilterStrategy string  `json:"filterStrategy"`
}

// SearchAdvanced retrieves limit*4 candidates and filters them down.
// A pre-filtered index query that fails is retried unfiltered and the
// result reports post, so narrow filters degrade instead of erroring.
func (s *Store) SearchAdvanced(ctx context.Context, q AdvancedQuery) (AdvancedResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return AdvancedResult{}, fault.InvalidRequest("similarity search needs query text")
	}
	tf, err := q.Time.compile(time.Now().UTC())
	if err != nil {
		return AdvancedResult{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := effectiveThreshold(q.Threshold)

	strategy := FilterModePost
	var where map[string]string
	switch q.FilterMode {
	case "", FilterModePost:
	case FilterModePre:
		if q.Type != "" || q.Status != "" {
			where = make(map[string]string)
			if q.Type != "" {
				where["type"] = string(q.Type)
			}
			if q.Status != "" {
				where["status"] = string(q.Status)
			}
			strategy = FilterModePre
		}
	default:
		return AdvancedResult{}, fault.InvalidRequest("filterMode %q must be pre or post", q.FilterMode)
	}

	count := s.collection.Count()
	if count == 0 {
		return AdvancedResult{FilterStrategy: strategy}, nil
	}
	n := limit * candidateOverfetchMult
	if n > count {
		n = count
	}

	results, err := s.collection.Query(ctx, q.Text, n, where, nil)
	if err != nil && where != nil {
		s.logger.Warn("fragment: pre-filtered query failed (%v), retrying with post-filtering", err)
		strategy = FilterModePost
		where = nil
		results, err = s.collection.Query(ctx, q.Text, n, nil, nil)
	}
	if err != nil {
		return AdvancedResult{}, fault.WithCause(fault.ErrInternal, err, "similarity query")
	}

	s.mu.RLock()
	var matches []Match
	for _, r := range results {
		score := clampScore(r.Similarity)
		if score < threshold {
			continue
		}
		f, ok := s.fragments[r.ID]
		if !ok {
			s.logger.Warn("fragment: index returned %s which is missing from the sidecar", r.ID)
			continue
		}
		if strategy == FilterModePost {
			if q.Type != "" && f.Type != q.Type {
				continue
			}
			if q.Status != "" && f.Status != q.Status {
				continue
			}
		}
		if !hasAllTags(f, q.Tags) {
			continue
		}
		metadataOK := true
		for k, v := range q.Metadata {
			if f.Metadata[k] != v {
				metadataOK = false
				break
			}
		}
		if !metadataOK {
			continue
		}
		if q.TextFilter != "" && !textMatches(f, q.TextFilter) {
			continue
		}
		if !tf.matches(f) {
			continue
		}
		matches = append(matches, Match{Fragment: f.Clone(), Score: score})
	}
	s.mu.RUnlock()

	return AdvancedResult{
		Matches:        page(matches, q.Offset, limit),
		FilterStrategy: strategy,
	}, nil
}

func effectiveThreshold(t float32) float32 {
	if t == 0 {
		return DefaultScoreThreshold
	}
	if t < 0 {
		return 0
	}
	return t
}

func clampScore(sim float32) float32 {
	if sim < 0 {
		return 0
	}
	return sim
}

func textMatches(f Fragment, needle string) bool {
	n := strings.ToLower(needle)
	return strings.Contains(strings.ToLower(f.Title), n) ||
		strings.Contains(strings.ToLower(f.Body), n)
}

func hasAllTags(f Fragment, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(f.Tags))
	for _, t := range f.Tags {
		have[t] = true
	}
	for _, t := range tags {
		if !have[t] {
			return false
		}
	}
	return true
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
