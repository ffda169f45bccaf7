package fragment

import (
	"time"

	"conductor/internal/fault"
)

// TimeRange bounds one timestamp field. Both ends are optional RFC 3339
// strings; after is inclusive, before is exclusive.
type TimeRange struct {
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
}

// TimeFilter restricts fragments by their created and updated stamps.
// LastNDays keeps fragments updated within the last N days.
type TimeFilter struct {
	Created   *TimeRange `json:"created,omitempty"`
	Updated   *TimeRange `json:"updated,omitempty"`
	LastNDays int        `json:"lastNDays,omitempty"`
}

type timeBounds struct {
	after     time.Time
	before    time.Time
	hasAfter  bool
	hasBefore bool
}

func (b timeBounds) contains(t time.Time) bool {
	if b.hasAfter && t.Before(b.after) {
		return false
	}
	if b.hasBefore && !t.Before(b.before) {
		return false
	}
	return true
}

// compiledTimeFilter holds parsed bounds so filters never compare
// against raw user strings.
type compiledTimeFilter struct {
	created       timeBounds
	updated       timeBounds
	minUpdated    time.Time
	hasMinUpdated bool
}

func (c compiledTimeFilter) matches(f Fragment) bool {
	if !c.created.contains(f.Created) {
		return false
	}
	if !c.updated.contains(f.Updated) {
		return false
	}
	if c.hasMinUpdated && f.Updated.Before(c.minUpdated) {
		return false
	}
	return true
}

// compile validates the filter against now. A nil filter compiles to one
// that matches everything.
func (tf *TimeFilter) compile(now time.Time) (compiledTimeFilter, error) {
	var c compiledTimeFilter
	if tf == nil {
		return c, nil
	}
	var err error
	if c.created, err = compileRange("created", tf.Created); err != nil {
		return c, err
	}
	if c.updated, err = compileRange("updated", tf.Updated); err != nil {
		return c, err
	}
	if tf.LastNDays < 0 {
		return c, fault.InvalidRequest("time filter: lastNDays must be at least 1")
	}
	if tf.LastNDays > 0 {
		c.hasMinUpdated = true
		c.minUpdated = now.Add(-time.Duration(tf.LastNDays) * 24 * time.Hour)
	}
	return c, nil
}

func compileRange(field string, r *TimeRange) (timeBounds, error) {
	var b timeBounds
	if r == nil {
		return b, nil
	}
	if r.After != "" {
		t, err := time.Parse(time.RFC3339, r.After)
		if err != nil {
			return b, fault.InvalidRequest("time filter: invalid %s.after %q", field, r.After)
		}
		b.after = t
		b.hasAfter = true
	}
	if r.Before != "" {
		t, err := time.Parse(time.RFC3339, r.Before)
		if err != nil {
			return b, fault.InvalidRequest("time filter: invalid %s.before %q", field, r.Before)
		}
		b.before = t
		b.hasBefore = true
	}
	if b.hasAfter && b.hasBefore && b.after.After(b.before) {
		return b, fault.InvalidRequest("time filter: %s.after %s is later than %s.before %s", field, r.After, field, r.Before)
	}
	return b, nil
}
