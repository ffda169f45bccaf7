package process

import "time"

// DefaultLogBufferSize is the per-process ring capacity in entries.
const DefaultLogBufferSize = 1000

// logRing is a fixed-capacity ring of log entries. Appending to a full
// ring evicts the oldest entry. Not safe for concurrent use; the registry
// serializes access.
type logRing struct {
	entries []LogEntry
	start   int
	count   int
	nextSeq uint64
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = DefaultLogBufferSize
	}
	return &logRing{entries: make([]LogEntry, capacity)}
}

func (r *logRing) append(ts time.Time, stream Stream, text string) LogEntry {
	e := LogEntry{Seq: r.nextSeq, Timestamp: ts, Stream: stream, Text: text}
	r.nextSeq++
	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = e
		r.count++
		return e
	}
	r.entries[r.start] = e
	r.start = (r.start + 1) % len(r.entries)
	return e
}

// LogFilter narrows a log snapshot.
type LogFilter struct {
	// Stream restricts to one stream; empty matches all.
	Stream Stream
	// SinceSeq, when set, keeps only entries with Seq strictly greater,
	// so callers can resume after the last entry they saw.
	SinceSeq *uint64
	// Limit keeps only the most recent N surviving entries; zero keeps all.
	Limit int
}

// snapshot returns matching entries in sequence order.
func (r *logRing) snapshot(f LogFilter) []LogEntry {
	out := make([]LogEntry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.start+i)%len(r.entries)]
		if f.Stream != "" && e.Stream != f.Stream {
			continue
		}
		if f.SinceSeq != nil && e.Seq <= *f.SinceSeq {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
