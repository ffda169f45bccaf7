// Package bus is the in-process event fabric between the domain components
// and the delivery surfaces. One dispatch goroutine drains a buffered channel
// and invokes subscribers in subscription order, so publish order is
// preserved globally. Publish never blocks: when the buffer is full the event
// is dropped and counted.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/async"
	"conductor/internal/logging"
)

// Topic routes an event to its subscribers.
type Topic string

const (
	TopicProcessCreated Topic = "process.created"
	TopicProcessStarted Topic = "process.started"
	TopicProcessLog     Topic = "process.log"
	TopicProcessExited  Topic = "process.exited"

	TopicQueueChanged Topic = "queue.changed"

	TopicKnowledgeCreated Topic = "knowledge.created"
	TopicKnowledgeUpdated Topic = "knowledge.updated"
	TopicKnowledgeDeleted Topic = "knowledge.deleted"

	TopicFragmentCreated Topic = "fragment.created"
	TopicFragmentUpdated Topic = "fragment.updated"
	TopicFragmentDeleted Topic = "fragment.deleted"

	TopicLinkCreated Topic = "link.created"
	TopicLinkDeleted Topic = "link.deleted"
)

// Event is what subscribers receive. Payload types are owned by the
// publishing package.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// Subscription is the handle returned by Subscribe; Unsubscribe is
// idempotent and safe to call from any goroutine.
type Subscription struct {
	bus   *Bus
	topic Topic
	all   bool
	id    uint64
	fn    func(Event)
}

// Unsubscribe detaches the subscription. Events already queued for dispatch
// may still be delivered to it.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s)
}

const defaultBufferSize = 1024

// Bus fans events out to subscribers from a single dispatch worker.
type Bus struct {
	logger logging.Logger

	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	allSub []*Subscription
	nextID uint64
	closed bool

	events  chan Event
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// New creates a Bus and starts its dispatch worker.
func New(logger logging.Logger) *Bus {
	return newBus(logger, defaultBufferSize)
}

func newBus(logger logging.Logger, buffer int) *Bus {
	b := &Bus{
		logger: logging.OrNop(logger),
		subs:   make(map[Topic][]*Subscription),
		events: make(chan Event, buffer),
	}
	async.GoWG(&b.wg, b.logger, "bus.dispatch", b.run)
	return b
}

// Subscribe registers fn for one topic. fn runs on the dispatch goroutine
// and must not block.
func (b *Bus) Subscribe(topic Topic, fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, topic: topic, id: b.nextID, fn: fn}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// SubscribeAll registers fn for every topic.
func (b *Bus) SubscribeAll(fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, all: true, id: b.nextID, fn: fn}
	b.allSub = append(b.allSub, sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		b.allSub = removeSub(b.allSub, sub.id)
		return
	}
	if kept := removeSub(b.subs[sub.topic], sub.id); len(kept) > 0 {
		b.subs[sub.topic] = kept
	} else {
		delete(b.subs, sub.topic)
	}
}

func removeSub(subs []*Subscription, id uint64) []*Subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]*Subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Publish enqueues an event for dispatch and returns immediately. On a full
// buffer the event is dropped and counted; after Close it is a no-op.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- Event{Topic: topic, Timestamp: time.Now(), Payload: payload}:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("event buffer full, dropped %s (total drops %d)", topic, n)
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events, drains everything already buffered, and
// waits for the dispatch worker to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) run() {
	for ev := range b.events {
		for _, sub := range b.snapshot(ev.Topic) {
			b.invoke(sub, ev)
		}
	}
}

// snapshot copies the receiver list so dispatch never holds the lock while
// running callbacks. Topic subscribers fire before all-topic ones, each group
// in subscription order.
func (b *Bus) snapshot(topic Topic) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Subscription, 0, len(b.subs[topic])+len(b.allSub))
	out = append(out, b.subs[topic]...)
	return append(out, b.allSub...)
}

func (b *Bus) invoke(sub *Subscription, ev Event) {
	defer async.Recover(b.logger, "bus.dispatch["+string(ev.Topic)+"]")
	sub.fn(ev)
}
