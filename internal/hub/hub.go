// Package hub fans server events out to WebSocket clients. Each session
// gets a buffered outbound queue and one writer goroutine; a slow client
// overflows its queue and is disconnected instead of stalling the rest.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"conductor/internal/async"
	"conductor/internal/fault"
	"conductor/internal/logging"
)

// DefaultOutboundBuffer is the per-session queue high-water mark.
const DefaultOutboundBuffer = 256

// Subscription actions accepted by UpdateSubscription.
const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionSubscribeAll   = "subscribe_all"
	ActionUnsubscribeAll = "unsubscribe_all"
)

// Message is the wire envelope for everything the hub sends.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewMessage stamps a payload with the current time.
func NewMessage(msgType string, payload any) Message {
	return Message{Type: msgType, Timestamp: time.Now().UTC(), Payload: payload}
}

// EventType classifies connection events.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"
	EventError        EventType = "error"
)

// ConnectionEvent describes a session lifecycle change.
type ConnectionEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// Config tunes the hub. A zero SweepInterval or MaxInactive disables the
// inactivity sweeper.
type Config struct {
	OutboundBuffer int
	SweepInterval  time.Duration
	MaxInactive    time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = DefaultOutboundBuffer
	}
	return c
}

// Hub is the session table plus event callbacks.
type Hub struct {
	cfg    Config
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	cbMu      sync.Mutex
	callbacks map[uint64]func(ConnectionEvent)
	nextCB    uint64

	sweepQuit chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a hub and, when configured, starts the inactivity sweeper.
func New(cfg Config, logger logging.Logger) *Hub {
	h := &Hub{
		cfg:       cfg.withDefaults(),
		logger:    logging.OrNop(logger),
		sessions:  make(map[string]*session),
		callbacks: make(map[uint64]func(ConnectionEvent)),
	}
	if h.cfg.SweepInterval > 0 && h.cfg.MaxInactive > 0 {
		h.sweepQuit = make(chan struct{})
		async.GoWG(&h.wg, h.logger, "hub.sweeper", h.sweep)
	}
	return h
}

// AddConnection registers a connection, starts its writer and returns the
// session id.
func (h *Hub) AddConnection(conn Conn, metadata map[string]string) string {
	id := uuid.NewString()
	s := newSession(id, conn, metadata, h.cfg.OutboundBuffer)

	h.mu.Lock()
	h.sessions[id] = s
	total := len(h.sessions)
	h.mu.Unlock()

	async.Go(h.logger, "hub.writer."+id, func() { s.writeLoop(h) })

	h.logger.Info("hub: session %s connected (%d total)", id, total)
	h.emit(ConnectionEvent{Type: EventConnected, SessionID: id, Timestamp: time.Now().UTC()})
	return id
}

// RemoveConnection closes a session with a normal close frame. Unknown
// ids are a no-op.
func (h *Hub) RemoveConnection(id string) {
	h.removeWithReason(id, websocket.CloseNormalClosure, "connection removed", "")
}

func (h *Hub) removeWithReason(id string, code int, reason, details string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	s.setState(StateDisconnected)
	s.shutdown(code, reason)
	h.logger.Info("hub: session %s disconnected: %s", id, reason)
	h.emit(ConnectionEvent{Type: EventDisconnected, SessionID: id, Timestamp: time.Now().UTC(), Details: details})
}

// dropSession removes a session that already failed, for the writer's
// error path and queue overflow.
func (h *Hub) dropSession(s *session, st State, details string) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	if ok {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	s.setState(st)
	h.logger.Warn("hub: session %s dropped: %s", s.id, details)
	h.emit(ConnectionEvent{Type: EventError, SessionID: s.id, Timestamp: time.Now().UTC(), Details: details})
}

// GetConnection returns a snapshot of one session.
func (h *Hub) GetConnection(id string) (SessionInfo, bool) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// GetConnections returns snapshots of every session matching the filter.
// A nil filter matches everything.
func (h *Hub) GetConnections(filter *ConnectionFilter) []SessionInfo {
	h.mu.RLock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		info := s.snapshot()
		if filter.matches(info) {
			out = append(out, info)
		}
	}
	h.mu.RUnlock()
	return out
}

// SendToConnection queues one message for one session. False means the
// session is unknown or its queue overflowed (which also drops it).
func (h *Hub) SendToConnection(id string, msg Message) bool {
	data, ok := h.encode(msg)
	if !ok {
		return false
	}

	h.mu.RLock()
	s := h.sessions[id]
	h.mu.RUnlock()
	if s == nil {
		return false
	}

	if !s.enqueue(frame{websocket.TextMessage, data}) {
		h.overflow(s)
		return false
	}
	return true
}

// Broadcast queues the message for every session the filter matches and
// returns the number of sessions reached.
func (h *Hub) Broadcast(msg Message, filter *ConnectionFilter) int {
	data, ok := h.encode(msg)
	if !ok {
		return 0
	}
	return h.fanOut(data, func(s *session) bool {
		return filter.matches(s.snapshot())
	})
}

// BroadcastToProcess queues a process-scoped message for every session
// subscribed to the process, explicitly or via subscribe_all.
func (h *Hub) BroadcastToProcess(pid string, msg Message) int {
	data, ok := h.encode(msg)
	if !ok {
		return 0
	}
	return h.fanOut(data, func(s *session) bool {
		return s.subscribesTo(pid)
	})
}

func (h *Hub) fanOut(data []byte, want func(*session) bool) int {
	h.mu.RLock()
	var overflowed []*session
	sent := 0
	for _, s := range h.sessions {
		if !want(s) {
			continue
		}
		if s.enqueue(frame{websocket.TextMessage, data}) {
			sent++
		} else {
			overflowed = append(overflowed, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range overflowed {
		h.overflow(s)
	}
	return sent
}

// overflow disconnects a session whose outbound queue filled up.
func (h *Hub) overflow(s *session) {
	s.shutdown(websocket.CloseTryAgainLater, "outbound buffer overflow")
	h.dropSession(s, StateError, fmt.Sprintf("outbound buffer overflow (%d queued)", cap(s.outbound)))
}

// UpdateSubscription changes what process events a session receives.
// subscribe/unsubscribe require a process id; subscribe_all and
// unsubscribe_all toggle the firehose, the latter also clearing the
// explicit set.
func (h *Hub) UpdateSubscription(id, action, pid string) error {
	h.mu.RLock()
	s := h.sessions[id]
	h.mu.RUnlock()
	if s == nil {
		return fault.NotFound("session %s", id)
	}

	var evType EventType
	s.mu.Lock()
	switch action {
	case ActionSubscribe:
		if pid == "" {
			s.mu.Unlock()
			return fault.InvalidRequest("subscribe requires a process id")
		}
		s.processIDs[pid] = struct{}{}
		evType = EventSubscribed
	case ActionUnsubscribe:
		if pid == "" {
			s.mu.Unlock()
			return fault.InvalidRequest("unsubscribe requires a process id")
		}
		delete(s.processIDs, pid)
		evType = EventUnsubscribed
	case ActionSubscribeAll:
		s.allProcesses = true
		evType = EventSubscribed
	case ActionUnsubscribeAll:
		s.allProcesses = false
		s.processIDs = make(map[string]struct{})
		evType = EventUnsubscribed
	default:
		s.mu.Unlock()
		return fault.InvalidRequest("unknown subscription action %q", action)
	}
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()

	h.emit(ConnectionEvent{Type: evType, SessionID: id, Timestamp: time.Now().UTC(), Details: subscriptionDetails(action, pid)})
	return nil
}

func subscriptionDetails(action, pid string) string {
	if pid == "" {
		return action
	}
	return action + " " + pid
}

// UpdateActivity refreshes the session's inactivity clock.
func (h *Hub) UpdateActivity(id string) bool {
	h.mu.RLock()
	s := h.sessions[id]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	s.touch()
	return true
}

// CleanupInactive removes sessions idle for longer than maxAge and
// returns how many were removed.
func (h *Hub) CleanupInactive(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	h.mu.RLock()
	var stale []string
	for id, s := range h.sessions {
		if s.lastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.removeWithReason(id, websocket.CloseGoingAway, "inactive", fmt.Sprintf("inactive longer than %s", maxAge))
	}
	return len(stale)
}

// CloseAll disconnects every session with the given close code and
// reason.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.setState(StateDisconnected)
		s.shutdown(code, reason)
		h.emit(ConnectionEvent{Type: EventDisconnected, SessionID: s.id, Timestamp: time.Now().UTC(), Details: reason})
	}
	if len(sessions) > 0 {
		h.logger.Info("hub: closed %d sessions: %s", len(sessions), reason)
	}
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// OnConnectionEvent registers a callback for session lifecycle events and
// returns its unsubscribe func. Callbacks run on the goroutine that
// triggered the event and must return quickly.
func (h *Hub) OnConnectionEvent(cb func(ConnectionEvent)) func() {
	h.cbMu.Lock()
	h.nextCB++
	id := h.nextCB
	h.callbacks[id] = cb
	h.cbMu.Unlock()

	return func() {
		h.cbMu.Lock()
		delete(h.callbacks, id)
		h.cbMu.Unlock()
	}
}

// Close stops the sweeper and disconnects everyone.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		if h.sweepQuit != nil {
			close(h.sweepQuit)
		}
		h.wg.Wait()
		h.CloseAll(websocket.CloseGoingAway, "server shutting down")
	})
}

func (h *Hub) emit(ev ConnectionEvent) {
	h.cbMu.Lock()
	cbs := make([]func(ConnectionEvent), 0, len(h.callbacks))
	for _, cb := range h.callbacks {
		cbs = append(cbs, cb)
	}
	h.cbMu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

func (h *Hub) encode(msg Message) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("hub: encode %s message: %v", msg.Type, err)
		return nil, false
	}
	return data, true
}

func (h *Hub) sweep() {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := h.CleanupInactive(h.cfg.MaxInactive); n > 0 {
				h.logger.Info("hub: swept %d inactive sessions", n)
			}
		case <-h.sweepQuit:
			return
		}
	}
}
