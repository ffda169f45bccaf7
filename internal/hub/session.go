package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a hub session.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Conn is the transport side of a session. *websocket.Conn satisfies it;
// tests substitute fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// SessionInfo is a point-in-time copy of one session's state.
type SessionInfo struct {
	ID             string            `json:"id"`
	State          State             `json:"state"`
	ConnectedAt    time.Time         `json:"connectedAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	AllProcesses   bool              `json:"allProcesses"`
	ProcessIDs     []string          `json:"processIds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// frame is one queued write. Close frames are not queued; they are
// written by the writer on its way out.
type frame struct {
	messageType int
	data        []byte
}

// session pairs a connection with its subscription state and a buffered
// outbound queue drained by exactly one writer goroutine, so per-session
// delivery is async and strictly ordered.
type session struct {
	id       string
	conn     Conn
	metadata map[string]string

	mu             sync.Mutex
	state          State
	connectedAt    time.Time
	lastActivityAt time.Time
	allProcesses   bool
	processIDs     map[string]struct{}

	outbound   chan frame
	quit       chan struct{}
	closeOnce  sync.Once
	closeFrame []byte
}

func newSession(id string, conn Conn, metadata map[string]string, buffer int) *session {
	now := time.Now().UTC()
	return &session{
		id:             id,
		conn:           conn,
		metadata:       metadata,
		state:          StateConnected,
		connectedAt:    now,
		lastActivityAt: now,
		processIDs:     make(map[string]struct{}),
		outbound:       make(chan frame, buffer),
		quit:           make(chan struct{}),
	}
}

// enqueue adds a frame to the outbound queue without blocking. False
// means the queue is full and the session should be dropped.
func (s *session) enqueue(f frame) bool {
	select {
	case s.outbound <- f:
		return true
	default:
		return false
	}
}

// shutdown stops the writer, optionally after a close frame. Idempotent.
func (s *session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeFrame = websocket.FormatCloseMessage(code, reason)
		close(s.quit)
	})
}

// abort stops the writer without a close frame, for paths where the
// connection already failed.
func (s *session) abort() {
	s.closeOnce.Do(func() { close(s.quit) })
}

// writeLoop is the session's single writer. It exits on shutdown or on
// the first write error.
func (s *session) writeLoop(h *Hub) {
	for {
		select {
		case f := <-s.outbound:
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				s.abort()
				_ = s.conn.Close()
				h.dropSession(s, StateError, "write failed: "+err.Error())
				return
			}
		case <-s.quit:
			if s.closeFrame != nil {
				_ = s.conn.WriteMessage(websocket.CloseMessage, s.closeFrame)
			}
			_ = s.conn.Close()
			return
		}
	}
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// subscribesTo reports whether a process-scoped message reaches this
// session.
func (s *session) subscribesTo(pid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allProcesses {
		return true
	}
	_, ok := s.processIDs[pid]
	return ok
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:             s.id,
		State:          s.state,
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActivityAt,
		AllProcesses:   s.allProcesses,
		Metadata:       s.metadata,
	}
	if len(s.processIDs) > 0 {
		info.ProcessIDs = make([]string, 0, len(s.processIDs))
		for pid := range s.processIDs {
			info.ProcessIDs = append(info.ProcessIDs, pid)
		}
		sort.Strings(info.ProcessIDs)
	}
	return info
}
