package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/hub"
	"conductor/internal/observability"
	"conductor/internal/process"
	"conductor/internal/queue"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	if mt != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error { return nil }

// messages decodes every recorded frame of the given type.
func (c *fakeConn) messages(t *testing.T, msgType string) []hub.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []hub.Message
	for _, data := range c.frames {
		var m hub.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// waitMessages polls until the connection has seen want frames of the
// given type. Bus dispatch and the hub writer are both asynchronous.
func waitMessages(t *testing.T, c *fakeConn, msgType string, want int) []hub.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.messages(t, msgType); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := c.messages(t, msgType)
	t.Fatalf("saw %d %s messages, want %d", len(got), msgType, want)
	return nil
}

// payloadMap re-decodes a message payload as a generic map.
func payloadMap(t *testing.T, m hub.Message) map[string]any {
	t.Helper()
	data, err := json.Marshal(m.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return out
}

func newBridgeFixture(t *testing.T) (*bus.Bus, *hub.Hub, func()) {
	t.Helper()
	b := bus.New(nil)
	h := hub.New(hub.Config{}, nil)
	metrics, err := observability.NewMetricsCollector(config.MetricsConfig{}, nil)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	detach := connectBridge(b, h, metrics, nil)
	t.Cleanup(func() {
		h.Close()
		b.Close()
	})
	return b, h, detach
}

func TestBridgeRoutesProcessLogs(t *testing.T) {
	b, h, _ := newBridgeFixture(t)

	subscriber := &fakeConn{}
	firehose := &fakeConn{}
	bystander := &fakeConn{}
	subID := h.AddConnection(subscriber, nil)
	fireID := h.AddConnection(firehose, nil)
	h.AddConnection(bystander, nil)

	if err := h.UpdateSubscription(subID, hub.ActionSubscribe, "p1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.UpdateSubscription(fireID, hub.ActionSubscribeAll, ""); err != nil {
		t.Fatalf("subscribe_all: %v", err)
	}

	b.Publish(bus.TopicProcessLog, process.LogEvent{
		ProcessID: "p1",
		Entry:     process.LogEntry{Seq: 1, Timestamp: time.Now().UTC(), Stream: process.StreamStdout, Text: "out-1"},
	})

	for _, c := range []*fakeConn{subscriber, firehose} {
		msgs := waitMessages(t, c, MessageProcessLog, 1)
		payload := payloadMap(t, msgs[0])
		if got := payload["processId"]; got != "p1" {
			t.Errorf("processId = %v, want p1", got)
		}
		entries, ok := payload["entries"].([]any)
		if !ok || len(entries) != 1 {
			t.Fatalf("entries = %v, want one entry", payload["entries"])
		}
		entry := entries[0].(map[string]any)
		if got := entry["text"]; got != "out-1" {
			t.Errorf("entry text = %v, want out-1", got)
		}
	}

	if got := bystander.messages(t, MessageProcessLog); len(got) != 0 {
		t.Errorf("bystander saw %d log messages, want 0", len(got))
	}
}

func TestBridgeBroadcastsProcessUpdates(t *testing.T) {
	b, h, _ := newBridgeFixture(t)

	conn := &fakeConn{}
	h.AddConnection(conn, nil)

	rec := process.Record{ID: "p1", Title: "demo", Command: []string{"true"}, Status: process.StatusStarting, Priority: 5, StartTime: time.Now().UTC()}
	b.Publish(bus.TopicProcessCreated, rec)
	rec.Status = process.StatusRunning
	b.Publish(bus.TopicProcessStarted, rec)

	msgs := waitMessages(t, conn, MessageProcessUpdate, 2)
	first := payloadMap(t, msgs[0])
	if got := first["id"]; got != "p1" {
		t.Errorf("payload id = %v, want p1", got)
	}
	if got := first["status"]; got != string(process.StatusStarting) {
		t.Errorf("first status = %v, want starting", got)
	}
	if got := payloadMap(t, msgs[1])["status"]; got != string(process.StatusRunning) {
		t.Errorf("second status = %v, want running", got)
	}
}

func TestBridgeBroadcastsQueueAndKnowledgeUpdates(t *testing.T) {
	b, h, _ := newBridgeFixture(t)

	conn := &fakeConn{}
	h.AddConnection(conn, nil)

	b.Publish(bus.TopicQueueChanged, queue.Status{Running: 1, Queued: 2})
	msgs := waitMessages(t, conn, MessageQueueUpdate, 1)
	payload := payloadMap(t, msgs[0])
	if got := payload["running"]; got != float64(1) {
		t.Errorf("running = %v, want 1", got)
	}
	if got := payload["queued"]; got != float64(2) {
		t.Errorf("queued = %v, want 2", got)
	}

	b.Publish(bus.TopicKnowledgeCreated, map[string]string{"id": "ISSUE_1"})
	msgs = waitMessages(t, conn, MessageKnowledgeUpdate, 1)
	payload = payloadMap(t, msgs[0])
	if got := payload["topic"]; got != string(bus.TopicKnowledgeCreated) {
		t.Errorf("topic = %v, want %s", got, bus.TopicKnowledgeCreated)
	}
	data, ok := payload["data"].(map[string]any)
	if !ok || data["id"] != "ISSUE_1" {
		t.Errorf("data = %v, want id ISSUE_1", payload["data"])
	}

	b.Publish(bus.TopicLinkCreated, map[string]string{"id": "link_a_b_answers"})
	msgs = waitMessages(t, conn, MessageKnowledgeUpdate, 2)
	if got := payloadMap(t, msgs[1])["topic"]; got != string(bus.TopicLinkCreated) {
		t.Errorf("topic = %v, want %s", got, bus.TopicLinkCreated)
	}
}

func TestBridgeDetachStopsForwarding(t *testing.T) {
	b, h, detach := newBridgeFixture(t)

	conn := &fakeConn{}
	h.AddConnection(conn, nil)

	b.Publish(bus.TopicQueueChanged, queue.Status{Queued: 1})
	waitMessages(t, conn, MessageQueueUpdate, 1)

	detach()
	b.Publish(bus.TopicQueueChanged, queue.Status{Queued: 2})

	// Give the dispatcher a moment; no second frame should land.
	time.Sleep(50 * time.Millisecond)
	if got := conn.messages(t, MessageQueueUpdate); len(got) != 1 {
		t.Errorf("saw %d queue updates after detach, want 1", len(got))
	}
}
