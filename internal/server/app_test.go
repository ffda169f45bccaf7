package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/process"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	if _, err := New(cfg, "test", nil); err == nil {
		t.Fatalf("New accepted empty data_dir")
	}

	cfg = config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Queue.MaxConcurrent = 0
	if _, err := New(cfg, "test", nil); err == nil {
		t.Fatalf("New accepted max_concurrent 0")
	}
}

// Child stdout must reach a firehose session in emission order with
// monotonic sequence numbers.
func TestLogOrderingOverWebSocket(t *testing.T) {
	app, ts := newTestServer(t)

	conn, id := dialWS(t, ts)
	sendWS(t, conn, clientMessage{Type: "subscribe_all"})
	waitFirehose(t, app, id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := app.Supervisor.Start(ctx, process.Spec{
		Title:   "printer",
		Command: []string{"sh", "-c", "echo out-1; echo out-2; echo out-3"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var texts []string
	var seqs []uint64
	deadline := time.Now().Add(10 * time.Second)
	for len(texts) < 3 && time.Now().Before(deadline) {
		msg := readWS(t, conn, time.Until(deadline))
		if msg.Type != MessageProcessLog {
			continue
		}
		payload := payloadMap(t, msg)
		if payload["processId"] != rec.ID {
			continue
		}
		for _, raw := range payload["entries"].([]any) {
			entry := raw.(map[string]any)
			if entry["stream"] != string(process.StreamStdout) {
				continue
			}
			texts = append(texts, entry["text"].(string))
			seqs = append(seqs, uint64(entry["seq"].(float64)))
		}
	}

	want := []string{"out-1", "out-2", "out-3"}
	if len(texts) != 3 {
		t.Fatalf("stdout entries = %v, want %v", texts, want)
	}
	for i, text := range want {
		if texts[i] != text {
			t.Errorf("entry %d = %q, want %q", i, texts[i], text)
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("seq %d (%d) not above seq %d (%d)", i, seqs[i], i-1, seqs[i-1])
		}
	}
}

// With one slot, a higher priority submission overtakes an earlier
// lower one once the slot frees up.
func TestQueueAdmissionOrderEndToEnd(t *testing.T) {
	app := newTestApp(t, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrent = 1
	})

	var mu sync.Mutex
	var started []string
	sub := app.Bus.Subscribe(bus.TopicProcessStarted, func(ev bus.Event) {
		rec, ok := ev.Payload.(process.Record)
		if !ok {
			return
		}
		mu.Lock()
		started = append(started, rec.Title)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	submit := func(title string, priority int, command string) {
		t.Helper()
		_, err := app.Scheduler.Submit(process.Spec{
			Title:    title,
			Command:  []string{"sh", "-c", command},
			Priority: priority,
		}, false)
		if err != nil {
			t.Fatalf("submit %s: %v", title, err)
		}
	}

	submit("a", 5, "sleep 0.3")
	submit("b", 8, "true")
	submit("c", 5, "true")

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(started)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 3 processes started", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := append([]string(nil), started...)
	mu.Unlock()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("start order = %v, want %v", got, want)
		}
	}
}

func TestQueueUpdatesReachWebSocket(t *testing.T) {
	app, ts := newTestServer(t)

	conn, _ := dialWS(t, ts)

	if _, err := app.Scheduler.Submit(process.Spec{Title: "quick", Command: []string{"true"}}, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Admission, dispatch and completion each announce; wait for the
	// completion frame where the queue is empty again.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg := readWS(t, conn, time.Until(deadline))
		if msg.Type != MessageQueueUpdate {
			continue
		}
		payload := payloadMap(t, msg)
		if payload["running"] == float64(0) && payload["queued"] == float64(0) {
			return
		}
	}
	t.Fatalf("never saw the queue settle")
}

func TestShutdownStopsChildrenAndSnapshotsQueue(t *testing.T) {
	app, ts := newTestServer(t)

	conn, _ := dialWS(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := app.Supervisor.Start(ctx, process.Spec{
		Title:   "long runner",
		Command: []string{"sleep", "30"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	app.Scheduler.Pause()
	if _, err := app.Scheduler.Submit(process.Spec{Title: "queued job", Command: []string{"true"}}, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutCancel()
	if err := app.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, ok := app.Registry.Get(rec.ID)
	if !ok {
		t.Fatalf("record %s gone after shutdown", rec.ID)
	}
	if got.Status != process.StatusStopped && got.Status != process.StatusFailed {
		t.Errorf("status = %s, want stopped or failed", got.Status)
	}

	snapshot, err := os.ReadFile(filepath.Join(app.Config.DataDir, "queue.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(snapshot), "queued job") {
		t.Errorf("snapshot does not carry the queued entry: %s", snapshot)
	}

	// The hub said goodbye; the client sees a going-away close.
	sawClose := false
	for !sawClose {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			sawClose = websocket.IsCloseError(err, websocket.CloseGoingAway)
			if !sawClose {
				t.Logf("close error: %v", err)
			}
			break
		}
	}
	if !sawClose {
		t.Errorf("client never saw the going-away close")
	}
}
