package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"conductor/internal/bus"
	"conductor/internal/fault"
)

func newTestSupervisor(t *testing.T, b *bus.Bus) (*Supervisor, *Registry) {
	t.Helper()
	reg := NewRegistry(DefaultLogBufferSize, nil)
	sup := NewSupervisor(reg, b, SupervisorConfig{}, nil)
	return sup, reg
}

func shSpec(title, script string) Spec {
	return Spec{Title: title, Command: []string{"sh", "-c", script}}
}

func TestSupervisorRunCleanExit(t *testing.T) {
	sup, reg := newTestSupervisor(t, nil)

	final, err := sup.Run(context.Background(), shSpec("echo", "echo out-1; echo out-2; echo out-3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("exitCode = %v, want 0", final.ExitCode)
	}
	if final.EndTime == nil {
		t.Fatal("endTime not set on terminal record")
	}

	logs, err := reg.Logs(final.ID, LogFilter{Stream: StreamStdout})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("stdout lines = %d, want 3", len(logs))
	}
	for i, e := range logs {
		if want := []string{"out-1", "out-2", "out-3"}[i]; e.Text != want {
			t.Errorf("line %d = %q, want %q", i, e.Text, want)
		}
		if i > 0 && logs[i].Seq <= logs[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", logs[i-1].Seq, logs[i].Seq)
		}
	}
}

func TestSupervisorRunNonzeroExitFails(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	final, err := sup.Run(context.Background(), shSpec("fail", "exit 3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Fatalf("exitCode = %v, want 3", final.ExitCode)
	}
}

func TestSupervisorSpawnFailure(t *testing.T) {
	sup, reg := newTestSupervisor(t, nil)

	spec := Spec{Title: "ghost", Command: []string{"/nonexistent/binary/for/conductor"}}
	final, err := sup.Start(context.Background(), spec)
	if !errors.Is(err, fault.ErrSpawnFailed) {
		t.Fatalf("error = %v, want ErrSpawnFailed", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	logs, err := reg.Logs(final.ID, LogFilter{Stream: StreamSystem})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) == 0 || !strings.Contains(logs[0].Text, "spawn failed") {
		t.Fatalf("system log = %v, want a spawn failure line", logs)
	}
}

func TestSupervisorStopGraceful(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	rec, err := sup.Start(context.Background(), shSpec("sleeper", "sleep 30"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final, err := sup.Stop(context.Background(), rec.ID, false, 5*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped (requested termination)", final.Status)
	}
	if final.Signal != "SIGTERM" {
		t.Errorf("signal = %q, want SIGTERM", final.Signal)
	}
}

func TestSupervisorStopEscalatesToKill(t *testing.T) {
	sup, reg := newTestSupervisor(t, nil)

	// The shell ignores SIGTERM, forcing the timeout escalation path. The
	// loop keeps it alive even though each inner sleep dies to the signal.
	rec, err := sup.Start(context.Background(), shSpec("stubborn", `trap "" TERM; while true; do sleep 1; done`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	final, err := sup.Stop(context.Background(), rec.ID, false, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", final.Status)
	}
	if final.Signal != "SIGKILL" {
		t.Errorf("signal = %q, want SIGKILL", final.Signal)
	}

	logs, _ := reg.Logs(rec.ID, LogFilter{Stream: StreamSystem})
	found := false
	for _, e := range logs {
		if strings.Contains(e.Text, "escalating to SIGKILL") {
			found = true
		}
	}
	if !found {
		t.Errorf("no escalation system log, got %v", logs)
	}
}

func TestSupervisorStopForceKillsImmediately(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	rec, err := sup.Start(context.Background(), shSpec("victim", "sleep 30"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	final, err := sup.Stop(context.Background(), rec.ID, true, 5*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", final.Status)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("force stop took %s, should not wait out the polite timeout", elapsed)
	}
}

func TestSupervisorStopRejectsWrongStates(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	if _, err := sup.Stop(context.Background(), "ghost", false, 0); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Stop(unknown) = %v, want ErrNotFound", err)
	}

	final, err := sup.Run(context.Background(), shSpec("done", "true"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := sup.Stop(context.Background(), final.ID, false, 0); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("Stop(stopped) = %v, want ErrConflict", err)
	}
}

func TestSupervisorReusesIDAfterTerminalAttempt(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	spec := shSpec("retry", "exit 1")
	spec.ID = "stable-id"
	first, err := sup.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Status != StatusFailed {
		t.Fatalf("first status = %s, want failed", first.Status)
	}

	// The same logical id can be spawned again once terminal.
	spec.Command = []string{"sh", "-c", "true"}
	second, err := sup.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.ID != "stable-id" {
		t.Fatalf("second id = %s, want stable-id", second.ID)
	}
	if second.Status != StatusStopped {
		t.Fatalf("second status = %s, want stopped", second.Status)
	}
}

func TestSupervisorRejectsLiveDuplicateID(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	spec := shSpec("long", "sleep 30")
	spec.ID = "dup"
	if _, err := sup.Start(context.Background(), spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _, _ = sup.Stop(context.Background(), "dup", true, time.Second) }()

	if _, err := sup.Start(context.Background(), spec); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate Start = %v, want ErrConflict", err)
	}
}

func TestSupervisorPublishesLifecycleEvents(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	sup, _ := newTestSupervisor(t, b)

	events := make(chan bus.Event, 64)
	b.SubscribeAll(func(ev bus.Event) { events <- ev })

	final, err := sup.Run(context.Background(), shSpec("emitter", "echo out-1; echo out-2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var topics []bus.Topic
	var logTexts []string
	deadline := time.After(5 * time.Second)
	for {
		exited := false
		select {
		case ev := <-events:
			topics = append(topics, ev.Topic)
			if ev.Topic == bus.TopicProcessLog {
				le := ev.Payload.(LogEvent)
				if le.ProcessID != final.ID {
					t.Fatalf("log event for %s, want %s", le.ProcessID, final.ID)
				}
				if le.Entry.Stream == StreamStdout {
					logTexts = append(logTexts, le.Entry.Text)
				}
			}
			if ev.Topic == bus.TopicProcessExited {
				rec := ev.Payload.(Record)
				if rec.Status != StatusStopped {
					t.Fatalf("exited payload status = %s", rec.Status)
				}
				exited = true
			}
		case <-deadline:
			t.Fatalf("no process.exited event; saw %v", topics)
		}
		if exited {
			break
		}
	}

	if topics[0] != bus.TopicProcessCreated || topics[1] != bus.TopicProcessStarted {
		t.Fatalf("lifecycle prefix = %v, want created then started", topics[:2])
	}
	if len(logTexts) != 2 || logTexts[0] != "out-1" || logTexts[1] != "out-2" {
		t.Fatalf("stdout log events = %v, want [out-1 out-2] in order", logTexts)
	}
}

func TestSupervisorSplitsOversizedLines(t *testing.T) {
	sup, reg := newTestSupervisor(t, nil)

	// One 70000-byte line exceeds the 64 KiB cap and must arrive as two chunks.
	final, err := sup.Run(context.Background(), shSpec("wide", `head -c 70000 /dev/zero | tr "\0" a`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	logs, err := reg.Logs(final.ID, LogFilter{Stream: StreamStdout})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("chunks = %d, want 2", len(logs))
	}
	total := len(logs[0].Text) + len(logs[1].Text)
	if total != 70000 {
		t.Fatalf("reassembled bytes = %d, want 70000", total)
	}
	if len(logs[0].Text) != maxLineBytes {
		t.Errorf("first chunk = %d bytes, want %d", len(logs[0].Text), maxLineBytes)
	}
}

func TestSupervisorRunHonorsContextCancel(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	final, err := sup.Run(ctx, shSpec("cancelled", "sleep 30"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !final.Status.IsTerminal() {
		t.Fatalf("status = %s, want terminal after context cancel", final.Status)
	}
}

func TestSupervisorStopAll(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := sup.Start(context.Background(), shSpec("bulk", "sleep 30")); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if n := sup.LiveCount(); n != 3 {
		t.Fatalf("LiveCount = %d, want 3", n)
	}

	sup.StopAll(context.Background(), 2*time.Second)
	if n := sup.LiveCount(); n != 0 {
		t.Fatalf("LiveCount after StopAll = %d, want 0", n)
	}
}
