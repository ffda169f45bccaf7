package tools

import (
	"context"
	"strings"
	"testing"

	"conductor/internal/process"
	"conductor/internal/queue"
)

func TestStartProcessRunsImmediately(t *testing.T) {
	deps := newDeps(t)
	h := startProcess(deps)

	res := invoke(t, h, "start_process", map[string]any{
		"title":       "greeter",
		"script_name": "sh",
		"args":        []string{"-c", "echo hello"},
		"immediate":   true,
	})

	var detail struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	summary := decodeDetail(t, res, &detail)
	if detail.ID == "" {
		t.Fatal("no process id in detail")
	}
	if detail.Status != queue.StateRunning {
		t.Fatalf("status = %q, want running", detail.Status)
	}
	if !strings.HasPrefix(summary, "Started process") {
		t.Errorf("summary = %q, want Started prefix", summary)
	}

	rec := waitTerminal(t, deps.Registry, detail.ID)
	if rec.Status != process.StatusStopped {
		t.Fatalf("final status = %s, want stopped", rec.Status)
	}
}

func TestStartProcessValidation(t *testing.T) {
	deps := newDeps(t)
	h := startProcess(deps)

	res := invoke(t, h, "start_process", map[string]any{
		"script_name": "sh",
	})
	wantToolError(t, res, "InvalidRequest")

	res = invoke(t, h, "start_process", map[string]any{
		"title": "no command",
	})
	wantToolError(t, res, "InvalidRequest")

	res = invoke(t, h, "start_process", map[string]any{
		"title":       "bad priority",
		"script_name": "sh",
		"priority":    99,
	})
	wantToolError(t, res, "InvalidRequest")
}

func TestStartProcessQueuesAndCancel(t *testing.T) {
	deps := newDepsWith(t, queue.Config{MaxConcurrent: 1})
	start := startProcess(deps)

	res := invoke(t, start, "start_process", map[string]any{
		"title":       "sleeper",
		"script_name": "sh",
		"args":        []string{"-c", "sleep 30"},
		"immediate":   true,
	})
	var first struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeDetail(t, res, &first)
	if first.Status != queue.StateRunning {
		t.Fatalf("first status = %q, want running", first.Status)
	}
	waitStatus(t, deps.Registry, first.ID, process.StatusRunning)

	res = invoke(t, start, "start_process", map[string]any{
		"title":       "waiter",
		"script_name": "sh",
		"args":        []string{"-c", "echo queued"},
	})
	var second struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	summary := decodeDetail(t, res, &second)
	if second.Status != queue.StateQueued {
		t.Fatalf("second status = %q, want queued", second.Status)
	}
	if !strings.HasPrefix(summary, "Queued process") {
		t.Errorf("summary = %q, want Queued prefix", summary)
	}

	res = invoke(t, cancelQueuedProcess(deps), "cancel_queued_process", map[string]any{
		"process_id": second.ID,
	})
	var cancelled struct {
		ProcessID string `json:"processId"`
		Cancelled bool   `json:"cancelled"`
	}
	decodeDetail(t, res, &cancelled)
	if !cancelled.Cancelled {
		t.Fatal("queued process was not cancelled")
	}

	res = invoke(t, stopProcess(deps), "stop_process", map[string]any{
		"process_id": first.ID,
		"force":      true,
	})
	var final process.Record
	decodeDetail(t, res, &final)
	if final.Status != process.StatusStopped {
		t.Fatalf("stopped record status = %s, want stopped", final.Status)
	}
}

func TestStopProcessNotFound(t *testing.T) {
	deps := newDeps(t)
	res := invoke(t, stopProcess(deps), "stop_process", map[string]any{
		"process_id": "ghost",
	})
	wantToolError(t, res, "NotFound")

	res = invoke(t, stopProcess(deps), "stop_process", map[string]any{
		"process_id": "ghost",
		"timeout_ms": -5,
	})
	wantToolError(t, res, "InvalidRequest")
}

func TestListProcessesFiltersAndSorts(t *testing.T) {
	deps := newDeps(t)
	ctx := context.Background()

	for _, title := range []string{"alpha", "beta"} {
		if _, err := deps.Supervisor.Run(ctx, process.Spec{Title: title, Command: []string{"sh", "-c", "true"}}); err != nil {
			t.Fatalf("Run %s: %v", title, err)
		}
	}

	h := listProcesses(deps)
	res := invoke(t, h, "list_processes", map[string]any{
		"status":     "stopped",
		"sort_by":    "title",
		"sort_order": "asc",
	})
	var detail struct {
		Processes []process.Record `json:"processes"`
		Total     int              `json:"total"`
	}
	decodeDetail(t, res, &detail)
	if detail.Total != 2 || len(detail.Processes) != 2 {
		t.Fatalf("total = %d, len = %d, want 2 and 2", detail.Total, len(detail.Processes))
	}
	if detail.Processes[0].Title != "alpha" || detail.Processes[1].Title != "beta" {
		t.Fatalf("order = %s, %s, want alpha, beta", detail.Processes[0].Title, detail.Processes[1].Title)
	}

	res = invoke(t, h, "list_processes", map[string]any{
		"title_contains": "ALP",
	})
	decodeDetail(t, res, &detail)
	if detail.Total != 1 {
		t.Fatalf("title filter total = %d, want 1", detail.Total)
	}

	res = invoke(t, h, "list_processes", map[string]any{"status": "paused"})
	wantToolError(t, res, "InvalidRequest")

	res = invoke(t, h, "list_processes", map[string]any{"sort_by": "pid"})
	wantToolError(t, res, "InvalidRequest")
}

func TestGetProcessNotFound(t *testing.T) {
	deps := newDeps(t)
	res := invoke(t, getProcess(deps), "get_process", map[string]any{"process_id": "nope"})
	wantToolError(t, res, "NotFound")
}

func TestGetProcessLogs(t *testing.T) {
	deps := newDeps(t)
	ctx := context.Background()

	rec, err := deps.Supervisor.Run(ctx, process.Spec{
		Title:   "chatty",
		Command: []string{"sh", "-c", "echo one; echo two; echo three"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	h := getProcessLogs(deps)
	res := invoke(t, h, "get_process_logs", map[string]any{
		"process_id": rec.ID,
		"log_type":   "stdout",
	})
	var detail struct {
		ProcessID string             `json:"processId"`
		Entries   []process.LogEntry `json:"entries"`
		Count     int                `json:"count"`
	}
	decodeDetail(t, res, &detail)
	if detail.Count != 3 {
		t.Fatalf("stdout lines = %d, want 3", detail.Count)
	}

	res = invoke(t, h, "get_process_logs", map[string]any{
		"process_id": rec.ID,
		"log_type":   "stdout",
		"since_seq":  detail.Entries[0].Seq,
	})
	decodeDetail(t, res, &detail)
	if detail.Count != 2 {
		t.Fatalf("resumed lines = %d, want 2", detail.Count)
	}

	res = invoke(t, h, "get_process_logs", map[string]any{
		"process_id": rec.ID,
		"log_type":   "journal",
	})
	wantToolError(t, res, "InvalidRequest")

	res = invoke(t, h, "get_process_logs", map[string]any{"process_id": "ghost"})
	wantToolError(t, res, "NotFound")
}
