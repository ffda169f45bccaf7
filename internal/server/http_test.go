package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/process"
)

func newTestApp(t *testing.T, mutate ...func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Supervisor.StopTimeout = 2 * time.Second
	cfg.Supervisor.DrainWindow = 50 * time.Millisecond
	for _, fn := range mutate {
		fn(&cfg)
	}

	app, err := New(cfg, "test", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return app
}

func newTestServer(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app := newTestApp(t)
	ts := httptest.NewServer(NewHTTPServer(app).Handler())
	t.Cleanup(ts.Close)
	return app, ts
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return body
}

func seedRecord(t *testing.T, app *App, id, title string, status process.Status, priority int, start time.Time) {
	t.Helper()
	err := app.Registry.Add(process.Record{
		ID:        id,
		Title:     title,
		Command:   []string{"true"},
		Status:    status,
		Priority:  priority,
		StartTime: start,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	body := getJSON(t, ts.URL+"/api/health", http.StatusOK)
	if got := body["status"]; got != "ok" {
		t.Errorf("status = %v, want ok", got)
	}
	if got := body["version"]; got != "test" {
		t.Errorf("version = %v, want test", got)
	}
	if _, ok := body["uptime"]; !ok {
		t.Errorf("health body missing uptime: %v", body)
	}
}

func TestListProcessesFilterSortPage(t *testing.T) {
	app, ts := newTestServer(t)

	base := time.Now().UTC()
	seedRecord(t, app, "p1", "alpha worker", process.StatusRunning, 3, base.Add(-3*time.Minute))
	seedRecord(t, app, "p2", "beta worker", process.StatusStopped, 7, base.Add(-2*time.Minute))
	seedRecord(t, app, "p3", "gamma job", process.StatusRunning, 5, base.Add(-time.Minute))

	body := getJSON(t, ts.URL+"/api/processes", http.StatusOK)
	if got := body["total"]; got != float64(3) {
		t.Fatalf("total = %v, want 3", got)
	}

	body = getJSON(t, ts.URL+"/api/processes?status=running", http.StatusOK)
	if got := body["total"]; got != float64(2) {
		t.Errorf("running total = %v, want 2", got)
	}

	body = getJSON(t, ts.URL+"/api/processes?title_contains=worker&sort_by=priority&sort_order=asc", http.StatusOK)
	procs := body["processes"].([]any)
	if len(procs) != 2 {
		t.Fatalf("worker matches = %d, want 2", len(procs))
	}
	if got := procs[0].(map[string]any)["id"]; got != "p1" {
		t.Errorf("first by priority asc = %v, want p1", got)
	}

	body = getJSON(t, ts.URL+"/api/processes?limit=1&offset=1&sort_by=title&sort_order=asc", http.StatusOK)
	procs = body["processes"].([]any)
	if len(procs) != 1 || procs[0].(map[string]any)["id"] != "p2" {
		t.Errorf("page = %v, want just p2", procs)
	}
	if got := body["total"]; got != float64(3) {
		t.Errorf("paged total = %v, want 3", got)
	}

	body = getJSON(t, ts.URL+"/api/processes?status=bogus", http.StatusBadRequest)
	if got := body["kind"]; got != "InvalidRequest" {
		t.Errorf("kind = %v, want InvalidRequest", got)
	}
	getJSON(t, ts.URL+"/api/processes?sort_by=bogus", http.StatusBadRequest)
	getJSON(t, ts.URL+"/api/processes?limit=-1", http.StatusBadRequest)
}

func TestGetProcessEndpoint(t *testing.T) {
	app, ts := newTestServer(t)
	seedRecord(t, app, "p1", "alpha", process.StatusRunning, 5, time.Now().UTC())

	body := getJSON(t, ts.URL+"/api/processes/p1", http.StatusOK)
	if got := body["id"]; got != "p1" {
		t.Errorf("id = %v, want p1", got)
	}

	body = getJSON(t, ts.URL+"/api/processes/ghost", http.StatusNotFound)
	if got := body["kind"]; got != "NotFound" {
		t.Errorf("kind = %v, want NotFound", got)
	}
}

func TestProcessLogsEndpoint(t *testing.T) {
	app, ts := newTestServer(t)
	seedRecord(t, app, "p1", "alpha", process.StatusRunning, 5, time.Now().UTC())
	for _, text := range []string{"out-1", "out-2", "out-3"} {
		app.Registry.AppendLog("p1", process.StreamStdout, text)
	}
	app.Registry.AppendLog("p1", process.StreamStderr, "warn-1")

	body := getJSON(t, ts.URL+"/api/processes/p1/logs", http.StatusOK)
	entries := body["entries"].([]any)
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if got := body["processId"]; got != "p1" {
		t.Errorf("processId = %v, want p1", got)
	}

	body = getJSON(t, ts.URL+"/api/processes/p1/logs?log_type=stdout&since_seq=0", http.StatusOK)
	entries = body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("filtered entries = %d, want 2", len(entries))
	}
	if got := entries[0].(map[string]any)["text"]; got != "out-2" {
		t.Errorf("first filtered entry = %v, want out-2", got)
	}

	getJSON(t, ts.URL+"/api/processes/p1/logs?log_type=bogus", http.StatusBadRequest)
	getJSON(t, ts.URL+"/api/processes/p1/logs?since_seq=abc", http.StatusBadRequest)
	body = getJSON(t, ts.URL+"/api/processes/ghost/logs", http.StatusNotFound)
	if got := body["kind"]; got != "NotFound" {
		t.Errorf("kind = %v, want NotFound", got)
	}
}

func TestQueueEndpoint(t *testing.T) {
	app, ts := newTestServer(t)

	body := getJSON(t, ts.URL+"/api/queue", http.StatusOK)
	if got := body["running"]; got != float64(0) {
		t.Errorf("running = %v, want 0", got)
	}
	if got := body["paused"]; got != false {
		t.Errorf("paused = %v, want false", got)
	}
	if _, ok := body["entries"]; ok {
		t.Errorf("entries present without include_entries: %v", body)
	}

	app.Scheduler.Pause()
	if _, err := app.Scheduler.Submit(process.Spec{Title: "queued job", Command: []string{"true"}}, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		body = getJSON(t, ts.URL+"/api/queue?include_entries=true", http.StatusOK)
		if body["queued"] == float64(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued = %v, want 1", body["queued"])
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := body["paused"]; got != true {
		t.Errorf("paused = %v, want true", got)
	}
	entries := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}
