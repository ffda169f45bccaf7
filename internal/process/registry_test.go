package process

import (
	"errors"
	"testing"
	"time"

	"conductor/internal/fault"
)

func newTestRecord(id, title string, status Status) Record {
	return Record{
		ID:        id,
		Title:     title,
		Command:   []string{"sleep", "1"},
		Status:    status,
		Priority:  PriorityDefault,
		StartTime: time.Now().UTC(),
	}
}

func TestRegistryAddAndGetReturnsCopy(t *testing.T) {
	g := NewRegistry(10, nil)
	rec := newTestRecord("p1", "worker", StatusStarting)
	rec.Env = map[string]string{"KEY": "v"}
	if err := g.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := g.Get("p1")
	if !ok {
		t.Fatal("Get returned ok=false")
	}
	got.Title = "mutated"
	got.Env["KEY"] = "changed"
	got.Command[0] = "rm"

	again, _ := g.Get("p1")
	if again.Title != "worker" || again.Env["KEY"] != "v" || again.Command[0] != "sleep" {
		t.Errorf("stored record mutated through a returned copy: %+v", again)
	}
}

func TestRegistryAddRejectsDuplicates(t *testing.T) {
	g := NewRegistry(10, nil)
	if err := g.Add(newTestRecord("p1", "a", StatusStarting)); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := g.Add(newTestRecord("p1", "b", StatusStarting))
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("duplicate Add error = %v, want ErrConflict", err)
	}
}

func TestRegistryUpdateValidatesTransitions(t *testing.T) {
	legal := []struct {
		from, to Status
	}{
		{StatusStarting, StatusRunning},
		{StatusStarting, StatusFailed},
		{StatusRunning, StatusStopping},
		{StatusRunning, StatusStopped},
		{StatusRunning, StatusFailed},
		{StatusStopping, StatusStopped},
		{StatusStopping, StatusFailed},
	}
	for _, tt := range legal {
		g := NewRegistry(10, nil)
		if err := g.Add(newTestRecord("p1", "a", tt.from)); err != nil {
			t.Fatalf("Add: %v", err)
		}
		got, err := g.Update("p1", func(r *Record) { r.Status = tt.to })
		if err != nil {
			t.Errorf("%s -> %s rejected: %v", tt.from, tt.to, err)
			continue
		}
		if got.Status != tt.to {
			t.Errorf("%s -> %s committed %s", tt.from, tt.to, got.Status)
		}
	}

	illegal := []struct {
		from, to Status
	}{
		{StatusStarting, StatusStopping},
		{StatusStarting, StatusStopped},
		{StatusStopped, StatusRunning},
		{StatusStopped, StatusStarting},
		{StatusFailed, StatusRunning},
		{StatusStopping, StatusRunning},
		{StatusRunning, StatusStarting},
	}
	for _, tt := range illegal {
		g := NewRegistry(10, nil)
		if err := g.Add(newTestRecord("p1", "a", tt.from)); err != nil {
			t.Fatalf("Add: %v", err)
		}
		_, err := g.Update("p1", func(r *Record) { r.Status = tt.to })
		if !errors.Is(err, fault.ErrConflict) {
			t.Errorf("%s -> %s error = %v, want ErrConflict", tt.from, tt.to, err)
		}
		// The failed update must not commit anything.
		cur, _ := g.Get("p1")
		if cur.Status != tt.from {
			t.Errorf("%s -> %s mutated stored status to %s", tt.from, tt.to, cur.Status)
		}
	}
}

func TestRegistryUpdateUnknownIsNotFound(t *testing.T) {
	g := NewRegistry(10, nil)
	_, err := g.Update("ghost", func(r *Record) {})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestRegistryUpdateKeepsID(t *testing.T) {
	g := NewRegistry(10, nil)
	if err := g.Add(newTestRecord("p1", "a", StatusStarting)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := g.Update("p1", func(r *Record) {
		r.ID = "hijacked"
		r.Title = "renamed"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.ID != "p1" {
		t.Errorf("id after update = %q, want p1", got.ID)
	}
	if got.Title != "renamed" {
		t.Errorf("title after update = %q, want renamed", got.Title)
	}
}

func TestRegistryRemove(t *testing.T) {
	g := NewRegistry(10, nil)
	if err := g.Add(newTestRecord("p1", "a", StatusStarting)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !g.Remove("p1") {
		t.Fatal("Remove returned false for present record")
	}
	if g.Remove("p1") {
		t.Fatal("Remove returned true for absent record")
	}
	if _, ok := g.Get("p1"); ok {
		t.Fatal("record still present after Remove")
	}
}

func TestRegistryAppendLogAndSnapshot(t *testing.T) {
	g := NewRegistry(3, nil)
	if err := g.Add(newTestRecord("p1", "a", StatusRunning)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, ok := g.AppendLog("p1", StreamStdout, "x"); !ok {
			t.Fatalf("AppendLog %d returned ok=false", i)
		}
	}
	if _, ok := g.AppendLog("ghost", StreamStdout, "x"); ok {
		t.Fatal("AppendLog accepted an unknown process")
	}

	logs, err := g.Logs("p1", LogFilter{})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("len(logs) = %d, want ring capacity 3", len(logs))
	}

	if _, err := g.Logs("ghost", LogFilter{}); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Logs(ghost) error = %v, want ErrNotFound", err)
	}
}

func seedQueryRegistry(t *testing.T) *Registry {
	t.Helper()
	g := NewRegistry(10, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []struct {
		id       string
		title    string
		status   Status
		priority int
		offset   time.Duration
	}{
		{"p1", "Alpha builder", StatusRunning, 3, 0},
		{"p2", "beta runner", StatusStopped, 7, time.Minute},
		{"p3", "Gamma builder", StatusFailed, 5, 2 * time.Minute},
		{"p4", "delta watcher", StatusRunning, 9, 3 * time.Minute},
	}
	for _, s := range seed {
		rec := newTestRecord(s.id, s.title, s.status)
		rec.Priority = s.priority
		rec.StartTime = base.Add(s.offset)
		if err := g.Add(rec); err != nil {
			t.Fatalf("Add %s: %v", s.id, err)
		}
	}
	return g
}

func TestRegistryQueryFilters(t *testing.T) {
	g := seedQueryRegistry(t)

	running := g.Query(Filter{Statuses: []Status{StatusRunning}}, Sort{}, Page{})
	if len(running) != 2 {
		t.Fatalf("running records = %d, want 2", len(running))
	}

	byID := g.Query(Filter{IDs: []string{"p2", "p3"}}, Sort{}, Page{})
	if len(byID) != 2 {
		t.Fatalf("id-filtered records = %d, want 2", len(byID))
	}

	// Title match is case-insensitive.
	builders := g.Query(Filter{TitleContains: "BUILDER"}, Sort{}, Page{})
	if len(builders) != 2 {
		t.Fatalf("title-filtered records = %d, want 2", len(builders))
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := g.Query(Filter{
		StartedAfter:  base.Add(30 * time.Second),
		StartedBefore: base.Add(150 * time.Second),
	}, Sort{}, Page{})
	if len(window) != 2 {
		t.Fatalf("window records = %d, want 2 (p2, p3)", len(window))
	}

	if n := g.Count(Filter{Statuses: []Status{StatusRunning}}); n != 2 {
		t.Errorf("Count(running) = %d, want 2", n)
	}
	if n := g.Count(Filter{}); n != 4 {
		t.Errorf("Count(all) = %d, want 4", n)
	}
}

func TestRegistryQuerySortAndPage(t *testing.T) {
	g := seedQueryRegistry(t)

	byPriority := g.Query(Filter{}, Sort{Field: SortByPriority}, Page{})
	want := []string{"p1", "p3", "p2", "p4"}
	for i, rec := range byPriority {
		if rec.ID != want[i] {
			t.Fatalf("priority asc order[%d] = %s, want %s", i, rec.ID, want[i])
		}
	}

	newestFirst := g.Query(Filter{}, Sort{Field: SortByStartTime}, Page{})
	if newestFirst[0].ID != "p4" || newestFirst[3].ID != "p1" {
		t.Fatalf("default start-time sort should be newest first, got %s..%s",
			newestFirst[0].ID, newestFirst[3].ID)
	}

	asc := g.Query(Filter{}, Sort{Field: SortByStartTime, Asc: true}, Page{})
	if asc[0].ID != "p1" || asc[3].ID != "p4" {
		t.Fatalf("ascending start-time sort got %s..%s", asc[0].ID, asc[3].ID)
	}

	paged := g.Query(Filter{}, Sort{Field: SortByStartTime, Asc: true}, Page{Offset: 1, Limit: 2})
	if len(paged) != 2 || paged[0].ID != "p2" || paged[1].ID != "p3" {
		t.Fatalf("paged = %v", ids(paged))
	}

	beyond := g.Query(Filter{}, Sort{}, Page{Offset: 10})
	if len(beyond) != 0 {
		t.Fatalf("offset beyond end returned %d records", len(beyond))
	}
}

func ids(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{Title: "job", Command: []string{"true"}}, false},
		{"valid with priority", Spec{Title: "job", Command: []string{"true"}, Priority: 10}, false},
		{"blank title", Spec{Title: "  ", Command: []string{"true"}}, true},
		{"empty command", Spec{Title: "job"}, true},
		{"blank program", Spec{Title: "job", Command: []string{" "}}, true},
		{"priority too low", Spec{Title: "job", Command: []string{"true"}, Priority: -1}, true},
		{"priority too high", Spec{Title: "job", Command: []string{"true"}, Priority: 11}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, fault.ErrInvalidRequest) {
				t.Errorf("validation error %v is not ErrInvalidRequest", err)
			}
		})
	}
}
