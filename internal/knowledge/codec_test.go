package knowledge

import (
	"errors"
	"strings"
	"testing"
	"time"

	"conductor/internal/fault"
)

func TestEntryFileRoundTripIssue(t *testing.T) {
	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	in := Entry{
		ID:          "ISSUE_7",
		Type:        TypeIssue,
		Status:      StatusInProgress,
		Timestamp:   time.Date(2026, 8, 1, 9, 30, 0, 123456789, time.UTC),
		LastUpdated: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
		Tags:        []string{"bug", "hub-fanout"},
		Metadata:    map[string]string{"processId": "p-12"},
		Content:     "Socket drops under load.\n\nSee [[ISSUE_3]] for the repro.",
		Priority:    PriorityHigh,
		Assignee:    "dana",
		DueDate:     &due,
		RelatedIDs:  []string{"ISSUE_3"},
	}

	data, err := renderEntryFile(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out, err := parseEntryFile(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if out.ID != in.ID || out.Type != in.Type || out.Status != in.Status {
		t.Errorf("identity fields changed: %+v", out)
	}
	if !out.Timestamp.Equal(in.Timestamp) || !out.LastUpdated.Equal(in.LastUpdated) {
		t.Errorf("timestamps changed: %v %v", out.Timestamp, out.LastUpdated)
	}
	if len(out.Tags) != 2 || out.Tags[0] != "bug" || out.Tags[1] != "hub-fanout" {
		t.Errorf("tags = %v", out.Tags)
	}
	if out.Metadata["processId"] != "p-12" {
		t.Errorf("metadata = %v", out.Metadata)
	}
	if out.Content != in.Content {
		t.Errorf("content = %q", out.Content)
	}
	if out.Priority != PriorityHigh || out.Assignee != "dana" {
		t.Errorf("issue fields = %q %q", out.Priority, out.Assignee)
	}
	if out.DueDate == nil || !out.DueDate.Equal(due) {
		t.Errorf("dueDate = %v", out.DueDate)
	}
	if len(out.RelatedIDs) != 1 || out.RelatedIDs[0] != "ISSUE_3" {
		t.Errorf("relatedIds = %v", out.RelatedIDs)
	}
}

func TestEntryFileRoundTripMilestone(t *testing.T) {
	target := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	in := Entry{
		ID:              "MILESTONE_1",
		Type:            TypeMilestone,
		Status:          StatusOpen,
		Timestamp:       time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		LastUpdated:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Content:         "Ship the orchestration server.",
		Title:           "v1 launch",
		TargetDate:      &target,
		Progress:        0,
		RelatedIssueIDs: []string{"ISSUE_1", "ISSUE_2"},
	}

	data, err := renderEntryFile(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	// Progress 0 must survive the trip, not vanish as a zero value.
	if !strings.Contains(string(data), "progress: 0") {
		t.Fatalf("rendered file misses progress:\n%s", data)
	}
	out, err := parseEntryFile(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Title != "v1 launch" || out.Progress != 0 {
		t.Errorf("milestone fields = %q %d", out.Title, out.Progress)
	}
	if out.TargetDate == nil || !out.TargetDate.Equal(target) {
		t.Errorf("targetDate = %v", out.TargetDate)
	}
	if len(out.RelatedIssueIDs) != 2 {
		t.Errorf("relatedIssueIds = %v", out.RelatedIssueIDs)
	}
}

func TestParseEntryFileRejectsMalformedFiles(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"no frontmatter", "just a body"},
		{"unterminated frontmatter", "---\nid: ISSUE_1\n"},
		{"bad yaml", "---\nid: [unclosed\n---\n\nbody\n"},
		{"bad timestamp", "---\nid: ISSUE_1\ntype: issue\nstatus: open\ntimestamp: yesterday\nlastUpdated: 2026-08-01T00:00:00Z\n---\n\nbody\n"},
		{"malformed id", "---\nid: issue-1\ntype: issue\nstatus: open\ntimestamp: 2026-08-01T00:00:00Z\nlastUpdated: 2026-08-01T00:00:00Z\n---\n\nbody\n"},
	}
	for _, tt := range cases {
		_, err := parseEntryFile([]byte(tt.data))
		if !errors.Is(err, fault.ErrStoreCorrupt) {
			t.Errorf("%s: err = %v, want ErrStoreCorrupt", tt.name, err)
		}
	}
}

func TestParseEntryFileAcceptsSecondPrecisionDates(t *testing.T) {
	data := "---\nid: ISSUE_1\ntype: issue\nstatus: open\npriority: low\ntimestamp: 2026-08-01T00:00:00Z\nlastUpdated: 2026-08-01T00:00:01Z\n---\n\nhand-edited file\n"
	e, err := parseEntryFile([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Content != "hand-edited file" {
		t.Errorf("content = %q", e.Content)
	}
}
