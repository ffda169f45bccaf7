package fragment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIntegrityReportHealthy(t *testing.T) {
	ls, _ := newTestLinkStore(t)
	mustLink(t, ls, "a", "b", LinkAnswers)

	report := ls.IntegrityReport(func(string) bool { return true })
	if !report.IsHealthy {
		t.Error("report should be healthy")
	}
	if len(report.Orphaned) != 0 || len(report.Duplicates) != 0 {
		t.Errorf("orphans/duplicates = %d/%d, want 0/0", len(report.Orphaned), len(report.Duplicates))
	}
}

func TestIntegrityReportClassifiesOrphans(t *testing.T) {
	ls, _ := newTestLinkStore(t)
	mustLink(t, ls, "a", "b", LinkAnswers)
	ax := mustLink(t, ls, "a", "x", LinkRelated)
	yx := mustLink(t, ls, "y", "x", LinkReferences)

	report := ls.IntegrityReport(func(id string) bool { return id == "a" || id == "b" })
	if report.IsHealthy {
		t.Error("report should not be healthy")
	}
	if len(report.Orphaned) != 2 {
		t.Fatalf("got %d orphans, want 2", len(report.Orphaned))
	}
	byID := make(map[string]OrphanedLink, len(report.Orphaned))
	for _, o := range report.Orphaned {
		byID[o.Link.ID] = o
	}
	if o := byID[ax.ID]; o.MissingSource || !o.MissingTarget {
		t.Errorf("a->x classified as %+v, want missing target only", o)
	}
	if o := byID[yx.ID]; !o.MissingSource || !o.MissingTarget {
		t.Errorf("y->x classified as %+v, want both missing", o)
	}
}

// Duplicate edges cannot be created through the API, but a hand-edited
// links file can carry them and the report has to surface that.
func TestIntegrityReportFindsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.json")
	now := time.Now().UTC()
	file := linksFile{
		Version: linksVersion,
		SavedAt: now,
		Links: []Link{
			{ID: "link_1", SourceID: "a", TargetID: "b", Type: LinkAnswers, Created: now},
			{ID: "link_2", SourceID: "a", TargetID: "b", Type: LinkAnswers, Created: now},
			{ID: "link_3", SourceID: "a", TargetID: "b", Type: LinkRelated, Created: now},
		},
	}
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	ls := NewLinkStore(path, nil, nil)
	if ls.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", ls.Count())
	}

	report := ls.IntegrityReport(func(string) bool { return true })
	if report.IsHealthy {
		t.Error("report should not be healthy")
	}
	if len(report.Duplicates) != 1 {
		t.Fatalf("got %d duplicate groups, want 1", len(report.Duplicates))
	}
	group := report.Duplicates[0]
	if len(group) != 2 || group[0] != "link_1" || group[1] != "link_2" {
		t.Errorf("duplicate group = %v, want [link_1 link_2]", group)
	}
}
