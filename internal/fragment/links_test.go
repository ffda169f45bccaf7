package fragment

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"conductor/internal/bus"
	"conductor/internal/fault"
)

func newTestLinkStore(t *testing.T) (*LinkStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "links.json")
	return NewLinkStore(path, nil, nil), path
}

func mustLink(t *testing.T, ls *LinkStore, source, target string, lt LinkType) Link {
	t.Helper()
	l, err := ls.CreateLink(source, target, lt, nil)
	if err != nil {
		t.Fatalf("CreateLink(%s, %s, %s): %v", source, target, lt, err)
	}
	return l
}

func TestCreateLinkMintsDerivedID(t *testing.T) {
	ls, _ := newTestLinkStore(t)

	l, err := ls.CreateLink("f-a", "f-b", LinkAnswers, map[string]string{"note": "hot"})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if l.ID != "link_f-a_f-b_answers" {
		t.Errorf("id = %q", l.ID)
	}
	if l.Created.IsZero() {
		t.Error("created stamp is zero")
	}
	got, ok := ls.GetLink(l.ID)
	if !ok {
		t.Fatal("GetLink missed a fresh link")
	}
	if got.Metadata["note"] != "hot" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if ls.Count() != 1 {
		t.Errorf("Count() = %d, want 1", ls.Count())
	}
}

func TestCreateLinkValidation(t *testing.T) {
	ls, _ := newTestLinkStore(t)

	if _, err := ls.CreateLink("", "f-b", LinkAnswers, nil); !errors.Is(err, fault.ErrInvalidRequest) {
		t.Errorf("empty source error = %v", err)
	}
	if _, err := ls.CreateLink("f-a", "f-a", LinkRelated, nil); !errors.Is(err, fault.ErrInvalidRequest) {
		t.Errorf("self link error = %v", err)
	}
	if _, err := ls.CreateLink("f-a", "f-b", "friends", nil); !errors.Is(err, fault.ErrInvalidRequest) {
		t.Errorf("bad type error = %v", err)
	}
}

func TestCreateLinkConflictsOnDuplicate(t *testing.T) {
	ls, _ := newTestLinkStore(t)
	mustLink(t, ls, "f-a", "f-b", LinkAnswers)

	if _, err := ls.CreateLink("f-a", "f-b", LinkAnswers, nil); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("duplicate error = %v, want conflict", err)
	}
	// Same pair with another type is a different edge.
	if _, err := ls.CreateLink("f-a", "f-b", LinkRelated, nil); err != nil {
		t.Errorf("different type should not conflict: %v", err)
	}
}

func TestDeleteLink(t *testing.T) {
	ls, _ := newTestLinkStore(t)
	l := mustLink(t, ls, "f-a", "f-b", LinkAnswers)

	if _, err := ls.DeleteLink(l.ID); err != nil {
		t.Fatalf("DeleteLink: %v", err)
	}
	if _, ok := ls.GetLink(l.ID); ok {
		t.Error("link still resolvable after delete")
	}
	if _, err := ls.DeleteLink(l.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("second delete error = %v, want not found", err)
	}
}

func TestQueryLinksDirectionsAndFilters(t *testing.T) {
	ls, _ := newTestLinkStore(t)
	ab := mustLink(t, ls, "a", "b", LinkAnswers)
	ca := mustLink(t, ls, "c", "a", LinkReferences)
	ad := mustLink(t, ls, "a", "d", LinkRelated)
	ef := mustLink(t, ls, "e", "f", LinkSupersedes)

	cases := []struct {
		name string
		q    LinkQuery
		want []string
	}{
		{"outgoing from a", LinkQuery{FragmentID: "a", Direction: DirectionOutgoing}, []string{ab.ID, ad.ID}},
		{"incoming to a", LinkQuery{FragmentID: "a", Direction: DirectionIncoming}, []string{ca.ID}},
		{"both is the default", LinkQuery{FragmentID: "a"}, []string{ab.ID, ca.ID, ad.ID}},
		{"by source and type", LinkQuery{SourceID: "a", Type: LinkRelated}, []string{ad.ID}},
		{"by target", LinkQuery{TargetID: "f"}, []string{ef.ID}},
		{"everything oldest first", LinkQuery{}, []string{ab.ID, ca.ID, ad.ID, ef.ID}},
		{"paging", LinkQuery{Offset: 1, Limit: 2}, []string{ca.ID, ad.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ls.QueryLinks(tc.q)
			if err != nil {
				t.Fatalf("QueryLinks: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d links, want %d", len(got), len(tc.want))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Errorf("got[%d].ID = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}

	if _, err := ls.QueryLinks(LinkQuery{Direction: "sideways"}); !errors.Is(err, fault.ErrInvalidRequest) {
		t.Errorf("bad direction error = %v", err)
	}
	if _, err := ls.QueryLinks(LinkQuery{Type: "bogus"}); !errors.Is(err, fault.ErrInvalidRequest) {
		t.Errorf("bad type error = %v", err)
	}
}

func TestDeleteLinksForFragment(t *testing.T) {
	ls, _ := newTestLinkStore(t)
	mustLink(t, ls, "a", "b", LinkAnswers)
	mustLink(t, ls, "c", "a", LinkReferences)
	mustLink(t, ls, "a", "d", LinkRelated)
	keep := mustLink(t, ls, "e", "f", LinkSupersedes)

	if n := ls.DeleteLinksForFragment("a"); n != 3 {
		t.Errorf("deleted %d links, want 3", n)
	}
	if ls.Count() != 1 {
		t.Errorf("Count() = %d, want 1", ls.Count())
	}
	left, err := ls.GetLinksForFragment("b", DirectionBoth)
	if err != nil {
		t.Fatalf("GetLinksForFragment: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("b still has %d links", len(left))
	}
	if _, ok := ls.GetLink(keep.ID); !ok {
		t.Error("unrelated link was deleted")
	}
	if n := ls.DeleteLinksForFragment("a"); n != 0 {
		t.Errorf("second sweep deleted %d links, want 0", n)
	}
}

func TestLinkStoreReloadsFromDisk(t *testing.T) {
	ls, path := newTestLinkStore(t)
	ab := mustLink(t, ls, "a", "b", LinkAnswers)
	mustLink(t, ls, "c", "a", LinkReferences)

	reopened := NewLinkStore(path, nil, nil)
	if reopened.Count() != 2 {
		t.Fatalf("Count() = %d after reload, want 2", reopened.Count())
	}
	if _, ok := reopened.GetLink(ab.ID); !ok {
		t.Error("GetLink missed a persisted link")
	}
	got, err := reopened.GetLinksForFragment("a", DirectionBoth)
	if err != nil {
		t.Fatalf("GetLinksForFragment: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("indexes not rebuilt, got %d links for a", len(got))
	}
}

func TestCorruptLinksFileIsQuarantined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.json")
	if err := os.WriteFile(path, []byte("][ nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	ls := NewLinkStore(path, nil, nil)
	if ls.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after quarantine", ls.Count())
	}
	quarantined, err := filepath.Glob(path + ".corrupt.*")
	if err != nil {
		t.Fatal(err)
	}
	if len(quarantined) != 1 {
		t.Errorf("found %d quarantined files, want 1", len(quarantined))
	}
}

func TestFindOrphaned(t *testing.T) {
	ls, _ := newTestLinkStore(t)
	mustLink(t, ls, "a", "b", LinkAnswers)
	ax := mustLink(t, ls, "a", "x", LinkRelated)
	yb := mustLink(t, ls, "y", "b", LinkReferences)

	exists := func(id string) bool { return id == "a" || id == "b" }
	orphans := ls.FindOrphaned(exists)
	if len(orphans) != 2 {
		t.Fatalf("got %d orphans, want 2", len(orphans))
	}
	wantIDs := map[string]bool{ax.ID: true, yb.ID: true}
	for _, l := range orphans {
		if !wantIDs[l.ID] {
			t.Errorf("unexpected orphan %s", l.ID)
		}
	}
}

func TestLinkStorePublishesEvents(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	var mu sync.Mutex
	var topics []bus.Topic
	b.SubscribeAll(func(ev bus.Event) {
		mu.Lock()
		topics = append(topics, ev.Topic)
		mu.Unlock()
	})

	ls := NewLinkStore(filepath.Join(t.TempDir(), "links.json"), b, nil)
	l := mustLink(t, ls, "a", "b", LinkAnswers)
	if _, err := ls.DeleteLink(l.ID); err != nil {
		t.Fatalf("DeleteLink: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if topics[0] != bus.TopicLinkCreated || topics[1] != bus.TopicLinkDeleted {
		t.Errorf("topics = %v", topics)
	}
}
