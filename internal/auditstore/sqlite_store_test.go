package auditstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "audit.sqlite"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndHistory(t *testing.T) {
	s := newTestStore(t)

	events := []Event{
		{Slide: "/slides/a.sa", SessionID: "s1", Action: ActionReclassify, Target: "nucleus", EntityID: 5, FromClass: "Negative control", ToClass: "Tumor"},
		{Slide: "/slides/a.sa", SessionID: "s1", Action: ActionReclassify, Target: "nucleus", EntityID: 5, FromClass: "Tumor", ToClass: "Negative control"},
		{Slide: "/slides/b.sa", SessionID: "s2", Action: ActionDeleteClass, FromClass: "Stroma", ToClass: "Negative control"},
	}
	for _, ev := range events {
		if err := s.Record(ev); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	got, err := s.History("/slides/a.sa", 10)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for slide a, got %d", len(got))
	}
	// Newest first.
	if got[0].ToClass != "Negative control" || got[1].ToClass != "Tumor" {
		t.Fatalf("unexpected ordering: %+v", got)
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to round-trip")
	}
}

func TestHistoryLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.Record(Event{Slide: "/s.sa", SessionID: "s", Action: ActionReclassify, EntityID: int64(i)}); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	got, err := s.History("/s.sa", 3)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected limit to apply, got %d events", len(got))
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)

	old := Event{Slide: "/s.sa", SessionID: "s", Action: ActionReclassify, CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := Event{Slide: "/s.sa", SessionID: "s", Action: ActionReclassify}
	if err := s.Record(old); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if err := s.Record(recent); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	n, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned event, got %d", n)
	}

	got, err := s.History("/s.sa", 10)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 surviving event, got %d", len(got))
	}
}
