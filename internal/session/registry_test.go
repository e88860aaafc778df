package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/slideatlas/server/internal/annot"
	"github.com/slideatlas/server/internal/cache"
	"github.com/slideatlas/server/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Cache, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "slide-1.annot")
	if err := annot.WriteFile(path, fixtureFile(t)); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	st := store.New(store.Options{
		Prober: store.ProberFunc(func(string) (bool, error) { return false, nil }),
	})
	mgr, err := cache.NewManager(cache.Config{
		QueryCacheSizeMB: 8,
		QueryTTL:         time.Minute,
		RegionCacheSize:  8,
	})
	if err != nil {
		t.Fatalf("cache manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	r := NewRegistry(RegistryConfig{
		Store:       st,
		Results:     mgr,
		ScaleFactor: 2.0,
		QueryMargin: 8,
		Debounce:    300 * time.Millisecond,
	})
	return r, st, path
}

func TestRegistryLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	h := r.Create()
	if h.ID() == "" {
		t.Fatal("empty session id")
	}

	got, err := r.Get(h.ID())
	if err != nil || got != h {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	r.Remove(h.ID())
	if _, err := r.Get(h.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after Remove err = %v, want ErrSessionNotFound", err)
	}
	if h.State() != StateUnloaded {
		t.Error("removed session was not reset")
	}
}

func TestRegistryPropagatesInvalidations(t *testing.T) {
	r, st, path := newTestRegistry(t)

	h := r.Create()
	if err := h.Load(context.Background(), path, false); err != nil {
		t.Fatalf("Load: %v", err)
	}

	st.Invalidate(path)

	h.mu.Lock()
	flagged := h.staleFlag
	h.mu.Unlock()
	if !flagged {
		t.Fatal("session not flagged after store invalidation")
	}

	// The next operation revalidates and keeps working.
	if _, err := h.Counts(); err != nil {
		t.Fatalf("Counts after invalidation: %v", err)
	}
}
