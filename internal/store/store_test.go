package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slideatlas/server/internal/annot"
)

func writeFixture(t *testing.T, dir, name string, centroids []float32) string {
	t.Helper()

	n := len(centroids) / 2
	path := filepath.Join(dir, name)
	f := &annot.File{
		Slide:          name,
		ModelTimestamp: 1700000000,
		Datasets: map[string]*annot.Dataset{
			annot.DSNucleiCentroids: {
				Name:     annot.DSNucleiCentroids,
				Dtype:    annot.DtypeFloat32,
				Shape:    []int{n, 2},
				Float32s: centroids,
			},
		},
	}
	if err := annot.WriteFile(path, f); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func neverLocked() LockProber {
	return ProberFunc(func(string) (bool, error) { return false, nil })
}

func TestGetReturnsSnapshotUntilFileChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "a.sa", []float32{1, 2, 3, 4})
	c := New(Options{Prober: neverLocked()})

	snap, err := c.Populate(path)
	if err != nil {
		t.Fatalf("Populate error: %v", err)
	}

	got, ok := c.Get(path)
	if !ok || got != snap {
		t.Fatalf("expected populate result to be returned by Get")
	}
	got2, ok := c.Get(path)
	if !ok || got2 != snap {
		t.Fatalf("expected repeated Get to return the same snapshot")
	}

	// Atomic rewrite with different content and a bumped mtime.
	time.Sleep(10 * time.Millisecond)
	writeFixture(t, dir, "a.sa", []float32{9, 9})
	bumpMtime(t, path)

	if _, ok := c.Get(path); ok {
		t.Fatalf("expected miss after (mtime,size) change")
	}
}

func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestPopulateFailureLeavesNoPartialEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "a.sa", []float32{1, 2})
	c := New(Options{Prober: neverLocked()})

	if _, err := c.Populate(path); err != nil {
		t.Fatalf("Populate error: %v", err)
	}

	// Corrupt the file in place, then force a repopulate.
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupting fixture: %v", err)
	}
	c.Invalidate(path)

	if _, err := c.Populate(path); !errors.Is(err, annot.ErrCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
	if _, ok := c.Get(path); ok {
		t.Fatalf("expected no snapshot after failed populate")
	}
}

func TestPopulateMissingFileIsNotFound(t *testing.T) {
	t.Parallel()

	c := New(Options{Prober: neverLocked()})
	if _, err := c.Populate(filepath.Join(t.TempDir(), "absent.sa")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetWithFallbackPrefersStaleWhenLocked(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "a.sa", []float32{1, 2})

	var locked atomic.Bool
	c := New(Options{
		Prober: ProberFunc(func(string) (bool, error) { return locked.Load(), nil }),
	})

	snap, err := c.Populate(path)
	if err != nil {
		t.Fatalf("Populate error: %v", err)
	}

	// Writer grabs the lock and rewrites the file.
	locked.Store(true)
	time.Sleep(10 * time.Millisecond)
	writeFixture(t, dir, "a.sa", []float32{5, 6, 7, 8})
	bumpMtime(t, path)

	got, ok := c.GetWithFallback(path)
	if !ok || got != snap {
		t.Fatalf("expected stale snapshot while locked, got ok=%v", ok)
	}

	// Once the writer releases the lock, staleness wins again.
	locked.Store(false)
	if _, ok := c.GetWithFallback(path); ok {
		t.Fatalf("expected miss on stale entry after lock release")
	}
}

func TestPopulateTimesOutOnHeldLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "a.sa", []float32{1, 2})

	c := New(Options{
		Prober:           ProberFunc(func(string) (bool, error) { return true, nil }),
		LockWait:         50 * time.Millisecond,
		LockPollInterval: 5 * time.Millisecond,
	})

	start := time.Now()
	_, err := c.Populate(path)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("populate blocked too long: %v", time.Since(start))
	}
}

func TestConcurrentLoadsAgainstLockedFileAllComplete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "a.sa", []float32{1, 2})

	c := New(Options{
		Prober:           ProberFunc(func(string) (bool, error) { return true, nil }),
		LockWait:         50 * time.Millisecond,
		LockPollInterval: 5 * time.Millisecond,
	})

	// A prior good snapshot exists from before the lock appeared.
	prior := &Snapshot{Path: path, File: &annot.File{}, CapturedAt: time.Now()}
	c.mu.Lock()
	c.entries[path] = prior
	c.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if snap, ok := c.GetWithFallback(path); ok {
				results[i] = snap == prior
				return
			}
			_, err := c.Populate(path)
			results[i] = errors.Is(err, ErrTimeout) || errors.Is(err, ErrLocked)
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("concurrent loads did not complete within timeout")
	}

	for i, ok := range results {
		if !ok {
			t.Fatalf("load %d neither returned the prior snapshot nor a bounded no-data result", i)
		}
	}
}

func TestReconcileRepopulatesOnceLockReleases(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "a.sa", []float32{1, 2})

	var locked atomic.Bool
	locked.Store(true)

	c := New(Options{
		Prober:           ProberFunc(func(string) (bool, error) { return locked.Load(), nil }),
		LockWait:         20 * time.Millisecond,
		LockPollInterval: 5 * time.Millisecond,
	})

	var notified atomic.Int32
	c.Subscribe(func(string) { notified.Add(1) })

	// Observe the lock so the path lands on the watch list.
	if !c.IsLocked(path) {
		t.Fatalf("expected path to probe as locked")
	}

	locked.Store(false)
	c.reconcile()

	if _, ok := c.Get(path); !ok {
		t.Fatalf("expected proactive repopulate after lock release")
	}
	if notified.Load() == 0 {
		t.Fatalf("expected subscriber notification after repopulate")
	}
}

func TestLocalLockTable(t *testing.T) {
	t.Parallel()

	c := New(Options{Prober: neverLocked()})
	if !c.AcquireLocal("/x.sa") {
		t.Fatalf("expected first acquire to succeed")
	}
	if c.AcquireLocal("/x.sa") {
		t.Fatalf("expected second acquire to fail while held")
	}
	if !c.IsLocked("/x.sa") {
		t.Fatalf("expected IsLocked to see the local record")
	}
	c.ReleaseLocal("/x.sa")
	if !c.AcquireLocal("/x.sa") {
		t.Fatalf("expected acquire after release to succeed")
	}
}

func TestInvalidateNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	c := New(Options{Prober: neverLocked()})
	var got string
	c.Subscribe(func(path string) { got = path })

	c.Invalidate("/slide.sa")
	if got != "/slide.sa" {
		t.Fatalf("expected notification for invalidated path, got %q", got)
	}
}

func TestOpenProberHandlesMissingAndReadableFiles(t *testing.T) {
	t.Parallel()

	p := OpenProber{}

	if locked, err := p.Locked(filepath.Join(t.TempDir(), "absent.sa")); err != nil || locked {
		t.Fatalf("missing file: locked=%v err=%v, want free", locked, err)
	}

	path := filepath.Join(t.TempDir(), "open.sa")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if locked, err := p.Locked(path); err != nil || locked {
		t.Fatalf("readable file: locked=%v err=%v, want free", locked, err)
	}
}
