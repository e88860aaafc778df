// Package store caches parsed slide annotation containers.
//
// One Cache serves every open slide in the process. Entries are immutable
// snapshots replaced wholesale; staleness is detected by comparing the
// on-disk (mtime,size) against the values captured at parse time. External
// writers replace containers atomically, so a changed pair always means a
// complete new file.
package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/slideatlas/server/internal/annot"
)

// Taxonomy sentinels. Locked and Timeout are transient: callers fall back
// to a stale snapshot when one exists.
var (
	ErrNotFound = errors.New("no annotation data")
	ErrLocked   = errors.New("annotation file locked by another process")
	ErrTimeout  = errors.New("timed out waiting for annotation file")
)

// Snapshot is one immutable parsed container plus the disk identity it was
// captured from.
type Snapshot struct {
	Path       string
	File       *annot.File
	ModTime    time.Time
	Size       int64
	CapturedAt time.Time
	Generation uint64
}

// Options configures a Cache.
type Options struct {
	// SkipDatasets lists dataset names populate never decodes
	// (large embedding tensors and the like).
	SkipDatasets []string
	// LockWait bounds how long Populate polls an externally locked file
	// before giving up with ErrTimeout.
	LockWait time.Duration
	// LockPollInterval is the cadence of that polling.
	LockPollInterval time.Duration
	// ReconcileInterval is the background loop cadence for re-probing
	// paths last seen locked.
	ReconcileInterval time.Duration

	Prober LockProber
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.LockWait <= 0 {
		o.LockWait = 3 * time.Second
	}
	if o.LockPollInterval <= 0 {
		o.LockPollInterval = 100 * time.Millisecond
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 2 * time.Second
	}
	if o.Prober == nil {
		o.Prober = defaultProber()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Cache is the annotation store cache. Table mutations serialize behind mu;
// file parsing happens outside it so one slow populate never blocks
// unrelated paths.
type Cache struct {
	opts Options
	skip map[string]bool

	mu        sync.Mutex
	entries   map[string]*Snapshot
	local     map[string]time.Time // in-process lock records: path -> acquired_at
	seenLock  map[string]time.Time // paths last observed externally locked
	listeners []func(path string)

	generation uint64
}

// New creates a Cache.
func New(opts Options) *Cache {
	opts.applyDefaults()

	skip := make(map[string]bool, len(opts.SkipDatasets))
	for _, name := range opts.SkipDatasets {
		skip[name] = true
	}

	return &Cache{
		opts:     opts,
		skip:     skip,
		entries:  make(map[string]*Snapshot),
		local:    make(map[string]time.Time),
		seenLock: make(map[string]time.Time),
	}
}

// Subscribe registers a callback invoked (outside the cache mutex) whenever
// a path's snapshot is invalidated or replaced out of band. Handlers use it
// to flag their sessions for lazy rehydration.
func (c *Cache) Subscribe(fn func(path string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Cache) notify(path string) {
	c.mu.Lock()
	fns := make([]func(string), len(c.listeners))
	copy(fns, c.listeners)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(path)
	}
}

// Get returns the cached snapshot for path iff its (mtime,size) still match
// the file on disk. A mismatched or vanished file evicts the entry and
// reports a miss.
func (c *Cache) Get(path string) (*Snapshot, bool) {
	c.mu.Lock()
	snap, ok := c.entries[path]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Equal(snap.ModTime) || info.Size() != snap.Size {
		c.mu.Lock()
		// Re-check under the mutex: a concurrent populate may have
		// already replaced the entry with a fresh snapshot.
		if cur, ok := c.entries[path]; ok && cur == snap {
			delete(c.entries, path)
		}
		c.mu.Unlock()
		return nil, false
	}

	return snap, true
}

// GetWithFallback behaves like Get, except that when the path is currently
// locked by another process a possibly-stale cached snapshot is preferred
// over returning nothing.
func (c *Cache) GetWithFallback(path string) (*Snapshot, bool) {
	if c.IsLocked(path) {
		c.mu.Lock()
		snap, ok := c.entries[path]
		c.mu.Unlock()
		if ok {
			return snap, true
		}
		return nil, false
	}
	return c.Get(path)
}

// Populate parses path and stores a fresh snapshot. The file handle is
// released before this call returns. If the file is externally locked,
// Populate polls within the configured budget and then fails with
// ErrTimeout; it never blocks the external writer. Any parse error aborts
// the whole populate: no partial snapshot is ever stored.
func (c *Cache) Populate(path string) (*Snapshot, error) {
	if err := c.waitUnlocked(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Parsing is deliberately outside the table mutex.
	file, err := annot.ReadFile(path, c.skip)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	c.mu.Lock()
	c.generation++
	snap := &Snapshot{
		Path:       path,
		File:       file,
		ModTime:    info.ModTime(),
		Size:       info.Size(),
		CapturedAt: time.Now(),
		Generation: c.generation,
	}
	c.entries[path] = snap
	delete(c.seenLock, path)
	c.mu.Unlock()

	return snap, nil
}

// Invalidate drops the entry for path and flags subscribed sessions. It
// never recomputes inline; the next load pays the parse.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()

	c.notify(path)
}

// AcquireLocal records an in-process lock for path, used to serialize this
// process's own rewrites. It is not an OS lock. Returns false when another
// goroutine already holds the record.
func (c *Cache) AcquireLocal(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.local[path]; held {
		return false
	}
	c.local[path] = time.Now()
	return true
}

// ReleaseLocal drops the in-process lock record for path.
func (c *Cache) ReleaseLocal(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.local, path)
}

// IsLocked reports whether path is locked, either by this process's own
// lock table or by an exclusive OS-level lock held elsewhere. The OS probe
// is non-blocking; a lock is only ever detected, never waited on. Observed
// external locks are remembered for the reconciliation loop.
func (c *Cache) IsLocked(path string) bool {
	c.mu.Lock()
	_, held := c.local[path]
	c.mu.Unlock()
	if held {
		return true
	}

	locked, err := c.opts.Prober.Locked(path)
	if err != nil {
		c.opts.Logger.Warn("lock probe failed", "path", path, "error", err)
		return false
	}
	if locked {
		c.mu.Lock()
		c.seenLock[path] = time.Now()
		c.mu.Unlock()
	}
	return locked
}

func (c *Cache) waitUnlocked(path string) error {
	if !c.IsLocked(path) {
		return nil
	}

	deadline := time.Now().Add(c.opts.LockWait)
	for {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(c.opts.LockPollInterval)
		if !c.IsLocked(path) {
			return nil
		}
	}
}

// Run drives the background reconciliation loop until ctx is cancelled.
// Paths last seen locked are re-probed each interval; once free they are
// proactively repopulated and subscribers notified, so the next foreground
// request pays no parse penalty.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.reconcile()
		}
	}
}

func (c *Cache) reconcile() {
	c.mu.Lock()
	pending := make([]string, 0, len(c.seenLock))
	for path := range c.seenLock {
		pending = append(pending, path)
	}
	c.mu.Unlock()

	for _, path := range pending {
		if c.IsLocked(path) {
			continue
		}

		if _, err := c.Populate(path); err != nil {
			c.opts.Logger.Warn("background repopulate failed", "path", path, "error", err)
			c.mu.Lock()
			delete(c.seenLock, path)
			c.mu.Unlock()
			continue
		}
		c.opts.Logger.Info("repopulated after external lock released", "path", path)
		c.notify(path)
	}
}

// Stats reports cache table sizes for diagnostics.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"snapshots":      len(c.entries),
		"local_locks":    len(c.local),
		"watched_locked": len(c.seenLock),
		"generation":     c.generation,
	}
}
