// Package session provides the per-session façade over the annotation
// store, classification resolver, spatial index, and merge engine.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/slideatlas/server/internal/annot"
	"github.com/slideatlas/server/internal/auditstore"
	"github.com/slideatlas/server/internal/cache"
	"github.com/slideatlas/server/internal/classify"
	"github.com/slideatlas/server/internal/merge"
	"github.com/slideatlas/server/internal/spatial"
	"github.com/slideatlas/server/internal/store"
)

// Session states.
const (
	StateUnloaded = "unloaded"
	StateLoading  = "loading"
	StateReady    = "ready"
	StateStale    = "stale" // serving a stale snapshot while the file is locked
)

var (
	// ErrNoSlide reports an operation on a session with nothing loaded.
	ErrNoSlide = errors.New("no slide loaded")
	// ErrOutOfRange reports an entity index outside the loaded arrays.
	ErrOutOfRange = errors.New("entity index out of range")
)

// HandlerConfig contains handler dependencies and tuning.
type HandlerConfig struct {
	Store   *store.Cache
	Results *cache.Manager
	Audit   *auditstore.Store
	Logger  *slog.Logger

	// ScaleFactor converts storage coordinates to viewer coordinates.
	ScaleFactor float64
	// QueryMargin buffers the index radius query, in viewer units.
	// Converted to storage units once at construction.
	QueryMargin float64
	// Debounce absorbs repeated load requests for the same path.
	Debounce time.Duration
}

// Handler is one session's view of one slide. All public operations
// revalidate the underlying snapshot before touching derived state, so a
// handler never serves results computed from a silently replaced file.
type Handler struct {
	id    string
	store *store.Cache
	cache *cache.Manager
	audit *auditstore.Store
	log   *slog.Logger

	scale    float64
	margin   float64
	debounce time.Duration

	mu         sync.Mutex
	state      string
	path       string
	loadedAt   time.Time
	staleFlag  bool // set by store notifications, consumed by ensureFresh
	overlayRev uint64

	overlay *classify.Overlay
	cur     *slideState
}

// slideState is everything derived from one snapshot. Replaced wholesale on
// reload; never mutated in place.
type slideState struct {
	snap         *store.Snapshot
	res          *classify.Resolution
	tree         *spatial.KDTree
	centroids    [][2]float64 // indexed by entity id
	patchRects   []spatial.BBox
	patchCenters [][2]float64
}

// NewHandler creates an unloaded session handler.
func NewHandler(id string, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scale := cfg.ScaleFactor
	if scale <= 0 {
		scale = 1
	}
	return &Handler{
		id:       id,
		store:    cfg.Store,
		cache:    cfg.Results,
		audit:    cfg.Audit,
		log:      logger.With("session", id),
		scale:    scale,
		margin:   cfg.QueryMargin / scale,
		debounce: cfg.Debounce,
		state:    StateUnloaded,
		overlay:  classify.NewOverlay(),
	}
}

// ID returns the session id.
func (h *Handler) ID() string { return h.id }

// State returns the current session state.
func (h *Handler) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Path returns the loaded container path, empty when unloaded.
func (h *Handler) Path() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.path
}

// MarkStale flags the session for revalidation if path is the loaded
// container. Called from store notifications; the actual reload happens
// lazily on the next operation.
func (h *Handler) MarkStale(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.path == path && h.state != StateUnloaded {
		h.staleFlag = true
	}
}

// Load opens a container and builds the session's derived state. Repeated
// loads of the same path within the debounce window are absorbed; force
// bypasses both the debounce and the snapshot cache.
func (h *Handler) Load(ctx context.Context, path string, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !force && !h.staleFlag && h.path == path && h.state == StateReady &&
		time.Since(h.loadedAt) < h.debounce {
		return nil
	}

	h.state = StateLoading
	h.path = path

	if err := h.reload(force); err != nil {
		h.state = StateUnloaded
		h.path = ""
		h.cur = nil
		return err
	}

	h.staleFlag = false
	h.loadedAt = time.Now()
	return nil
}

// Reset returns the session to the unloaded state and discards the overlay.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = StateUnloaded
	h.path = ""
	h.cur = nil
	h.staleFlag = false
	h.overlay.Clear()
	h.overlayRev++
}

// reload obtains a snapshot for h.path and rebuilds derived state. Caller
// holds h.mu. A locked file falls back to the previous or cached snapshot
// and parks the session in StateStale for the reconciler to fix.
func (h *Handler) reload(force bool) error {
	snap, ok := h.store.Get(h.path)
	if force || !ok {
		fresh, err := h.store.Populate(h.path)
		switch {
		case err == nil:
			snap = fresh
		case errors.Is(err, store.ErrLocked) || errors.Is(err, store.ErrTimeout):
			stale, found := h.store.GetWithFallback(h.path)
			if !found {
				return err
			}
			h.log.Warn("serving stale snapshot, container locked", "path", h.path)
			if h.cur != nil && h.cur.snap == stale {
				h.state = StateStale
				return nil
			}
			snap = stale
			if err := h.rebuild(snap); err != nil {
				return err
			}
			h.state = StateStale
			return nil
		default:
			return err
		}
	}

	if h.cur != nil && h.cur.snap == snap {
		h.state = StateReady
		return nil
	}
	if err := h.rebuild(snap); err != nil {
		return err
	}
	h.state = StateReady
	return nil
}

// rebuild derives resolution, index, and patch geometry from snap. Caller
// holds h.mu.
func (h *Handler) rebuild(snap *store.Snapshot) error {
	res, err := classify.Resolve(snap.File, h.overlay, h.log)
	if err != nil {
		return fmt.Errorf("resolve classification: %w", err)
	}

	var tree *spatial.KDTree
	var centroids [][2]float64
	if ds := snap.File.Dataset(annot.DSNucleiCentroids); ds != nil {
		n := snap.File.Len(annot.DSNucleiCentroids)
		centroids = make([][2]float64, n)
		points := make([]spatial.Point, n)
		for i := 0; i < n; i++ {
			x := float64(ds.Float32s[i*2])
			y := float64(ds.Float32s[i*2+1])
			centroids[i] = [2]float64{x, y}
			points[i] = spatial.Point{X: x, Y: y, ID: int32(i)}
		}
		tree = spatial.NewKDTree(points)
	} else {
		tree = spatial.NewKDTree(nil)
	}

	var rects []spatial.BBox
	var centers [][2]float64
	if ds := snap.File.Dataset(annot.DSPatchRects); ds != nil {
		m := snap.File.Len(annot.DSPatchRects)
		rects = make([]spatial.BBox, m)
		centers = make([][2]float64, m)
		for i := 0; i < m; i++ {
			r := spatial.BBox{
				X1: float64(ds.Float32s[i*4]),
				Y1: float64(ds.Float32s[i*4+1]),
				X2: float64(ds.Float32s[i*4+2]),
				Y2: float64(ds.Float32s[i*4+3]),
			}.Normalize()
			rects[i] = r
			centers[i] = [2]float64{(r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2}
		}
	}

	h.cur = &slideState{
		snap:         snap,
		res:          res,
		tree:         tree,
		centroids:    centroids,
		patchRects:   rects,
		patchCenters: centers,
	}
	return nil
}

// ensureFresh revalidates the loaded snapshot before an operation. Caller
// holds h.mu. A replaced file triggers an inline reload; a locked file
// keeps the stale state.
func (h *Handler) ensureFresh() error {
	if h.state == StateUnloaded || h.cur == nil {
		return ErrNoSlide
	}

	stale := h.staleFlag
	h.staleFlag = false

	snap, ok := h.store.Get(h.path)
	if !stale && ok && snap == h.cur.snap {
		return nil
	}
	if ok && snap != h.cur.snap {
		// The reconciler already repopulated; adopt its snapshot.
		if err := h.rebuild(snap); err != nil {
			return err
		}
		h.state = StateReady
		return nil
	}
	if ok && snap == h.cur.snap {
		h.state = StateReady
		return nil
	}

	return h.reload(false)
}

// Nucleus is one nucleus in a viewport result, in viewer coordinates.
type Nucleus struct {
	ID      int32        `json:"id"`
	X       float64      `json:"x"`
	Y       float64      `json:"y"`
	Class   string       `json:"class,omitempty"`
	Color   string       `json:"color"`
	Contour [][2]float64 `json:"contour,omitempty"`
}

// ViewportResult is the response for a nuclei query.
type ViewportResult struct {
	Nuclei []Nucleus `json:"nuclei"`
	Total  int       `json:"total"`
}

// PatchCell is one patch grid cell overlapping a viewport, in viewer
// coordinates.
type PatchCell struct {
	Index int        `json:"index"`
	Rect  [4]float64 `json:"rect"`
	Class string     `json:"class,omitempty"`
	Color string     `json:"color"`
}

// RegionOutline is one merged region outline, in viewer coordinates.
type RegionOutline struct {
	Color      string       `json:"color"`
	PatchCount int          `json:"patch_count"`
	Polygon    [][2]float64 `json:"polygon"`
}

// QueryViewport returns the nuclei whose centroids fall inside view (viewer
// coordinates), with class, color, and trimmed contour polygons.
func (h *Handler) QueryViewport(ctx context.Context, view spatial.BBox) (*ViewportResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return nil, err
	}

	view = view.Normalize()
	key := cache.QueryKey(h.path, h.cur.snap.Generation, h.kind("viewport"),
		view.X1, view.Y1, view.X2, view.Y2, 0)
	if data, ok := h.cache.GetQuery(key); ok {
		var out ViewportResult
		if err := json.Unmarshal(data, &out); err == nil {
			return &out, nil
		}
	}

	// Viewer -> storage, once, at the query boundary.
	box := h.toStorage(view)
	cx, cy, r := spatial.RadiusForBBox(box, h.margin)

	out := &ViewportResult{Nuclei: []Nucleus{}}
	for _, id := range h.cur.tree.Radius(cx, cy, r) {
		c := h.cur.centroids[id]
		if !box.Contains(c[0], c[1]) {
			continue
		}
		out.Nuclei = append(out.Nuclei, h.nucleusResult(id, c))
	}
	out.Total = len(out.Nuclei)

	if data, err := json.Marshal(out); err == nil {
		if err := h.cache.SetQuery(key, data); err != nil {
			h.log.Debug("query cache store failed", "error", err)
		}
	}
	return out, nil
}

// QueryPolygon returns the nuclei strictly inside a free-hand polygon
// (viewer coordinates). Points on a polygon edge are excluded, so adjacent
// selections never double-count.
func (h *Handler) QueryPolygon(ctx context.Context, poly [][2]float64) (*ViewportResult, error) {
	if len(poly) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 vertices, got %d", len(poly))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return nil, err
	}

	// Viewer -> storage, once.
	sp := make([][2]float64, len(poly))
	for i, v := range poly {
		sp[i] = [2]float64{v[0] / h.scale, v[1] / h.scale}
	}
	box := spatial.PolygonBBox(sp)

	key := cache.QueryKey(h.path, h.cur.snap.Generation, h.kind("polygon"),
		box.X1, box.Y1, box.X2, box.Y2, polyHash(sp))
	if data, ok := h.cache.GetQuery(key); ok {
		var out ViewportResult
		if err := json.Unmarshal(data, &out); err == nil {
			return &out, nil
		}
	}

	cx, cy, r := spatial.RadiusForBBox(box, h.margin)

	out := &ViewportResult{Nuclei: []Nucleus{}}
	for _, id := range h.cur.tree.Radius(cx, cy, r) {
		c := h.cur.centroids[id]
		if !box.Contains(c[0], c[1]) {
			continue
		}
		if !spatial.PointInPolygon(c[0], c[1], sp) {
			continue
		}
		out.Nuclei = append(out.Nuclei, h.nucleusResult(id, c))
	}
	out.Total = len(out.Nuclei)

	if data, err := json.Marshal(out); err == nil {
		if err := h.cache.SetQuery(key, data); err != nil {
			h.log.Debug("query cache store failed", "error", err)
		}
	}
	return out, nil
}

// QueryPatches returns the patch cells whose centers fall inside view, or
// inside poly when one is given (both viewer coordinates). Center
// containment, not extent overlap: a cell straddling the query edge with
// its center outside is omitted.
func (h *Handler) QueryPatches(ctx context.Context, view spatial.BBox, poly [][2]float64) ([]PatchCell, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return nil, err
	}

	var sp [][2]float64
	box := h.toStorage(view.Normalize())
	if len(poly) >= 3 {
		sp = make([][2]float64, len(poly))
		for i, v := range poly {
			sp[i] = [2]float64{v[0] / h.scale, v[1] / h.scale}
		}
		box = spatial.PolygonBBox(sp)
	}

	out := []PatchCell{}
	for i, c := range h.cur.patchCenters {
		if !box.Contains(c[0], c[1]) {
			continue
		}
		if sp != nil && !spatial.PointInPolygon(c[0], c[1], sp) {
			continue
		}
		id := classify.Unclassified
		if i < len(h.cur.res.EffectivePatch) {
			id = h.cur.res.EffectivePatch[i]
		}
		r := h.cur.patchRects[i]
		out = append(out, PatchCell{
			Index: i,
			Rect: [4]float64{
				r.X1 * h.scale, r.Y1 * h.scale,
				r.X2 * h.scale, r.Y2 * h.scale,
			},
			Class: h.className(id),
			Color: h.cur.res.ColorFor(id),
		})
	}
	return out, nil
}

// MergedRegions returns the merged same-color patch regions overlapping
// view (viewer coordinates). The full-grid merge runs once per
// (snapshot, overlay) pair and is cached; the viewport only filters.
func (h *Handler) MergedRegions(ctx context.Context, view spatial.BBox) ([]RegionOutline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return nil, err
	}

	key := cache.RegionKey(h.path, h.cur.snap.Generation, h.overlayRev)
	regions, ok := h.cache.GetRegions(key)
	if !ok {
		patches := make([]merge.Patch, len(h.cur.patchRects))
		for i, r := range h.cur.patchRects {
			id := classify.Unclassified
			if i < len(h.cur.res.EffectivePatch) {
				id = h.cur.res.EffectivePatch[i]
			}
			patches[i] = merge.Patch{Rect: r, Color: h.cur.res.ColorFor(id)}
		}
		regions = merge.Regions(patches)
		h.cache.SetRegions(key, regions)
	}

	// Merge visibility uses extent overlap, unlike the center-containment
	// patch query: a region clipped by the viewport still renders.
	box := h.toStorage(view.Normalize())

	out := []RegionOutline{}
	for _, reg := range merge.FilterByViewport(regions, box) {
		poly := make([][2]float64, len(reg.Polygon))
		for i, v := range reg.Polygon {
			poly[i] = [2]float64{v[0] * h.scale, v[1] * h.scale}
		}
		out = append(out, RegionOutline{
			Color:      reg.Color,
			PatchCount: len(reg.Patches),
			Polygon:    poly,
		})
	}
	return out, nil
}

// Palette returns the resolved class palette.
func (h *Handler) Palette() ([]classify.Class, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return nil, err
	}
	return append([]classify.Class(nil), h.cur.res.Palette...), nil
}

// Classification returns an entity's effective class name and color.
func (h *Handler) Classification(target string, entityID int) (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return "", "", err
	}

	ids := h.cur.res.EffectiveNucleus
	if target == classify.TargetPatch {
		ids = h.cur.res.EffectivePatch
	}
	if entityID < 0 || entityID >= len(ids) {
		return "", "", fmt.Errorf("%w: %s %d", ErrOutOfRange, target, entityID)
	}
	id := ids[entityID]
	return h.className(id), h.cur.res.ColorFor(id), nil
}

// Counts returns per-class effective nucleus counts.
func (h *Handler) Counts() (map[string]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return nil, err
	}
	return h.cur.res.Counts(), nil
}

// Reclassify assigns an entity to a named class through the session
// overlay. Reassigning back to the entity's base class removes the overlay
// entry instead of stacking one. The edit lands in the audit journal; the
// overlay itself is volatile and never written to the container.
func (h *Handler) Reclassify(ctx context.Context, target string, entityID int, className string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return err
	}

	if _, ok := h.cur.res.ClassID(className); !ok {
		return fmt.Errorf("%w: %s", classify.ErrClassNotFound, className)
	}

	base := h.cur.res.BaseNucleus
	if target == classify.TargetPatch {
		base = h.cur.res.BasePatch
	}
	if entityID < 0 || entityID >= len(base) {
		return fmt.Errorf("%w: %s %d", ErrOutOfRange, target, entityID)
	}

	fromID := base[entityID]
	if prev, ok := h.overlay.Get(target, entityID); ok {
		if id, found := h.cur.res.ClassID(prev); found {
			fromID = int32(id)
		}
	}

	if h.className(fromID) == className {
		return nil
	}
	if h.className(base[entityID]) == className {
		h.overlay.Remove(target, entityID)
	} else {
		h.overlay.Set(target, entityID, className)
	}
	h.overlayRev++

	if err := h.rebuild(h.cur.snap); err != nil {
		return err
	}

	if h.audit != nil {
		ev := auditstore.Event{
			Slide:     h.path,
			SessionID: h.id,
			Action:    auditstore.ActionReclassify,
			Target:    target,
			EntityID:  int64(entityID),
			FromClass: h.className(fromID),
			ToClass:   className,
		}
		if err := h.audit.Record(ev); err != nil {
			h.log.Warn("audit record failed", "error", err)
		}
	}
	return nil
}

// DeleteClass durably removes a class from the container. Entities of the
// deleted class move to reassignTo ("Negative control" when empty), later
// class ids compact down by one, and the container is rewritten atomically
// under the in-process lock. The store repopulates from the rewritten file
// before the call returns.
func (h *Handler) DeleteClass(ctx context.Context, className, reassignTo string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureFresh(); err != nil {
		return err
	}

	if !h.store.AcquireLocal(h.path) {
		return fmt.Errorf("%w: concurrent rewrite in progress", store.ErrLocked)
	}
	defer h.store.ReleaseLocal(h.path)

	rewritten, err := classify.DeleteClass(h.cur.snap.File, className, reassignTo)
	if err != nil {
		return err
	}
	if err := annot.WriteFile(h.path, rewritten); err != nil {
		return fmt.Errorf("rewrite container: %w", err)
	}

	// Overlay entries naming the deleted class are now dangling.
	h.overlay.DropClass(className)
	h.overlayRev++

	snap, err := h.store.Populate(h.path)
	if err != nil {
		return fmt.Errorf("repopulate after delete: %w", err)
	}
	if err := h.rebuild(snap); err != nil {
		return err
	}
	h.state = StateReady

	if h.audit != nil {
		if reassignTo == "" {
			reassignTo = classify.NegativeControl
		}
		ev := auditstore.Event{
			Slide:     h.path,
			SessionID: h.id,
			Action:    auditstore.ActionDeleteClass,
			FromClass: className,
			ToClass:   reassignTo,
		}
		if err := h.audit.Record(ev); err != nil {
			h.log.Warn("audit record failed", "error", err)
		}
	}

	h.log.Info("class deleted", "class", className, "reassigned_to", reassignTo)
	return nil
}

func (h *Handler) nucleusResult(id int32, c [2]float64) Nucleus {
	classID := classify.Unclassified
	if int(id) < len(h.cur.res.EffectiveNucleus) {
		classID = h.cur.res.EffectiveNucleus[id]
	}
	return Nucleus{
		ID:      id,
		X:       c[0] * h.scale,
		Y:       c[1] * h.scale,
		Class:   h.className(classID),
		Color:   h.cur.res.ColorFor(classID),
		Contour: h.contour(int(id)),
	}
}

// contour returns nucleus i's contour, zero-padding trimmed, scaled to
// viewer coordinates. Nil when the container carries no contours.
func (h *Handler) contour(i int) [][2]float64 {
	ds := h.cur.snap.File.Dataset(annot.DSNucleiContours)
	if ds == nil || len(ds.Shape) != 3 {
		return nil
	}
	k := ds.Shape[1]
	off := i * k * 2
	if off+k*2 > len(ds.Float32s) {
		return nil
	}

	out := make([][2]float64, 0, k)
	for j := 0; j < k; j++ {
		x := float64(ds.Float32s[off+j*2])
		y := float64(ds.Float32s[off+j*2+1])
		// Padding rows are (0,0); a real vertex at the origin only ever
		// occurs as the first point.
		if j > 0 && x == 0 && y == 0 {
			break
		}
		out = append(out, [2]float64{x * h.scale, y * h.scale})
	}
	if len(out) < 3 {
		return nil
	}
	return out
}

func (h *Handler) className(id int32) string {
	if id < 0 || int(id) >= len(h.cur.res.Palette) {
		return ""
	}
	return h.cur.res.Palette[id].Name
}

func (h *Handler) toStorage(view spatial.BBox) spatial.BBox {
	return spatial.BBox{
		X1: view.X1 / h.scale,
		Y1: view.Y1 / h.scale,
		X2: view.X2 / h.scale,
		Y2: view.Y2 / h.scale,
	}
}

// kind scopes a query cache key to the current overlay revision, so
// reclassification invalidates cached results without explicit purges.
func (h *Handler) kind(base string) string {
	return fmt.Sprintf("%s:%d", base, h.overlayRev)
}

// polyHash distinguishes polygons sharing a bounding box in cache keys.
func polyHash(poly [][2]float64) int {
	sum := fnv.New32a()
	var buf [8]byte
	for _, v := range poly {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v[0]))
		sum.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v[1]))
		sum.Write(buf[:])
	}
	return int(sum.Sum32())
}
