// Package api provides HTTP handlers for the slide annotation server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/slideatlas/server/internal/annot"
	"github.com/slideatlas/server/internal/auditstore"
	"github.com/slideatlas/server/internal/cache"
	"github.com/slideatlas/server/internal/classify"
	"github.com/slideatlas/server/internal/session"
	"github.com/slideatlas/server/internal/spatial"
	"github.com/slideatlas/server/internal/store"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Sessions    *session.Registry
	Store       *store.Cache
	Results     *cache.Manager
	Audit       *auditstore.Store
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Store, cfg.Results))
	r.Get("/api/history", historyHandler(cfg.Audit))

	// Session endpoints
	r.Post("/api/sessions", sessionCreateHandler(cfg.Sessions))

	r.Route("/api/sessions/{session}", func(r chi.Router) {
		r.Use(sessionMiddleware(cfg.Sessions))

		r.Get("/", sessionStateHandler)
		r.Delete("/", sessionDeleteHandler(cfg.Sessions))
		r.Post("/load", loadHandler)
		r.Post("/reset", resetHandler)

		r.Get("/viewport", viewportHandler)
		r.Post("/polygon", polygonHandler)
		r.Get("/patches", patchesHandler)
		r.Post("/patches/polygon", patchesPolygonHandler)
		r.Get("/regions", regionsHandler)

		r.Get("/classes", classesHandler)
		r.Get("/counts", countsHandler)
		r.Get("/classification/{target}/{entity}", classificationHandler)
		r.Post("/reclassify", reclassifyHandler)
		r.Post("/classes/delete", deleteClassHandler)
	})

	return r
}

// Context key for the session handler
type ctxKey string

const sessionKey ctxKey = "sessionHandler"

// sessionMiddleware resolves the session from the URL and injects its
// handler into the request context.
func sessionMiddleware(reg *session.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "session")
			h, err := reg.Get(id)
			if err != nil {
				http.Error(w, "session not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, h)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *session.Handler {
	if h, ok := r.Context().Value(sessionKey).(*session.Handler); ok {
		return h
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNoSlide),
		errors.Is(err, classify.ErrClassNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrLocked):
		status = http.StatusConflict
	case errors.Is(err, store.ErrTimeout):
		status = http.StatusServiceUnavailable
	case errors.Is(err, annot.ErrCorrupt):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrOutOfRange), errors.Is(err, classify.ErrBadReassign):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func sessionCreateHandler(reg *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := reg.Create()
		writeJSON(w, map[string]string{"session_id": h.ID(), "state": h.State()})
	}
}

func sessionStateHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)
	writeJSON(w, map[string]string{
		"session_id": h.ID(),
		"state":      h.State(),
		"path":       h.Path(),
	})
}

func sessionDeleteHandler(reg *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := getSession(r)
		reg.Remove(h.ID())
		w.WriteHeader(http.StatusNoContent)
	}
}

func loadHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	var req struct {
		Path  string `json:"path"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "missing required field: path", http.StatusBadRequest)
		return
	}

	if err := h.Load(r.Context(), req.Path, req.Force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"state": h.State()})
}

func resetHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)
	h.Reset()
	writeJSON(w, map[string]string{"state": h.State()})
}

// bboxFromQuery parses x1/y1/x2/y2 query params (viewer coordinates).
func bboxFromQuery(r *http.Request) (spatial.BBox, error) {
	var box spatial.BBox
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"x1", &box.X1}, {"y1", &box.Y1}, {"x2", &box.X2}, {"y2", &box.Y2},
	} {
		v, err := strconv.ParseFloat(r.URL.Query().Get(f.name), 64)
		if err != nil {
			return box, errors.New("missing or invalid query param: " + f.name)
		}
		*f.dst = v
	}
	return box, nil
}

func viewportHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	box, err := bboxFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.QueryViewport(r.Context(), box)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func polygonHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	var req struct {
		Polygon [][2]float64 `json:"polygon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Polygon) < 3 {
		http.Error(w, "polygon needs at least 3 vertices", http.StatusBadRequest)
		return
	}

	res, err := h.QueryPolygon(r.Context(), req.Polygon)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func patchesHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	box, err := bboxFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cells, err := h.QueryPatches(r.Context(), box, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"patches": cells, "total": len(cells)})
}

func patchesPolygonHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	var req struct {
		Polygon [][2]float64 `json:"polygon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Polygon) < 3 {
		http.Error(w, "polygon needs at least 3 vertices", http.StatusBadRequest)
		return
	}

	cells, err := h.QueryPatches(r.Context(), spatial.BBox{}, req.Polygon)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"patches": cells, "total": len(cells)})
}

func regionsHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	box, err := bboxFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	regions, err := h.MergedRegions(r.Context(), box)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"regions": regions, "total": len(regions)})
}

func classesHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	palette, err := h.Palette()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"classes": palette})
}

func countsHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	counts, err := h.Counts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"counts": counts})
}

func classificationHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	target := chi.URLParam(r, "target")
	if target != classify.TargetNucleus && target != classify.TargetPatch {
		http.Error(w, "target must be nucleus or patch", http.StatusBadRequest)
		return
	}
	entity, err := strconv.Atoi(chi.URLParam(r, "entity"))
	if err != nil {
		http.Error(w, "invalid entity index", http.StatusBadRequest)
		return
	}

	name, color, err := h.Classification(target, entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"class": name, "color": color})
}

func reclassifyHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	var req struct {
		Target   string `json:"target"`
		EntityID int    `json:"entity_id"`
		Class    string `json:"class"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Class == "" {
		http.Error(w, "missing required fields: target, entity_id, class", http.StatusBadRequest)
		return
	}
	if req.Target == "" {
		req.Target = classify.TargetNucleus
	}

	if err := h.Reclassify(r.Context(), req.Target, req.EntityID, req.Class); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deleteClassHandler(w http.ResponseWriter, r *http.Request) {
	h := getSession(r)

	var req struct {
		Class      string `json:"class"`
		ReassignTo string `json:"reassign_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Class == "" {
		http.Error(w, "missing required field: class", http.StatusBadRequest)
		return
	}

	if err := h.DeleteClass(r.Context(), req.Class, req.ReassignTo); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func historyHandler(audit *auditstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if audit == nil {
			http.Error(w, "audit journal disabled", http.StatusNotFound)
			return
		}

		slide := r.URL.Query().Get("slide")
		if slide == "" {
			http.Error(w, "missing required query param: slide", http.StatusBadRequest)
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		events, err := audit.History(slide, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"events": events, "total": len(events)})
	}
}

func cacheStatsHandler(st *store.Cache, results *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]interface{}{}
		if st != nil {
			stats["store"] = st.Stats()
		}
		if results != nil {
			stats["results"] = results.Stats()
		}
		writeJSON(w, stats)
	}
}
