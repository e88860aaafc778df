package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slideatlas/server/internal/auditstore"
	"github.com/slideatlas/server/internal/cache"
	"github.com/slideatlas/server/internal/store"
)

// ErrSessionNotFound reports an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// RegistryConfig contains the shared dependencies handed to every handler.
type RegistryConfig struct {
	Store   *store.Cache
	Results *cache.Manager
	Audit   *auditstore.Store
	Logger  *slog.Logger

	ScaleFactor float64
	QueryMargin float64
	Debounce    time.Duration
}

// Registry owns the session table: id -> handler. It is the only mutable
// application state; handlers reach everything else through the
// dependencies injected here.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	handlers map[string]*Handler
}

// NewRegistry creates a registry and subscribes it to store invalidations,
// so every session learns when its container is replaced out of band.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		cfg:      cfg,
		handlers: make(map[string]*Handler),
	}
	if cfg.Store != nil {
		cfg.Store.Subscribe(r.markStale)
	}
	return r
}

func (r *Registry) markStale(path string) {
	r.mu.Lock()
	handlers := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h.MarkStale(path)
	}
}

// Create registers a new handler and returns it with its id.
func (r *Registry) Create() *Handler {
	id := uuid.NewString()
	h := NewHandler(id, HandlerConfig{
		Store:       r.cfg.Store,
		Results:     r.cfg.Results,
		Audit:       r.cfg.Audit,
		Logger:      r.cfg.Logger,
		ScaleFactor: r.cfg.ScaleFactor,
		QueryMargin: r.cfg.QueryMargin,
		Debounce:    r.cfg.Debounce,
	})

	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()

	r.cfg.Logger.Info("session created", "session", id)
	return h
}

// Get returns the handler for a session id.
func (r *Registry) Get(id string) (*Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return h, nil
}

// Remove resets and drops a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	h, ok := r.handlers[id]
	delete(r.handlers, id)
	r.mu.Unlock()

	if ok {
		h.Reset()
		r.cfg.Logger.Info("session removed", "session", id)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
