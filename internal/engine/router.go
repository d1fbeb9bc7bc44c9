package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

// Backend names a provisioner implementation
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendDocker Backend = "docker"
)

// Router sends each engine kind to the backend configured for it.
// Kinds without a route use the fallback backend.
type Router struct {
	mu       sync.RWMutex
	backends map[Backend]Provisioner
	routes   map[models.EngineKind]Backend
	fallback Backend
}

// NewRouter creates a router with a fallback backend
func NewRouter(fallback Backend) *Router {
	return &Router{
		backends: make(map[Backend]Provisioner),
		routes:   make(map[models.EngineKind]Backend),
		fallback: fallback,
	}
}

// Register adds a backend implementation
func (r *Router) Register(name Backend, p Provisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = p
}

// Route pins an engine kind to a backend
func (r *Router) Route(kind models.EngineKind, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[kind] = backend
}

// BackendFor returns the backend name that serves kind
func (r *Router) BackendFor(kind models.EngineKind) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.routes[kind]; ok {
		return b
	}
	return r.fallback
}

// Backends returns the names of every registered backend
func (r *Router) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]Backend, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

// Launch starts kind on its backend
func (r *Router) Launch(ctx context.Context, kind models.EngineKind, display string) (*Instance, error) {
	backend := r.BackendFor(kind)

	r.mu.RLock()
	p, ok := r.backends[backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no %s backend registered for %s", backend, kind)
	}
	return p.Launch(ctx, kind, display)
}
