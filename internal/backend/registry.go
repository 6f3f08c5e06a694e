package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// Info pairs a backend name with its current health and resources, for
// API listings.
type Info struct {
	Name      string              `json:"name"`
	Healthy   bool                `json:"healthy"`
	Resources *model.ResourcePool `json:"resources,omitempty"`
}

// Registry holds registered backends and selects which one to use for a
// given task. It is shared across all concurrent pipelines and safe for
// concurrent use. Insertion order is preserved: the auto-selection policy
// returns the first healthy backend registered.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under the given name. Re-registering a name
// replaces the prior entry but keeps its position in insertion order.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; !exists {
		r.order = append(r.order, name)
	}
	r.backends[name] = b
}

// Unregister removes the backend with the given name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; !exists {
		return
	}
	delete(r.backends, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the backend registered under name, or nil.
func (r *Registry) Get(name string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// All returns every registered backend in insertion order.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Clear removes all registered backends. Used by tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = make(map[string]Backend)
	r.order = nil
}

// List reports the name, health, and resources of every registered backend
// in insertion order.
func (r *Registry) List(ctx context.Context) []Info {
	infos := make([]Info, 0)
	for _, b := range r.All() {
		info := Info{
			Name:    b.Name(),
			Healthy: b.Healthcheck(ctx) == nil,
		}
		if rep, ok := b.(ResourceReporter); ok {
			if pool, err := rep.Resources(ctx); err == nil {
				info.Resources = pool
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Select picks the backend for a task.
//
// With an explicit backend hint (anything but "auto" or empty), the named
// backend must be registered and healthy. With "auto", the first healthy
// backend in insertion order wins, except that tasks declaring a GPU
// requirement prefer the first healthy backend reporting an available GPU.
//
// Selection is advisory: it does not reserve resources or coordinate with
// concurrent selections.
func (r *Registry) Select(ctx context.Context, task *model.Task) (Backend, error) {
	if task.Backend != "" && task.Backend != model.BackendAuto {
		b := r.Get(task.Backend)
		if b == nil {
			return nil, fmt.Errorf("Backend %q not registered", task.Backend)
		}
		if err := b.Healthcheck(ctx); err != nil {
			return nil, fmt.Errorf("Backend %q is not healthy", task.Backend)
		}
		return b, nil
	}

	var healthy []Backend
	for _, b := range r.All() {
		if b.Healthcheck(ctx) == nil {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	if task.Resources != nil && task.Resources.GPU != "" {
		for _, b := range healthy {
			rep, ok := b.(ResourceReporter)
			if !ok {
				continue
			}
			pool, err := rep.Resources(ctx)
			if err != nil {
				continue
			}
			for _, gpu := range pool.GPUs {
				if gpu.Available {
					return b, nil
				}
			}
		}
	}

	return healthy[0], nil
}
