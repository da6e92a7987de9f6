// Package registry tracks the fleet of target applications and their
// last-observed state.
package registry

import (
	"fmt"
	"sync"

	"github.com/christippett/7apps-in-7minutes/internal/domain"
)

// UnknownVersion groups applications that have not reported a version yet.
const UnknownVersion = "unknown"

// Registry holds the known applications in insertion order. Reads are safe
// from any goroutine; writes must be serialized by the caller (the
// orchestrator runs polling as a single sequential task).
type Registry struct {
	mu    sync.RWMutex
	order []string
	apps  map[string]domain.Application
}

// Load builds a registry from the static fleet definition.
func Load(apps []domain.Application) (*Registry, error) {
	r := &Registry{apps: make(map[string]domain.Application, len(apps))}
	for _, app := range apps {
		if app.Name == "" {
			return nil, fmt.Errorf("application with empty name (url %q)", app.URL)
		}
		if _, exists := r.apps[app.Name]; exists {
			return nil, fmt.Errorf("duplicate application name %q", app.Name)
		}
		r.order = append(r.order, app.Name)
		r.apps[app.Name] = app
	}
	return r, nil
}

// Get returns the application with the given name.
func (r *Registry) Get(name string) (domain.Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	return app, ok
}

// Replace upserts an application by name, preserving its display position.
func (r *Registry) Replace(app domain.Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.apps[app.Name]; !exists {
		r.order = append(r.order, app.Name)
	}
	r.apps[app.Name] = app
}

// All returns the applications in insertion order.
func (r *Registry) All() []domain.Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make([]domain.Application, 0, len(r.order))
	for _, name := range r.order {
		apps = append(apps, r.apps[name])
	}
	return apps
}

// Versions groups applications by reported version. Apps that have not
// reported one yet group under UnknownVersion.
func (r *Registry) Versions() map[string][]domain.Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make(map[string][]domain.Application)
	for _, name := range r.order {
		app := r.apps[name]
		key := app.Version
		if key == "" {
			key = UnknownVersion
		}
		versions[key] = append(versions[key], app)
	}
	return versions
}
