// Package health reports the readiness of saga dependencies, such as
// the postgres store and the configured payment providers.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is one subsystem's verdict as rendered on /health.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem. Implementations fill Healthy and
// Detail; the registry stamps Name from the registration.
type Checker func(ctx context.Context) Status

// checkTimeout bounds a single probe so one hung dependency cannot
// stall the whole health endpoint.
const checkTimeout = 5 * time.Second

// Registry runs registered checkers in registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	checks map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker under name. Re-registering a name replaces
// the previous checker and keeps its original position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; !exists {
		r.order = append(r.order, name)
	}
	r.checks[name] = check
}

// CheckAll probes every subsystem and reports whether all are healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	checks := make(map[string]Checker, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		st := checks[name](probeCtx)
		cancel()

		st.Name = name
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
