// Package health aggregates readiness probes for the storage backends.
package health

import (
	"context"
	"sync"
)

// Probe checks one dependency. A nil return means healthy.
type Probe func(ctx context.Context) error

// Status is the outcome of one probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Registry holds named probes and runs them on demand for /readyz.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a probe. Registering a name twice replaces the probe
// but keeps its position in the report.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.probes[name]; !seen {
		r.names = append(r.names, name)
	}
	r.probes[name] = p
}

// CheckAll runs every probe under ctx and reports both the aggregate
// and the per-dependency results, in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	probes := make(map[string]Probe, len(r.probes))
	for n, p := range r.probes {
		probes[n] = p
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Name: name, Healthy: true}
		if err := probes[name](ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
