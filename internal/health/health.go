// Package health aggregates subsystem health probes for readiness checks.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Probe checks one subsystem.
type Probe func(ctx context.Context) Status

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []namedProbe
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, namedProbe{name: name, probe: p})
	r.mu.Unlock()
}

// Check runs every registered probe and reports the aggregate result.
func (r *Registry) Check(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]namedProbe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(probes))
	for i, np := range probes {
		statuses[i] = np.probe(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database returns a probe that pings the given database.
func Database(db *sql.DB) Probe {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}
