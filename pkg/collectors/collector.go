// Package collectors provides the common contract for subsystem collectors
// and the registry the sampling engine drives.
package collectors

import "github.com/hostmeter/hostmeter/pkg/metrics"

// Collector is implemented by every subsystem collector. Collect is invoked
// once per tick; counter-based collectors retain their own prior sample
// between calls and convert deltas to rates using the wall time they measure
// themselves. A Collector is never invoked concurrently with itself.
type Collector interface {
	// Name returns the collector family identifier (a capability key).
	Name() string

	// Collect reads the subsystem and returns its normalized metrics.
	// An error marks this tick's contribution stale; the collector keeps
	// its prior sample so the next tick can recover.
	Collect() (metrics.Set, error)
}

// Registry holds the collectors activated by capability detection.
type Registry struct {
	collectors []Collector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make([]Collector, 0)}
}

// Register adds a collector to the registry.
func (r *Registry) Register(c Collector) {
	r.collectors = append(r.collectors, c)
}

// Collectors returns all registered collectors in registration order.
func (r *Registry) Collectors() []Collector {
	return r.collectors
}

// GetByName returns a collector by name, or nil if not found.
func (r *Registry) GetByName(name string) Collector {
	for _, c := range r.collectors {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Remove drops a collector from the registry and reports whether it was
// present. The engine uses this for permanent deactivation after repeated
// failures.
func (r *Registry) Remove(name string) bool {
	for i, c := range r.collectors {
		if c.Name() == name {
			r.collectors = append(r.collectors[:i], r.collectors[i+1:]...)
			return true
		}
	}
	return false
}
