// Package probe implements the one-shot, timeout-bounded liveness checks the
// Health Monitor schedules per service: TCP, HTTP, Kafka, and Postgres, all
// behind one small Probe interface rather than an inheritance hierarchy.
package probe

import (
	"context"
	"time"
)

// Result carries a probe's boolean outcome plus the latency and error the
// Health Monitor logs and reports alongside it.
type Result struct {
	Healthy bool
	Latency time.Duration
	Err     error
}

// Probe is the capability every health-check kind implements.
type Probe interface {
	// Check runs a single liveness check against config, bounded by timeout.
	// It must never block past timeout and must release every resource it
	// acquires on every exit path, including cancellation.
	Check(ctx context.Context, config map[string]string, timeout time.Duration) Result
}

// Registry maps a domain.ProbeKind string to its Probe implementation.
// Probes are registered explicitly at daemon construction, not by
// import-time factory side effects.
type Registry struct {
	probes map[string]Probe
}

// NewRegistry builds a probe registry from the given set.
func NewRegistry(probes map[string]Probe) *Registry {
	return &Registry{probes: probes}
}

// Get returns the probe registered under kind, or false if none is.
func (r *Registry) Get(kind string) (Probe, bool) {
	p, ok := r.probes[kind]
	return p, ok
}
