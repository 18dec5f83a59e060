// Package transport defines the pluggable transport-adapter contract and
// its kubectl and ssh implementations.
package transport

import (
	"context"
	"time"

	"github.com/localportd/supervisor/internal/domain"
)

// stopGrace bounds how long an adapter waits for a child to exit after a
// polite termination request before escalating to a kill.
const stopGrace = 5 * time.Second

// Adapter starts and stops a single forward for one transport kind and can
// clean up every process it has ever started. Implementations MUST track
// their own child PIDs so CleanupAllProcesses is total.
type Adapter interface {
	// StartPortForward spawns the external forwarder process and returns its
	// PID. It must not return success until the child is spawned; it is not
	// required to confirm the forwarded port is serving traffic yet — that is
	// the Health Monitor's job.
	StartPortForward(ctx context.Context, localPort, remotePort int, connectionInfo map[string]string) (pid int, err error)

	// StopPortForward attempts graceful termination of pid, then forceful
	// termination after a bounded interval. Idempotent for already-dead PIDs.
	StopPortForward(ctx context.Context, pid int) error

	// CleanupAllProcesses terminates every process this adapter has ever
	// started that may still be alive. Used during daemon shutdown.
	CleanupAllProcesses(ctx context.Context) error
}

// Registry maps a domain.Technology to the Adapter that implements it.
// Adapters are registered explicitly at daemon construction rather than by
// import side effects, so the registered set is always visible and total.
type Registry struct {
	adapters map[domain.Technology]Adapter
}

// NewRegistry builds an adapter registry from the given set.
func NewRegistry(adapters map[domain.Technology]Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Get returns the adapter registered for a technology, or false if none is.
func (r *Registry) Get(t domain.Technology) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

// All returns every registered adapter, for a total shutdown sweep.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
