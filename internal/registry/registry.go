// Package registry holds the in-memory set of declared services the daemon
// knows about. It performs no I/O and starts/stops nothing; it is the
// source of truth the Config Loader populates and the Service Manager
// reads.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/localportd/supervisor/internal/domain"
)

// Registry is a concurrency-safe set of ServiceDescriptors, keyed by ID
// with Name uniqueness enforced at Add time.
type Registry struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*domain.ServiceDescriptor
	byName   map[string]uuid.UUID
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*domain.ServiceDescriptor),
		byName: make(map[string]uuid.UUID),
	}
}

// Add registers desc, rejecting it if its Name collides with an existing
// entry under a different ID or if it fails Validate.
func (r *Registry) Add(desc *domain.ServiceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[desc.Name]; ok && existing != desc.ID {
		return fmt.Errorf("service name %q already registered", desc.Name)
	}
	r.byID[desc.ID] = desc.Clone()
	r.byName[desc.Name] = desc.ID
	return nil
}

// Remove deletes the service with the given ID, returning false if it was
// not present.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.byName, desc.Name)
	return true
}

// Get returns a clone of the descriptor for id, or false if absent.
func (r *Registry) Get(id uuid.UUID) (*domain.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return desc.Clone(), true
}

// GetByName returns a clone of the descriptor registered under name, or
// false if no service has that name.
func (r *Registry) GetByName(name string) (*domain.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.byID[id].Clone(), true
}

// List returns a stable-ordered (by name) snapshot of every registered
// descriptor.
func (r *Registry) List() []*domain.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.ServiceDescriptor, 0, len(r.byID))
	for _, desc := range r.byID {
		out = append(out, desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByTag returns every registered descriptor carrying tag, in the same
// stable order as List.
func (r *Registry) ListByTag(tag string) []*domain.ServiceDescriptor {
	all := r.List()
	out := all[:0]
	for _, desc := range all {
		if desc.HasTag(tag) {
			out = append(out, desc)
		}
	}
	return out
}

// Diff describes how a freshly loaded configuration differs from the
// registry's current contents, used to drive the Daemon Runtime's reload()
// reconciliation.
type Diff struct {
	Added   []*domain.ServiceDescriptor
	Removed []*domain.ServiceDescriptor
	Changed []ChangedService
}

// ChangedService pairs the old and new descriptor for a name present in
// both the registry and the incoming set, whose contents differ.
type ChangedService struct {
	Old *domain.ServiceDescriptor
	New *domain.ServiceDescriptor
}

// Diff compares incoming (freshly parsed from config) against the
// registry's current contents, matching services by Name since IDs are
// reassigned on every config load. It does not mutate the registry;
// callers apply the diff via Add/Remove/Replace as appropriate.
func (r *Registry) Diff(incoming []*domain.ServiceDescriptor) Diff {
	r.mu.RLock()
	currentByName := make(map[string]*domain.ServiceDescriptor, len(r.byName))
	for name, id := range r.byName {
		currentByName[name] = r.byID[id]
	}
	r.mu.RUnlock()

	incomingByName := make(map[string]*domain.ServiceDescriptor, len(incoming))
	for _, desc := range incoming {
		incomingByName[desc.Name] = desc
	}

	var d Diff
	for name, newDesc := range incomingByName {
		oldDesc, existed := currentByName[name]
		if !existed {
			d.Added = append(d.Added, newDesc.Clone())
			continue
		}
		if !descriptorsEqual(oldDesc, newDesc) {
			d.Changed = append(d.Changed, ChangedService{Old: oldDesc.Clone(), New: newDesc.Clone()})
		}
	}
	for name, oldDesc := range currentByName {
		if _, stillPresent := incomingByName[name]; !stillPresent {
			d.Removed = append(d.Removed, oldDesc.Clone())
		}
	}
	return d
}

// descriptorsEqual compares the fields that matter for reconciliation;
// identity (ID) is deliberately excluded since reload always mints fresh IDs.
func descriptorsEqual(a, b *domain.ServiceDescriptor) bool {
	if a.Technology != b.Technology || a.LocalPort != b.LocalPort || a.RemotePort != b.RemotePort ||
		a.Enabled != b.Enabled || a.Description != b.Description {
		return false
	}
	if len(a.ConnectionInfo) != len(b.ConnectionInfo) {
		return false
	}
	for k, v := range a.ConnectionInfo {
		if b.ConnectionInfo[k] != v {
			return false
		}
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for t := range a.Tags {
		if !b.HasTag(t) {
			return false
		}
	}
	return healthCheckEqual(a.HealthCheck, b.HealthCheck) && restartPolicyEqual(a.RestartPolicy, b.RestartPolicy)
}

func restartPolicyEqual(a, b *domain.RestartPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func healthCheckEqual(a, b *domain.HealthCheckConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.IntervalSeconds != b.IntervalSeconds || a.TimeoutSeconds != b.TimeoutSeconds ||
		a.FailureThreshold != b.FailureThreshold || a.SuccessThreshold != b.SuccessThreshold {
		return false
	}
	if len(a.Config) != len(b.Config) {
		return false
	}
	for k, v := range a.Config {
		if b.Config[k] != v {
			return false
		}
	}
	return true
}

// Replace atomically swaps the descriptor registered under id (matched by
// id's current Name) for updated, used by the Daemon Runtime when applying
// a Changed entry from Diff. updated's ID is reassigned to id so that
// in-flight Service Manager state keyed by ID remains valid across reload.
func (r *Registry) Replace(id uuid.UUID, updated *domain.ServiceDescriptor) error {
	clone := updated.Clone()
	clone.ID = id
	if err := clone.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("registry: no service with id %s", id)
	}
	if old.Name != clone.Name {
		delete(r.byName, old.Name)
	}
	r.byID[id] = clone
	r.byName[clone.Name] = id
	return nil
}
