// Package manager implements the Service Manager: start/stop/restart of
// individual services against their transport adapter, and the
// active-forwards map those operations maintain.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/netutil"
	"github.com/localportd/supervisor/internal/procutil"
	"github.com/localportd/supervisor/internal/transport"
)

// restartDelay is the short bounded pause Restart waits between stop and
// start.
const restartDelay = time.Second

// perServiceLock serializes start/stop/restart for one service so
// concurrent callers can't race a single service's lifecycle, while
// different services proceed fully in parallel.
type perServiceLock struct {
	mu sync.Mutex
}

// Manager is the Service Manager. It owns the active-forwards map and
// issues commands to the transport Adapter registry. The map mutex is held
// only for short in-memory reads/writes; adapter I/O always happens with
// the map lock released.
type Manager struct {
	adapters *transport.Registry
	logger   *logging.Logger

	mapMu   sync.Mutex
	forward map[uuid.UUID]*domain.ActiveForward
	status  map[uuid.UUID]domain.ServiceStatus
	lastErr map[uuid.UUID]string

	locksMu sync.Mutex
	locks   map[uuid.UUID]*perServiceLock
}

// New constructs a Service Manager bound to the given adapter registry.
func New(adapters *transport.Registry, logger *logging.Logger) *Manager {
	return &Manager{
		adapters: adapters,
		logger:   logger,
		forward:  make(map[uuid.UUID]*domain.ActiveForward),
		status:   make(map[uuid.UUID]domain.ServiceStatus),
		lastErr:  make(map[uuid.UUID]string),
		locks:    make(map[uuid.UUID]*perServiceLock),
	}
}

func (m *Manager) lockFor(id uuid.UUID) *perServiceLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &perServiceLock{}
		m.locks[id] = l
	}
	return l
}

// Start begins a forward for desc, refusing a port already in use and
// recording the ActiveForward only after the adapter reports a spawn.
func (m *Manager) Start(ctx context.Context, desc *domain.ServiceDescriptor) error {
	lock := m.lockFor(desc.ID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	if existing, ok := m.snapshotForward(desc.ID); ok {
		if procutil.IsAlive(existing.PID) {
			return nil
		}
		m.evictForward(desc.ID)
	}

	if !netutil.PortAvailable(desc.LocalPort) {
		m.setStatus(desc.ID, domain.StatusFailed, "port in use")
		return domain.NewError(domain.KindPortUnavailable, "manager", desc.Name,
			fmt.Sprintf("local port %d is in use", desc.LocalPort), nil)
	}

	adapter, ok := m.adapters.Get(desc.Technology)
	if !ok {
		m.setStatus(desc.ID, domain.StatusFailed, "no adapter registered")
		return domain.NewError(domain.KindConfiguration, "manager", desc.Name,
			fmt.Sprintf("no transport adapter registered for %q", desc.Technology), nil)
	}

	m.setStatus(desc.ID, domain.StatusStarting, "")

	pid, err := adapter.StartPortForward(ctx, desc.LocalPort, desc.RemotePort, desc.ConnectionInfo)
	if err != nil {
		m.setStatus(desc.ID, domain.StatusFailed, err.Error())
		return domain.NewError(domain.KindAdapterSpawn, "manager", desc.Name,
			"adapter failed to start port forward", err)
	}

	m.mapMu.Lock()
	m.forward[desc.ID] = &domain.ActiveForward{
		ServiceID:  desc.ID.String(),
		PID:        pid,
		LocalPort:  desc.LocalPort,
		RemotePort: desc.RemotePort,
		StartedAt:  time.Now(),
	}
	m.status[desc.ID] = domain.StatusRunning
	m.lastErr[desc.ID] = ""
	m.mapMu.Unlock()

	m.logger.Info("started %s: pid=%d local=%d remote=%d", desc.Name, pid, desc.LocalPort, desc.RemotePort)
	return nil
}

// Stop terminates desc's forward if any. It is idempotent: stopping an
// already-stopped service succeeds.
func (m *Manager) Stop(ctx context.Context, desc *domain.ServiceDescriptor) error {
	lock := m.lockFor(desc.ID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	fwd, ok := m.snapshotForward(desc.ID)
	if !ok {
		m.setStatus(desc.ID, domain.StatusStopped, "")
		return nil
	}

	adapter, ok := m.adapters.Get(desc.Technology)
	if !ok {
		return domain.NewError(domain.KindConfiguration, "manager", desc.Name,
			fmt.Sprintf("no transport adapter registered for %q", desc.Technology), nil)
	}

	if err := adapter.StopPortForward(ctx, fwd.PID); err != nil {
		m.logger.Warn("stop %s: %v", desc.Name, err)
	}

	m.evictForward(desc.ID)
	m.setStatus(desc.ID, domain.StatusStopped, "")
	m.logger.Info("stopped %s", desc.Name)
	return nil
}

// Restart stops then starts desc after a short bounded delay, incrementing
// its ActiveForward's restart count on success.
func (m *Manager) Restart(ctx context.Context, desc *domain.ServiceDescriptor) error {
	priorRestarts := 0
	if fwd, ok := m.snapshotForward(desc.ID); ok {
		priorRestarts = fwd.RestartCount
	}

	if err := m.Stop(ctx, desc); err != nil {
		m.logger.Warn("restart %s: stop failed: %v", desc.Name, err)
	}

	select {
	case <-time.After(restartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.Start(ctx, desc); err != nil {
		return err
	}

	m.mapMu.Lock()
	if fwd, ok := m.forward[desc.ID]; ok {
		fwd.RestartCount = priorRestarts + 1
	}
	m.mapMu.Unlock()
	return nil
}

// ServiceSnapshot is the read-only view Status returns for one service.
type ServiceSnapshot struct {
	Status   domain.ServiceStatus
	Forward  *domain.ActiveForward
	LastErr  string
}

// Status returns the current in-memory snapshot for desc, eagerly
// transitioning to FAILED if its recorded PID is no longer alive.
func (m *Manager) Status(desc *domain.ServiceDescriptor) ServiceSnapshot {
	m.mapMu.Lock()
	fwd, hasForward := m.forward[desc.ID]
	status := m.status[desc.ID]
	lastErr := m.lastErr[desc.ID]
	m.mapMu.Unlock()

	if hasForward && !procutil.IsAlive(fwd.PID) {
		m.mapMu.Lock()
		delete(m.forward, desc.ID)
		m.status[desc.ID] = domain.StatusFailed
		m.lastErr[desc.ID] = fmt.Sprintf("process %d no longer alive", fwd.PID)
		status = domain.StatusFailed
		lastErr = m.lastErr[desc.ID]
		m.mapMu.Unlock()
		hasForward = false
	}

	snap := ServiceSnapshot{Status: status, LastErr: lastErr}
	if hasForward {
		snapCopy := *fwd
		snap.Forward = &snapCopy
	}
	return snap
}

// MarkFailed records desc as permanently FAILED with the given reason,
// used by the Restart Controller when a service's restart budget is
// spent.
func (m *Manager) MarkFailed(desc *domain.ServiceDescriptor, reason string) {
	m.setStatus(desc.ID, domain.StatusFailed, reason)
}

// CleanupDeadProcesses sweeps the active set for forwards whose PID is no
// longer alive, evicting them and marking the service FAILED. It returns
// the number evicted.
func (m *Manager) CleanupDeadProcesses() int {
	m.mapMu.Lock()
	dead := make([]uuid.UUID, 0)
	for id, fwd := range m.forward {
		if !procutil.IsAlive(fwd.PID) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(m.forward, id)
		m.status[id] = domain.StatusFailed
	}
	m.mapMu.Unlock()
	return len(dead)
}

// CleanupAll asks every registered adapter to terminate every process it
// has ever started, used during daemon shutdown.
func (m *Manager) CleanupAll(ctx context.Context) []error {
	var errs []error
	for _, adapter := range m.adapters.All() {
		if err := adapter.CleanupAllProcesses(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Manager) snapshotForward(id uuid.UUID) (*domain.ActiveForward, bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	fwd, ok := m.forward[id]
	if !ok {
		return nil, false
	}
	clone := *fwd
	return &clone, true
}

func (m *Manager) evictForward(id uuid.UUID) {
	m.mapMu.Lock()
	delete(m.forward, id)
	m.mapMu.Unlock()
}

func (m *Manager) setStatus(id uuid.UUID, status domain.ServiceStatus, lastErr string) {
	m.mapMu.Lock()
	m.status[id] = status
	m.lastErr[id] = lastErr
	m.mapMu.Unlock()
}
