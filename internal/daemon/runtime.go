// Package daemon implements the Daemon Runtime: boot, signal handling,
// config reload, orchestrated shutdown, and status queries that tie the
// Service Registry, Service Manager, Health Monitor, and Restart Controller
// together for the lifetime of one supervisor process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/localportd/supervisor/internal/config"
	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/health"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/manager"
	"github.com/localportd/supervisor/internal/probe"
	"github.com/localportd/supervisor/internal/registry"
	"github.com/localportd/supervisor/internal/restart"
	"github.com/localportd/supervisor/internal/transport"
)

// DefaultGracefulShutdownTimeout bounds Stop when no override is given.
const DefaultGracefulShutdownTimeout = 30 * time.Second

// maintenanceInterval is the dead-PID sweep cadence.
const maintenanceInterval = 5 * time.Minute

// Options configures a Runtime at construction.
type Options struct {
	ConfigPath              string
	PIDPath                 string
	Logger                  *logging.Logger
	GracefulShutdownTimeout time.Duration
	Adapters                *transport.Registry
	Probes                  *probe.Registry

	// StartFilter, when non-nil, restricts which registered services this
	// runtime starts and monitors (the CLI's `start names...|--tag` scoping).
	// Descriptors it rejects are still registered for status queries.
	StartFilter func(*domain.ServiceDescriptor) bool
}

// Runtime is the Daemon Runtime: it owns the Service Registry, Service
// Manager, Health Monitor, and Restart Controller for the lifetime of one
// daemon process.
type Runtime struct {
	logger          *logging.Logger
	cfgPath         string
	pidPath         string
	shutdownTimeout time.Duration
	startFilter     func(*domain.ServiceDescriptor) bool

	registry *registry.Registry
	mgr      *manager.Manager
	monitor  *health.Monitor
	restarts *restart.Controller

	events    chan health.Transition
	exhausted chan restart.Exhausted

	watcher *config.Watcher

	mu            sync.Mutex
	running       bool
	startedAt     time.Time
	shutdownCh    chan struct{}
	shutdownOnce  sync.Once
	maintCancel   context.CancelFunc
	maintWg       sync.WaitGroup
	restartCancel context.CancelFunc

	lastHealthCheckAt time.Time
}

// New constructs a Runtime. It does not start anything until Boot is called.
func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.LevelInfo)
	}
	timeout := opts.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultGracefulShutdownTimeout
	}
	pidPath := opts.PIDPath
	if pidPath == "" {
		pidPath = DefaultPIDPath()
	}

	reg := registry.New()
	events := make(chan health.Transition, 64)
	exhausted := make(chan restart.Exhausted, 16)

	mgr := manager.New(opts.Adapters, logger)
	monitor := health.New(opts.Probes, logger, events)
	restartCtl := restart.New(mgr, reg, monitor, logger, exhausted)

	return &Runtime{
		logger:          logger,
		cfgPath:         opts.ConfigPath,
		pidPath:         pidPath,
		startFilter:     opts.StartFilter,
		shutdownTimeout: timeout,
		registry:        reg,
		mgr:             mgr,
		monitor:         monitor,
		restarts:        restartCtl,
		events:          events,
		exhausted:       exhausted,
		shutdownCh:      make(chan struct{}),
	}
}

// Boot loads configuration, populates the registry, starts enabled
// services in parallel (errors isolated per service), starts the Health
// Monitor, and kicks off the maintenance loop.
// Signal handling is installed by the caller (see cmd/localportd) before
// Boot so a signal received during boot is not lost.
func (r *Runtime) Boot(ctx context.Context) error {
	descs, path, err := config.Load(r.cfgPath)
	if err != nil {
		return domain.NewError(domain.KindConfiguration, "daemon", "", "failed to load configuration at boot", err)
	}
	r.cfgPath = path

	for _, desc := range descs {
		if err := r.registry.Add(desc); err != nil {
			return domain.NewError(domain.KindConfiguration, "daemon", desc.Name, "failed to register service", err)
		}
	}

	r.startEnabledServices(ctx)
	r.monitor.StartMonitoring(r.supervisedDescriptors())

	restartCtx, cancel := context.WithCancel(context.Background())
	r.restartCancel = cancel
	go r.restarts.Run(restartCtx, r.events)
	go r.logExhaustedRestarts(restartCtx)

	r.startMaintenanceLoop()

	if err := WritePIDFile(r.pidPath); err != nil {
		r.logger.Warn("daemon: failed to write pid file %s: %v", r.pidPath, err)
	}

	if r.cfgPath != "" {
		watcher, err := config.NewWatcher(r.cfgPath, r.logger, func() {
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn("daemon: config watcher triggered reload failed: %v", err)
			}
		})
		if err != nil {
			r.logger.Debug("daemon: config watcher not started: %v", err)
		} else {
			r.watcher = watcher
		}
	}

	r.mu.Lock()
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("daemon: boot complete, %d services registered (config=%s)", len(descs), r.cfgPath)
	return nil
}

// supervisedDescriptors returns the registered descriptors this runtime
// actually supervises: enabled ones that pass the start filter, if any.
// Disabled or filtered-out services stay registered for status queries but
// are never started, probed, or restarted.
func (r *Runtime) supervisedDescriptors() []*domain.ServiceDescriptor {
	all := r.registry.List()
	out := all[:0]
	for _, desc := range all {
		if !desc.Enabled {
			continue
		}
		if r.startFilter != nil && !r.startFilter(desc) {
			continue
		}
		out = append(out, desc)
	}
	return out
}

// startEnabledServices starts every supervised descriptor in parallel; a
// failed start is logged and isolated, never aborting boot.
func (r *Runtime) startEnabledServices(ctx context.Context) {
	var wg sync.WaitGroup
	for _, desc := range r.supervisedDescriptors() {
		wg.Add(1)
		go func(d *domain.ServiceDescriptor) {
			defer wg.Done()
			if err := r.mgr.Start(ctx, d); err != nil {
				r.logger.Warn("daemon: failed to start service %s: %v", d.Name, err)
			}
		}(desc)
	}
	wg.Wait()
}

// logExhaustedRestarts drains the Restart Controller's exhaustion channel
// and surfaces each as a restart_exhausted event, so exhaustion is always
// user-visible through the daemon's own log even when nothing else is
// consuming Exhausted().
func (r *Runtime) logExhaustedRestarts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.exhausted:
			if !ok {
				return
			}
			r.logger.Event(logging.LevelError, logging.Event{
				Time:      ev.At,
				Component: "restart",
				Service:   ev.ServiceName,
				Kind:      string(domain.KindRestartExhausted),
				Message:   "restart budget exhausted; manual start required",
			})
		}
	}
}

func (r *Runtime) startMaintenanceLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	r.maintCancel = cancel
	r.maintWg.Add(1)
	go func() {
		defer r.maintWg.Done()
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.mgr.CleanupDeadProcesses(); n > 0 {
					r.logger.Info("daemon: maintenance sweep evicted %d dead process(es)", n)
				}
				r.mu.Lock()
				r.lastHealthCheckAt = time.Now()
				r.mu.Unlock()
			}
		}
	}()
}

// Reload reloads descriptors from the configured path, diffs them against
// the registry by name, and applies additions/removals/mutations. The
// Health Monitor is stopped and restarted with the new descriptor set.
// Reload is idempotent if the config is unchanged: an empty Diff produces
// no service churn.
func (r *Runtime) Reload(ctx context.Context) error {
	descs, _, err := config.Load(r.cfgPath)
	if err != nil {
		r.logger.Warn("daemon: reload failed to load config, retaining previous configuration: %v", err)
		return domain.NewError(domain.KindConfiguration, "daemon", "", "reload: config load failed", err)
	}

	diff := r.registry.Diff(descs)
	if len(diff.Added) == 0 && len(diff.Removed) == 0 && len(diff.Changed) == 0 {
		r.logger.Debug("daemon: reload: configuration unchanged")
		return nil
	}

	for _, removed := range diff.Removed {
		if err := r.mgr.Stop(ctx, removed); err != nil {
			r.logger.Warn("daemon: reload: failed to stop removed service %s: %v", removed.Name, err)
		}
		r.registry.Remove(removed.ID)
		r.logger.Info("daemon: reload: removed service %s", removed.Name)
	}

	for _, added := range diff.Added {
		if err := r.registry.Add(added); err != nil {
			r.logger.Warn("daemon: reload: failed to register added service %s: %v", added.Name, err)
			continue
		}
		if added.Enabled && (r.startFilter == nil || r.startFilter(added)) {
			if err := r.mgr.Start(ctx, added); err != nil {
				r.logger.Warn("daemon: reload: failed to start added service %s: %v", added.Name, err)
			}
		}
		r.logger.Info("daemon: reload: added service %s", added.Name)
	}

	for _, changed := range diff.Changed {
		if err := r.registry.Replace(changed.Old.ID, changed.New); err != nil {
			r.logger.Warn("daemon: reload: failed to replace service %s: %v", changed.Old.Name, err)
			continue
		}
		updated, _ := r.registry.Get(changed.Old.ID)
		if !updated.Enabled || (r.startFilter != nil && !r.startFilter(updated)) {
			if err := r.mgr.Stop(ctx, updated); err != nil {
				r.logger.Warn("daemon: reload: failed to stop now-unsupervised service %s: %v", updated.Name, err)
			}
			r.logger.Info("daemon: reload: stopped service %s (no longer supervised)", updated.Name)
			continue
		}
		if err := r.mgr.Restart(ctx, updated); err != nil {
			r.logger.Warn("daemon: reload: failed to restart mutated service %s: %v", updated.Name, err)
		}
		r.logger.Info("daemon: reload: restarted mutated service %s", updated.Name)
	}

	r.monitor.StartMonitoring(r.supervisedDescriptors())
	r.logger.Info("daemon: reload complete: +%d -%d ~%d", len(diff.Added), len(diff.Removed), len(diff.Changed))
	return nil
}

// RunUntilShutdown blocks until the shutdown event fires (via Shutdown or a
// signal handler calling it), then stops the daemon with the configured
// graceful timeout.
func (r *Runtime) RunUntilShutdown(ctx context.Context) {
	<-r.shutdownCh
	r.Stop(ctx, r.shutdownTimeout)
}

// Shutdown triggers RunUntilShutdown's wakeup. Safe to call multiple times
// or from a signal handler.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownCh) })
}

// Stop performs the orderly teardown: stop the Health Monitor, stop all
// services in parallel (errors collected, not raised), cancel background
// tasks, and remove the PID file. It completes within timeout or logs the
// overrun and proceeds anyway.
func (r *Runtime) Stop(ctx context.Context, timeout time.Duration) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if timeout <= 0 {
		timeout = r.shutdownTimeout
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.monitor.StopMonitoring(5 * time.Second)

		if r.restartCancel != nil {
			r.restartCancel()
		}
		if r.maintCancel != nil {
			r.maintCancel()
			r.maintWg.Wait()
		}
		if r.watcher != nil {
			_ = r.watcher.Close()
		}

		var wg sync.WaitGroup
		for _, desc := range r.registry.List() {
			wg.Add(1)
			go func(d *domain.ServiceDescriptor) {
				defer wg.Done()
				if err := r.mgr.Stop(ctx, d); err != nil {
					r.logger.Warn("daemon: shutdown: failed to stop %s: %v", d.Name, err)
				}
			}(desc)
		}
		wg.Wait()

		for _, err := range r.mgr.CleanupAll(ctx) {
			r.logger.Warn("daemon: shutdown: adapter cleanup error: %v", err)
		}

		if err := RemovePIDFile(r.pidPath); err != nil {
			r.logger.Warn("daemon: failed to remove pid file: %v", err)
		}
	}()

	select {
	case <-done:
		r.logger.Info("daemon: shutdown complete")
	case <-time.After(timeout):
		r.logger.Event(logging.LevelWarn, logging.Event{
			Component: "daemon",
			Kind:      string(domain.KindShutdownTimeout),
			Message:   fmt.Sprintf("graceful shutdown exceeded %s, exiting anyway", timeout),
		})
	}
}

// Status is the daemon-wide snapshot status queries return.
type Status struct {
	Running                 bool
	PID                     int
	StartedAt               time.Time
	UptimeSeconds           float64
	ManagedServices         int
	ActiveForwards          int
	HealthMonitoringEnabled bool
	LastHealthCheckAt       time.Time
}

// Status returns the current daemon-wide snapshot.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	running := r.running
	startedAt := r.startedAt
	lastCheck := r.lastHealthCheckAt
	r.mu.Unlock()

	descs := r.registry.List()
	activeForwards := 0
	for _, desc := range descs {
		if snap := r.mgr.Status(desc); snap.Forward != nil {
			activeForwards++
		}
	}
	healthEnabled := false
	for _, desc := range r.supervisedDescriptors() {
		if desc.HealthCheck != nil {
			healthEnabled = true
			break
		}
	}

	var uptime float64
	if running && !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}

	return Status{
		Running:                 running,
		PID:                     os.Getpid(),
		StartedAt:               startedAt,
		UptimeSeconds:           uptime,
		ManagedServices:         len(descs),
		ActiveForwards:          activeForwards,
		HealthMonitoringEnabled: healthEnabled,
		LastHealthCheckAt:       lastCheck,
	}
}

// Registry exposes the Service Registry for read-only status/CLI queries.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Manager exposes the Service Manager for CLI-driven start/stop/restart of
// individual services outside the boot/reload lifecycle.
func (r *Runtime) Manager() *manager.Manager { return r.mgr }

// Exhausted returns the channel RestartExhausted events are published on.
func (r *Runtime) Exhausted() <-chan restart.Exhausted { return r.exhausted }
