// Package health implements the Health Monitor: one cooperative task per
// monitored service, running its configured probe on a schedule and
// emitting transition events when hysteresis thresholds are crossed.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/probe"
)

// Transition is emitted whenever a service's health crosses a threshold.
// Failures and LastError carry the counter and error at the moment of the
// transition for the Restart Controller's logging.
type Transition struct {
	ServiceID   uuid.UUID
	ServiceName string
	Healthy     bool
	Failures    int
	LastError   string
	At          time.Time
}

// Monitor owns one goroutine per monitored service. StartMonitoring is
// idempotent and replaces the current task set; StopMonitoring cancels
// every task and awaits their completion within a bounded join timeout.
type Monitor struct {
	probes  *probe.Registry
	logger  *logging.Logger
	events  chan Transition

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	states  map[uuid.UUID]*domain.HealthState
	running bool
}

// New constructs a Health Monitor over the given probe registry. events is
// the channel Transition values are published to; callers (the Restart
// Controller) must drain it.
func New(probes *probe.Registry, logger *logging.Logger, events chan Transition) *Monitor {
	return &Monitor{
		probes: probes,
		logger: logger,
		events: events,
		states: make(map[uuid.UUID]*domain.HealthState),
	}
}

// StartMonitoring replaces the current set of monitored services with
// descs, starting a task for every descriptor carrying a HealthCheck.
func (m *Monitor) StartMonitoring(descs []*domain.ServiceDescriptor) {
	m.StopMonitoring(5 * time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.states = make(map[uuid.UUID]*domain.HealthState)

	for _, desc := range descs {
		if desc.HealthCheck == nil {
			continue
		}
		state := &domain.HealthState{}
		m.states[desc.ID] = state
		m.wg.Add(1)
		go m.monitorLoop(ctx, desc.Clone(), state)
	}
}

// StopMonitoring cancels every running task and waits up to timeout for
// them to exit.
func (m *Monitor) StopMonitoring(timeout time.Duration) {
	m.mu.Lock()
	cancel := m.cancel
	running := m.running
	m.cancel = nil
	m.running = false
	m.mu.Unlock()

	if !running || cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("health monitor: join timeout after %s exceeded waiting for probe tasks", timeout)
	}
}

// State returns a copy of the current hysteresis state for id, if tracked.
func (m *Monitor) State(id uuid.UUID) (domain.HealthState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return domain.HealthState{}, false
	}
	return *s, true
}

// ResetFailures clears id's consecutive-failure counter and last error,
// called by the Restart Controller after a successful restart so hysteresis
// is measured fresh from that point. It does not touch IsHealthy: the service
// still needs consecutive_successes to reach success_threshold through the
// normal probe schedule before being considered healthy again.
func (m *Monitor) ResetFailures(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		s.ConsecutiveFailures = 0
		s.LastError = ""
	}
}

func (m *Monitor) monitorLoop(ctx context.Context, desc *domain.ServiceDescriptor, state *domain.HealthState) {
	defer m.wg.Done()

	hc := desc.HealthCheck
	interval := time.Duration(hc.IntervalSeconds) * time.Second
	timeout := time.Duration(hc.TimeoutSeconds) * time.Second

	p, ok := m.probes.Get(string(hc.Kind))
	if !ok {
		m.logger.Error("health monitor: no probe registered for kind %q (service %s)", hc.Kind, desc.Name)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// initial stays true until the first threshold crossing in either
	// direction: IsHealthy's zero value is false, so without it a service
	// that starts out broken could never cross into unhealthy.
	initial := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := p.Check(ctx, hc.Config, timeout)
			now := time.Now()

			m.mu.Lock()
			var becameHealthy, becameUnhealthy bool
			var failures int
			var errMsg string
			if result.Healthy {
				becameHealthy = state.RecordSuccess(hc.SuccessThreshold, now)
			} else {
				if result.Err != nil {
					errMsg = result.Err.Error()
				}
				becameUnhealthy = state.RecordFailure(hc.FailureThreshold, errMsg, now, initial)
			}
			failures = state.ConsecutiveFailures
			m.mu.Unlock()

			if becameHealthy {
				m.logger.Event(logging.LevelInfo, logging.Event{
					Time:      now,
					Component: "health-monitor",
					Service:   desc.Name,
					Kind:      "healthy",
					Message:   fmt.Sprintf("reached %d consecutive probe success(es)", hc.SuccessThreshold),
				})
				m.publish(ctx, Transition{ServiceID: desc.ID, ServiceName: desc.Name, Healthy: true, At: now})
				initial = false
			} else if becameUnhealthy {
				m.logger.Event(logging.LevelWarn, logging.Event{
					Time:      now,
					Component: "health-monitor",
					Service:   desc.Name,
					Kind:      "unhealthy",
					Message:   fmt.Sprintf("%d consecutive probe failure(s): %s", failures, errMsg),
				})
				m.publish(ctx, Transition{
					ServiceID:   desc.ID,
					ServiceName: desc.Name,
					Healthy:     false,
					Failures:    failures,
					LastError:   errMsg,
					At:          now,
				})
				initial = false
			}
		}
	}
}

// publish blocks until the Restart Controller consumes t or ctx is
// cancelled, so a transient consumer stall never silently drops a
// became_unhealthy event.
func (m *Monitor) publish(ctx context.Context, t Transition) {
	select {
	case m.events <- t:
	case <-ctx.Done():
	}
}
