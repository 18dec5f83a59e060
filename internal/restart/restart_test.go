package restart

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/health"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/manager"
	"github.com/localportd/supervisor/internal/netutil"
	"github.com/localportd/supervisor/internal/probe"
	"github.com/localportd/supervisor/internal/registry"
	"github.com/localportd/supervisor/internal/transport"
)

// scriptedProbe always returns results[0] — a reduced form of health's own
// scripted test helper, which is unexported in that package.
type scriptedProbe struct {
	results []bool
}

func (p *scriptedProbe) Check(ctx context.Context, config map[string]string, timeout time.Duration) probe.Result {
	return probe.Result{Healthy: p.results[0]}
}

type fakeAdapter struct {
	started []*exec.Cmd
}

func (f *fakeAdapter) StartPortForward(ctx context.Context, localPort, remotePort int, connectionInfo map[string]string) (int, error) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	f.started = append(f.started, cmd)
	return cmd.Process.Pid, nil
}

func (f *fakeAdapter) StopPortForward(ctx context.Context, pid int) error {
	for _, cmd := range f.started {
		if cmd.Process.Pid == pid {
			return cmd.Process.Kill()
		}
	}
	return nil
}

func (f *fakeAdapter) CleanupAllProcesses(ctx context.Context) error {
	for _, cmd := range f.started {
		_ = cmd.Process.Kill()
	}
	return nil
}

func freePort(t *testing.T) int {
	t.Helper()
	for port := 21000; port < 21100; port++ {
		if netutil.PortAvailable(port) {
			return port
		}
	}
	t.Fatal("no free port found in range for test")
	return 0
}

func setup(t *testing.T) (*Controller, *registry.Registry, *manager.Manager, *domain.ServiceDescriptor) {
	t.Helper()
	adapter := &fakeAdapter{}
	adapterRegistry := transport.NewRegistry(map[domain.Technology]transport.Adapter{domain.TechnologyKubectl: adapter})
	logger := logging.NewWithOutput(logging.LevelError, os.Stderr)
	mgr := manager.New(adapterRegistry, logger)
	reg := registry.New()

	desc := domain.NewServiceDescriptor("api", domain.TechnologyKubectl, freePort(t), 8080, nil)
	desc.RestartPolicy = &domain.RestartPolicy{
		MaxRestarts:       2,
		BackoffInitialS:   0.05,
		BackoffMultiplier: 1,
		BackoffMaxS:       0.05,
	}
	if err := reg.Add(desc); err != nil {
		t.Fatalf("reg.Add() error = %v", err)
	}
	if err := mgr.Start(context.Background(), desc); err != nil {
		t.Fatalf("mgr.Start() error = %v", err)
	}

	exhausted := make(chan Exhausted, 10)
	ctrl := New(mgr, reg, nil, logger, exhausted)
	return ctrl, reg, mgr, desc
}

func TestController_RestartsOnUnhealthyTransition(t *testing.T) {
	ctrl, _, mgr, desc := setup(t)

	events := make(chan health.Transition, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx, events)

	events <- health.Transition{ServiceID: desc.ID, ServiceName: desc.Name, Healthy: false, At: time.Now()}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for restart_count to increment")
		default:
		}
		snap := mgr.Status(desc)
		if snap.Forward != nil && snap.Forward.RestartCount >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestController_ExhaustsBudget(t *testing.T) {
	ctrl, _, mgr, desc := setup(t)

	events := make(chan health.Transition, 10)
	exhausted := make(chan Exhausted, 1)
	ctrl.exhausted = exhausted

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx, events)

	// max_restarts = 2: a single unhealthy edge must be enough to drive both
	// restart attempts and the eventual Exhausted event by itself — the
	// Health Monitor never re-emits became_unhealthy while a service stays
	// down, so the controller cannot rely on a second or third edge.
	events <- health.Transition{ServiceID: desc.ID, ServiceName: desc.Name, Healthy: false, At: time.Now()}

	select {
	case ev := <-exhausted:
		if ev.ServiceName != desc.Name {
			t.Errorf("Exhausted.ServiceName = %q, want %q", ev.ServiceName, desc.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Exhausted event")
	}

	snap := mgr.Status(desc)
	if snap.Forward == nil || snap.Forward.RestartCount != 2 {
		t.Errorf("restart_count = %+v, want exactly 2 self-driven restart attempts", snap.Forward)
	}
	if snap.Status != domain.StatusFailed {
		t.Errorf("status = %q after exhaustion, want %q", snap.Status, domain.StatusFailed)
	}
}

func TestController_CoalescesConcurrentRestarts(t *testing.T) {
	ctrl, reg, _, desc := setup(t)
	desc.RestartPolicy.BackoffInitialS = 0.3
	desc.RestartPolicy.MaxRestarts = 0
	if err := reg.Replace(desc.ID, desc); err != nil {
		t.Fatalf("reg.Replace() error = %v", err)
	}

	events := make(chan health.Transition, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx, events)

	for i := 0; i < 5; i++ {
		events <- health.Transition{ServiceID: desc.ID, ServiceName: desc.Name, Healthy: false, At: time.Now()}
	}

	ep := ctrl.episodeFor(desc.ID)
	time.Sleep(50 * time.Millisecond)
	ep.mu.Lock()
	attempted := ep.attempted
	ep.mu.Unlock()

	if attempted != 1 {
		t.Errorf("attempted restarts = %d, want exactly 1 coalesced attempt", attempted)
	}
}

// TestController_DrivesItselfAgainstPermanentlyFailingProbe wires a real
// health.Monitor (not a hand-fed events channel) to the Restart Controller
// against a probe that never recovers — the underlying forwarder-permanently-
// broken scenario. The monitor can only ever emit one
// became_unhealthy edge for this service; the controller must still reach
// exactly max_restarts attempts and exactly one Exhausted event on its own.
func TestController_DrivesItselfAgainstPermanentlyFailingProbe(t *testing.T) {
	ctrl, _, mgr, desc := setup(t)
	desc.RestartPolicy = &domain.RestartPolicy{
		MaxRestarts:       2,
		BackoffInitialS:   0.05,
		BackoffMultiplier: 1,
		BackoffMaxS:       0.05,
	}
	desc.HealthCheck = &domain.HealthCheckConfig{
		Kind:             domain.ProbeKindTCP,
		IntervalSeconds:  1,
		TimeoutSeconds:   1,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}

	alwaysDown := &scriptedProbe{results: []bool{false}}
	probes := probe.NewRegistry(map[string]probe.Probe{string(domain.ProbeKindTCP): alwaysDown})
	events := make(chan health.Transition, 10)
	monitor := health.New(probes, logging.NewWithOutput(logging.LevelError, os.Stderr), events)
	ctrl.monitor = monitor

	monitor.StartMonitoring([]*domain.ServiceDescriptor{desc})
	defer monitor.StopMonitoring(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx, events)

	select {
	case ev := <-ctrl.exhausted:
		if ev.ServiceName != desc.Name {
			t.Errorf("Exhausted.ServiceName = %q, want %q", ev.ServiceName, desc.Name)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a single health edge to self-drive to RestartExhausted")
	}

	snap := mgr.Status(desc)
	if snap.Forward == nil || snap.Forward.RestartCount != 2 {
		t.Errorf("restart_count = %+v, want exactly 2", snap.Forward)
	}

	select {
	case ev := <-ctrl.exhausted:
		t.Errorf("unexpected second Exhausted event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

