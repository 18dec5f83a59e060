package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/netutil"
	"github.com/localportd/supervisor/internal/probe"
	"github.com/localportd/supervisor/internal/transport"
)

// fakeAdapter spawns real short-lived `sleep` children so PID liveness
// checks behave realistically, matching the pattern used throughout the
// manager/restart test suites.
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
	for port := 22000; port < 22100; port++ {
		if netutil.PortAvailable(port) {
			return port
		}
	}
	t.Fatal("no free port found in range for test")
	return 0
}

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "localport.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func testRuntime(t *testing.T, configPath string) *Runtime {
	t.Helper()
	dir := t.TempDir()
	logger := logging.New(logging.LevelError)
	adapters := transport.NewRegistry(map[domain.Technology]transport.Adapter{
		domain.TechnologyKubectl: &fakeAdapter{},
	})
	probes := probe.NewRegistry(map[string]probe.Probe{
		string(domain.ProbeKindTCP): probe.NewTCPProbe(),
	})
	return New(Options{
		ConfigPath:              configPath,
		PIDPath:                 filepath.Join(dir, "daemon.pid"),
		Logger:                  logger,
		GracefulShutdownTimeout: 5 * time.Second,
		Adapters:                adapters,
		Probes:                  probes,
	})
}

func TestRuntime_BootStartsEnabledServicesAndWritesPIDFile(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := writeConfig(t, dir, fmt.Sprintf(`
services:
  - name: api
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/api
`, port))

	rt := testRuntime(t, path)
	if err := rt.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	defer rt.Stop(context.Background(), 5*time.Second)

	descs := rt.Registry().List()
	if len(descs) != 1 {
		t.Fatalf("registered %d services, want 1", len(descs))
	}

	snap := rt.Manager().Status(descs[0])
	if snap.Status != domain.StatusRunning {
		t.Errorf("service status = %q, want %q", snap.Status, domain.StatusRunning)
	}

	if _, err := ReadPIDFile(rt.pidPath); err != nil {
		t.Errorf("ReadPIDFile() error = %v, want pid file written at boot", err)
	}
}

func TestRuntime_DisabledServiceIsNotStarted(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := writeConfig(t, dir, fmt.Sprintf(`
services:
  - name: api
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/api
    enabled: false
`, port))

	rt := testRuntime(t, path)
	if err := rt.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	defer rt.Stop(context.Background(), 5*time.Second)

	descs := rt.Registry().List()
	snap := rt.Manager().Status(descs[0])
	if snap.Status == domain.StatusRunning {
		t.Errorf("disabled service was started")
	}
}

func TestRuntime_StartFilterScopesBoot(t *testing.T) {
	dir := t.TempDir()
	portA := freePort(t)
	portB := freePort(t)
	path := writeConfig(t, dir, fmt.Sprintf(`
services:
  - name: wanted
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/wanted
  - name: other
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/other
`, portA, portB))

	rt := testRuntime(t, path)
	rt.startFilter = func(d *domain.ServiceDescriptor) bool { return d.Name == "wanted" }

	if err := rt.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	defer rt.Stop(context.Background(), 5*time.Second)

	wanted, _ := rt.Registry().GetByName("wanted")
	other, _ := rt.Registry().GetByName("other")

	if snap := rt.Manager().Status(wanted); snap.Status != domain.StatusRunning {
		t.Errorf("wanted status = %q, want %q", snap.Status, domain.StatusRunning)
	}
	if snap := rt.Manager().Status(other); snap.Status == domain.StatusRunning {
		t.Error("filtered-out service was started")
	}
}

func TestRuntime_ReloadAddsRemovesAndRestarts(t *testing.T) {
	dir := t.TempDir()
	portA := freePort(t)
	portC := freePort(t)

	path := writeConfig(t, dir, fmt.Sprintf(`
services:
  - name: a
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/a
  - name: c
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/c
`, portA, portC))

	rt := testRuntime(t, path)
	if err := rt.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	defer rt.Stop(context.Background(), 5*time.Second)

	if _, ok := rt.Registry().GetByName("a"); !ok {
		t.Fatal("service a not registered after boot")
	}

	portB := freePort(t)
	portC2 := freePort(t)
	writeConfig(t, dir, fmt.Sprintf(`
services:
  - name: b
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/b
  - name: c
    technology: kubectl
    local_port: %d
    remote_port: 9090
    connection_info:
      target: svc/c
`, portB, portC2))

	if err := rt.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if _, ok := rt.Registry().GetByName("a"); ok {
		t.Error("service a still registered after reload removed it")
	}
	bDesc, ok := rt.Registry().GetByName("b")
	if !ok {
		t.Fatal("service b not registered after reload added it")
	}
	if snap := rt.Manager().Status(bDesc); snap.Status != domain.StatusRunning {
		t.Errorf("added service b status = %q, want %q", snap.Status, domain.StatusRunning)
	}

	cDesc, ok := rt.Registry().GetByName("c")
	if !ok {
		t.Fatal("service c missing after reload")
	}
	if cDesc.RemotePort != 9090 {
		t.Errorf("service c remote_port = %d, want 9090 after mutation", cDesc.RemotePort)
	}
}

func TestRuntime_ReloadIsIdempotentWhenConfigUnchanged(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := writeConfig(t, dir, fmt.Sprintf(`
services:
  - name: api
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/api
`, port))

	rt := testRuntime(t, path)
	if err := rt.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	defer rt.Stop(context.Background(), 5*time.Second)

	before, _ := rt.Registry().GetByName("api")
	if err := rt.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	after, _ := rt.Registry().GetByName("api")

	if before.ID != after.ID {
		t.Error("reload with unchanged config reassigned service identity")
	}
}

func TestRuntime_StopIsIdempotentAndRemovesPIDFile(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := writeConfig(t, dir, fmt.Sprintf(`
services:
  - name: api
    technology: kubectl
    local_port: %d
    remote_port: 8080
    connection_info:
      target: svc/api
`, port))

	rt := testRuntime(t, path)
	if err := rt.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}

	rt.Stop(context.Background(), 5*time.Second)
	rt.Stop(context.Background(), 5*time.Second)

	if _, err := ReadPIDFile(rt.pidPath); err == nil {
		t.Error("pid file still present after Stop()")
	}
}
