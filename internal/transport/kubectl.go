package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/procutil"
)

// KubectlAdapter spawns `kubectl port-forward` child processes and tracks
// their PIDs so cleanup is total.
type KubectlAdapter struct {
	logger  *logging.Logger
	timeout time.Duration

	mutex    sync.Mutex
	children map[int]struct{}
}

// NewKubectlAdapter creates a kubectl-based transport adapter. timeout
// bounds kubectl's own --request-timeout flag.
func NewKubectlAdapter(logger *logging.Logger, timeout time.Duration) *KubectlAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &KubectlAdapter{
		logger:   logger,
		timeout:  timeout,
		children: make(map[int]struct{}),
	}
}

// StartPortForward spawns kubectl port-forward for the given
// namespace/target pair, read from connectionInfo["namespace"] and
// connectionInfo["target"] (e.g. "svc/my-service").
func (a *KubectlAdapter) StartPortForward(ctx context.Context, localPort, remotePort int, connectionInfo map[string]string) (int, error) {
	namespace := connectionInfo["namespace"]
	target := connectionInfo["target"]
	if target == "" {
		return 0, domain.NewError(domain.KindAdapterSpawn, "kubectl-adapter", "",
			"connection_info.target is required", nil)
	}

	args := []string{"port-forward"}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	args = append(args,
		target,
		fmt.Sprintf("%d:%d", localPort, remotePort),
		"--request-timeout="+fmt.Sprintf("%.0fs", a.timeout.Seconds()),
	)

	cmd := exec.CommandContext(ctx, "kubectl", args...)
	applyKubeconfigEnv(cmd)
	procutil.SetPgid(&cmd.SysProcAttr)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, domain.NewError(domain.KindAdapterSpawn, "kubectl-adapter", "", "failed to attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, domain.NewError(domain.KindAdapterSpawn, "kubectl-adapter", "", "failed to attach stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, domain.NewError(domain.KindAdapterSpawn, "kubectl-adapter", "", "failed to start kubectl port-forward", err)
	}

	pid := cmd.Process.Pid

	a.mutex.Lock()
	a.children[pid] = struct{}{}
	a.mutex.Unlock()

	go streamOutput(stdout, a.logger, "kubectl", false)
	go streamOutput(stderr, a.logger, "kubectl", true)
	go func() {
		_ = cmd.Wait()
		a.mutex.Lock()
		delete(a.children, pid)
		a.mutex.Unlock()
	}()

	return pid, nil
}

// StopPortForward terminates pid, tolerating an already-dead process.
func (a *KubectlAdapter) StopPortForward(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := procutil.Terminate(pid, stopGrace); err != nil {
		return domain.NewError(domain.KindAdapterTransport, "kubectl-adapter", "", "failed to stop port-forward process", err)
	}
	a.mutex.Lock()
	delete(a.children, pid)
	a.mutex.Unlock()
	return nil
}

// CleanupAllProcesses kills every child this adapter has ever started that
// may still be alive, for use during daemon shutdown.
func (a *KubectlAdapter) CleanupAllProcesses(ctx context.Context) error {
	a.mutex.Lock()
	pids := make([]int, 0, len(a.children))
	for pid := range a.children {
		pids = append(pids, pid)
	}
	a.mutex.Unlock()

	var firstErr error
	for _, pid := range pids {
		if err := procutil.Terminate(pid, stopGrace); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.mutex.Lock()
	a.children = make(map[int]struct{})
	a.mutex.Unlock()

	return firstErr
}

// applyKubeconfigEnv respects an existing KUBECONFIG and otherwise points
// at ~/.kube/config.
func applyKubeconfigEnv(cmd *exec.Cmd) {
	if os.Getenv("KUBECONFIG") != "" {
		cmd.Env = os.Environ()
		return
	}
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		cmd.Env = os.Environ()
		return
	}
	cmd.Env = append(os.Environ(), "KUBECONFIG="+filepath.Join(homeDir, ".kube", "config"))
}

func streamOutput(r io.Reader, logger *logging.Logger, tag string, isErr bool) {
	if logger == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if isErr {
			logger.Warn("%s: %s", tag, line)
		} else {
			logger.Debug("%s: %s", tag, line)
		}
	}
}
