package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/procutil"
)

// SSHAdapter spawns `ssh -N -L` child processes for SSH-tunneled forwards,
// following the same subprocess-and-own-PID-set shape as KubectlAdapter.
// Before spawning, it validates the configured private key with
// golang.org/x/crypto/ssh so a malformed key is reported as an
// AdapterSpawnError rather than surfacing only after the subprocess exits.
type SSHAdapter struct {
	logger         *logging.Logger
	connectTimeout time.Duration

	mutex    sync.Mutex
	children map[int]struct{}
}

// NewSSHAdapter creates an ssh-based transport adapter.
func NewSSHAdapter(logger *logging.Logger, connectTimeout time.Duration) *SSHAdapter {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &SSHAdapter{
		logger:         logger,
		connectTimeout: connectTimeout,
		children:       make(map[int]struct{}),
	}
}

// StartPortForward spawns `ssh -N -L localPort:remoteHost:remotePort
// user@host`, reading host/user/identity_file/remote_host from
// connectionInfo.
func (a *SSHAdapter) StartPortForward(ctx context.Context, localPort, remotePort int, connectionInfo map[string]string) (int, error) {
	host := connectionInfo["host"]
	if host == "" {
		return 0, domain.NewError(domain.KindAdapterSpawn, "ssh-adapter", "", "connection_info.host is required", nil)
	}
	user := connectionInfo["user"]
	remoteHost := connectionInfo["remote_host"]
	if remoteHost == "" {
		remoteHost = "localhost"
	}
	identityFile := connectionInfo["identity_file"]

	if identityFile != "" {
		if err := validatePrivateKey(identityFile); err != nil {
			return 0, domain.NewError(domain.KindAdapterSpawn, "ssh-adapter", "",
				"invalid private key for ssh tunnel", err)
		}
	}

	args := []string{
		"-N",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(a.connectTimeout.Seconds())),
		"-L", fmt.Sprintf("%d:%s:%d", localPort, remoteHost, remotePort),
	}
	if identityFile != "" {
		args = append(args, "-i", identityFile)
	}
	target := host
	if user != "" {
		target = user + "@" + host
	}
	args = append(args, target)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	procutil.SetPgid(&cmd.SysProcAttr)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, domain.NewError(domain.KindAdapterSpawn, "ssh-adapter", "", "failed to attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, domain.NewError(domain.KindAdapterSpawn, "ssh-adapter", "", "failed to attach stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, domain.NewError(domain.KindAdapterSpawn, "ssh-adapter", "", "failed to start ssh tunnel", err)
	}

	pid := cmd.Process.Pid

	a.mutex.Lock()
	a.children[pid] = struct{}{}
	a.mutex.Unlock()

	go streamOutput(stdout, a.logger, "ssh", false)
	go streamOutput(stderr, a.logger, "ssh", true)
	go func() {
		_ = cmd.Wait()
		a.mutex.Lock()
		delete(a.children, pid)
		a.mutex.Unlock()
	}()

	return pid, nil
}

// StopPortForward terminates pid, tolerating an already-dead process.
func (a *SSHAdapter) StopPortForward(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := procutil.Terminate(pid, stopGrace); err != nil {
		return domain.NewError(domain.KindAdapterTransport, "ssh-adapter", "", "failed to stop ssh tunnel", err)
	}
	a.mutex.Lock()
	delete(a.children, pid)
	a.mutex.Unlock()
	return nil
}

// CleanupAllProcesses kills every ssh tunnel this adapter has ever started.
func (a *SSHAdapter) CleanupAllProcesses(ctx context.Context) error {
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

// validatePrivateKey parses the key at path to catch malformed identity
// files before we ever fork a subprocess.
func validatePrivateKey(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading identity file: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return fmt.Errorf("parsing identity file: %w", err)
	}
	return nil
}
