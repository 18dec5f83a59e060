//go:build !windows

package procutil

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// IsAlive reports whether a process with the given PID exists, using
// signal-0 semantics. EPERM still means the process exists; the caller
// just does not own it.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate asks pid to exit with SIGTERM, waits up to grace for it to
// die, then SIGKILLs whatever is left. The whole process group is
// targeted when pid leads one, so children the forwarder spawned die
// with it. Idempotent for already-dead PIDs.
func Terminate(pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if !IsAlive(pid) {
		return nil
	}

	target := -pid
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		// No group under that ID; address the process directly.
		target = pid
		if err := syscall.Kill(target, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("terminating process %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process %d: %w", pid, err)
	}
	return nil
}

// SetPgid configures cmd.SysProcAttr so the child starts its own process
// group, letting Terminate group-kill anything the forwarder itself
// spawned.
func SetPgid(attr **syscall.SysProcAttr) {
	*attr = &syscall.SysProcAttr{Setpgid: true}
}
