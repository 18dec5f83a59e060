package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPIDPath returns the platform-appropriate PID file path
// (~/.local/state/localport/daemon.pid), falling back to a temp-dir path
// if the home directory can't be resolved.
func DefaultPIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "localport", "daemon.pid")
	}
	return filepath.Join(home, ".local", "state", "localport", "daemon.pid")
}

// WritePIDFile records the current process's PID at path, creating parent
// directories as needed. This is the only persisted state the daemon
// keeps.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating pid file directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// ReadPIDFile returns the PID recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: invalid contents: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file, tolerating it already being absent.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
