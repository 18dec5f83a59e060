//go:build windows

package main

import (
	"fmt"
	"time"

	"github.com/localportd/supervisor/internal/procutil"
)

// sendTerm has no POSIX SIGTERM to deliver on Windows, so it asks the
// daemon's process tree to close and escalates to a kill after a bounded
// wait. A foreground daemon should be stopped with Ctrl+C instead so the
// graceful Stop path runs.
func sendTerm(pid int) error {
	return procutil.Terminate(pid, 10*time.Second)
}

// sendReload is unsupported on Windows: there is no POSIX SIGUSR1 and the
// daemon must be reloaded via its in-process API instead.
func sendReload(pid int) error {
	return fmt.Errorf("reload-by-signal is not supported on windows; restart the daemon instead")
}
