//go:build !windows

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InstallSignalHandlers wires TERM/INT to graceful shutdown and USR1 to
// reload. Signal handlers only set state and wake a control goroutine; the
// actual shutdown/reload work runs on the normal scheduler. The returned
// stop func restores the default disposition for these signals.
func InstallSignalHandlers(ctx context.Context, rt *Runtime) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					rt.logger.Info("daemon: received %s, initiating graceful shutdown", sig)
					rt.Shutdown()
				case syscall.SIGUSR1:
					rt.logger.Info("daemon: received SIGUSR1, reloading configuration")
					if err := rt.Reload(ctx); err != nil {
						rt.logger.Warn("daemon: signal-triggered reload failed: %v", err)
					}
				}
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
