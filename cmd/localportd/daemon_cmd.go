package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localportd/supervisor/internal/daemon"
	"github.com/localportd/supervisor/internal/procutil"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Control the supervisor daemon process",
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd, daemonStatusCmd, daemonReloadCmd)
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Boot the supervisor daemon and run until a shutdown signal",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		rt := daemon.New(daemon.Options{
			ConfigPath: flagConfigPath,
			PIDPath:    flagPIDPath,
			Logger:     logger,
			Adapters:   daemon.DefaultAdapters(logger),
			Probes:     daemon.DefaultProbes(),
		})

		ctx := context.Background()
		stopSignals := daemon.InstallSignalHandlers(ctx, rt)
		defer stopSignals()

		if err := rt.Boot(ctx); err != nil {
			return newCLIError(exitInvalidArgs, "boot failed: %w", err)
		}

		rt.RunUntilShutdown(ctx)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running daemon to shut down gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemonPID()
		if err != nil {
			return newCLIError(exitOperationFailure, "%v", err)
		}
		if !procutil.IsAlive(pid) {
			return newCLIError(exitOperationFailure, "daemon pid %d is not running", pid)
		}
		if err := sendTerm(pid); err != nil {
			return newCLIError(exitOperationFailure, "failed to signal daemon: %w", err)
		}
		fmt.Printf("sent shutdown signal to daemon (pid %d)\n", pid)
		return nil
	},
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop a running daemon, then start a new one in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, err := daemonPID(); err == nil && procutil.IsAlive(pid) {
			if err := sendTerm(pid); err != nil {
				return newCLIError(exitOperationFailure, "failed to stop existing daemon: %w", err)
			}
			waitForExit(pid, 30*time.Second)
		}
		return daemonStartCmd.RunE(cmd, args)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemonPID()
		if err != nil {
			fmt.Println("daemon: not running (no pid file)")
			return nil
		}
		if procutil.IsAlive(pid) {
			fmt.Printf("daemon: running (pid %d)\n", pid)
		} else {
			fmt.Printf("daemon: not running (stale pid file for pid %d)\n", pid)
		}
		return nil
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal a running daemon to reload its configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemonPID()
		if err != nil {
			return newCLIError(exitOperationFailure, "%v", err)
		}
		if !procutil.IsAlive(pid) {
			return newCLIError(exitOperationFailure, "daemon pid %d is not running", pid)
		}
		if err := sendReload(pid); err != nil {
			return newCLIError(exitOperationFailure, "%v", err)
		}
		fmt.Printf("sent reload signal to daemon (pid %d)\n", pid)
		return nil
	},
}

func daemonPID() (int, error) {
	path := flagPIDPath
	if path == "" {
		path = daemon.DefaultPIDPath()
	}
	return daemon.ReadPIDFile(path)
}

func waitForExit(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !procutil.IsAlive(pid) {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}
