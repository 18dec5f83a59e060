package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/localportd/supervisor/internal/config"
	"github.com/localportd/supervisor/internal/daemon"
	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/netutil"
)

var (
	flagAll      bool
	flagTag      string
	flagForce    bool
	flagWatch    bool
	flagInterval int
)

// startCmd boots a foreground supervisor scoped to the requested services.
// There is no separate daemon control channel; running `start` with no
// daemon already up is the supported path, matching how `daemon start`
// behaves but filtered to a subset of the registry.
var startCmd = &cobra.Command{
	Use:   "start [names...]",
	Short: "Start one or more declared services in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagAll && flagTag == "" && len(args) == 0 {
			return newCLIError(exitInvalidArgs, "specify service names, --all, or --tag")
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}

		rt := daemon.New(daemon.Options{
			ConfigPath:  flagConfigPath,
			PIDPath:     flagPIDPath,
			Logger:      logger,
			Adapters:    daemon.DefaultAdapters(logger),
			Probes:      daemon.DefaultProbes(),
			StartFilter: startSelection(args, flagTag, flagAll),
		})

		ctx := context.Background()
		stopSignals := daemon.InstallSignalHandlers(ctx, rt)
		defer stopSignals()

		if err := rt.Boot(ctx); err != nil {
			return newCLIError(exitInvalidArgs, "boot failed: %w", err)
		}

		selected := selectDescriptors(rt, args, flagTag, flagAll)
		if len(selected) == 0 {
			rt.Stop(ctx, daemon.DefaultGracefulShutdownTimeout)
			return newCLIError(exitInvalidArgs, "no service matched the given names/--tag/--all")
		}
		if flagForce {
			for _, desc := range selected {
				if err := rt.Manager().Restart(ctx, desc); err != nil {
					logger.Warn("start: %s: %v", desc.Name, err)
				}
			}
		}

		rt.RunUntilShutdown(ctx)
		return nil
	},
}

// startSelection builds the runtime's start filter from the command's
// names/--tag/--all selection, so boot only ever starts and monitors the
// requested subset.
func startSelection(names []string, tag string, all bool) func(*domain.ServiceDescriptor) bool {
	if all {
		return nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	return func(desc *domain.ServiceDescriptor) bool {
		if wanted[desc.Name] {
			return true
		}
		return tag != "" && desc.HasTag(tag)
	}
}

// stopCmd has no separate control channel to reach a running foreground
// instance, so it is equivalent to `daemon stop`: it signals the process
// recorded in the pid file to begin its graceful shutdown.
var stopCmd = &cobra.Command{
	Use:   "stop [names...]",
	Short: "Stop the running daemon (equivalent to `daemon stop`)",
	RunE:  daemonStopCmd.RunE,
}

// statusCmd reports on the running daemon plus the externally observable
// state of each declared service: whether its local port is currently
// bound. The daemon's richer in-memory snapshot (health counters, restart
// counts) lives in its own process; without a control channel this is what
// a separate status process can see.
var statusCmd = &cobra.Command{
	Use:   "status [names...]",
	Short: "Report the running daemon's status and per-service port state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagWatch {
			return printStatus(cmd, args)
		}
		interval := flagInterval
		if interval <= 0 {
			interval = 2
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)

		for {
			if err := printStatus(cmd, args); err != nil {
				return err
			}
			fmt.Println("---")
			select {
			case <-sigCh:
				return newCLIError(exitUserInterrupt, "interrupted")
			case <-time.After(time.Duration(interval) * time.Second):
			}
		}
	},
}

func printStatus(cmd *cobra.Command, args []string) error {
	if err := daemonStatusCmd.RunE(cmd, args); err != nil {
		return err
	}

	descs, _, err := config.Load(flagConfigPath)
	if err != nil {
		// No config is not an error for status; there is just nothing
		// per-service to report.
		return nil
	}

	wanted := make(map[string]bool, len(args))
	for _, name := range args {
		wanted[name] = true
	}
	for _, desc := range descs {
		if len(wanted) > 0 && !wanted[desc.Name] {
			continue
		}
		state := "port not bound"
		if !netutil.PortAvailable(desc.LocalPort) {
			state = "port bound"
		}
		if !desc.Enabled {
			state = "disabled"
		}
		fmt.Printf("  %-20s %s %5d -> %-5d %s\n", desc.Name, desc.Technology, desc.LocalPort, desc.RemotePort, state)
	}
	return nil
}

func init() {
	startCmd.Flags().BoolVar(&flagAll, "all", false, "start every enabled service")
	startCmd.Flags().StringVar(&flagTag, "tag", "", "start every service carrying this tag")
	startCmd.Flags().BoolVar(&flagForce, "force", false, "restart services that are already running")

	stopCmd.Flags().BoolVar(&flagAll, "all", false, "stop every managed service")
	stopCmd.Flags().BoolVar(&flagForce, "force", false, "has no effect: stop always sends a graceful shutdown signal")

	statusCmd.Flags().BoolVar(&flagWatch, "watch", false, "continuously refresh status")
	statusCmd.Flags().IntVar(&flagInterval, "interval", 2, "refresh interval in seconds for --watch")
}

// selectDescriptors resolves the start command's names/--tag/--all
// selection against the registry rt just booted.
func selectDescriptors(rt *daemon.Runtime, names []string, tag string, all bool) []*domain.ServiceDescriptor {
	if all {
		return rt.Registry().List()
	}
	var out []*domain.ServiceDescriptor
	if tag != "" {
		out = append(out, rt.Registry().ListByTag(tag)...)
	}
	for _, name := range names {
		if desc, ok := rt.Registry().GetByName(name); ok {
			out = append(out, desc)
		}
	}
	return dedupeDescriptors(out)
}

func dedupeDescriptors(in []*domain.ServiceDescriptor) []*domain.ServiceDescriptor {
	seen := make(map[string]bool, len(in))
	out := make([]*domain.ServiceDescriptor, 0, len(in))
	for _, desc := range in {
		if seen[desc.Name] {
			continue
		}
		seen[desc.Name] = true
		out = append(out, desc)
	}
	return out
}
