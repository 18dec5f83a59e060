package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/localportd/supervisor/internal/config"
	"github.com/localportd/supervisor/internal/netutil"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or validate the service configuration",
}

func init() {
	configCmd.AddCommand(configValidateCmd, configExportCmd)
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the config file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		descs, path, err := config.Load(flagConfigPath)
		if err != nil {
			return newCLIError(exitInvalidArgs, "%w", err)
		}
		fmt.Printf("config OK: %s (%d service(s))\n", path, len(descs))

		for _, desc := range descs {
			if !desc.Enabled || netutil.PortAvailable(desc.LocalPort) {
				continue
			}
			msg := fmt.Sprintf("warning: %s: local_port %d is already in use", desc.Name, desc.LocalPort)
			if free, err := netutil.FindAvailablePort(desc.LocalPort + 1); err == nil {
				msg += fmt.Sprintf(" (next free port: %d)", free)
			}
			fmt.Println(msg)
		}
		return nil
	},
}

var configExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Load the config and re-emit it in normalized YAML form",
	RunE: func(cmd *cobra.Command, args []string) error {
		descs, _, err := config.Load(flagConfigPath)
		if err != nil {
			return newCLIError(exitInvalidArgs, "%w", err)
		}
		out, err := config.Export(descs)
		if err != nil {
			return newCLIError(exitOperationFailure, "failed to export config: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}
