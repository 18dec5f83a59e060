// Command localportd is the port-forward supervisor's CLI entry point:
// flag parsing, logger construction, and the cobra command tree that wires
// the Daemon Runtime to a signal-driven graceful shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/localportd/supervisor/internal/logging"
)

// Process exit codes.
const (
	exitSuccess          = 0
	exitOperationFailure = 1
	exitUserInterrupt    = 130
	exitInvalidArgs      = 2
)

var (
	version = "dev"

	flagConfigPath string
	flagLogFile    string
	flagJSONLogs   bool
	flagPIDPath    string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "localportd",
	Short: "A port-forward supervisor daemon",
	Long: `localportd establishes and maintains declared network port forwards over
kubectl and ssh transports, continuously verifies their liveness with
protocol-aware health probes, and restarts them automatically when they fail.

Examples:
  # Run the supervisor daemon in the foreground
  localportd daemon start

  # Reload a running daemon's configuration
  localportd daemon reload

  # Validate a config file without starting anything
  localportd config validate --config ./localport.yaml`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", os.Getenv("LOCALPORT_CONFIG"), "path to the localport config file (default: search order)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "write logs to file (default: stderr)")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit structured JSON log lines to stdout")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagPIDPath, "pid-file", "", "daemon pid file path (default: platform state dir)")

	rootCmd.AddCommand(versionCmd, daemonCmd, startCmd, stopCmd, statusCmd, configCmd, logsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("localportd %s\n", version)
	},
}

// newLogger builds the process-wide logger from the persistent flags. The
// returned error is already a cliError carrying the right exit code.
func newLogger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(flagLogLevel)
	if err != nil {
		return nil, newCLIError(exitInvalidArgs, "%v", err)
	}
	if flagJSONLogs {
		return logging.NewJSON(level, os.Stdout), nil
	}
	if flagLogFile == "" {
		return logging.NewWithOutput(level, os.Stderr), nil
	}
	logger, err := logging.NewWithFile(level, flagLogFile)
	if err != nil {
		return nil, newCLIError(exitOperationFailure, "failed to initialize file logger: %v", err)
	}
	return logger, nil
}

// exitCodeFor maps a returned error to the process exit code. cliError
// callers set this explicitly; anything else is an operational failure.
func exitCodeFor(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return exitOperationFailure
}

// cliError carries an explicit process exit code alongside its message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func newCLIError(code int, format string, args ...interface{}) *cliError {
	return &cliError{code: code, err: fmt.Errorf(format, args...)}
}
