package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var flagFollow bool

// logsCmd streams the daemon's log file written via --log-file. Without a
// file, the daemon's logs go to stderr of the foreground process directly,
// so there is nothing separate to stream.
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Stream the daemon's log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagLogFile == "" {
			return newCLIError(exitInvalidArgs, "logs requires --log-file to point at the daemon's log output")
		}
		f, err := os.Open(flagLogFile)
		if err != nil {
			return newCLIError(exitOperationFailure, "opening log file: %w", err)
		}
		defer f.Close()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)

		reader := bufio.NewReader(f)
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				fmt.Print(line)
			}
			if err == io.EOF {
				if !flagFollow {
					return nil
				}
				select {
				case <-sigCh:
					return newCLIError(exitUserInterrupt, "interrupted")
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}
			if err != nil {
				return newCLIError(exitOperationFailure, "reading log file: %w", err)
			}
		}
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep streaming new lines as they are written")
}
