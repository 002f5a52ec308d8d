package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// exitCode is returned by commands that exit with a specific code, e.g. the
// code of the wrapped test command.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(c))
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())

	var code exitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	if err != nil {
		slog.Error(err.Error())
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	level := new(slog.LevelVar)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root := &cobra.Command{
		Use:           "testreport",
		Short:         "Report test results as archives, to object storage or to a reporting service",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				level.Set(slog.LevelDebug)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(log))
	root.AddCommand(newUploadCmd(log, newS3Store))

	return root
}
