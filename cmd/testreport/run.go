package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/raphi011/testreport"
	"github.com/raphi011/testreport/internal/config"
	"github.com/raphi011/testreport/internal/gotest"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

func newRunCmd(log *slog.Logger) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a `go test -json` command and report its results",
		Example: `  testreport run --mode archive -- go test -json ./...
  testreport run --mode https://reports.example.com --project shop -- go test -json ./...`,
		Args: cobra.MinimumNArgs(1),
	}

	collect := config.BindFlags(cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config", config.FileName, "configuration file")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(ctx, collect(), configFile, envconfig.OsLookuper())
		if err != nil {
			return err
		}

		r := testreport.New(cfg,
			testreport.WithLogger(log),
			testreport.WithOutput(cmd.ErrOrStderr()),
		)
		if err := r.Start(ctx); err != nil {
			return err
		}

		code, err := runTests(ctx, r, cmd, args, log)
		if err != nil {
			return err
		}

		if code = r.Finish(ctx, code); code != 0 {
			return exitCode(code)
		}

		return nil
	}

	return cmd
}

// runTests runs the test command and feeds its stdout to the reporter. It
// returns the exit code of the command.
func runTests(ctx context.Context, r *testreport.Reporter, cmd *cobra.Command, args []string, log *slog.Logger) (int, error) {
	c := exec.Command(args[0], args[1:]...)
	c.Stdin = os.Stdin
	c.Stderr = cmd.ErrOrStderr()

	stdout, err := c.StdoutPipe()
	if err != nil {
		return 0, err
	}

	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", args[0], err)
	}

	done := make(chan struct{})
	defer close(done)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			log.Warn("received signal, archiving the results collected so far", "signal", sig)
			if p := r.Interrupt(context.WithoutCancel(ctx)); p != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "✓ Archive created: %s\n", p)
			}
			_ = c.Process.Signal(sig)
		case <-done:
		}
	}()

	adapter := gotest.New(r, gotest.WithOutput(cmd.OutOrStdout()), gotest.WithLogger(log))
	if err := adapter.Consume(ctx, stdout); err != nil {
		log.Warn("could not read all test events", "error", err)
		_, _ = io.Copy(io.Discard, stdout)
	}

	err = c.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return 0, fmt.Errorf("running %s: %w", args[0], err)
	}
}
