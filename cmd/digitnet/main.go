package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"digitnet/internal/backend"
	_ "digitnet/internal/backend/cpu"
	"digitnet/internal/config"
	"digitnet/internal/tensor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel string
		envFile  string
	)
	root := &cobra.Command{
		Use:           "digitnet",
		Short:         "Train and run a small convolutional digit classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") {
				if v := os.Getenv(config.EnvPrefix + "LOG_LEVEL"); v != "" {
					logLevel = v
				}
			}
			level, err := parseLevel(logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default .env if present)")

	root.AddCommand(newTrainCmd(), newInferCmd(), newSummaryCmd(), newShardsCmd())
	return root
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// openBackend resolves a device name like "cpu" or "cpu:0".
func openBackend(device string, seed int64, threads int) (backend.Backend, error) {
	d, err := tensor.ParseDevice(device)
	if err != nil {
		return nil, err
	}
	return backend.New(d, backend.Options{Seed: seed, NumThreads: threads})
}
