// Package cli wires configuration, storage and the backup pipeline into the
// backup command.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/steel97/backup/internal/backup"
	"github.com/steel97/backup/internal/config"
	"github.com/steel97/backup/internal/health"
	"github.com/steel97/backup/internal/metrics"
	"github.com/steel97/backup/internal/server"
	"github.com/steel97/backup/internal/storage"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd returns the backup command.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "backup [flags] <config>",
		Short:         "Pack directories and command output into archives and upload them to S3",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			opts, err := config.LoadOptions(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(stdout, opts)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, args[0], opts, stdout, stderr, logger); err != nil {
				logger.Error("Backup failed", "error", err)
				return err
			}
			logger.Info("Backup finished")
			return nil
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	config.RegisterFlags(cmd.Flags())
	cmd.AddCommand(newVersionCmd(stdout))

	return cmd
}

// Execute runs the CLI with the process stdio.
func Execute() int {
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(stdout, Version)
		},
	}
}

func newLogger(w io.Writer, opts *config.Options) (*slog.Logger, error) {
	level, err := opts.Level()
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

func run(ctx context.Context, configPath string, opts *config.Options, stdout, stderr io.Writer, logger *slog.Logger) error {
	logger.Info("Backup starting", "version", Version)
	metrics.Info.WithLabelValues(Version).Set(1)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		"config", configPath,
		"targets", len(cfg.Targets),
		"storages", len(cfg.Storages),
		"temp_dir", opts.TempDir,
	)

	destinations, err := buildDestinations(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}

	runner := backup.NewActionRunner(backup.ExecExecutor{}, opts.TempDir, stdout, stderr, logger)
	orchestrator := backup.NewOrchestrator(cfg, destinations, runner, backup.Options{
		TempDir:         opts.TempDir,
		ContinueOnError: opts.ContinueOnError,
		Clock:           clock.WallClock,
	}, logger)

	if opts.MetricsPort > 0 {
		checker := health.NewChecker(clock.WallClock)
		checker.RegisterCheck("targets", orchestrator.HealthCheck)
		logger.Info("Health checks registered", "checks", checker.Names())

		shutdown, err := startServer(opts.MetricsPort, checker, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		checker.SetReady(true)
	}

	return orchestrator.Run(ctx)
}

func buildDestinations(ctx context.Context, cfg *config.Config, opts *config.Options, logger *slog.Logger) ([]backup.Destination, error) {
	retry := storage.DefaultRetryConfig()
	retry.MaxAttempts = opts.UploadMaxAttempts
	retry.InitialDelay = opts.UploadInitialDelay
	retry.MaxDelay = opts.UploadMaxDelay

	destinations := make([]backup.Destination, 0, len(cfg.Storages))
	for i, storageCfg := range cfg.Storages {
		backend, err := storage.NewStorage(ctx, storageCfg)
		if err != nil {
			return nil, fmt.Errorf("storage %d: %w", i, err)
		}
		destinations = append(destinations, backup.Destination{
			KeyPrefix: storageCfg.KeyPrefix,
			Uploader:  storage.NewUploader(backend, retry, clock.WallClock, logger),
		})
	}
	return destinations, nil
}

// startServer serves metrics and health in the background and returns a
// function that stops it.
func startServer(port int, checker *health.Checker, logger *slog.Logger) (func(), error) {
	serverConfig := server.DefaultConfig()
	serverConfig.Port = port
	httpServer := server.New(serverConfig, checker, logger)

	if err := httpServer.Listen(); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(); err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown HTTP server", "error", err)
		}
		wg.Wait()
	}, nil
}
