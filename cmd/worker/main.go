package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/config"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/storage"
	"github.com/bazaar-ml/bazaar/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bazaar-worker",
		Short: "Bazaar deployment replica runtime",
		Long: `Bazaar worker serves one deployed model replica. It is launched by the
cluster scheduler with its configuration injected through the job
environment, loads the model snapshot from the shared volume, and reports
its lifecycle back to the control plane.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bazaar-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})
	return root
}

func run(ctx context.Context) error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reporter := worker.NewHTTPReporter(cfg.Endpoint, cfg.ModelID, cfg.JobToken, logger)

	runtime, err := worker.New(cfg, reporter, logger)
	if err != nil {
		// The scheduler restarts dead replicas; tell the control plane why
		// this one never came up before exiting non-zero.
		logger.Error("worker startup failed", zap.Error(err))
		reportCtx, reportCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer reportCancel()
		if rerr := reporter.ReportStatus(reportCtx, db.StatusFailed, err.Error()); rerr != nil {
			logger.Error("failed to report startup failure", zap.Error(rerr))
		}
		return err
	}

	if cfg.LLMProvider != "" {
		generator, err := llm.FromSettings(cfg.LLMProvider, cfg.LLMSettings)
		if err != nil {
			// Retrieval still works; only generated answers are off.
			logger.Warn("answer generation disabled", zap.Error(err))
		} else {
			runtime.SetGenerator(generator)
		}
	}
	if len(cfg.GuardrailTags) > 0 {
		runtime.SetRedactor(worker.NewRedactor(cfg.GuardrailTags...))
	}

	runtime.SetAuthorizer(worker.NewProxyAuthorizer(cfg.Endpoint, cfg.ModelID, logger))
	runtime.SetDocFetcher(worker.NewStorageFetcher(
		storage.NewRegistry(logger), filepath.Join(cfg.ShareDir, "downloads", cfg.ModelID)))

	if err := runtime.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           runtime.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("model_id", cfg.ModelID),
			zap.Bool("writer", runtime.IsWriter()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down worker")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
