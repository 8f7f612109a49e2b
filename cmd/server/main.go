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

	"github.com/bazaar-ml/bazaar/internal/api"
	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/backupsvc"
	"github.com/bazaar-ml/bazaar/internal/cache"
	"github.com/bazaar-ml/bazaar/internal/config"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/events"
	"github.com/bazaar-ml/bazaar/internal/jobs"
	"github.com/bazaar-ml/bazaar/internal/licensing"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/mailer"
	"github.com/bazaar-ml/bazaar/internal/orchestrator"
	"github.com/bazaar-ml/bazaar/internal/repositories"
	"github.com/bazaar-ml/bazaar/internal/storage"
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
		Use:   "bazaar-server",
		Short: "Bazaar model platform control plane",
		Long: `Bazaar server is the control plane of the Bazaar model platform.
It exposes the REST API, manages training and deployment jobs on the
cluster scheduler, and runs the semantic cache and backup services.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bazaar-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting bazaar server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("share_dir", cfg.ShareDir),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.SecretKey != "" {
		if err := db.InitEncryption([]byte(cfg.SecretKey)); err != nil {
			return err
		}
	} else {
		logger.Warn("no secret key configured, integration credentials stored unencrypted")
	}

	database, err := db.New(db.Config{URI: cfg.DatabaseURI, Logger: logger})
	if err != nil {
		return err
	}

	users := repositories.NewUserRepository(database)
	teams := repositories.NewTeamRepository(database)
	models := repositories.NewModelRepository(database)
	usage := repositories.NewUsageRepository(database)
	integrations := repositories.NewIntegrationRepository(database)
	catalog := repositories.NewCatalogRepository(database)
	backupConfigs := repositories.NewBackupConfigRepository(database)

	jwtMgr, err := auth.NewJwtManager([]byte(cfg.JWTSecret), cfg.Endpoint)
	if err != nil {
		return err
	}
	resolver := auth.NewPermissionResolver(users, teams)

	var mail mailer.Mailer = mailer.Noop{}
	if cfg.SMTPHost != "" {
		mail, err = mailer.NewSMTP(mailer.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: "apikey",
			APIKey:   cfg.SendgridKey,
			From:     cfg.MailFrom,
		}, logger)
		if err != nil {
			return err
		}
	}

	local := auth.NewLocalProvider(users, mail)
	auth.Register(local)
	if cfg.OIDCIssuer != "" {
		oidc, err := auth.NewOIDCProvider(ctx, cfg.OIDCIssuer, cfg.OIDCClientID, users)
		if err != nil {
			return fmt.Errorf("configuring oidc provider: %w", err)
		}
		auth.Register(oidc)
	}

	var client orchestrator.Client
	if cfg.NomadEndpoint != "" {
		client = orchestrator.NewHTTPClient(cfg.NomadEndpoint, cfg.TaskRunnerToken, logger)
	} else {
		// Single-node development mode: jobs are accepted but never run.
		logger.Warn("no scheduler endpoint configured, using in-memory mock")
		client = orchestrator.NewMock()
	}

	license, err := licensing.NewVerifier(cfg.LicensePath)
	if err != nil {
		return err
	}

	hub := events.NewHub()
	go hub.Run(ctx)

	manager := jobs.NewManager(jobs.Config{
		Models:       models,
		Usage:        usage,
		Client:       client,
		License:      license,
		Tokens:       jwtMgr,
		Publisher:    hub,
		Logger:       logger,
		Integrations: integrations,
		ShareDir:     cfg.ShareDir,
		Endpoint:     cfg.Endpoint,
		ImageTag:     cfg.ImageTag,
		LogLevel:     cfg.LogLevel,
	})
	reconciler, err := jobs.NewReconciler(manager)
	if err != nil {
		return err
	}
	if err := reconciler.Start(); err != nil {
		return err
	}
	defer reconciler.Stop() //nolint:errcheck

	registry := storage.NewRegistry(logger)

	semCache, err := cache.Open(filepath.Join(cfg.ShareDir, "cache.db"), cfg.CacheThreshold, logger)
	if err != nil {
		return err
	}
	defer semCache.Close() //nolint:errcheck

	backups, err := backupsvc.New(backupConfigs, registry, cfg.ShareDir, cfg.DatabaseURI, logger)
	if err != nil {
		return err
	}
	if err := backups.Start(ctx); err != nil {
		return err
	}
	defer backups.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Logger:        logger,
		JWT:           jwtMgr,
		Local:         local,
		Resolver:      resolver,
		Users:         users,
		Teams:         teams,
		Models:        models,
		Integrations:  integrations,
		Catalog:       catalog,
		BackupConfigs: backupConfigs,
		Manager:       manager,
		Cache:         semCache,
		Backups:       backups,
		Storage:       registry,
		Hub:           hub,
		LLMs:          llm.NewRegistry(integrations),
		ShareDir:      cfg.ShareDir,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down bazaar server")
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
