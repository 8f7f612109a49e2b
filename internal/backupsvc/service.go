// Package backupsvc snapshots the platform state: the model artifact tree
// plus a native dump of the metadata database, archived and shipped to the
// configured storage provider. Runs on demand or on a cron interval, and
// prunes archives beyond the retention limit.
package backupsvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
	"github.com/bazaar-ml/bazaar/internal/storage"
)

// DefaultBackupLimit is the retention count when the config does not set one.
const DefaultBackupLimit = 5

const archivePrefix = "bazaar-backup-"

// Service produces, ships, and prunes backup archives.
type Service struct {
	configs  repositories.BackupConfigRepository
	registry *storage.Registry
	logger   *zap.Logger

	shareDir    string
	databaseURI string

	cron gocron.Scheduler
}

// New creates a Service. Call Start to activate any configured schedule.
func New(configs repositories.BackupConfigRepository, registry *storage.Registry, shareDir, databaseURI string, logger *zap.Logger) (*Service, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("backup: creating scheduler: %w", err)
	}
	return &Service{
		configs:     configs,
		registry:    registry,
		logger:      logger.Named("backup"),
		shareDir:    shareDir,
		databaseURI: databaseURI,
		cron:        s,
	}, nil
}

// ValidateCron reports whether expr is a valid five-field cron expression.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("backup: invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Start loads the stored config and registers its cron schedule, if any.
func (s *Service) Start(ctx context.Context) error {
	cfg, err := s.configs.Get(ctx)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.cron.Start()
			return nil
		}
		return err
	}
	if err := s.Reschedule(cfg); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop shuts the schedule down, letting a running backup finish.
func (s *Service) Stop() error { return s.cron.Shutdown() }

// Reschedule replaces the cron job with the one cfg describes. An empty
// expression leaves only on-demand backups.
func (s *Service) Reschedule(cfg *db.BackupConfig) error {
	if err := ValidateCron(cfg.CronExpr); err != nil {
		return err
	}
	s.cron.RemoveByTags("backup")
	if cfg.CronExpr == "" {
		return nil
	}

	_, err := s.cron.NewJob(
		gocron.CronJob(cfg.CronExpr, false),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("scheduled backup failed", zap.Error(err))
			}
		}),
		gocron.WithTags("backup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("backup: registering schedule: %w", err)
	}
	s.logger.Info("backup schedule registered", zap.String("cron", cfg.CronExpr))
	return nil
}

// Run performs one backup cycle: dump the database, archive it with the
// model tree, upload, prune. Returns the destination URI of the new archive.
func (s *Service) Run(ctx context.Context) (string, error) {
	cfg, err := s.configs.Get(ctx)
	if errors.Is(err, repositories.ErrNotFound) {
		cfg = &db.BackupConfig{Provider: "local", BackupLimit: DefaultBackupLimit}
	} else if err != nil {
		return "", err
	}

	workDir, err := os.MkdirTemp("", "bazaar-backup-")
	if err != nil {
		return "", fmt.Errorf("backup: creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	dumpPath := filepath.Join(workDir, "metadata.dump")
	if err := s.dumpDatabase(ctx, dumpPath); err != nil {
		return "", err
	}

	name := archivePrefix + time.Now().UTC().Format("20060102-150405") + ".tar.gz"
	archivePath := filepath.Join(workDir, name)
	if err := createArchive(filepath.Join(s.shareDir, "models"), archivePath, dumpPath); err != nil {
		return "", err
	}

	destURI := s.destination(cfg, name)
	provider, err := s.registry.ForURI(ctx, destURI)
	if err != nil {
		return "", err
	}
	if err := provider.UploadFile(ctx, archivePath, destURI); err != nil {
		return "", err
	}
	s.logger.Info("backup uploaded", zap.String("uri", destURI))

	if err := s.prune(ctx, cfg, provider); err != nil {
		// The new archive is safe; failed pruning only delays cleanup.
		s.logger.Warn("pruning old backups failed", zap.Error(err))
	}
	return destURI, nil
}

// Restore downloads the archive at uri and unpacks it over the share dir.
// The database dump lands next to the model tree for the operator to apply.
func (s *Service) Restore(ctx context.Context, uri string) error {
	provider, err := s.registry.ForURI(ctx, uri)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "bazaar-restore-")
	if err != nil {
		return fmt.Errorf("backup: creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	archivePath := filepath.Join(workDir, filepath.Base(uri))
	if err := provider.DownloadFile(ctx, uri, archivePath); err != nil {
		return err
	}
	if err := extractArchive(archivePath, s.shareDir); err != nil {
		return err
	}
	s.logger.Info("backup restored", zap.String("uri", uri))
	return nil
}

// dumpDatabase produces a native dump: pg_dump for postgres, a file copy for
// sqlite (single-writer configuration makes the copy consistent).
func (s *Service) dumpDatabase(ctx context.Context, dest string) error {
	if strings.HasPrefix(s.databaseURI, "postgres://") || strings.HasPrefix(s.databaseURI, "postgresql://") {
		cmd := exec.CommandContext(ctx, "pg_dump", "--format=custom", "--file", dest, s.databaseURI)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("backup: pg_dump: %w: %s", err, out)
		}
		return nil
	}

	src := strings.TrimPrefix(s.databaseURI, "sqlite://")
	in, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("backup: reading sqlite database: %w", err)
	}
	if err := os.WriteFile(dest, in, 0o600); err != nil {
		return fmt.Errorf("backup: writing dump: %w", err)
	}
	return nil
}

// destination builds the archive URI for the configured provider.
func (s *Service) destination(cfg *db.BackupConfig, name string) string {
	if cfg.Provider == "" || cfg.Provider == "local" {
		return filepath.Join(s.shareDir, "backups", name)
	}
	scheme := cfg.Provider
	if scheme == "gcs" {
		scheme = "gs"
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return fmt.Sprintf("%s://%s/%s%s", scheme, cfg.Bucket, prefix, name)
}

// prune deletes the oldest archives beyond the retention limit. Archive
// names embed a UTC timestamp, so lexical order is chronological.
func (s *Service) prune(ctx context.Context, cfg *db.BackupConfig, provider storage.Provider) error {
	limit := cfg.BackupLimit
	if limit <= 0 {
		limit = DefaultBackupLimit
	}

	listURI := s.destination(cfg, "")
	files, err := provider.ListFiles(ctx, listURI)
	if err != nil {
		return err
	}

	var archives []string
	for _, f := range files {
		if strings.Contains(filepath.Base(f), archivePrefix) {
			archives = append(archives, f)
		}
	}
	if len(archives) <= limit {
		return nil
	}

	sort.Strings(archives)
	for _, old := range archives[:len(archives)-limit] {
		if err := provider.DeleteFile(ctx, old); err != nil {
			return err
		}
		s.logger.Info("pruned backup", zap.String("uri", old))
	}
	return nil
}
