package backupsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
	"github.com/bazaar-ml/bazaar/internal/storage"
)

func newTestService(t *testing.T) (*Service, repositories.BackupConfigRepository, string) {
	t.Helper()
	database, err := db.NewTest()
	require.NoError(t, err)
	configs := repositories.NewBackupConfigRepository(database)

	shareDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(shareDir, "models", "m1"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(shareDir, "models", "m1", "model.json"), []byte("artifact"), 0o644))

	dbPath := filepath.Join(shareDir, "metadata.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("sqlite bytes"), 0o600))

	svc, err := New(configs, storage.NewRegistry(zap.NewNop()), shareDir, "sqlite://"+dbPath, zap.NewNop())
	require.NoError(t, err)
	return svc, configs, shareDir
}

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron(""))
	require.NoError(t, ValidateCron("0 3 * * *"))
	require.Error(t, ValidateCron("every day at three"))
}

func TestRunWithoutConfigUsesLocalDefaults(t *testing.T) {
	svc, _, shareDir := newTestService(t)

	uri, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, uri, archivePrefix)

	_, err = os.Stat(uri)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(shareDir, "backups"), filepath.Dir(uri))
}

func TestRestoreRoundTrip(t *testing.T) {
	svc, _, shareDir := newTestService(t)
	ctx := context.Background()

	uri, err := svc.Run(ctx)
	require.NoError(t, err)

	// Lose the model tree, then restore it from the archive.
	require.NoError(t, os.RemoveAll(filepath.Join(shareDir, "models")))
	require.NoError(t, svc.Restore(ctx, uri))

	restored, err := os.ReadFile(filepath.Join(shareDir, "models", "m1", "model.json"))
	require.NoError(t, err)
	require.Equal(t, "artifact", string(restored))

	// The database dump lands next to the tree for the operator.
	_, err = os.Stat(filepath.Join(shareDir, "metadata.dump"))
	require.NoError(t, err)
}

func TestRunPrunesBeyondRetentionLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for distinct archive timestamps")
	}
	svc, configs, shareDir := newTestService(t)
	ctx := context.Background()

	require.NoError(t, configs.Upsert(ctx, &db.BackupConfig{
		Provider: "local", BackupLimit: 2,
	}))

	// Archive names have second resolution; space the runs out so each run
	// produces a distinct name.
	var last string
	for i := 0; i < 3; i++ {
		if i > 0 {
			time.Sleep(1100 * time.Millisecond)
		}
		uri, err := svc.Run(ctx)
		require.NoError(t, err)
		last = uri
	}

	entries, err := os.ReadDir(filepath.Join(shareDir, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// The newest archive survives pruning.
	_, err = os.Stat(last)
	require.NoError(t, err)
}

func TestRescheduleRejectsBadCron(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.Error(t, svc.Reschedule(&db.BackupConfig{CronExpr: "not a cron"}))
	require.NoError(t, svc.Reschedule(&db.BackupConfig{CronExpr: "*/10 * * * *"}))
	require.NoError(t, svc.Reschedule(&db.BackupConfig{CronExpr: ""}))
}
