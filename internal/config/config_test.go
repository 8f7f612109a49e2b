package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setServerEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvDatabaseURI, "file:test.db")
	t.Setenv(EnvJWTSecret, "secret")
	t.Setenv(EnvShareDir, "/srv/share")
}

func TestLoadServerDefaults(t *testing.T) {
	setServerEnv(t)

	cfg, err := LoadServer()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 587, cfg.SMTPPort)
	require.InDelta(t, 0.95, cfg.CacheThreshold, 1e-9)
}

func TestLoadServerRequiresCoreKeys(t *testing.T) {
	setServerEnv(t)
	t.Setenv(EnvJWTSecret, "")

	_, err := LoadServer()
	require.ErrorContains(t, err, EnvJWTSecret)
}

func TestLoadServerRejectsUnknownNamespacedKey(t *testing.T) {
	setServerEnv(t)
	t.Setenv("MODEL_BAZAAR_LOG_LEVLE", "debug") // typo must abort startup

	_, err := LoadServer()
	require.ErrorContains(t, err, "MODEL_BAZAAR_LOG_LEVLE")
}

func TestLoadServerIgnoresForeignKeys(t *testing.T) {
	setServerEnv(t)
	t.Setenv("AWS_REGION", "us-east-1")

	_, err := LoadServer()
	require.NoError(t, err)
}

func TestLoadServerValidatesCacheThreshold(t *testing.T) {
	setServerEnv(t)
	t.Setenv(EnvCacheThreshold, "1.5")
	_, err := LoadServer()
	require.Error(t, err)

	t.Setenv(EnvCacheThreshold, "0.8")
	cfg, err := LoadServer()
	require.NoError(t, err)
	require.InDelta(t, 0.8, cfg.CacheThreshold, 1e-9)
}

func setWorkerEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvModelID, "0190f6a2-0000-7000-8000-000000000000")
	t.Setenv(EnvShareDir, "/srv/share")
	t.Setenv(EnvEndpoint, "http://control-plane:8080")
	t.Setenv(EnvJobToken, "token")
}

func TestLoadWorkerRequiresIdentity(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv(EnvModelID, "")

	_, err := LoadWorker()
	require.ErrorContains(t, err, EnvModelID)
}

func TestLoadWorkerAutoIdle(t *testing.T) {
	setWorkerEnv(t)

	cfg, err := LoadWorker()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, cfg.AutoIdle)

	t.Setenv(EnvAutoIdleMinutes, "5")
	cfg, err = LoadWorker()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.AutoIdle)

	t.Setenv(EnvAutoIdleMinutes, "zero")
	_, err = LoadWorker()
	require.Error(t, err)
}

func TestLoadWorkerGuardrailTags(t *testing.T) {
	setWorkerEnv(t)

	cfg, err := LoadWorker()
	require.NoError(t, err)
	require.Empty(t, cfg.GuardrailTags)

	t.Setenv(EnvGuardrailTags, "EMAIL, SSN,,PHONE")
	cfg, err = LoadWorker()
	require.NoError(t, err)
	require.Equal(t, []string{"EMAIL", "SSN", "PHONE"}, cfg.GuardrailTags)
}

func TestWorkerDirs(t *testing.T) {
	setWorkerEnv(t)
	cfg, err := LoadWorker()
	require.NoError(t, err)

	require.Equal(t, "/srv/share/models/"+cfg.ModelID, cfg.ArtifactDir())
	require.Equal(t, "/srv/share/deployments/"+cfg.ModelID, cfg.DeploymentDir())
}
