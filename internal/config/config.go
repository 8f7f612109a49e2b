// Package config loads per-component settings from environment variables.
// Every recognized variable is enumerated explicitly; unknown keys under the
// MODEL_BAZAAR_ namespace abort startup instead of being silently ignored,
// so typos in deployment manifests surface immediately.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Environment variable names shared across components.
const (
	EnvDatabaseURI       = "DATABASE_URI"
	EnvJWTSecret         = "JWT_SECRET"
	EnvShareDir          = "MODEL_BAZAAR_DIR"      // shared artifact root
	EnvEndpoint          = "MODEL_BAZAAR_ENDPOINT" // control-plane URL
	EnvLicensePath       = "LICENSE_PATH"
	EnvTaskRunnerToken   = "TASK_RUNNER_TOKEN"
	EnvNomadEndpoint     = "NOMAD_ENDPOINT"
	EnvSendgridKey       = "SENDGRID_KEY"
	EnvCacheThreshold    = "LLM_CACHE_THRESHOLD"
	EnvListenAddr        = "MODEL_BAZAAR_LISTEN_ADDR"
	EnvLogLevel          = "MODEL_BAZAAR_LOG_LEVEL"
	EnvSecretKey         = "MODEL_BAZAAR_SECRET_KEY" // AES key for credentials at rest
	EnvOIDCIssuer        = "MODEL_BAZAAR_OIDC_ISSUER"
	EnvOIDCClientID      = "MODEL_BAZAAR_OIDC_CLIENT_ID"
	EnvModelID           = "MODEL_BAZAAR_MODEL_ID"       // worker only
	EnvJobToken          = "MODEL_BAZAAR_JOB_TOKEN"      // worker only
	EnvLLMProvider       = "MODEL_BAZAAR_LLM_PROVIDER"   // worker only
	EnvLLMSettings       = "MODEL_BAZAAR_LLM_SETTINGS"   // worker only, base64 JSON
	EnvGuardrailTags     = "MODEL_BAZAAR_GUARDRAIL_TAGS" // worker only, comma separated
	EnvAutoIdleMinutes   = "MODEL_BAZAAR_AUTOSCALING_IDLE_MINUTES"
	EnvWorkerListenAddr  = "MODEL_BAZAAR_WORKER_LISTEN_ADDR"
	EnvImageTag          = "MODEL_BAZAAR_IMAGE_TAG"
	EnvSMTPHost          = "MODEL_BAZAAR_SMTP_HOST"
	EnvSMTPPort          = "MODEL_BAZAAR_SMTP_PORT"
	EnvMailFrom          = "MODEL_BAZAAR_MAIL_FROM"
)

// namespace is the prefix under which unknown keys are rejected. Variables
// outside it (DATABASE_URI, AWS_*, ...) belong to other programs and cloud
// SDKs and are never policed.
const namespace = "MODEL_BAZAAR_"

// recognized lists every namespaced key any component may read.
var recognized = map[string]bool{
	EnvShareDir: true, EnvEndpoint: true, EnvListenAddr: true,
	EnvLogLevel: true, EnvSecretKey: true, EnvOIDCIssuer: true,
	EnvOIDCClientID: true, EnvModelID: true, EnvJobToken: true,
	EnvLLMProvider: true, EnvLLMSettings: true, EnvGuardrailTags: true,
	EnvAutoIdleMinutes: true, EnvWorkerListenAddr: true, EnvImageTag: true,
	EnvSMTPHost: true, EnvSMTPPort: true, EnvMailFrom: true,
}

// CheckEnv scans the process environment and returns an error naming any
// MODEL_BAZAAR_-prefixed variable that no component recognizes.
func CheckEnv() error {
	var unknown []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, namespace) && !recognized[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("config: unrecognized environment variables: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Server holds the control-plane settings.
type Server struct {
	ListenAddr      string
	DatabaseURI     string
	JWTSecret       string
	SecretKey       string // 32-byte AES key for credentials at rest
	ShareDir        string
	Endpoint        string
	LicensePath     string
	TaskRunnerToken string
	NomadEndpoint   string
	LogLevel        string

	ImageTag string

	OIDCIssuer   string
	OIDCClientID string

	SendgridKey string
	SMTPHost    string
	SMTPPort    int
	MailFrom    string

	CacheThreshold float64
}

// LoadServer reads the control-plane configuration from the environment and
// validates the required keys.
func LoadServer() (*Server, error) {
	if err := CheckEnv(); err != nil {
		return nil, err
	}

	cfg := &Server{
		ListenAddr:      getOr(EnvListenAddr, ":8080"),
		DatabaseURI:     os.Getenv(EnvDatabaseURI),
		JWTSecret:       os.Getenv(EnvJWTSecret),
		SecretKey:       os.Getenv(EnvSecretKey),
		ShareDir:        os.Getenv(EnvShareDir),
		Endpoint:        os.Getenv(EnvEndpoint),
		LicensePath:     os.Getenv(EnvLicensePath),
		TaskRunnerToken: os.Getenv(EnvTaskRunnerToken),
		NomadEndpoint:   os.Getenv(EnvNomadEndpoint),
		LogLevel:        getOr(EnvLogLevel, "info"),
		ImageTag:        getOr(EnvImageTag, "latest"),
		OIDCIssuer:      os.Getenv(EnvOIDCIssuer),
		OIDCClientID:    os.Getenv(EnvOIDCClientID),
		SendgridKey:     os.Getenv(EnvSendgridKey),
		SMTPHost:        os.Getenv(EnvSMTPHost),
		MailFrom:        getOr(EnvMailFrom, "no-reply@localhost"),
		CacheThreshold:  0.95,
	}

	for key, val := range map[string]string{
		EnvDatabaseURI: cfg.DatabaseURI,
		EnvJWTSecret:   cfg.JWTSecret,
		EnvShareDir:    cfg.ShareDir,
	} {
		if val == "" {
			return nil, fmt.Errorf("config: %s is required", key)
		}
	}

	if raw := os.Getenv(EnvCacheThreshold); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil || t <= 0 || t > 1 {
			return nil, fmt.Errorf("config: %s must be a float in (0, 1], got %q", EnvCacheThreshold, raw)
		}
		cfg.CacheThreshold = t
	}
	if raw := os.Getenv(EnvSMTPPort); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s must be an integer, got %q", EnvSMTPPort, raw)
		}
		cfg.SMTPPort = p
	} else {
		cfg.SMTPPort = 587
	}

	return cfg, nil
}

// Worker holds the deployment-worker settings, injected into the job
// environment by the rendered job spec.
type Worker struct {
	ListenAddr string
	ModelID    string
	ShareDir   string
	Endpoint   string
	JobToken   string
	LogLevel   string
	AutoIdle   time.Duration

	// LLMProvider and LLMSettings carry the answer-generation credentials
	// the control plane resolved at deploy time. Empty for retrieval-only
	// deployments.
	LLMProvider string
	LLMSettings []byte

	// GuardrailTags lists the redaction patterns applied to incoming
	// queries. Empty disables redaction.
	GuardrailTags []string
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() (*Worker, error) {
	if err := CheckEnv(); err != nil {
		return nil, err
	}

	cfg := &Worker{
		ListenAddr: getOr(EnvWorkerListenAddr, ":8081"),
		ModelID:    os.Getenv(EnvModelID),
		ShareDir:   os.Getenv(EnvShareDir),
		Endpoint:   os.Getenv(EnvEndpoint),
		JobToken:   os.Getenv(EnvJobToken),
		LogLevel:   getOr(EnvLogLevel, "info"),
		AutoIdle:   15 * time.Minute,
	}

	for key, val := range map[string]string{
		EnvModelID:  cfg.ModelID,
		EnvShareDir: cfg.ShareDir,
		EnvEndpoint: cfg.Endpoint,
		EnvJobToken: cfg.JobToken,
	} {
		if val == "" {
			return nil, fmt.Errorf("config: %s is required", key)
		}
	}

	if raw := os.Getenv(EnvAutoIdleMinutes); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil || mins <= 0 {
			return nil, fmt.Errorf("config: %s must be a positive integer, got %q", EnvAutoIdleMinutes, raw)
		}
		cfg.AutoIdle = time.Duration(mins) * time.Minute
	}

	cfg.LLMProvider = os.Getenv(EnvLLMProvider)
	if raw := os.Getenv(EnvLLMSettings); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s must be base64, got %q", EnvLLMSettings, raw)
		}
		cfg.LLMSettings = decoded
	}
	for _, tag := range strings.Split(os.Getenv(EnvGuardrailTags), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			cfg.GuardrailTags = append(cfg.GuardrailTags, tag)
		}
	}

	return cfg, nil
}

// ArtifactDir is where the model snapshot lives on the shared filesystem.
func (w *Worker) ArtifactDir() string {
	return filepath.Join(w.ShareDir, "models", w.ModelID)
}

// DeploymentDir holds the per-replica update logs for this deployment.
func (w *Worker) DeploymentDir() string {
	return filepath.Join(w.ShareDir, "deployments", w.ModelID)
}

func getOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
