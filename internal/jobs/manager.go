// Package jobs owns the lifecycle of scheduler jobs: rendering job specs,
// gating submissions on the license budget, persisting job ids, and
// reconciling database status against the scheduler's observed state.
package jobs

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/licensing"
	"github.com/bazaar-ml/bazaar/internal/orchestrator"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// Job token lifetimes cover the longest plausible run of each job kind.
const (
	trainTokenLifetime  = 7 * 24 * time.Hour
	deployTokenLifetime = 90 * 24 * time.Hour
	backupTokenLifetime = 24 * time.Hour
)

// tokenMinter is the slice of the JWT manager the job manager needs.
type tokenMinter interface {
	JobToken(modelID uuid.UUID, lifetime time.Duration) (string, error)
}

// StatusPublisher receives every applied status transition. The events hub
// implements it; NoopPublisher serves tests.
type StatusPublisher interface {
	PublishStatus(modelID uuid.UUID, field string, from, to db.Status)
}

// NoopPublisher discards transitions.
type NoopPublisher struct{}

func (NoopPublisher) PublishStatus(uuid.UUID, string, db.Status, db.Status) {}

// Config wires the manager's dependencies.
type Config struct {
	Models    repositories.ModelRepository
	Usage     repositories.UsageRepository
	Client    orchestrator.Client
	License   *licensing.Verifier
	Tokens    tokenMinter
	Publisher StatusPublisher
	Logger    *zap.Logger

	// Integrations supplies LLM provider credentials injected into deploy
	// jobs. Optional; deployments run retrieval-only without it.
	Integrations repositories.IntegrationRepository

	ShareDir string
	Endpoint string
	ImageTag string
	LogLevel string

	// AutoIdle is injected into deploy jobs as the idle shutdown window.
	AutoIdle time.Duration
}

// Manager renders, gates, and submits scheduler jobs.
type Manager struct {
	models    repositories.ModelRepository
	usage     repositories.UsageRepository
	client    orchestrator.Client
	license   *licensing.Verifier
	tokens    tokenMinter
	publisher StatusPublisher
	logger    *zap.Logger

	integrations repositories.IntegrationRepository

	shareDir string
	endpoint string
	imageTag string
	logLevel string
	autoIdle time.Duration
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) *Manager {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	autoIdle := cfg.AutoIdle
	if autoIdle <= 0 {
		autoIdle = 15 * time.Minute
	}
	return &Manager{
		models:    cfg.Models,
		usage:     cfg.Usage,
		client:    cfg.Client,
		license:   cfg.License,
		tokens:    cfg.Tokens,
		publisher: publisher,
		logger:    cfg.Logger.Named("jobs"),

		integrations: cfg.Integrations,

		shareDir: cfg.ShareDir,
		endpoint: cfg.Endpoint,
		imageTag: cfg.ImageTag,
		logLevel: cfg.LogLevel,
		autoIdle: autoIdle,
	}
}

// transition applies one status change and publishes it on success.
func (m *Manager) transition(ctx context.Context, modelID uuid.UUID, field string, from, to db.Status, message string) error {
	if err := m.models.TransitionStatus(ctx, modelID, field, to, message); err != nil {
		return err
	}
	m.publisher.PublishStatus(modelID, field, from, to)
	return nil
}

// ReportStatus applies a transition reported by a running job and publishes
// it. Illegal transitions surface as ErrIllegalTransition for the API layer.
func (m *Manager) ReportStatus(ctx context.Context, modelID uuid.UUID, field string, to db.Status, message string) error {
	model, err := m.models.GetByID(ctx, modelID)
	if err != nil {
		return err
	}
	var from db.Status
	switch field {
	case repositories.StatusFieldTrain:
		from = model.TrainStatus
	case repositories.StatusFieldDeploy:
		from = model.DeployStatus
	case repositories.StatusFieldCacheRefresh:
		from = model.CacheRefreshStatus
	}
	return m.transition(ctx, modelID, field, from, to, message)
}

// StartTrain submits a training job for a model whose row was just created
// with train_status=starting. The license budget is checked before submission;
// on any failure the row is moved to failed with the reason.
func (m *Manager) StartTrain(ctx context.Context, model *db.Model) error {
	token, err := m.tokens.JobToken(model.ID, trainTokenLifetime)
	if err != nil {
		return m.failSubmit(ctx, model.ID, repositories.StatusFieldTrain, err)
	}

	spec, err := m.renderSpec("train", specParams{
		ModelID:  model.ID.String(),
		Image:    m.imageTag,
		CPUMhz:   trainCPUMhz,
		MemoryMB: trainMemoryMB,
		ShareDir: m.shareDir,
		Endpoint: m.endpoint,
		JobToken: token,
		LogLevel: m.logLevel,
	})
	if err != nil {
		return m.failSubmit(ctx, model.ID, repositories.StatusFieldTrain, err)
	}

	if err := m.license.CheckCapacity(ctx, m.client, spec.CPUMhz); err != nil {
		// License failures propagate untouched so the API layer can map
		// exhaustion to 402. The row still records the refusal.
		if ferr := m.transition(ctx, model.ID, repositories.StatusFieldTrain,
			db.StatusStarting, db.StatusFailed, err.Error()); ferr != nil {
			m.logger.Error("failed to record license refusal", zap.Error(ferr))
		}
		return err
	}

	jobID, err := m.client.SubmitJob(ctx, spec)
	if err != nil {
		return m.failSubmit(ctx, model.ID, repositories.StatusFieldTrain, err)
	}

	model.TrainJobID = jobID
	if err := m.models.Update(ctx, model); err != nil {
		return fmt.Errorf("jobs: recording train job id: %w", err)
	}
	m.logger.Info("training started",
		zap.String("model_id", model.ID.String()), zap.String("job_id", jobID))
	return nil
}

// StartDeploy submits a deployment service job. The caller has already
// verified train_status=complete and that no deployment is live.
func (m *Manager) StartDeploy(ctx context.Context, model *db.Model, replicas int) error {
	if replicas <= 0 {
		replicas = 1
	}

	if err := m.transition(ctx, model.ID, repositories.StatusFieldDeploy,
		model.DeployStatus, db.StatusStarting, ""); err != nil {
		return err
	}

	token, err := m.tokens.JobToken(model.ID, deployTokenLifetime)
	if err != nil {
		return m.failSubmit(ctx, model.ID, repositories.StatusFieldDeploy, err)
	}

	llmProvider, llmSettings, guardrails := m.deployEnv(ctx, model.ID)

	spec, err := m.renderSpec("deploy", specParams{
		ModelID:         model.ID.String(),
		Image:           m.imageTag,
		CPUMhz:          deployCPUMhz,
		MemoryMB:        deployMemoryMB,
		Count:           replicas,
		ShareDir:        m.shareDir,
		Endpoint:        m.endpoint,
		JobToken:        token,
		LogLevel:        m.logLevel,
		AutoIdleMinutes: int(m.autoIdle.Minutes()),
		LLMProvider:     llmProvider,
		LLMSettings:     llmSettings,
		GuardrailTags:   guardrails,
	})
	if err != nil {
		return m.failSubmit(ctx, model.ID, repositories.StatusFieldDeploy, err)
	}

	if err := m.license.CheckCapacity(ctx, m.client, spec.CPUMhz*replicas); err != nil {
		if ferr := m.transition(ctx, model.ID, repositories.StatusFieldDeploy,
			db.StatusStarting, db.StatusFailed, err.Error()); ferr != nil {
			m.logger.Error("failed to record license refusal", zap.Error(ferr))
		}
		return err
	}

	jobID, err := m.client.SubmitJob(ctx, spec)
	if err != nil {
		return m.failSubmit(ctx, model.ID, repositories.StatusFieldDeploy, err)
	}

	model.DeployJobID = jobID
	if err := m.models.Update(ctx, model); err != nil {
		return fmt.Errorf("jobs: recording deploy job id: %w", err)
	}
	m.logger.Info("deployment started",
		zap.String("model_id", model.ID.String()),
		zap.String("job_id", jobID), zap.Int("replicas", replicas))
	return nil
}

// StopDeploy deletes the deployment job and settles the status row. A healthy
// deployment lands on stopped; one killed before completing lands on failed
// with the reason recorded.
func (m *Manager) StopDeploy(ctx context.Context, model *db.Model) error {
	if model.DeployJobID == "" {
		return nil
	}
	if err := m.client.DeleteJob(ctx, model.DeployJobID); err != nil {
		return err
	}

	switch model.DeployStatus {
	case db.StatusComplete:
		return m.transition(ctx, model.ID, repositories.StatusFieldDeploy,
			db.StatusComplete, db.StatusStopped, "deployment stopped")
	case db.StatusStarting, db.StatusInProgress:
		return m.transition(ctx, model.ID, repositories.StatusFieldDeploy,
			model.DeployStatus, db.StatusFailed, "deployment stopped before completion")
	default:
		return nil
	}
}

// StartBackup submits a detached snapshot job running on the cluster instead
// of in the control-plane process. Used for large model directories.
func (m *Manager) StartBackup(ctx context.Context) (string, error) {
	token, err := m.tokens.JobToken(uuid.Nil, backupTokenLifetime)
	if err != nil {
		return "", err
	}

	spec, err := m.renderSpec("backup", specParams{
		Image:     m.imageTag,
		CPUMhz:    backupCPUMhz,
		MemoryMB:  backupMemoryMB,
		ShareDir:  m.shareDir,
		Endpoint:  m.endpoint,
		JobToken:  token,
		LogLevel:  m.logLevel,
		Timestamp: time.Now().UTC().Format("20060102-150405"),
	})
	if err != nil {
		return "", err
	}

	if err := m.license.CheckCapacity(ctx, m.client, spec.CPUMhz); err != nil {
		return "", err
	}
	return m.client.SubmitJob(ctx, spec)
}

// deployEnv resolves the model attributes injected into the deploy job
// environment: guardrail redaction tags and, when an llm_provider attribute
// names a stored integration, its credentials base64-encoded for transport.
// Deployments without the attributes run retrieval-only, unredacted.
func (m *Manager) deployEnv(ctx context.Context, modelID uuid.UUID) (provider, settings, guardrails string) {
	attrs, err := m.models.GetAttributes(ctx, modelID)
	if err != nil {
		m.logger.Warn("loading model attributes failed",
			zap.String("model_id", modelID.String()), zap.Error(err))
		return "", "", ""
	}
	guardrails = attrs["guardrail_tags"]

	if m.integrations == nil || attrs["llm_provider"] == "" {
		return "", "", guardrails
	}
	integration, err := m.integrations.GetByType(ctx, attrs["llm_provider"])
	if err != nil {
		m.logger.Warn("llm provider has no matching integration",
			zap.String("model_id", modelID.String()),
			zap.String("provider", attrs["llm_provider"]), zap.Error(err))
		return "", "", guardrails
	}
	return integration.Type, base64.StdEncoding.EncodeToString([]byte(integration.Data)), guardrails
}

// failSubmit records a submission failure on the status row and wraps the
// original error.
func (m *Manager) failSubmit(ctx context.Context, modelID uuid.UUID, field string, cause error) error {
	if err := m.transition(ctx, modelID, field,
		db.StatusStarting, db.StatusFailed, cause.Error()); err != nil {
		m.logger.Error("failed to record submission failure",
			zap.String("model_id", modelID.String()), zap.Error(err))
	}
	return fmt.Errorf("jobs: submitting job: %w", cause)
}
