package jobs

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/licensing"
	"github.com/bazaar-ml/bazaar/internal/orchestrator"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// staticMinter satisfies the manager's token dependency without a JWT secret.
type staticMinter struct{ err error }

func (s staticMinter) JobToken(uuid.UUID, time.Duration) (string, error) {
	return "job-token", s.err
}

type statusEvent struct {
	modelID uuid.UUID
	field   string
	from    db.Status
	to      db.Status
}

type recordPublisher struct {
	mu     sync.Mutex
	events []statusEvent
}

func (p *recordPublisher) PublishStatus(modelID uuid.UUID, field string, from, to db.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, statusEvent{modelID, field, from, to})
}

// signedLicense writes a license signed with a throwaway key and returns a
// verifier trusting that key.
func signedLicense(t *testing.T, cpuMhzLimit string) *licensing.Verifier {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	payload, err := json.Marshal(licensing.License{
		CPUMhzLimit: cpuMhzLimit,
		ExpiryDate:  time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		LicenseKey:  "test-key",
	})
	require.NoError(t, err)
	canonical, err := licensing.CanonicalJSON(payload)
	require.NoError(t, err)

	digest := sha256.Sum256(canonical)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	envelope, err := json.Marshal(map[string]any{
		"license":   json.RawMessage(payload),
		"signature": base64.StdEncoding.EncodeToString(signature),
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "license.json")
	require.NoError(t, os.WriteFile(path, envelope, 0o600))

	// Sanity: the PEM round trip mirrors how the distribution key ships.
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: mustMarshalPKIX(t, &key.PublicKey),
	})
	parsed, err := licensing.ParsePublicKey(pemBytes)
	require.NoError(t, err)

	return licensing.NewVerifierWithKey(path, parsed)
}

func mustMarshalPKIX(t *testing.T, key *rsa.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	require.NoError(t, err)
	return der
}

type jobsFixture struct {
	models       repositories.ModelRepository
	usage        repositories.UsageRepository
	users        repositories.UserRepository
	integrations repositories.IntegrationRepository
	client       *orchestrator.Mock
	publisher    *recordPublisher
	manager      *Manager
	shareDir     string
}

func newJobsFixture(t *testing.T, cpuMhzLimit string) *jobsFixture {
	t.Helper()
	database, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	f := &jobsFixture{
		models:       repositories.NewModelRepository(database),
		usage:        repositories.NewUsageRepository(database),
		users:        repositories.NewUserRepository(database),
		integrations: repositories.NewIntegrationRepository(database),
		client:       orchestrator.NewMock(),
		publisher:    &recordPublisher{},
		shareDir:     t.TempDir(),
	}
	f.manager = NewManager(Config{
		Models:       f.models,
		Usage:        f.usage,
		Client:       f.client,
		License:      signedLicense(t, cpuMhzLimit),
		Tokens:       staticMinter{},
		Publisher:    f.publisher,
		Logger:       zap.NewNop(),
		Integrations: f.integrations,
		ShareDir:     f.shareDir,
		Endpoint:     "http://localhost:8080",
		ImageTag:     "latest",
		LogLevel:     "info",
	})
	return f
}

func (f *jobsFixture) model(t *testing.T, mutate func(*db.Model)) *db.Model {
	t.Helper()
	ctx := context.Background()
	owner := &db.User{Username: uuid.NewString()}
	require.NoError(t, f.users.Create(ctx, owner))

	m := &db.Model{
		Name:        uuid.NewString(),
		UserID:      owner.ID,
		Type:        db.ModelTypeNDB,
		AccessLevel: db.AccessPrivate,
	}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, f.models.Create(ctx, m))
	return m
}

func TestStartTrainPersistsJobID(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()
	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusStarting })

	require.NoError(t, f.manager.StartTrain(ctx, model))

	reloaded, err := f.models.GetByID(ctx, model.ID)
	require.NoError(t, err)
	require.NotEmpty(t, reloaded.TrainJobID)

	job, err := f.client.GetJob(ctx, reloaded.TrainJobID)
	require.NoError(t, err)
	require.Equal(t, "running", job.Status)
}

func TestStartTrainSubmitFailureFailsRow(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()
	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusStarting })

	f.client.SubmitErr = errors.New("scheduler is on fire")
	require.Error(t, f.manager.StartTrain(ctx, model))

	reloaded, err := f.models.GetByID(ctx, model.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusFailed, reloaded.TrainStatus)
	require.Contains(t, reloaded.StatusMessage, "scheduler is on fire")
}

func TestStartTrainLicenseExhausted(t *testing.T) {
	// Limit below the training job's cpu request.
	f := newJobsFixture(t, "1000")
	ctx := context.Background()
	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusStarting })

	err := f.manager.StartTrain(ctx, model)
	require.ErrorIs(t, err, licensing.ErrExhausted)

	reloaded, err := f.models.GetByID(ctx, model.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusFailed, reloaded.TrainStatus)
}

func TestStartDeployCountsRunningAllocations(t *testing.T) {
	f := newJobsFixture(t, "2000")
	ctx := context.Background()

	// A running allocation eats most of the budget; dead ones do not count.
	f.client.AddAllocation(orchestrator.Allocation{
		ID: uuid.NewString(), JobID: "other", Status: "running", CPUMhz: 1500})
	f.client.AddAllocation(orchestrator.Allocation{
		ID: uuid.NewString(), JobID: "gone", Status: "dead", CPUMhz: 9000})

	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusComplete })

	err := f.manager.StartDeploy(ctx, model, 1)
	require.ErrorIs(t, err, licensing.ErrExhausted)

	reloaded, err := f.models.GetByID(ctx, model.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusFailed, reloaded.DeployStatus)
}

func TestStartDeployPersistsJobID(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()
	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusComplete })

	require.NoError(t, f.manager.StartDeploy(ctx, model, 2))

	reloaded, err := f.models.GetByID(ctx, model.ID)
	require.NoError(t, err)
	require.NotEmpty(t, reloaded.DeployJobID)
	require.Equal(t, db.StatusStarting, reloaded.DeployStatus)
}

func TestStartDeployInjectsLLMCredentials(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()

	require.NoError(t, f.integrations.Create(ctx, &db.Integration{
		Type: db.IntegrationOpenAI,
		Data: db.EncryptedString(`{"api_key":"sk-test","model":"gpt-4o-mini"}`),
	}))

	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusComplete })
	require.NoError(t, f.models.SetAttribute(ctx, &db.ModelAttribute{
		ModelID: model.ID, Key: "llm_provider", Value: db.IntegrationOpenAI,
	}))

	require.NoError(t, f.manager.StartDeploy(ctx, model, 1))

	// The rendered spec lands on disk for operator inspection; it carries the
	// provider and the base64 credentials in the job environment.
	raw, err := os.ReadFile(filepath.Join(f.shareDir, "jobs", "deploy-"+model.ID.String()+".json"))
	require.NoError(t, err)

	var spec orchestrator.JobSpec
	require.NoError(t, json.Unmarshal(raw, &spec))
	require.Equal(t, db.IntegrationOpenAI, spec.Env["MODEL_BAZAAR_LLM_PROVIDER"])

	decoded, err := base64.StdEncoding.DecodeString(spec.Env["MODEL_BAZAAR_LLM_SETTINGS"])
	require.NoError(t, err)
	require.Contains(t, string(decoded), "sk-test")
}

func TestStartDeployInjectsGuardrailTags(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()

	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusComplete })
	require.NoError(t, f.models.SetAttribute(ctx, &db.ModelAttribute{
		ModelID: model.ID, Key: "guardrail_tags", Value: "EMAIL,SSN",
	}))

	require.NoError(t, f.manager.StartDeploy(ctx, model, 1))

	raw, err := os.ReadFile(filepath.Join(f.shareDir, "jobs", "deploy-"+model.ID.String()+".json"))
	require.NoError(t, err)

	var spec orchestrator.JobSpec
	require.NoError(t, json.Unmarshal(raw, &spec))
	require.Equal(t, "EMAIL,SSN", spec.Env["MODEL_BAZAAR_GUARDRAIL_TAGS"])
}

func TestStartDeployWithoutProviderLeavesLLMEnvEmpty(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()
	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusComplete })

	require.NoError(t, f.manager.StartDeploy(ctx, model, 1))

	raw, err := os.ReadFile(filepath.Join(f.shareDir, "jobs", "deploy-"+model.ID.String()+".json"))
	require.NoError(t, err)

	var spec orchestrator.JobSpec
	require.NoError(t, json.Unmarshal(raw, &spec))
	require.Empty(t, spec.Env["MODEL_BAZAAR_LLM_PROVIDER"])
	require.Empty(t, spec.Env["MODEL_BAZAAR_LLM_SETTINGS"])
}

func TestStopDeploySettlesStatus(t *testing.T) {
	cases := []struct {
		name string
		from db.Status
		want db.Status
	}{
		{"healthy deployment lands on stopped", db.StatusComplete, db.StatusStopped},
		{"starting deployment lands on failed", db.StatusStarting, db.StatusFailed},
		{"in-progress deployment lands on failed", db.StatusInProgress, db.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newJobsFixture(t, "100000")
			ctx := context.Background()
			model := f.model(t, func(m *db.Model) {
				m.DeployStatus = tc.from
				m.DeployJobID = "deploy-job"
			})

			require.NoError(t, f.manager.StopDeploy(ctx, model))
			require.Equal(t, []string{"deploy-job"}, f.client.Deletes)

			reloaded, err := f.models.GetByID(ctx, model.ID)
			require.NoError(t, err)
			require.Equal(t, tc.want, reloaded.DeployStatus)
		})
	}
}

func TestStopDeployWithoutJobIsNoop(t *testing.T) {
	f := newJobsFixture(t, "100000")
	model := f.model(t, nil)

	require.NoError(t, f.manager.StopDeploy(context.Background(), model))
	require.Empty(t, f.client.Deletes)
}

func TestReportStatusPublishesTransition(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()
	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusStarting })

	require.NoError(t, f.manager.ReportStatus(ctx, model.ID,
		repositories.StatusFieldTrain, db.StatusInProgress, "epoch 1"))

	reloaded, err := f.models.GetByID(ctx, model.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusInProgress, reloaded.TrainStatus)
	require.Equal(t, "epoch 1", reloaded.StatusMessage)

	require.Len(t, f.publisher.events, 1)
	require.Equal(t, statusEvent{
		modelID: model.ID,
		field:   repositories.StatusFieldTrain,
		from:    db.StatusStarting,
		to:      db.StatusInProgress,
	}, f.publisher.events[0])
}

func TestReportStatusRejectsIllegalTransition(t *testing.T) {
	f := newJobsFixture(t, "100000")
	ctx := context.Background()
	model := f.model(t, func(m *db.Model) { m.TrainStatus = db.StatusComplete })

	err := f.manager.ReportStatus(ctx, model.ID,
		repositories.StatusFieldTrain, db.StatusInProgress, "going backwards")
	require.ErrorIs(t, err, repositories.ErrIllegalTransition)
}

func TestStartBackupSubmitsDetachedJob(t *testing.T) {
	f := newJobsFixture(t, "100000")

	jobID, err := f.manager.StartBackup(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := f.client.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, "running", job.Status)
}
