package api

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/backupsvc"
	"github.com/bazaar-ml/bazaar/internal/cache"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/events"
	"github.com/bazaar-ml/bazaar/internal/jobs"
	"github.com/bazaar-ml/bazaar/internal/licensing"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/mailer"
	"github.com/bazaar-ml/bazaar/internal/orchestrator"
	"github.com/bazaar-ml/bazaar/internal/repositories"
	"github.com/bazaar-ml/bazaar/internal/storage"
	"github.com/bazaar-ml/bazaar/internal/worker"
)

type apiFixture struct {
	router http.Handler
	jwt    *auth.JwtManager
	client *orchestrator.Mock
	users  repositories.UserRepository
	models repositories.ModelRepository
	teams  repositories.TeamRepository
}

type testEnvelope struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// testLicense signs a license with a throwaway key and returns a verifier
// trusting it.
func testLicense(t *testing.T, cpuMhzLimit string) *licensing.Verifier {
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

	return licensing.NewVerifierWithKey(path, &key.PublicKey)
}

func newAPIFixture(t *testing.T, cpuMhzLimit string) *apiFixture {
	t.Helper()
	database, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	users := repositories.NewUserRepository(database)
	teams := repositories.NewTeamRepository(database)
	models := repositories.NewModelRepository(database)
	usage := repositories.NewUsageRepository(database)
	integrations := repositories.NewIntegrationRepository(database)
	catalog := repositories.NewCatalogRepository(database)
	backupConfigs := repositories.NewBackupConfigRepository(database)

	jwtManager, err := auth.NewJwtManager([]byte("test-secret"), "test")
	require.NoError(t, err)
	resolver := auth.NewPermissionResolver(users, teams)
	auth.Register(auth.NewLocalProvider(users, mailer.Noop{}))

	shareDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(shareDir, "models"), 0o755))
	dbPath := filepath.Join(shareDir, "metadata.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("sqlite bytes"), 0o600))

	client := orchestrator.NewMock()
	manager := jobs.NewManager(jobs.Config{
		Models:       models,
		Usage:        usage,
		Client:       client,
		License:      testLicense(t, cpuMhzLimit),
		Tokens:       jwtManager,
		Logger:       zap.NewNop(),
		Integrations: integrations,
		ShareDir:     shareDir,
		Endpoint:     "http://localhost:8080",
		ImageTag:     "latest",
		LogLevel:     "info",
	})

	semCache, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.DefaultThreshold, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { semCache.Close() })

	registry := storage.NewRegistry(zap.NewNop())
	backups, err := backupsvc.New(backupConfigs, registry, shareDir, "sqlite://"+dbPath, zap.NewNop())
	require.NoError(t, err)

	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := NewRouter(RouterConfig{
		Logger:        zap.NewNop(),
		JWT:           jwtManager,
		Local:         auth.NewLocalProvider(users, mailer.Noop{}),
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
		ShareDir:      shareDir,
	})

	return &apiFixture{
		router: router,
		jwt:    jwtManager,
		client: client,
		users:  users,
		models: models,
		teams:  teams,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env testEnvelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

// signup provisions an account through the public endpoint and returns its
// token and id.
func (f *apiFixture) signup(t *testing.T, username string) (token string, userID uuid.UUID) {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]any{
		"username": username,
		"email":    username + "@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	id, err := uuid.Parse(env.Data["user_id"].(string))
	require.NoError(t, err)
	return env.Data["access_token"].(string), id
}

func (f *apiFixture) promote(t *testing.T, userID uuid.UUID) {
	t.Helper()
	user, err := f.users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	user.GlobalAdmin = true
	require.NoError(t, f.users.Update(context.Background(), user))
}

// startTraining drives POST /train and returns the new model id.
func (f *apiFixture) startTraining(t *testing.T, token, name string) uuid.UUID {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/v1/train", token, map[string]any{
		"model_name": name,
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	id, err := uuid.Parse(env.Data["model_id"].(string))
	require.NoError(t, err)
	return id
}

// completeTraining walks the model through the job-reported status path.
func (f *apiFixture) completeTraining(t *testing.T, modelID uuid.UUID) {
	t.Helper()
	jobToken, err := f.jwt.JobToken(modelID, time.Hour)
	require.NoError(t, err)
	for _, status := range []string{"in_progress", "complete"} {
		rec, env := f.do(t, http.MethodPost, "/api/v1/train/update-status", jobToken, map[string]any{
			"status": status,
		})
		require.Equal(t, http.StatusOK, rec.Code, env.Message)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, "100000")
	rec, env := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", env.Data["status"])
}

func TestSignupAndLogin(t *testing.T) {
	f := newAPIFixture(t, "100000")
	f.signup(t, "alice")

	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"username": "alice", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, env.Data["access_token"])

	// Wrong password and unknown user answer identically.
	recWrong, envWrong := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"username": "alice", "password": "wrong",
	})
	recUnknown, envUnknown := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"username": "nobody", "password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, recWrong.Code)
	require.Equal(t, http.StatusUnauthorized, recUnknown.Code)
	require.Equal(t, envWrong.Message, envUnknown.Message)
}

func TestDuplicateSignupConflicts(t *testing.T) {
	f := newAPIFixture(t, "100000")
	f.signup(t, "alice")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]any{
		"username": "alice", "email": "other@example.com", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t, "100000")

	rec, _ := f.do(t, http.MethodGet, "/api/v1/models", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/models", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshReissuesToken(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, userID := f.signup(t, "alice")

	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, env.Data["access_token"])
	require.Equal(t, userID.String(), env.Data["user_id"])
}

func TestTrainStartAndStatus(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")

	modelID := f.startTraining(t, token, "search-model")

	rec, env := f.do(t, http.MethodGet, "/api/v1/train/"+modelID.String()+"/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "starting", env.Data["status"])
}

func TestTrainRejectsBadName(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/train", token, map[string]any{
		"model_name": "no spaces allowed",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrainDuplicateNameAndOverwrite(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")

	modelID := f.startTraining(t, token, "search-model")

	// Same name again conflicts while the first attempt is live.
	rec, _ := f.do(t, http.MethodPost, "/api/v1/train", token, map[string]any{
		"model_name": "search-model",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Overwrite is refused unless the previous attempt failed.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/train", token, map[string]any{
		"model_name": "search-model", "overwrite": true,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	jobToken, err := f.jwt.JobToken(modelID, time.Hour)
	require.NoError(t, err)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/train/update-status", jobToken, map[string]any{
		"status": "failed", "message": "out of memory",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/train", token, map[string]any{
		"model_name": "search-model", "overwrite": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestTrainLicenseExhausted(t *testing.T) {
	// Budget below the training job's cpu request.
	f := newAPIFixture(t, "1000")
	token, _ := f.signup(t, "alice")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/train", token, map[string]any{
		"model_name": "search-model",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestUpdateStatusRejectsUserToken(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/train/update-status", token, map[string]any{
		"status": "in_progress",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")
	f.completeTraining(t, modelID)

	jobToken, err := f.jwt.JobToken(modelID, time.Hour)
	require.NoError(t, err)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/train/update-status", jobToken, map[string]any{
		"status": "in_progress",
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestDeployRequiresCompletedTraining(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")

	rec, env := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token, nil)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	require.Contains(t, env.Message, "not complete")
}

func TestDeployLifecycle(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")
	f.completeTraining(t, modelID)

	rec, env := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	// A second deployment of the same model conflicts.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/v1/deploy/"+modelID.String()+"/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "starting", env.Data["status"])

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/deploy/"+modelID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.client.Deletes, 1)
}

func TestDeployWithLLMProvider(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")
	f.completeTraining(t, modelID)

	// The provider must be backed by a configured integration.
	rec, _ := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token,
		map[string]any{"llm_provider": "openai"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	admin, adminID := f.signup(t, "admin")
	f.promote(t, adminID)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/integrations", admin, map[string]any{
		"type": "openai", "api_key": "sk-test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token,
		map[string]any{"llm_provider": "openai"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
}

func TestDeployStoresGuardrailTags(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")
	f.completeTraining(t, modelID)

	rec, env := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token,
		map[string]any{"guardrail_tags": []string{"EMAIL", "SSN"}})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	attrs, err := f.models.GetAttributes(context.Background(), modelID)
	require.NoError(t, err)
	require.Equal(t, "EMAIL,SSN", attrs["guardrail_tags"])
}

// The worker's own reporter client must round-trip against the status
// endpoint, which rejects unknown body fields.
func TestWorkerStatusReportLandsOnModel(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")
	f.completeTraining(t, modelID)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	server := httptest.NewServer(f.router)
	defer server.Close()

	jobToken, err := f.jwt.JobToken(modelID, time.Hour)
	require.NoError(t, err)
	reporter := worker.NewHTTPReporter(server.URL, modelID.String(), jobToken, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, reporter.ReportStatus(ctx, db.StatusInProgress, "replaying"))
	require.NoError(t, reporter.ReportStatus(ctx, db.StatusComplete, ""))

	model, err := f.models.GetByID(ctx, modelID)
	require.NoError(t, err)
	require.Equal(t, db.StatusComplete, model.DeployStatus)
}

func TestDeployStopWithJobToken(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")
	f.completeTraining(t, modelID)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A job token scoped to another model is refused.
	foreign, err := f.jwt.JobToken(uuid.New(), time.Hour)
	require.NoError(t, err)
	rec, _ = f.do(t, http.MethodDelete, "/api/v1/deploy/"+modelID.String(), foreign, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// The deployment's own token may stop it (idle self-shutdown).
	own, err := f.jwt.JobToken(modelID, time.Hour)
	require.NoError(t, err)
	rec, _ = f.do(t, http.MethodDelete, "/api/v1/deploy/"+modelID.String(), own, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSaveRegistersDerivedModel(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, userID := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")
	f.completeTraining(t, modelID)

	jobToken, err := f.jwt.JobToken(modelID, time.Hour)
	require.NoError(t, err)
	rec, env := f.do(t, http.MethodPost, "/api/v1/deploy/"+modelID.String()+"/save", jobToken, map[string]any{
		"model_name": "search-model-snapshot",
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)

	derived, err := f.models.GetByOwnerAndName(context.Background(), userID, "search-model-snapshot")
	require.NoError(t, err)
	require.Equal(t, db.StatusComplete, derived.TrainStatus)
	require.NotNil(t, derived.ParentID)
	require.Equal(t, modelID, *derived.ParentID)

	// The token must name the path model.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/deploy/"+uuid.NewString()+"/save", jobToken, map[string]any{
		"model_name": "stolen",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestModelAccessControl(t *testing.T) {
	f := newAPIFixture(t, "100000")
	owner, _ := f.signup(t, "alice")
	stranger, _ := f.signup(t, "bob")
	modelID := f.startTraining(t, owner, "private-model")

	rec, _ := f.do(t, http.MethodGet, "/api/v1/models/"+modelID.String(), owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/models/"+modelID.String(), stranger, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/models/"+modelID.String(), stranger, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCacheDataPath(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, _ := f.signup(t, "alice")
	modelID := f.startTraining(t, token, "search-model")

	rec, env := f.do(t, http.MethodGet, "/api/v1/cache/token?model_id="+modelID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cacheToken := env.Data["access_token"].(string)

	// The user token is not accepted on the data path.
	rec, _ = f.do(t, http.MethodGet, "/api/v1/cache/query?query=hello", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/cache/insert", cacheToken, map[string]any{
		"query": "what is the refund policy", "llm_response": "thirty days",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env = f.do(t, http.MethodGet,
		"/api/v1/cache/query?query=what+is+the+refund+policy", cacheToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "thirty days", env.Data["llm_response"])

	// A miss is still a success: the client falls through to the live model
	// when llm_response is null.
	rec, env = f.do(t, http.MethodGet,
		"/api/v1/cache/query?query=something+else+entirely", cacheToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "success", env.Status)
	require.Contains(t, env.Data, "llm_response")
	require.Nil(t, env.Data["llm_response"])

	rec, env = f.do(t, http.MethodGet,
		"/api/v1/cache/suggestions?query=refund+policy", cacheToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, env.Data["suggestions"])
}

func TestCacheInvalidateRequiresWriteAccess(t *testing.T) {
	f := newAPIFixture(t, "100000")
	owner, _ := f.signup(t, "alice")
	stranger, _ := f.signup(t, "bob")
	modelID := f.startTraining(t, owner, "search-model")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/cache/invalidate", stranger, map[string]any{
		"model_id": modelID.String(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/cache/invalidate", owner, map[string]any{
		"model_id": modelID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheTokenRequiresReadAccess(t *testing.T) {
	f := newAPIFixture(t, "100000")
	owner, _ := f.signup(t, "alice")
	stranger, _ := f.signup(t, "bob")
	modelID := f.startTraining(t, owner, "search-model")

	rec, _ := f.do(t, http.MethodGet, "/api/v1/cache/token?model_id="+modelID.String(), stranger, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminGating(t *testing.T) {
	f := newAPIFixture(t, "100000")
	token, userID := f.signup(t, "alice")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/teams", token, map[string]any{
		"name": "research",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.promote(t, userID)

	rec, env := f.do(t, http.MethodPost, "/api/v1/teams", token, map[string]any{
		"name": "research",
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
}

func TestTeamMembership(t *testing.T) {
	f := newAPIFixture(t, "100000")
	admin, adminID := f.signup(t, "admin")
	f.promote(t, adminID)
	_, memberID := f.signup(t, "member")

	rec, env := f.do(t, http.MethodPost, "/api/v1/teams", admin, map[string]any{
		"name": "research",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	teamID := env.Data["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/teams/"+teamID+"/members", admin, map[string]any{
		"user_id": memberID.String(), "role": "team_admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/v1/teams/"+teamID+"/members", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	members := env.Data["members"].([]any)
	require.Len(t, members, 1)

	rec, _ = f.do(t, http.MethodDelete,
		"/api/v1/teams/"+teamID+"/members/"+memberID.String(), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBackupConfigure(t *testing.T) {
	f := newAPIFixture(t, "100000")
	admin, adminID := f.signup(t, "admin")
	f.promote(t, adminID)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/backup", admin, map[string]any{
		"provider": "ftp",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/backup", admin, map[string]any{
		"provider": "s3",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code) // bucket required

	rec, env := f.do(t, http.MethodPost, "/api/v1/backup", admin, map[string]any{
		"provider": "local", "cron_expr": "0 3 * * *",
	})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	require.NotEmpty(t, env.Data["backup"])

	rec, env = f.do(t, http.MethodGet, "/api/v1/backup/config", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "local", env.Data["provider"])
}

func TestDetachedBackupReturnsJobID(t *testing.T) {
	f := newAPIFixture(t, "100000")
	admin, adminID := f.signup(t, "admin")
	f.promote(t, adminID)

	rec, env := f.do(t, http.MethodPost, "/api/v1/backup", admin, map[string]any{
		"provider": "local", "detached": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	require.NotEmpty(t, env.Data["job_id"])
}

func TestUserDeleteGuards(t *testing.T) {
	f := newAPIFixture(t, "100000")
	admin, adminID := f.signup(t, "admin")
	f.promote(t, adminID)
	_, victimID := f.signup(t, "victim")

	// Self-deletion is refused.
	rec, _ := f.do(t, http.MethodDelete, "/api/v1/users/"+adminID.String(), admin, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/users/"+victimID.String(), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCatalogRoundTrip(t *testing.T) {
	f := newAPIFixture(t, "100000")
	admin, adminID := f.signup(t, "admin")
	f.promote(t, adminID)

	rec, env := f.do(t, http.MethodPost, "/api/v1/catalog", admin, map[string]any{
		"name": "sentiment-base", "task": "classification",
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)

	rec, env = f.do(t, http.MethodGet, "/api/v1/catalog/sentiment-base", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "sentiment-base", env.Data["name"])
}

func TestIntegrationCredentialsNeverEchoed(t *testing.T) {
	f := newAPIFixture(t, "100000")
	admin, adminID := f.signup(t, "admin")
	f.promote(t, adminID)

	rec, env := f.do(t, http.MethodPost, "/api/v1/integrations", admin, map[string]any{
		"type": "openai", "api_key": "sk-super-secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	require.NotContains(t, rec.Body.String(), "sk-super-secret")

	rec, _ = f.do(t, http.MethodGet, "/api/v1/integrations", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "sk-super-secret")
}
