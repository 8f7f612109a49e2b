// Package worker implements the deployment runtime: one process per deployed
// model, serving queries from replicas and funneling mutations through the
// update log to the single elected writer.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/config"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/worker/updatelog"
)

// idleCheckInterval is how often the auto-idle timer is evaluated.
const idleCheckInterval = 30 * time.Second

// Runtime is one worker process. Replicas serve reads and append updates;
// the elected writer additionally runs the replay loop.
type Runtime struct {
	cfg      *config.Worker
	modelID  uuid.UUID
	reporter StatusReporter
	logger   *zap.Logger

	// model is swapped atomically on reload; handlers take a snapshot.
	model atomic.Pointer[Model]

	appender *updatelog.Appender
	writer   *Writer // nil on read replicas
	release  func()  // writer lock release, nil on replicas

	// generator answers predict requests when the deployment has an LLM
	// configured. Optional.
	generator  llm.Generator
	redactor   *Redactor
	authorizer Authorizer

	artifactDir   string
	deploymentDir string

	// Auto-idle: lastHit advances on every model endpoint; stopOnce
	// guarantees exactly one self-delete.
	idleMu   sync.Mutex
	lastHit  time.Time
	stopOnce sync.Once
}

// New builds the runtime: loads the artifact, elects the writer, and wires
// the update-log appender. On artifact load failure the caller reports
// failed and exits non-zero.
func New(cfg *config.Worker, reporter StatusReporter, logger *zap.Logger) (*Runtime, error) {
	modelID, err := uuid.Parse(cfg.ModelID)
	if err != nil {
		return nil, fmt.Errorf("worker: invalid model id %q: %w", cfg.ModelID, err)
	}
	replicaID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("worker: generating replica id: %w", err)
	}

	r := &Runtime{
		cfg:           cfg,
		modelID:       modelID,
		reporter:      reporter,
		logger:        logger.Named("worker"),
		artifactDir:   cfg.ArtifactDir(),
		deploymentDir: cfg.DeploymentDir(),
		lastHit:       time.Now(),
	}
	r.appender = updatelog.NewAppender(r.deploymentDir, replicaID)

	model, err := LoadModel(r.artifactDir)
	if err != nil {
		return nil, err
	}
	r.model.Store(&model)

	release, err := AcquireWriterLock(r.artifactDir, replicaID.String())
	if err != nil {
		return nil, err
	}
	if release != nil {
		r.release = release
		writer, err := NewWriter(model, r.deploymentDir, r.artifactDir, logger)
		if err != nil {
			release()
			return nil, err
		}
		r.writer = writer
		r.logger.Info("elected writer", zap.String("replica_id", replicaID.String()))
	}
	return r, nil
}

// SetGenerator wires an optional LLM for answer generation.
func (r *Runtime) SetGenerator(g llm.Generator) { r.generator = g }

// SetRedactor wires guardrail redaction for the predict path.
func (r *Runtime) SetRedactor(redactor *Redactor) { r.redactor = redactor }

// SetAuthorizer wires the access check every model endpoint runs. Without
// one the model routes refuse all traffic.
func (r *Runtime) SetAuthorizer(a Authorizer) { r.authorizer = a }

// SetDocFetcher wires remote document resolution for insert replay. Only
// the writer applies inserts, so replicas ignore it.
func (r *Runtime) SetDocFetcher(fetch DocFetcher) {
	if r.writer != nil {
		r.writer.applier.FetchDocs = fetch
	}
}

// IsWriter reports whether this replica won the writer election.
func (r *Runtime) IsWriter() bool { return r.writer != nil }

// Start reports readiness, then launches the writer loop (or the reload
// watcher on replicas) and the auto-idle monitor, all running until ctx is
// cancelled. It returns once the loops are up so the caller can bind the
// HTTP listener.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.reporter.ReportStatus(ctx, db.StatusComplete, ""); err != nil {
		r.logger.Warn("reporting readiness failed", zap.Error(err))
	}

	go r.idleLoop(ctx)

	if r.writer != nil {
		go func() {
			defer r.release()
			r.writer.Run(ctx)
		}()
		return nil
	}
	go func() {
		if err := WatchMarker(ctx, r.artifactDir, r.reload, r.logger); err != nil {
			r.logger.Error("marker watch stopped", zap.Error(err))
		}
	}()
	return nil
}

// reload swaps in the latest snapshot. Failures keep the current model.
func (r *Runtime) reload() {
	model, err := LoadModel(r.artifactDir)
	if err != nil {
		r.logger.Error("reloading snapshot failed", zap.Error(err))
		return
	}
	r.model.Store(&model)
}

func (r *Runtime) currentModel() Model { return *r.model.Load() }

// touch resets the auto-idle clock. Every model endpoint calls it.
func (r *Runtime) touch() {
	r.idleMu.Lock()
	r.lastHit = time.Now()
	r.idleMu.Unlock()
}

func (r *Runtime) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maybeStop()
		}
	}
}

// maybeStop requests a self-shutdown once the idle window has elapsed.
func (r *Runtime) maybeStop() {
	r.idleMu.Lock()
	idle := time.Since(r.lastHit)
	r.idleMu.Unlock()
	if idle < r.cfg.AutoIdle {
		return
	}

	// stopOnce means a slow control plane cannot be asked twice.
	r.stopOnce.Do(func() {
		r.logger.Info("idle threshold reached, requesting shutdown",
			zap.Duration("idle", idle))
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.reporter.StopSelf(stopCtx); err != nil {
			r.logger.Error("self shutdown request failed", zap.Error(err))
		}
	})
}

// Routes builds the worker's HTTP surface. Model endpoints live under the
// model id prefix so a gateway can route by path, and every one of them
// requires a bearer token the authorizer accepts. Only authorized traffic
// reaches the handlers, so anonymous probes never reset the idle clock.
func (r *Runtime) Routes() chi.Router {
	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/"+r.modelID.String(), func(router chi.Router) {
		router.Post("/predict", r.requireAccess(false, r.handlePredict))
		router.Post("/insert", r.requireAccess(true, r.handleInsert))
		router.Post("/delete", r.requireAccess(true, r.handleDelete))
		router.Post("/upvote", r.requireAccess(true, r.handleUpvote))
		router.Post("/implicit-upvote", r.requireAccess(true, r.handleImplicitUpvote))
		router.Post("/associate", r.requireAccess(true, r.handleAssociate))
		router.Post("/save", r.requireAccess(true, r.handleSave))
	})
	return router
}

// requireAccess gates a model endpoint on the caller's token. write selects
// the stricter check for mutation endpoints.
func (r *Runtime) requireAccess(write bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.authorizer == nil {
			r.fail(w, "auth", http.StatusServiceUnavailable, "authorization is not configured")
			return
		}
		if err := r.authorizer.Authorize(req.Context(), bearerToken(req), write); err != nil {
			switch {
			case errors.Is(err, ErrUnauthenticated):
				r.fail(w, "auth", http.StatusUnauthorized, "missing or invalid token")
			case errors.Is(err, ErrForbidden):
				r.fail(w, "auth", http.StatusForbidden, "access denied")
			default:
				r.logger.Error("authorization check failed", zap.Error(err))
				r.fail(w, "auth", http.StatusServiceUnavailable, "authorization unavailable")
			}
			return
		}
		next(w, req)
	}
}

func bearerToken(req *http.Request) string {
	parts := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type predictRequest struct {
	Query          string `json:"query"`
	TopK           int    `json:"top_k"`
	GenerateAnswer bool   `json:"generate_answer"`
}

type predictResponse struct {
	Query      string      `json:"query"`
	References []Reference `json:"references"`
	Answer     string      `json:"answer,omitempty"`
}

func (r *Runtime) handlePredict(w http.ResponseWriter, req *http.Request) {
	r.touch()
	started := time.Now()
	defer func() { predictLatency.Observe(time.Since(started).Seconds()) }()

	var body predictRequest
	if err := decodeJSON(req, &body); err != nil || body.Query == "" {
		r.fail(w, "predict", http.StatusBadRequest, "query is required")
		return
	}

	query := body.Query
	if r.redactor != nil {
		query = r.redactor.Redact(query)
	}

	refs, err := r.currentModel().Predict(req.Context(), query, body.TopK)
	if err != nil {
		r.fail(w, "predict", http.StatusInternalServerError, err.Error())
		return
	}

	resp := predictResponse{Query: query, References: refs}
	if body.GenerateAnswer && r.generator != nil {
		answer, err := r.generator.Generate(req.Context(), answerPrompt(query, refs))
		if err != nil {
			r.logger.Warn("answer generation failed", zap.Error(err))
		} else {
			resp.Answer = answer
		}
	}
	r.ok(w, "predict", resp)
}

func (r *Runtime) handleInsert(w http.ResponseWriter, req *http.Request) {
	var body updatelog.Insert
	if err := decodeJSON(req, &body); err != nil {
		r.fail(w, "insert", http.StatusBadRequest, "invalid request body")
		return
	}
	r.appendRecord(w, "insert", &updatelog.Record{Kind: updatelog.KindInsert, Insert: &body})
}

func (r *Runtime) handleDelete(w http.ResponseWriter, req *http.Request) {
	var body updatelog.Delete
	if err := decodeJSON(req, &body); err != nil {
		r.fail(w, "delete", http.StatusBadRequest, "invalid request body")
		return
	}
	r.appendRecord(w, "delete", &updatelog.Record{Kind: updatelog.KindDelete, Delete: &body})
}

func (r *Runtime) handleUpvote(w http.ResponseWriter, req *http.Request) {
	var body updatelog.Upvote
	if err := decodeJSON(req, &body); err != nil {
		r.fail(w, "upvote", http.StatusBadRequest, "invalid request body")
		return
	}
	r.appendRecord(w, "upvote", &updatelog.Record{Kind: updatelog.KindUpvote, Upvote: &body})
}

func (r *Runtime) handleImplicitUpvote(w http.ResponseWriter, req *http.Request) {
	var body updatelog.ImplicitUpvote
	if err := decodeJSON(req, &body); err != nil {
		r.fail(w, "implicit-upvote", http.StatusBadRequest, "invalid request body")
		return
	}
	r.appendRecord(w, "implicit-upvote",
		&updatelog.Record{Kind: updatelog.KindImplicitUpvote, ImplicitUpvote: &body})
}

func (r *Runtime) handleAssociate(w http.ResponseWriter, req *http.Request) {
	var body updatelog.Associate
	if err := decodeJSON(req, &body); err != nil {
		r.fail(w, "associate", http.StatusBadRequest, "invalid request body")
		return
	}
	r.appendRecord(w, "associate", &updatelog.Record{Kind: updatelog.KindAssociate, Associate: &body})
}

// appendRecord validates and durably appends one update. Replicas never
// mutate the model here; materialization is the writer's job.
func (r *Runtime) appendRecord(w http.ResponseWriter, endpoint string, record *updatelog.Record) {
	r.touch()
	if err := r.appender.Append(record); err != nil {
		if errors.Is(err, updatelog.ErrMalformed) {
			r.fail(w, endpoint, http.StatusBadRequest, err.Error())
			return
		}
		r.fail(w, endpoint, http.StatusInternalServerError, err.Error())
		return
	}
	updatesAppended.WithLabelValues(string(record.Kind)).Inc()
	r.ok(w, endpoint, nil)
}

type saveRequest struct {
	ModelName string `json:"model_name"`
}

func (r *Runtime) handleSave(w http.ResponseWriter, req *http.Request) {
	r.touch()
	if r.writer == nil {
		r.fail(w, "save", http.StatusPreconditionFailed, "this replica is not the writer")
		return
	}

	var body saveRequest
	if req.ContentLength > 0 {
		if err := decodeJSON(req, &body); err != nil {
			r.fail(w, "save", http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := r.writer.Save(); err != nil {
		r.fail(w, "save", http.StatusInternalServerError, err.Error())
		return
	}

	var data any
	if body.ModelName != "" {
		derivedID, err := r.reporter.RegisterDerived(req.Context(), body.ModelName)
		if err != nil {
			r.fail(w, "save", http.StatusInternalServerError, err.Error())
			return
		}
		data = map[string]string{"model_id": derivedID}
	}
	r.ok(w, "save", data)
}

func answerPrompt(query string, refs []Reference) string {
	prompt := "Answer the question using only the context below.\n\nContext:\n"
	for _, ref := range refs {
		prompt += "- " + ref.Text + "\n"
	}
	return prompt + "\nQuestion: " + query
}

func decodeJSON(req *http.Request, out any) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (r *Runtime) ok(w http.ResponseWriter, endpoint string, data any) {
	requestsTotal.WithLabelValues(endpoint, "success").Inc()
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

func (r *Runtime) fail(w http.ResponseWriter, endpoint string, code int, message string) {
	requestsTotal.WithLabelValues(endpoint, "failed").Inc()
	writeJSON(w, code, envelope{Status: "failed", Message: message})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
