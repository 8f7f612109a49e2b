package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/backupsvc"
	"github.com/bazaar-ml/bazaar/internal/cache"
	"github.com/bazaar-ml/bazaar/internal/events"
	"github.com/bazaar-ml/bazaar/internal/jobs"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/repositories"
	"github.com/bazaar-ml/bazaar/internal/storage"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger   *zap.Logger
	JWT      *auth.JwtManager
	Local    *auth.LocalProvider
	Resolver *auth.PermissionResolver

	// Repositories used directly by handlers that need no service-layer logic.
	Users         repositories.UserRepository
	Teams         repositories.TeamRepository
	Models        repositories.ModelRepository
	Integrations  repositories.IntegrationRepository
	Catalog       repositories.CatalogRepository
	BackupConfigs repositories.BackupConfigRepository

	Manager *jobs.Manager
	Cache   *cache.Cache
	Backups *backupsvc.Service
	Storage *storage.Registry
	Hub     *events.Hub
	LLMs    *llm.Registry

	// ShareDir is the volume the low-disk gate watches.
	ShareDir string
}

// NewRouter builds and returns the fully configured chi router. All
// application routes are registered under /api/v1; /metrics and /health sit
// at the root for scrapers and load balancers.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Recoverer(cfg.Logger))
	r.Use(Timeout)
	r.Use(LowDiskGuard(cfg.ShareDir, cfg.Logger))

	authHandler := NewAuthHandler(cfg.JWT, cfg.Local, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Resolver, cfg.Logger)
	teamHandler := NewTeamHandler(cfg.Teams, cfg.Resolver, cfg.Logger)
	modelHandler := NewModelHandler(cfg.Models, cfg.Resolver, cfg.Manager, cfg.Cache, cfg.Logger)
	trainHandler := NewTrainHandler(cfg.Models, cfg.Resolver, cfg.Manager, cfg.Storage, cfg.Logger)
	deployHandler := NewDeployHandler(cfg.Models, cfg.Resolver, cfg.Manager, cfg.LLMs, cfg.Logger)
	workflowHandler := NewWorkflowHandler(cfg.Models, cfg.Resolver, cfg.LLMs, cfg.Logger)
	cacheHandler := NewCacheHandler(cfg.Cache, cfg.Models, cfg.Resolver, cfg.JWT, cfg.Logger)
	backupHandler := NewBackupHandler(cfg.BackupConfigs, cfg.Backups, cfg.Manager, cfg.Logger)
	integrationHandler := NewIntegrationHandler(cfg.Integrations, cfg.Logger)
	catalogHandler := NewCatalogHandler(cfg.Catalog, cfg.Logger)
	eventsHandler := NewEventsHandler(cfg.Hub, cfg.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "healthy"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/signup", authHandler.Signup)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/reset-request", authHandler.RequestReset)
			r.Post("/auth/reset", authHandler.Reset)
		})

		// --- Authenticated routes (valid user JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWT, cfg.Users))

			r.Post("/auth/refresh", authHandler.Refresh)
			r.Get("/users/me", userHandler.GetMe)

			// Models
			r.Get("/models", modelHandler.List)
			r.Get("/models/{id}", modelHandler.Get)
			r.Delete("/models/{id}", modelHandler.Delete)
			r.Get("/models/{id}/permissions", modelHandler.Permissions)
			r.Get("/models/{id}/dependencies", modelHandler.Dependencies)

			// Training
			r.Post("/train", trainHandler.Start)
			r.Get("/train/{id}/status", trainHandler.Status)

			// Deployment
			r.Post("/deploy/{id}", deployHandler.Start)
			r.Get("/deploy/{id}/status", deployHandler.Status)

			// Workflows
			r.Post("/workflow/enterprise-search", workflowHandler.EnterpriseSearch)

			// Cache control plane; the data path uses cache tokens below.
			r.Get("/cache/token", cacheHandler.Token)
			r.Post("/cache/invalidate", cacheHandler.Invalidate)

			// Teams (membership management is admin-only below)
			r.Get("/teams", teamHandler.List)
			r.Get("/teams/{id}", teamHandler.Get)
			r.Get("/teams/{id}/members", teamHandler.ListMembers)

			// Catalog
			r.Get("/catalog", catalogHandler.List)
			r.Get("/catalog/{name}", catalogHandler.Get)

			// Status event stream
			r.Get("/events", eventsHandler.Stream)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireGlobalAdmin)

				r.Get("/users", userHandler.List)
				r.Patch("/users/{id}/admin", userHandler.Promote)
				r.Delete("/users/{id}", userHandler.Delete)

				r.Post("/teams", teamHandler.Create)
				r.Delete("/teams/{id}", teamHandler.Delete)
				r.Post("/teams/{id}/members", teamHandler.AddMember)
				r.Delete("/teams/{id}/members/{user_id}", teamHandler.RemoveMember)

				r.Post("/backup", backupHandler.Configure)
				r.Get("/backup/config", backupHandler.GetConfig)

				r.Post("/integrations", integrationHandler.Create)
				r.Get("/integrations", integrationHandler.List)
				r.Delete("/integrations/{id}", integrationHandler.Delete)

				r.Post("/catalog", catalogHandler.Create)
			})
		})

		// --- Job-token routes (scheduler-launched processes) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateJob(cfg.JWT))

			r.Post("/train/update-status", trainHandler.UpdateStatus)
			r.Post("/deploy/update-status", deployHandler.UpdateStatus)
			r.Post("/deploy/{id}/save", deployHandler.Save)
		})

		// Deployment teardown accepts both user tokens and the replica's own
		// job token (idle self-shutdown).
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateUserOrJob(cfg.JWT, cfg.Users))

			r.Delete("/deploy/{id}", deployHandler.Stop)
		})

		// --- Cache-token routes (model-scoped data path) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateCache(cfg.JWT))

			r.Post("/cache/insert", cacheHandler.Insert)
			r.Get("/cache/query", cacheHandler.Query)
			r.Get("/cache/suggestions", cacheHandler.Suggestions)
		})
	})

	return r
}
