package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/cache"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/jobs"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// ModelHandler serves model metadata reads and deletion. Training and
// deployment have their own handlers.
type ModelHandler struct {
	models   repositories.ModelRepository
	resolver *auth.PermissionResolver
	manager  *jobs.Manager
	cache    *cache.Cache
	logger   *zap.Logger
}

func NewModelHandler(models repositories.ModelRepository, resolver *auth.PermissionResolver, manager *jobs.Manager, c *cache.Cache, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{models: models, resolver: resolver, manager: manager, cache: c, logger: logger}
}

// List returns the models the caller may read. The page is filtered after
// the query; permission state lives outside the models table.
func (h *ModelHandler) List(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())
	models, total, err := h.models.List(r.Context(), listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}

	visible := make([]db.Model, 0, len(models))
	for i := range models {
		perms, err := h.resolver.Resolve(r.Context(), user, &models[i])
		if err != nil {
			writeError(w, err)
			return
		}
		if perms.Read {
			visible = append(visible, models[i])
		}
	}
	Ok(w, map[string]any{"models": visible, "total": total})
}

func (h *ModelHandler) Get(w http.ResponseWriter, r *http.Request) {
	model, ok := h.readableModel(w, r)
	if !ok {
		return
	}
	Ok(w, model)
}

// Permissions reports the caller's effective rights on a model.
func (h *ModelHandler) Permissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	model, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	perms, err := h.resolver.Resolve(r.Context(), userFromCtx(r.Context()), model)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, perms)
}

// Dependencies lists the leaf models a workflow model composes.
func (h *ModelHandler) Dependencies(w http.ResponseWriter, r *http.Request) {
	model, ok := h.readableModel(w, r)
	if !ok {
		return
	}
	deps, err := h.models.ListDependencies(r.Context(), model.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{"dependencies": deps})
}

// Delete removes a model. A live deployment is stopped first so the
// scheduler job does not outlive the row.
func (h *ModelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	model, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.resolver.Authorize(r.Context(), userFromCtx(r.Context()), model, auth.OpWrite); err != nil {
		writeError(w, err)
		return
	}

	switch model.DeployStatus {
	case db.StatusStarting, db.StatusInProgress, db.StatusComplete:
		if err := h.manager.StopDeploy(r.Context(), model); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := h.models.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateModel(id)
	if h.cache != nil {
		if err := h.cache.Invalidate(id, time.Now().UnixNano()); err != nil {
			h.logger.Warn("cache invalidation on delete failed",
				zap.String("model_id", id.String()), zap.Error(err))
		}
	}
	h.logger.Info("model deleted", zap.String("model_id", id.String()))
	Ok(w, nil)
}

// readableModel loads the path model and checks read access, answering the
// error itself. Returns false when the response is already written.
func (h *ModelHandler) readableModel(w http.ResponseWriter, r *http.Request) (*db.Model, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	model, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if err := h.resolver.Authorize(r.Context(), userFromCtx(r.Context()), model, auth.OpRead); err != nil {
		writeError(w, err)
		return nil, false
	}
	return model, true
}
