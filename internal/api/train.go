package api

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/jobs"
	"github.com/bazaar-ml/bazaar/internal/repositories"
	"github.com/bazaar-ml/bazaar/internal/storage"
)

// modelNamePattern constrains names to path-safe identifiers, since names
// become directory components under the share volume.
var modelNamePattern = regexp.MustCompile(`^[\w-]+$`)

// TrainHandler starts training jobs and reports training progress.
type TrainHandler struct {
	models   repositories.ModelRepository
	resolver *auth.PermissionResolver
	manager  *jobs.Manager
	storage  *storage.Registry
	logger   *zap.Logger
}

func NewTrainHandler(models repositories.ModelRepository, resolver *auth.PermissionResolver, manager *jobs.Manager, registry *storage.Registry, logger *zap.Logger) *TrainHandler {
	return &TrainHandler{models: models, resolver: resolver, manager: manager, storage: registry, logger: logger}
}

type trainRequest struct {
	ModelName   string   `json:"model_name"`
	Type        string   `json:"type"`
	SubType     string   `json:"sub_type,omitempty"`
	AccessLevel string   `json:"access_level,omitempty"`
	TeamID      string   `json:"team_id,omitempty"`
	BaseModelID string   `json:"base_model_id,omitempty"`
	Data        []string `json:"data,omitempty"`

	// Overwrite permits replacing a previous failed attempt with the same
	// name. Live or completed models are never overwritten.
	Overwrite bool `json:"overwrite,omitempty"`
}

// Start validates the request, creates the model row in starting state, and
// submits the training job.
func (h *TrainHandler) Start(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())

	var req trainRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !modelNamePattern.MatchString(req.ModelName) {
		BadRequest(w, "model_name must match ^[\\w-]+$")
		return
	}
	modelType := req.Type
	if modelType == "" {
		modelType = db.ModelTypeNDB
	}
	if modelType != db.ModelTypeNDB && modelType != db.ModelTypeUDT {
		BadRequest(w, "type must be ndb or udt")
		return
	}
	accessLevel := req.AccessLevel
	if accessLevel == "" {
		accessLevel = db.AccessPrivate
	}
	switch accessLevel {
	case db.AccessPrivate, db.AccessProtected, db.AccessPublic:
	default:
		BadRequest(w, "invalid access_level")
		return
	}

	// Every data reference must name a storage backend we can pull from.
	for _, uri := range req.Data {
		if _, err := h.storage.ForURI(r.Context(), uri); err != nil {
			writeError(w, err)
			return
		}
	}

	var parentID *uuid.UUID
	if req.BaseModelID != "" {
		baseID, err := uuid.Parse(req.BaseModelID)
		if err != nil {
			BadRequest(w, "invalid base_model_id")
			return
		}
		base, err := h.models.GetByID(r.Context(), baseID)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := h.resolver.Authorize(r.Context(), user, base, auth.OpRead); err != nil {
			writeError(w, err)
			return
		}
		parentID = &baseID
	}

	var teamID *uuid.UUID
	if req.TeamID != "" {
		id, err := uuid.Parse(req.TeamID)
		if err != nil {
			BadRequest(w, "invalid team_id")
			return
		}
		teamID = &id
	}

	if existing, err := h.models.GetByOwnerAndName(r.Context(), user.ID, req.ModelName); err == nil {
		if !req.Overwrite || existing.TrainStatus != db.StatusFailed {
			writeError(w, repositories.ErrDuplicate)
			return
		}
		if err := h.models.Delete(r.Context(), existing.ID); err != nil {
			writeError(w, err)
			return
		}
		h.resolver.InvalidateModel(existing.ID)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		writeError(w, err)
		return
	}

	model := &db.Model{
		UserID:      user.ID,
		Name:        req.ModelName,
		Type:        modelType,
		SubType:     req.SubType,
		Domain:      user.Domain,
		AccessLevel: accessLevel,
		ParentID:    parentID,
		TeamID:      teamID,
		TrainStatus: db.StatusStarting,
	}
	if err := h.models.Create(r.Context(), model); err != nil {
		writeError(w, err)
		return
	}

	if err := h.manager.StartTrain(r.Context(), model); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("training requested",
		zap.String("model_id", model.ID.String()),
		zap.String("name", model.Name), zap.String("type", model.Type))
	Created(w, map[string]any{"model_id": model.ID.String()})
}

// Status reports the training state of a model.
func (h *TrainHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	model, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.resolver.Authorize(r.Context(), userFromCtx(r.Context()), model, auth.OpRead); err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{
		"model_id": model.ID.String(),
		"status":   model.TrainStatus,
		"message":  model.StatusMessage,
	})
}

// UpdateStatus receives progress reports from a training job. The token's
// model claim, not the body, decides which row is touched.
func (h *TrainHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	updateStatus(w, r, h.manager, repositories.StatusFieldTrain)
}
