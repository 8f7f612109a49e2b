package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/jobs"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// DeployHandler starts, stops, and observes deployment jobs, and registers
// derived models saved by a running deployment.
type DeployHandler struct {
	models   repositories.ModelRepository
	resolver *auth.PermissionResolver
	manager  *jobs.Manager
	llms     *llm.Registry
	logger   *zap.Logger
}

func NewDeployHandler(models repositories.ModelRepository, resolver *auth.PermissionResolver, manager *jobs.Manager, llms *llm.Registry, logger *zap.Logger) *DeployHandler {
	return &DeployHandler{models: models, resolver: resolver, manager: manager, llms: llms, logger: logger}
}

type deployRequest struct {
	Replicas int `json:"replicas,omitempty"`
	// LLMProvider selects the integration whose credentials the deployment
	// uses for answer generation. Stored as a model attribute so redeploys
	// keep it.
	LLMProvider string `json:"llm_provider,omitempty"`
	// GuardrailTags lists redaction patterns the workers apply to incoming
	// queries (EMAIL, PHONE, SSN, CREDIT_CARD). Also kept as an attribute.
	GuardrailTags []string `json:"guardrail_tags,omitempty"`
}

// Start submits a deployment job for a trained model.
func (h *DeployHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req deployRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
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
	if model.TrainStatus != db.StatusComplete {
		failJSON(w, http.StatusPreconditionFailed, "model training is not complete")
		return
	}
	switch model.DeployStatus {
	case db.StatusStarting, db.StatusInProgress, db.StatusComplete:
		failJSON(w, http.StatusConflict, "deployment already exists")
		return
	}

	if req.LLMProvider != "" {
		// The provider must resolve to a configured integration before it
		// is stored on the model.
		if h.llms != nil {
			if _, err := h.llms.ForType(r.Context(), req.LLMProvider); err != nil {
				writeError(w, err)
				return
			}
		}
		attr := &db.ModelAttribute{ModelID: model.ID, Key: "llm_provider", Value: req.LLMProvider}
		if err := h.models.SetAttribute(r.Context(), attr); err != nil {
			writeError(w, err)
			return
		}
	}
	if len(req.GuardrailTags) > 0 {
		attr := &db.ModelAttribute{
			ModelID: model.ID, Key: "guardrail_tags", Value: strings.Join(req.GuardrailTags, ","),
		}
		if err := h.models.SetAttribute(r.Context(), attr); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := h.manager.StartDeploy(r.Context(), model, req.Replicas); err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{"model_id": model.ID.String()})
}

// Stop tears down a deployment. It accepts both user tokens (with write
// access) and the deployment's own job token, which replicas use to shut
// themselves down after the idle window.
func (h *DeployHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	model, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.authorizeDeployment(w, r, model) {
		return
	}

	if err := h.manager.StopDeploy(r.Context(), model); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("deployment stop requested", zap.String("model_id", id.String()))
	Ok(w, nil)
}

// Status reports the deployment state of a model.
func (h *DeployHandler) Status(w http.ResponseWriter, r *http.Request) {
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
		"status":   model.DeployStatus,
		"message":  model.StatusMessage,
	})
}

// UpdateStatus receives progress reports from a deployment replica.
func (h *DeployHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	updateStatus(w, r, h.manager, repositories.StatusFieldDeploy)
}

type saveRequest struct {
	ModelName string `json:"model_name"`
}

// Save registers the snapshot a deployment writer just persisted as a
// derived model. Job-token authenticated; the claim names the parent.
func (h *DeployHandler) Save(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		writeError(w, auth.ErrTokenInvalid)
		return
	}
	claimed, err := claimModelID(claims)
	if err != nil || claimed != id {
		writeError(w, auth.ErrForbidden)
		return
	}

	var req saveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !modelNamePattern.MatchString(req.ModelName) {
		BadRequest(w, "model_name must match ^[\\w-]+$")
		return
	}

	parent, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	derived := &db.Model{
		UserID:      parent.UserID,
		Name:        req.ModelName,
		Type:        parent.Type,
		SubType:     parent.SubType,
		Domain:      parent.Domain,
		AccessLevel: parent.AccessLevel,
		ParentID:    &parent.ID,
		TeamID:      parent.TeamID,
		// The snapshot is a finished artifact, immediately deployable.
		TrainStatus: db.StatusComplete,
	}
	if err := h.models.Create(r.Context(), derived); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("derived model registered",
		zap.String("parent_id", parent.ID.String()),
		zap.String("model_id", derived.ID.String()), zap.String("name", derived.Name))
	Created(w, map[string]any{"model_id": derived.ID.String()})
}

// authorizeDeployment admits a user with write access or the deployment's
// own job token.
func (h *DeployHandler) authorizeDeployment(w http.ResponseWriter, r *http.Request, model *db.Model) bool {
	if user := userFromCtx(r.Context()); user != nil {
		if err := h.resolver.Authorize(r.Context(), user, model, auth.OpWrite); err != nil {
			writeError(w, err)
			return false
		}
		return true
	}
	claims := claimsFromCtx(r.Context())
	if claims != nil {
		if claimed, err := claimModelID(claims); err == nil && claimed == model.ID {
			return true
		}
	}
	writeError(w, auth.ErrForbidden)
	return false
}

type updateStatusRequest struct {
	Status  db.Status `json:"status"`
	Message string    `json:"message,omitempty"`
}

// updateStatus is the shared body of the job-token status report endpoints.
// The token's model claim, not the request body, selects the row.
func updateStatus(w http.ResponseWriter, r *http.Request, manager *jobs.Manager, field string) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		writeError(w, auth.ErrTokenInvalid)
		return
	}
	modelID, err := claimModelID(claims)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		BadRequest(w, "invalid status")
		return
	}

	if err := manager.ReportStatus(r.Context(), modelID, field, req.Status, req.Message); err != nil {
		writeError(w, err)
		return
	}
	Ok(w, nil)
}
