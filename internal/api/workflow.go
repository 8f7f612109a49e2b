package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// WorkflowHandler composes existing leaf models into workflow models.
// Workflows carry no jobs of their own; they are metadata plus dependencies.
type WorkflowHandler struct {
	models   repositories.ModelRepository
	resolver *auth.PermissionResolver
	llms     *llm.Registry
	logger   *zap.Logger
}

func NewWorkflowHandler(models repositories.ModelRepository, resolver *auth.PermissionResolver, llms *llm.Registry, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{models: models, resolver: resolver, llms: llms, logger: logger}
}

type enterpriseSearchRequest struct {
	ModelName   string `json:"model_name"`
	RetrievalID string `json:"retrieval_id"`
	GuardrailID string `json:"guardrail_id,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
}

// EnterpriseSearch creates an enterprise-search workflow over a retrieval
// model, optionally guarded by a token classifier.
func (h *WorkflowHandler) EnterpriseSearch(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())

	var req enterpriseSearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !modelNamePattern.MatchString(req.ModelName) {
		BadRequest(w, "model_name must match ^[\\w-]+$")
		return
	}

	if req.LLMProvider != "" && h.llms != nil {
		if _, err := h.llms.ForType(r.Context(), req.LLMProvider); err != nil {
			writeError(w, err)
			return
		}
	}

	retrieval, ok := h.requireDependency(w, r, user, req.RetrievalID, db.ModelTypeNDB, "retrieval_id")
	if !ok {
		return
	}

	var guardrail *db.Model
	if req.GuardrailID != "" {
		guardrail, ok = h.requireDependency(w, r, user, req.GuardrailID, db.ModelTypeUDT, "guardrail_id")
		if !ok {
			return
		}
	}

	workflow := &db.Model{
		UserID:      user.ID,
		Name:        req.ModelName,
		Type:        db.ModelTypeEnterpriseSearch,
		Domain:      user.Domain,
		AccessLevel: db.AccessPrivate,
	}
	if err := h.models.Create(r.Context(), workflow); err != nil {
		writeError(w, err)
		return
	}

	deps := []uuid.UUID{retrieval.ID}
	if guardrail != nil {
		deps = append(deps, guardrail.ID)
	}
	for _, depID := range deps {
		dep := &db.ModelDependency{ModelID: workflow.ID, DependencyID: depID}
		if err := h.models.AddDependency(r.Context(), dep); err != nil {
			writeError(w, err)
			return
		}
	}

	attrs := map[string]string{"retrieval_id": retrieval.ID.String()}
	if guardrail != nil {
		attrs["guardrail_id"] = guardrail.ID.String()
	}
	if req.LLMProvider != "" {
		attrs["llm_provider"] = req.LLMProvider
	}
	for key, value := range attrs {
		attr := &db.ModelAttribute{ModelID: workflow.ID, Key: key, Value: value}
		if err := h.models.SetAttribute(r.Context(), attr); err != nil {
			writeError(w, err)
			return
		}
	}

	h.logger.Info("enterprise search workflow created",
		zap.String("model_id", workflow.ID.String()),
		zap.String("retrieval_id", retrieval.ID.String()))
	Created(w, map[string]any{"model_id": workflow.ID.String()})
}

// requireDependency loads a dependency, checks its type, and verifies read
// access. Returns false when the response is already written.
func (h *WorkflowHandler) requireDependency(w http.ResponseWriter, r *http.Request, user *db.User, raw, wantType, fieldName string) (*db.Model, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		BadRequest(w, "invalid "+fieldName)
		return nil, false
	}
	model, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if model.Type != wantType {
		BadRequest(w, fieldName+" must reference a "+wantType+" model")
		return nil, false
	}
	if err := h.resolver.Authorize(r.Context(), user, model, auth.OpRead); err != nil {
		writeError(w, err)
		return nil, false
	}
	return model, true
}
