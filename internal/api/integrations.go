package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// IntegrationHandler manages LLM endpoint configurations. Credentials are
// encrypted at rest and never echoed back.
type IntegrationHandler struct {
	integrations repositories.IntegrationRepository
	logger       *zap.Logger
}

func NewIntegrationHandler(integrations repositories.IntegrationRepository, logger *zap.Logger) *IntegrationHandler {
	return &IntegrationHandler{integrations: integrations, logger: logger}
}

type integrationRequest struct {
	Type    string `json:"type"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// integrationView is the response shape: metadata only, no credentials.
type integrationView struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Create registers an LLM integration.
func (h *IntegrationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req integrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Type {
	case db.IntegrationOpenAI, db.IntegrationSelfHosted, db.IntegrationAnthropic, db.IntegrationCohere:
	default:
		BadRequest(w, "unknown integration type")
		return
	}
	if req.Type == db.IntegrationSelfHosted && req.BaseURL == "" {
		BadRequest(w, "base_url is required for self_hosted")
		return
	}
	if req.Type != db.IntegrationSelfHosted && req.APIKey == "" {
		BadRequest(w, "api_key is required")
		return
	}

	data, err := json.Marshal(map[string]string{
		"api_key":  req.APIKey,
		"base_url": req.BaseURL,
		"model":    req.Model,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	integration := &db.Integration{Type: req.Type, Data: db.EncryptedString(data)}
	if err := h.integrations.Create(r.Context(), integration); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("integration created",
		zap.String("id", integration.ID.String()), zap.String("type", integration.Type))
	Created(w, integrationView{ID: integration.ID.String(), Type: integration.Type})
}

// List returns the configured integrations without their credentials.
func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	integrations, err := h.integrations.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]integrationView, 0, len(integrations))
	for _, in := range integrations {
		views = append(views, integrationView{ID: in.ID.String(), Type: in.Type})
	}
	Ok(w, map[string]any{"integrations": views})
}

// Delete removes an integration.
func (h *IntegrationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.integrations.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("integration deleted", zap.String("id", id.String()))
	Ok(w, nil)
}
