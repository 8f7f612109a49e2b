package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// CatalogHandler serves the generated-dataset catalog used as training
// input. Registration is admin gated; the pipeline runs with an admin token.
type CatalogHandler struct {
	catalog repositories.CatalogRepository
	logger  *zap.Logger
}

func NewCatalogHandler(catalog repositories.CatalogRepository, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, logger: logger}
}

type catalogRequest struct {
	Name                string   `json:"name"`
	Task                string   `json:"task"`
	TargetLabels        []string `json:"target_labels,omitempty"`
	NumGeneratedSamples int64    `json:"num_generated_samples,omitempty"`
}

// Create registers a generated dataset.
func (h *CatalogHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req catalogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Task == "" {
		BadRequest(w, "name and task are required")
		return
	}
	labels, err := json.Marshal(req.TargetLabels)
	if err != nil {
		writeError(w, err)
		return
	}

	entry := &db.CatalogEntry{
		Name:                req.Name,
		Task:                req.Task,
		TargetLabels:        string(labels),
		NumGeneratedSamples: req.NumGeneratedSamples,
	}
	if err := h.catalog.Create(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("catalog entry created", zap.String("name", entry.Name))
	Created(w, entry)
}

// List returns catalog entries, paginated.
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.catalog.List(r.Context(), listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{"entries": entries, "total": total})
}

// Get returns one catalog entry by name.
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, err := h.catalog.GetByName(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, entry)
}
