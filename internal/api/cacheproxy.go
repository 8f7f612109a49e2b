package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/cache"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// CacheHandler fronts the semantic cache. Data-path endpoints require a
// model-scoped cache token; Token mints one for a user with read access.
type CacheHandler struct {
	cache    *cache.Cache
	models   repositories.ModelRepository
	resolver *auth.PermissionResolver
	jwt      *auth.JwtManager
	logger   *zap.Logger
}

func NewCacheHandler(c *cache.Cache, models repositories.ModelRepository, resolver *auth.PermissionResolver, jwt *auth.JwtManager, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{cache: c, models: models, resolver: resolver, jwt: jwt, logger: logger}
}

// Token exchanges a user token for a short-lived cache token bound to one
// model.
func (h *CacheHandler) Token(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("model_id")
	if raw == "" {
		BadRequest(w, "model_id is required")
		return
	}
	model, ok := h.loadModel(w, r, raw)
	if !ok {
		return
	}
	if err := h.resolver.Authorize(r.Context(), userFromCtx(r.Context()), model, auth.OpRead); err != nil {
		writeError(w, err)
		return
	}
	token, err := h.jwt.CacheToken(model.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{"access_token": token, "model_id": model.ID.String()})
}

type cacheInsertRequest struct {
	Query    string `json:"query"`
	Response string `json:"llm_response"`
}

// Insert stores one response under the token's model.
func (h *CacheHandler) Insert(w http.ResponseWriter, r *http.Request) {
	modelID, ok := h.tokenModel(w, r)
	if !ok {
		return
	}
	var req cacheInsertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == "" || req.Response == "" {
		BadRequest(w, "query and llm_response are required")
		return
	}
	err := h.cache.Insert(cache.Entry{
		ModelID:    modelID,
		QueryText:  req.Query,
		Response:   req.Response,
		InsertedAt: time.Now().UnixNano(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	Created(w, nil)
}

// Query answers a lookup. A miss is a successful response with a null
// llm_response, so clients fall through to the live model without branching
// on status codes.
func (h *CacheHandler) Query(w http.ResponseWriter, r *http.Request) {
	modelID, ok := h.tokenModel(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		BadRequest(w, "query is required")
		return
	}
	hit, err := h.cache.Query(modelID, query)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			Ok(w, map[string]any{"llm_response": nil})
			return
		}
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{
		"query":        hit.Entry.QueryText,
		"llm_response": hit.Entry.Response,
		"score":        hit.Score,
	})
}

// Suggestions returns nearby cached queries without a threshold.
func (h *CacheHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	modelID, ok := h.tokenModel(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		BadRequest(w, "query is required")
		return
	}
	Ok(w, map[string]any{"suggestions": h.cache.Suggestions(modelID, query)})
}

type cacheInvalidateRequest struct {
	ModelID string `json:"model_id"`
}

// Invalidate drops every entry for a model. User authenticated, write
// access required: invalidation usually follows a model update.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req cacheInvalidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	model, ok := h.loadModel(w, r, req.ModelID)
	if !ok {
		return
	}
	if err := h.resolver.Authorize(r.Context(), userFromCtx(r.Context()), model, auth.OpWrite); err != nil {
		writeError(w, err)
		return
	}
	if err := h.cache.Invalidate(model.ID, time.Now().UnixNano()); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("cache invalidated", zap.String("model_id", model.ID.String()))
	Ok(w, nil)
}

func (h *CacheHandler) loadModel(w http.ResponseWriter, r *http.Request, raw string) (*db.Model, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		BadRequest(w, "invalid model_id")
		return nil, false
	}
	model, err := h.models.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return model, true
}

// tokenModel extracts the model binding of a cache token.
func (h *CacheHandler) tokenModel(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		writeError(w, auth.ErrTokenInvalid)
		return uuid.Nil, false
	}
	id, err := claimModelID(claims)
	if err != nil {
		writeError(w, err)
		return uuid.Nil, false
	}
	return id, true
}
