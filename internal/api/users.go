package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// UserHandler serves account endpoints. Destructive operations are admin
// gated at the route level.
type UserHandler struct {
	users    repositories.UserRepository
	resolver *auth.PermissionResolver
	logger   *zap.Logger
}

func NewUserHandler(users repositories.UserRepository, resolver *auth.PermissionResolver, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, resolver: resolver, logger: logger}
}

// GetMe returns the calling user's account.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	Ok(w, userFromCtx(r.Context()))
}

// List returns all accounts, paginated.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, total, err := h.users.List(r.Context(), listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{"users": users, "total": total})
}

type promoteRequest struct {
	GlobalAdmin bool `json:"global_admin"`
}

// Promote flips an account's global-admin flag.
func (h *UserHandler) Promote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req promoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	user.GlobalAdmin = req.GlobalAdmin
	if err := h.users.Update(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateUser(id)
	h.logger.Info("admin flag changed",
		zap.String("user_id", id.String()), zap.Bool("global_admin", req.GlobalAdmin))
	Ok(w, user)
}

// Delete removes an account. Owned models are reassigned, not orphaned:
// protected team models go to a team admin, the rest to the oldest global
// admin.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if caller := userFromCtx(r.Context()); caller != nil && caller.ID == id {
		BadRequest(w, "cannot delete your own account")
		return
	}
	if err := h.users.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateUser(id)
	h.logger.Info("user deleted", zap.String("user_id", id.String()))
	Ok(w, nil)
}

// pathUUID parses a UUID path parameter, answering 400 on garbage.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		BadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func listOptions(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			opts.Limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			opts.Offset = v
		}
	}
	return opts
}
