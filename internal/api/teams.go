package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// TeamHandler serves team CRUD and membership management.
type TeamHandler struct {
	teams    repositories.TeamRepository
	resolver *auth.PermissionResolver
	logger   *zap.Logger
}

func NewTeamHandler(teams repositories.TeamRepository, resolver *auth.PermissionResolver, logger *zap.Logger) *TeamHandler {
	return &TeamHandler{teams: teams, resolver: resolver, logger: logger}
}

type createTeamRequest struct {
	Name string `json:"name"`
}

func (h *TeamHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	team := &db.Team{Name: req.Name}
	if err := h.teams.Create(r.Context(), team); err != nil {
		writeError(w, err)
		return
	}
	Created(w, team)
}

func (h *TeamHandler) List(w http.ResponseWriter, r *http.Request) {
	teams, total, err := h.teams.List(r.Context(), listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{"teams": teams, "total": total})
}

func (h *TeamHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	team, err := h.teams.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, team)
}

func (h *TeamHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.teams.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	// Memberships changed wholesale; drop every cached decision.
	h.resolver.InvalidateAll()
	Ok(w, nil)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *TeamHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		BadRequest(w, "invalid user_id")
		return
	}
	role := req.Role
	if role == "" {
		role = db.RoleMember
	}
	if role != db.RoleMember && role != db.RoleTeamAdmin {
		BadRequest(w, "role must be member or team_admin")
		return
	}

	membership := &db.UserTeam{UserID: userID, TeamID: teamID, Role: role}
	if err := h.teams.AddMember(r.Context(), membership); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateAll()
	h.logger.Info("team member added",
		zap.String("team_id", teamID.String()),
		zap.String("user_id", userID.String()), zap.String("role", role))
	Created(w, membership)
}

func (h *TeamHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "user_id")
	if !ok {
		return
	}
	if err := h.teams.RemoveMember(r.Context(), teamID, userID); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateAll()
	Ok(w, nil)
}

func (h *TeamHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	teamID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	members, err := h.teams.ListMembers(r.Context(), teamID)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, map[string]any{"members": members})
}
