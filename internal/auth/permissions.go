package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// Op is the operation being authorized against a model.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// permissionTTL bounds how stale a cached decision may be. Cross-user
// permission changes are rare enough that a five-minute lag is acceptable;
// writes to users, teams, and models invalidate proactively on top of it.
const permissionTTL = 5 * time.Minute

// Permissions holds the effective rights of one user on one model.
type Permissions struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// cacheEntry is one memoized decision.
type cacheEntry struct {
	perms   Permissions
	expires time.Time
}

// PermissionResolver evaluates user access to models and memoizes decisions
// per (user, model) pair. The cache is per-process.
type PermissionResolver struct {
	users repositories.UserRepository
	teams repositories.TeamRepository

	mu    sync.Mutex
	cache map[[2]uuid.UUID]cacheEntry
}

// NewPermissionResolver creates a resolver with an empty cache.
func NewPermissionResolver(users repositories.UserRepository, teams repositories.TeamRepository) *PermissionResolver {
	return &PermissionResolver{
		users: users,
		teams: teams,
		cache: make(map[[2]uuid.UUID]cacheEntry),
	}
}

// Resolve returns the effective permissions of user on model.
//
// Evaluation order: global admin, then owner (full access); public grants
// read; protected grants read on matching domain; team_admin of the model's
// team grants write (and therefore read).
func (r *PermissionResolver) Resolve(ctx context.Context, user *db.User, model *db.Model) (Permissions, error) {
	key := [2]uuid.UUID{user.ID, model.ID}

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.perms, nil
	}
	r.mu.Unlock()

	perms, err := r.evaluate(ctx, user, model)
	if err != nil {
		return Permissions{}, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{perms: perms, expires: time.Now().Add(permissionTTL)}
	r.mu.Unlock()
	return perms, nil
}

func (r *PermissionResolver) evaluate(ctx context.Context, user *db.User, model *db.Model) (Permissions, error) {
	if user.GlobalAdmin || model.UserID == user.ID {
		return Permissions{Read: true, Write: true}, nil
	}

	var perms Permissions
	switch model.AccessLevel {
	case db.AccessPublic:
		perms.Read = true
	case db.AccessProtected:
		if user.Domain != "" && user.Domain == model.Domain {
			perms.Read = true
		}
	}

	if model.TeamID != nil {
		membership, err := r.teams.GetMembership(ctx, *model.TeamID, user.ID)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return Permissions{}, fmt.Errorf("auth: resolving team membership: %w", err)
		}
		if err == nil && membership.Role == db.RoleTeamAdmin {
			perms.Read = true
			perms.Write = true
		}
	}

	return perms, nil
}

// Authorize returns nil when the user may perform op on the model and
// ErrForbidden otherwise.
func (r *PermissionResolver) Authorize(ctx context.Context, user *db.User, model *db.Model, op Op) error {
	perms, err := r.Resolve(ctx, user, model)
	if err != nil {
		return err
	}
	allowed := perms.Read
	if op == OpWrite {
		allowed = perms.Write
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// InvalidateUser drops all cached decisions involving the given user.
// Called on writes to User or Team rows.
func (r *PermissionResolver) InvalidateUser(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key[0] == userID {
			delete(r.cache, key)
		}
	}
}

// InvalidateModel drops all cached decisions involving the given model.
// Called on writes to Model rows.
func (r *PermissionResolver) InvalidateModel(modelID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key[1] == modelID {
			delete(r.cache, key)
		}
	}
}

// InvalidateAll drops the whole cache. Called on team membership changes,
// which can affect many (user, model) pairs at once.
func (r *PermissionResolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[[2]uuid.UUID]cacheEntry)
}
