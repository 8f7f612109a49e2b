// Package repositories defines the data-access interfaces over the metadata
// store and their GORM implementations. Handlers and services depend on the
// interfaces, which keeps them testable against the in-memory SQLite store.
package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDCSub(ctx context.Context, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error

	// Delete removes the user after reassigning their models: protected
	// models go to a team_admin of the model's team, everything else to the
	// oldest global admin. Runs in one transaction.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
	ListGlobalAdmins(ctx context.Context) ([]db.User, error)

	// Reset codes for the password-recovery flow.
	CreateResetCode(ctx context.Context, code *db.PasswordResetCode) error
	ConsumeResetCode(ctx context.Context, codeHash string) (*db.PasswordResetCode, error)
}

// -----------------------------------------------------------------------------
// TeamRepository
// -----------------------------------------------------------------------------

type TeamRepository interface {
	Create(ctx context.Context, team *db.Team) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Team, int64, error)

	AddMember(ctx context.Context, membership *db.UserTeam) error
	RemoveMember(ctx context.Context, teamID, userID uuid.UUID) error
	GetMembership(ctx context.Context, teamID, userID uuid.UUID) (*db.UserTeam, error)
	ListMembers(ctx context.Context, teamID uuid.UUID) ([]db.UserTeam, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]db.UserTeam, error)
}

// -----------------------------------------------------------------------------
// ModelRepository
// -----------------------------------------------------------------------------

type ModelRepository interface {
	Create(ctx context.Context, model *db.Model) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Model, error)
	GetByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*db.Model, error)
	Update(ctx context.Context, model *db.Model) error

	// Delete soft-deletes the model. The caller is responsible for stopping
	// any live deployment first.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.Model, int64, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Model, int64, error)

	// ListNonTerminal returns models whose train or deploy status still needs
	// reconciliation against the scheduler.
	ListNonTerminal(ctx context.Context) ([]db.Model, error)

	// TransitionStatus moves one status column of a model inside a row-locking
	// transaction, enforcing db.Status transition rules. field is one of
	// "train_status", "deploy_status", "cache_refresh_status". message is
	// stored as the row's StatusMessage when non-empty.
	TransitionStatus(ctx context.Context, id uuid.UUID, field string, next db.Status, message string) error

	// Dependencies and attributes for workflow models.
	AddDependency(ctx context.Context, dep *db.ModelDependency) error
	ListDependencies(ctx context.Context, modelID uuid.UUID) ([]db.ModelDependency, error)
	SetAttribute(ctx context.Context, attr *db.ModelAttribute) error
	GetAttributes(ctx context.Context, modelID uuid.UUID) (map[string]string, error)
}

// -----------------------------------------------------------------------------
// UsageRepository
// -----------------------------------------------------------------------------

type UsageRepository interface {
	Get(ctx context.Context, modelID uuid.UUID) (*db.Usage, error)

	// Add increments the counters for a model, creating the row on first use.
	Add(ctx context.Context, modelID uuid.UUID, requests, bytesStored, cpuSeconds int64) error
}

// -----------------------------------------------------------------------------
// IntegrationRepository
// -----------------------------------------------------------------------------

type IntegrationRepository interface {
	Create(ctx context.Context, integration *db.Integration) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Integration, error)
	GetByType(ctx context.Context, typ string) (*db.Integration, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]db.Integration, error)
}

// -----------------------------------------------------------------------------
// CatalogRepository
// -----------------------------------------------------------------------------

type CatalogRepository interface {
	Create(ctx context.Context, entry *db.CatalogEntry) error
	GetByName(ctx context.Context, name string) (*db.CatalogEntry, error)
	List(ctx context.Context, opts ListOptions) ([]db.CatalogEntry, int64, error)
}

// -----------------------------------------------------------------------------
// BackupConfigRepository
// -----------------------------------------------------------------------------

type BackupConfigRepository interface {
	Upsert(ctx context.Context, cfg *db.BackupConfig) error
	Get(ctx context.Context) (*db.BackupConfig, error)
}
