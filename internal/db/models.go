package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) so primary-key order matches insertion order
// without a separate created_at sort. CreatedAt and UpdatedAt are managed
// automatically by GORM. The type must stay exported: GORM's schema parser
// skips embedded fields whose struct type is unexported, which would drop
// these columns from every table.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM filters soft-deleted records from all queries unless Unscoped() is used.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// -----------------------------------------------------------------------------
// Users & Teams
// -----------------------------------------------------------------------------

// User is a platform account. Password holds the argon2id hash for local
// accounts and is empty for OIDC users, who authenticate via the provider.
// Domain is the email domain (or an explicit override) used when evaluating
// access to protected models.
type User struct {
	Base
	Username    string `gorm:"uniqueIndex;not null" json:"username"`
	Email       string `gorm:"index" json:"email"` // unique when set, enforced in migration
	Password    string `gorm:"type:text" json:"-"`
	GlobalAdmin bool   `gorm:"not null;default:false" json:"global_admin"`
	Domain      string `gorm:"not null;default:''" json:"domain"`

	OIDCSub string `gorm:"default:''" json:"-"` // subject claim for OIDC users
}

// Team groups users; team_admins hold write access to protected models owned
// by team members.
type Team struct {
	Base
	Name string `gorm:"uniqueIndex;not null" json:"name"`
}

// Team membership roles.
const (
	RoleMember    = "member"
	RoleTeamAdmin = "team_admin"
)

// UserTeam is the membership join table between User and Team.
type UserTeam struct {
	Base
	UserID uuid.UUID `gorm:"type:text;not null;index:idx_user_team,unique" json:"user_id"`
	TeamID uuid.UUID `gorm:"type:text;not null;index:idx_user_team,unique" json:"team_id"`
	Role   string    `gorm:"not null;default:'member'" json:"role"` // "member" or "team_admin"
}

// PasswordResetCode is a short-lived single-use code mailed to a user during
// password recovery. Only the SHA-256 hash of the code is stored.
type PasswordResetCode struct {
	Base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	CodeHash  string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	UsedAt    *time.Time
}

// -----------------------------------------------------------------------------
// Models
// -----------------------------------------------------------------------------

// Model types.
const (
	ModelTypeNDB                 = "ndb" // neural retrieval index
	ModelTypeUDT                 = "udt" // token classifier
	ModelTypeEnterpriseSearch    = "enterprise_search"
	ModelTypeKnowledgeExtraction = "knowledge_extraction"
)

// Model access levels.
const (
	AccessPublic    = "public"
	AccessProtected = "protected"
	AccessPrivate   = "private"
)

// Model is the metadata record for a trained or composed model. The pair
// (UserID, Name) is unique among live rows. ParentID links derived models
// (fine-tuned copies, saved deployments) into a DAG. Workflow models
// (enterprise_search, knowledge_extraction) reference leaf models via
// ModelDependency rows and never run jobs themselves.
type Model struct {
	SoftDelete
	UserID      uuid.UUID  `gorm:"type:text;not null;index:idx_owner_name,unique,where:deleted_at IS NULL" json:"user_id"`
	Name        string     `gorm:"not null;index:idx_owner_name,unique,where:deleted_at IS NULL" json:"name"`
	Type        string     `gorm:"not null" json:"type"`
	SubType     string     `gorm:"not null;default:''" json:"sub_type"`
	Domain      string     `gorm:"not null;default:''" json:"domain"`
	AccessLevel string     `gorm:"not null;default:'private'" json:"access_level"`
	ParentID    *uuid.UUID `gorm:"type:text;index" json:"parent_id,omitempty"`
	TeamID      *uuid.UUID `gorm:"type:text;index" json:"team_id,omitempty"`

	TrainStatus        Status `gorm:"not null;default:'not_started'" json:"train_status"`
	DeployStatus       Status `gorm:"not null;default:'not_started'" json:"deploy_status"`
	CacheRefreshStatus Status `gorm:"not null;default:'not_started'" json:"cache_refresh_status"`

	// StatusMessage carries the human-readable reason for the most recent
	// forced transition (e.g. reconciler demotions).
	StatusMessage string `gorm:"type:text;default:''" json:"status_message,omitempty"`

	TrainJobID  string `gorm:"default:''" json:"-"`
	DeployJobID string `gorm:"default:''" json:"-"`
}

// ModelDependency links a workflow model to a leaf model it composes.
// Dependencies must exist and be readable by the owner at creation time.
type ModelDependency struct {
	Base
	ModelID      uuid.UUID `gorm:"type:text;not null;index:idx_model_dep,unique"`
	DependencyID uuid.UUID `gorm:"type:text;not null;index:idx_model_dep,unique"`
}

// ModelAttribute is a free-form configuration entry attached to a workflow
// model (e.g. "llm_provider", "guardrail_tags").
type ModelAttribute struct {
	Base
	ModelID uuid.UUID `gorm:"type:text;not null;index:idx_model_attr,unique"`
	Key     string    `gorm:"not null;index:idx_model_attr,unique"`
	Value   string    `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Catalog, usage, integrations
// -----------------------------------------------------------------------------

// CatalogEntry describes a generated dataset produced by the data-generation
// pipeline and available as training input.
type CatalogEntry struct {
	Base
	Name                string `gorm:"uniqueIndex;not null" json:"name"`
	Task                string `gorm:"not null" json:"task"`
	TargetLabels        string `gorm:"type:text;not null;default:'[]'" json:"target_labels"` // JSON array
	NumGeneratedSamples int64  `gorm:"not null;default:0" json:"num_generated_samples"`
}

// Usage tracks per-model resource counters maintained by the job lifecycle
// manager's reconciler.
type Usage struct {
	Base
	ModelID     uuid.UUID `gorm:"type:text;not null;uniqueIndex" json:"model_id"`
	Requests    int64     `gorm:"not null;default:0" json:"requests"`
	BytesStored int64     `gorm:"not null;default:0" json:"bytes_stored"`
	CPUSeconds  int64     `gorm:"not null;default:0" json:"cpu_seconds"`
}

// Integration types.
const (
	IntegrationOpenAI     = "openai"
	IntegrationSelfHosted = "self_hosted"
	IntegrationAnthropic  = "anthropic"
	IntegrationCohere     = "cohere"
)

// Integration stores the configuration of an external LLM endpoint used by
// the semantic cache and the deployment answer-generation path. Data is an
// opaque JSON object (api key, base URL, model name) encrypted at rest.
type Integration struct {
	Base
	Type string          `gorm:"not null" json:"type"`
	Data EncryptedString `gorm:"type:text;not null" json:"-"`
}

// -----------------------------------------------------------------------------
// Backups
// -----------------------------------------------------------------------------

// BackupConfig persists the snapshot service settings: destination provider,
// cron interval (empty for on-demand only), and retention count.
type BackupConfig struct {
	Base
	Provider    string `gorm:"not null" json:"provider"` // "local", "s3", "azure", "gcs"
	Bucket      string `gorm:"not null;default:''" json:"bucket"`
	Prefix      string `gorm:"not null;default:''" json:"prefix"`
	CronExpr    string `gorm:"not null;default:''" json:"cron_expr"`
	BackupLimit int    `gorm:"not null;default:5" json:"backup_limit"`
}

// AllModels lists every persistent type, in dependency order, for schema checks.
func AllModels() []any {
	return []any{
		&User{}, &Team{}, &UserTeam{}, &PasswordResetCode{},
		&Model{}, &ModelDependency{}, &ModelAttribute{},
		&CatalogEntry{}, &Usage{}, &Integration{}, &BackupConfig{},
	}
}
