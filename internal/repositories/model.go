package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// gormModelRepository is the GORM implementation of ModelRepository.
type gormModelRepository struct {
	db *gorm.DB
}

// NewModelRepository returns a ModelRepository backed by the provided *gorm.DB.
func NewModelRepository(db *gorm.DB) ModelRepository {
	return &gormModelRepository{db: db}
}

func (r *gormModelRepository) Create(ctx context.Context, model *db.Model) error {
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("models: create: %w", err)
	}
	return nil
}

// isUniqueViolation covers both gorm's translated error and the raw driver
// messages from sqlite and postgres, since the sqlite dialector does not
// always translate constraint failures.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func (r *gormModelRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Model, error) {
	var model db.Model
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("models: get by id: %w", err)
	}
	return &model, nil
}

func (r *gormModelRepository) GetByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*db.Model, error) {
	var model db.Model
	err := r.db.WithContext(ctx).First(&model, "user_id = ? AND name = ?", ownerID, name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("models: get by owner and name: %w", err)
	}
	return &model, nil
}

func (r *gormModelRepository) Update(ctx context.Context, model *db.Model) error {
	result := r.db.WithContext(ctx).Save(model)
	if result.Error != nil {
		return fmt.Errorf("models: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormModelRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Model{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("models: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormModelRepository) List(ctx context.Context, opts ListOptions) ([]db.Model, int64, error) {
	return r.list(ctx, opts, nil)
}

func (r *gormModelRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Model, int64, error) {
	return r.list(ctx, opts, func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ?", ownerID)
	})
}

func (r *gormModelRepository) list(ctx context.Context, opts ListOptions, scope func(*gorm.DB) *gorm.DB) ([]db.Model, int64, error) {
	var models []db.Model
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Model{})
	if scope != nil {
		q = scope(q)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("models: list count: %w", err)
	}
	if err := q.Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("models: list: %w", err)
	}
	return models, total, nil
}

func (r *gormModelRepository) ListNonTerminal(ctx context.Context) ([]db.Model, error) {
	nonTerminal := []db.Status{db.StatusStarting, db.StatusInProgress, db.StatusComplete}
	var models []db.Model
	err := r.db.WithContext(ctx).
		Where("train_status IN ? OR deploy_status IN ?", nonTerminal, nonTerminal).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("models: list non-terminal: %w", err)
	}
	return models, nil
}

// Status columns TransitionStatus may touch.
const (
	StatusFieldTrain        = "train_status"
	StatusFieldDeploy       = "deploy_status"
	StatusFieldCacheRefresh = "cache_refresh_status"
)

// statusFields names the columns TransitionStatus may touch. Anything else
// is rejected before the query is built.
var statusFields = map[string]bool{
	StatusFieldTrain:        true,
	StatusFieldDeploy:       true,
	StatusFieldCacheRefresh: true,
}

// TransitionStatus serializes status updates for one model row. The row is
// locked (SELECT ... FOR UPDATE on postgres; sqlite serializes writers
// anyway) so a concurrent reconciler tick and API write cannot interleave.
func (r *gormModelRepository) TransitionStatus(ctx context.Context, id uuid.UUID, field string, next db.Status, message string) error {
	if !statusFields[field] {
		return fmt.Errorf("models: unknown status field %q", field)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model db.Model
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("models: transition: %w", err)
		}

		var current db.Status
		switch field {
		case StatusFieldTrain:
			current = model.TrainStatus
		case StatusFieldDeploy:
			current = model.DeployStatus
		case StatusFieldCacheRefresh:
			current = model.CacheRefreshStatus
		}

		if !current.CanTransition(next) {
			return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, field, current, next)
		}
		if current == next {
			return nil
		}

		updates := map[string]any{field: next}
		if message != "" {
			updates["status_message"] = message
		}
		return tx.Model(&db.Model{}).Where("id = ?", id).Updates(updates).Error
	})
}

func (r *gormModelRepository) AddDependency(ctx context.Context, dep *db.ModelDependency) error {
	if err := r.db.WithContext(ctx).Create(dep).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("models: add dependency: %w", err)
	}
	return nil
}

func (r *gormModelRepository) ListDependencies(ctx context.Context, modelID uuid.UUID) ([]db.ModelDependency, error) {
	var deps []db.ModelDependency
	if err := r.db.WithContext(ctx).
		Find(&deps, "model_id = ?", modelID).Error; err != nil {
		return nil, fmt.Errorf("models: list dependencies: %w", err)
	}
	return deps, nil
}

func (r *gormModelRepository) SetAttribute(ctx context.Context, attr *db.ModelAttribute) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(attr).Error
	if err != nil {
		return fmt.Errorf("models: set attribute: %w", err)
	}
	return nil
}

func (r *gormModelRepository) GetAttributes(ctx context.Context, modelID uuid.UUID) (map[string]string, error) {
	var attrs []db.ModelAttribute
	if err := r.db.WithContext(ctx).
		Find(&attrs, "model_id = ?", modelID).Error; err != nil {
		return nil, fmt.Errorf("models: get attributes: %w", err)
	}
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[a.Key] = a.Value
	}
	return out, nil
}
