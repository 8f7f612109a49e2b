package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	return r.getBy(ctx, "id = ?", id)
}

func (r *gormUserRepository) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	return r.getBy(ctx, "username = ?", username)
}

func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	return r.getBy(ctx, "email = ? AND email <> ''", email)
}

func (r *gormUserRepository) GetByOIDCSub(ctx context.Context, sub string) (*db.User, error) {
	return r.getBy(ctx, "oidc_sub = ? AND oidc_sub <> ''", sub)
}

func (r *gormUserRepository) getBy(ctx context.Context, query string, args ...any) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, append([]any{query}, args...)...).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the user and reassigns their models in one transaction.
// Protected models go to the first team_admin of the model's team; everything
// else goes to the oldest global admin. If no suitable assignee exists the
// models are left in place owned by the deleted user's ID, which only global
// admins can still reach.
func (r *gormUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned []db.Model
		if err := tx.Find(&owned, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete: list owned models: %w", err)
		}

		var fallbackAdmin *db.User
		var admin db.User
		err := tx.Order("created_at ASC").First(&admin, "global_admin = ? AND id <> ?", true, id).Error
		if err == nil {
			fallbackAdmin = &admin
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("users: delete: find global admin: %w", err)
		}

		for i := range owned {
			m := &owned[i]
			newOwner := r.reassignee(tx, m, fallbackAdmin)
			if newOwner == uuid.Nil {
				continue
			}
			if err := tx.Model(&db.Model{}).Where("id = ?", m.ID).
				Update("user_id", newOwner).Error; err != nil {
				return fmt.Errorf("users: delete: reassign model %s: %w", m.ID, err)
			}
		}

		if err := tx.Delete(&db.UserTeam{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete: remove memberships: %w", err)
		}

		result := tx.Delete(&db.User{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("users: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// reassignee picks the new owner for a model whose owner is being deleted.
func (r *gormUserRepository) reassignee(tx *gorm.DB, m *db.Model, fallbackAdmin *db.User) uuid.UUID {
	if m.AccessLevel == db.AccessProtected && m.TeamID != nil {
		var membership db.UserTeam
		err := tx.Order("created_at ASC").
			First(&membership, "team_id = ? AND role = ?", *m.TeamID, db.RoleTeamAdmin).Error
		if err == nil {
			return membership.UserID
		}
	}
	if fallbackAdmin != nil {
		return fallbackAdmin.ID
	}
	return uuid.Nil
}

func (r *gormUserRepository) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	var users []db.User
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}
	return users, total, nil
}

func (r *gormUserRepository) ListGlobalAdmins(ctx context.Context) ([]db.User, error) {
	var admins []db.User
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&admins, "global_admin = ?", true).Error; err != nil {
		return nil, fmt.Errorf("users: list admins: %w", err)
	}
	return admins, nil
}

func (r *gormUserRepository) CreateResetCode(ctx context.Context, code *db.PasswordResetCode) error {
	if err := r.db.WithContext(ctx).Create(code).Error; err != nil {
		return fmt.Errorf("users: create reset code: %w", err)
	}
	return nil
}

// ConsumeResetCode atomically marks an unexpired, unused reset code as used
// and returns it. A second call with the same code returns ErrNotFound.
func (r *gormUserRepository) ConsumeResetCode(ctx context.Context, codeHash string) (*db.PasswordResetCode, error) {
	var code db.PasswordResetCode
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&code, "code_hash = ? AND used_at IS NULL AND expires_at > ?",
			codeHash, time.Now().UTC()).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("users: consume reset code: %w", err)
		}
		now := time.Now().UTC()
		code.UsedAt = &now
		return tx.Save(&code).Error
	})
	if err != nil {
		return nil, err
	}
	return &code, nil
}
