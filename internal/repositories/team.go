package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// gormTeamRepository is the GORM implementation of TeamRepository.
type gormTeamRepository struct {
	db *gorm.DB
}

// NewTeamRepository returns a TeamRepository backed by the provided *gorm.DB.
func NewTeamRepository(db *gorm.DB) TeamRepository {
	return &gormTeamRepository{db: db}
}

func (r *gormTeamRepository) Create(ctx context.Context, team *db.Team) error {
	if err := r.db.WithContext(ctx).Create(team).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("teams: create: %w", err)
	}
	return nil
}

func (r *gormTeamRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error) {
	var team db.Team
	err := r.db.WithContext(ctx).First(&team, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("teams: get by id: %w", err)
	}
	return &team, nil
}

func (r *gormTeamRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.UserTeam{}, "team_id = ?", id).Error; err != nil {
			return fmt.Errorf("teams: delete memberships: %w", err)
		}
		result := tx.Delete(&db.Team{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("teams: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *gormTeamRepository) List(ctx context.Context, opts ListOptions) ([]db.Team, int64, error) {
	var teams []db.Team
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Team{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("teams: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").Find(&teams).Error; err != nil {
		return nil, 0, fmt.Errorf("teams: list: %w", err)
	}
	return teams, total, nil
}

func (r *gormTeamRepository) AddMember(ctx context.Context, membership *db.UserTeam) error {
	if err := r.db.WithContext(ctx).Create(membership).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("teams: add member: %w", err)
	}
	return nil
}

func (r *gormTeamRepository) RemoveMember(ctx context.Context, teamID, userID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Delete(&db.UserTeam{}, "team_id = ? AND user_id = ?", teamID, userID)
	if result.Error != nil {
		return fmt.Errorf("teams: remove member: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTeamRepository) GetMembership(ctx context.Context, teamID, userID uuid.UUID) (*db.UserTeam, error) {
	var m db.UserTeam
	err := r.db.WithContext(ctx).
		First(&m, "team_id = ? AND user_id = ?", teamID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("teams: get membership: %w", err)
	}
	return &m, nil
}

func (r *gormTeamRepository) ListMembers(ctx context.Context, teamID uuid.UUID) ([]db.UserTeam, error) {
	var members []db.UserTeam
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&members, "team_id = ?", teamID).Error; err != nil {
		return nil, fmt.Errorf("teams: list members: %w", err)
	}
	return members, nil
}

func (r *gormTeamRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]db.UserTeam, error) {
	var memberships []db.UserTeam
	if err := r.db.WithContext(ctx).
		Find(&memberships, "user_id = ?", userID).Error; err != nil {
		return nil, fmt.Errorf("teams: list for user: %w", err)
	}
	return memberships, nil
}
