package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// -----------------------------------------------------------------------------
// UsageRepository
// -----------------------------------------------------------------------------

type gormUsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository returns a UsageRepository backed by the provided *gorm.DB.
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &gormUsageRepository{db: db}
}

func (r *gormUsageRepository) Get(ctx context.Context, modelID uuid.UUID) (*db.Usage, error) {
	var usage db.Usage
	err := r.db.WithContext(ctx).First(&usage, "model_id = ?", modelID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("usage: get: %w", err)
	}
	return &usage, nil
}

// Add increments the counters inside a transaction, creating the row on first
// use. Counter increments commute, so concurrent adds only need row locking.
func (r *gormUsageRepository) Add(ctx context.Context, modelID uuid.UUID, requests, bytesStored, cpuSeconds int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var usage db.Usage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&usage, "model_id = ?", modelID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			usage = db.Usage{ModelID: modelID}
			if err := tx.Create(&usage).Error; err != nil {
				return fmt.Errorf("usage: create: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("usage: add: %w", err)
		}

		return tx.Model(&db.Usage{}).Where("model_id = ?", modelID).Updates(map[string]any{
			"requests":     gorm.Expr("requests + ?", requests),
			"bytes_stored": gorm.Expr("bytes_stored + ?", bytesStored),
			"cpu_seconds":  gorm.Expr("cpu_seconds + ?", cpuSeconds),
		}).Error
	})
}

// -----------------------------------------------------------------------------
// IntegrationRepository
// -----------------------------------------------------------------------------

type gormIntegrationRepository struct {
	db *gorm.DB
}

// NewIntegrationRepository returns an IntegrationRepository backed by the
// provided *gorm.DB.
func NewIntegrationRepository(db *gorm.DB) IntegrationRepository {
	return &gormIntegrationRepository{db: db}
}

func (r *gormIntegrationRepository) Create(ctx context.Context, integration *db.Integration) error {
	if err := r.db.WithContext(ctx).Create(integration).Error; err != nil {
		return fmt.Errorf("integrations: create: %w", err)
	}
	return nil
}

func (r *gormIntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Integration, error) {
	var integration db.Integration
	err := r.db.WithContext(ctx).First(&integration, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("integrations: get by id: %w", err)
	}
	return &integration, nil
}

func (r *gormIntegrationRepository) GetByType(ctx context.Context, typ string) (*db.Integration, error) {
	var integration db.Integration
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&integration, "type = ?", typ).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("integrations: get by type: %w", err)
	}
	return &integration, nil
}

func (r *gormIntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Integration{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("integrations: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormIntegrationRepository) List(ctx context.Context) ([]db.Integration, error) {
	var integrations []db.Integration
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").Find(&integrations).Error; err != nil {
		return nil, fmt.Errorf("integrations: list: %w", err)
	}
	return integrations, nil
}

// -----------------------------------------------------------------------------
// CatalogRepository
// -----------------------------------------------------------------------------

type gormCatalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository returns a CatalogRepository backed by the provided *gorm.DB.
func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &gormCatalogRepository{db: db}
}

func (r *gormCatalogRepository) Create(ctx context.Context, entry *db.CatalogEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("catalog: create: %w", err)
	}
	return nil
}

func (r *gormCatalogRepository) GetByName(ctx context.Context, name string) (*db.CatalogEntry, error) {
	var entry db.CatalogEntry
	err := r.db.WithContext(ctx).First(&entry, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: get by name: %w", err)
	}
	return &entry, nil
}

func (r *gormCatalogRepository) List(ctx context.Context, opts ListOptions) ([]db.CatalogEntry, int64, error) {
	var entries []db.CatalogEntry
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.CatalogEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list: %w", err)
	}
	return entries, total, nil
}

// -----------------------------------------------------------------------------
// BackupConfigRepository
// -----------------------------------------------------------------------------

type gormBackupConfigRepository struct {
	db *gorm.DB
}

// NewBackupConfigRepository returns a BackupConfigRepository backed by the
// provided *gorm.DB. A single row is maintained: Upsert replaces it.
func NewBackupConfigRepository(db *gorm.DB) BackupConfigRepository {
	return &gormBackupConfigRepository{db: db}
}

func (r *gormBackupConfigRepository) Upsert(ctx context.Context, cfg *db.BackupConfig) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&db.BackupConfig{}).Error; err != nil {
			return fmt.Errorf("backup config: clear: %w", err)
		}
		if err := tx.Create(cfg).Error; err != nil {
			return fmt.Errorf("backup config: create: %w", err)
		}
		return nil
	})
}

func (r *gormBackupConfigRepository) Get(ctx context.Context) (*db.BackupConfig, error) {
	var cfg db.BackupConfig
	err := r.db.WithContext(ctx).Order("created_at DESC").First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup config: get: %w", err)
	}
	return &cfg, nil
}
