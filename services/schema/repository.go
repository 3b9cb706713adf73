package schema

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repository describes database operations available for module schemas.
type Repository interface {
	Create(ctx context.Context, schema *ModuleSchema) error
	GetByID(ctx context.Context, schemaID string) (*ModuleSchema, error)
	GetActive(ctx context.Context, tenantID, moduleName string) (*ModuleSchema, error)
	ListVersions(ctx context.Context, tenantID, moduleName string) ([]ModuleSchema, error)
	MaxVersion(ctx context.Context, tenantID, moduleName string) (int, error)
	CountByStatus(ctx context.Context, tenantID, moduleName string, status Status) (int64, error)
	// UpdateStatusIf flips the lifecycle status only when the row currently
	// holds the expected status; gorm.ErrRecordNotFound reports a lost guard.
	UpdateStatusIf(ctx context.Context, schemaID string, from, to Status, extra map[string]any) error
	// Activate archives the current active version and activates schemaID
	// within one transaction, so there is never a window with zero or two
	// active versions.
	Activate(ctx context.Context, schema *ModuleSchema, approverID string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, schema *ModuleSchema) error {
	return r.db.WithContext(ctx).Create(schema).Error
}

func (r *gormRepository) GetByID(ctx context.Context, schemaID string) (*ModuleSchema, error) {
	var schema ModuleSchema
	err := r.db.WithContext(ctx).Where("id = ?", schemaID).First(&schema).Error
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

func (r *gormRepository) GetActive(ctx context.Context, tenantID, moduleName string) (*ModuleSchema, error) {
	var schema ModuleSchema
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND module_name = ? AND status = ?", tenantID, moduleName, StatusActive).
		First(&schema).Error
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

func (r *gormRepository) ListVersions(ctx context.Context, tenantID, moduleName string) ([]ModuleSchema, error) {
	var schemas []ModuleSchema
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND module_name = ?", tenantID, moduleName).
		Order("version ASC").
		Find(&schemas).Error
	if err != nil {
		return nil, err
	}
	return schemas, nil
}

func (r *gormRepository) MaxVersion(ctx context.Context, tenantID, moduleName string) (int, error) {
	var max *int
	err := r.db.WithContext(ctx).Model(&ModuleSchema{}).
		Where("tenant_id = ? AND module_name = ?", tenantID, moduleName).
		Select("MAX(version)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

func (r *gormRepository) CountByStatus(ctx context.Context, tenantID, moduleName string, status Status) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&ModuleSchema{}).
		Where("tenant_id = ? AND module_name = ? AND status = ?", tenantID, moduleName, status).
		Count(&count).Error
	return count, err
}

func (r *gormRepository) UpdateStatusIf(ctx context.Context, schemaID string, from, to Status, extra map[string]any) error {
	updates := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&ModuleSchema{}).
		Where("id = ? AND status = ?", schemaID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) Activate(ctx context.Context, schema *ModuleSchema, approverID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ModuleSchema{}).
			Where("tenant_id = ? AND module_name = ? AND status = ?", schema.TenantID, schema.ModuleName, StatusActive).
			Updates(map[string]any{"status": StatusArchived, "updated_at": now}).Error; err != nil {
			return err
		}

		res := tx.Model(&ModuleSchema{}).
			Where("id = ? AND status = ?", schema.ID, StatusReview).
			Updates(map[string]any{
				"status":      StatusActive,
				"approved_by": approverID,
				"approved_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// IsNotFound reports whether err is the repository's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
