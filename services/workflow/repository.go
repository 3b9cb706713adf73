package workflow

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository describes database operations for workflows, templates and the
// execution audit trail.
type Repository interface {
	Create(ctx context.Context, wf *Workflow) error
	GetByID(ctx context.Context, tenantID, workflowID string) (*Workflow, error)
	List(ctx context.Context, tenantID, moduleName string, includeInactive bool) ([]Workflow, error)
	SetActive(ctx context.Context, tenantID, workflowID string, active bool) error
	ListActiveByTrigger(ctx context.Context, tenantID, moduleName, triggerType string) ([]Workflow, error)
	ListActiveScheduled(ctx context.Context, triggerType string) ([]Workflow, error)

	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	FinalizeExecution(ctx context.Context, exec *WorkflowExecution) error
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error)

	CreateTemplate(ctx context.Context, tpl *WorkflowTemplate) error
	GetTemplate(ctx context.Context, templateID string) (*WorkflowTemplate, error)
	ListTemplates(ctx context.Context) ([]WorkflowTemplate, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, wf *Workflow) error {
	return r.db.WithContext(ctx).Create(wf).Error
}

func (r *gormRepository) GetByID(ctx context.Context, tenantID, workflowID string) (*Workflow, error) {
	var wf Workflow
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, workflowID).
		First(&wf).Error
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (r *gormRepository) List(ctx context.Context, tenantID, moduleName string, includeInactive bool) ([]Workflow, error) {
	query := r.db.WithContext(ctx).Model(&Workflow{}).
		Where("tenant_id = ? AND module_name = ?", tenantID, moduleName)
	if !includeInactive {
		query = query.Where("is_active = ?", true)
	}
	query = query.Order("priority DESC").Order("id ASC")

	var wfs []Workflow
	if err := query.Find(&wfs).Error; err != nil {
		return nil, err
	}
	return wfs, nil
}

func (r *gormRepository) SetActive(ctx context.Context, tenantID, workflowID string, active bool) error {
	res := r.db.WithContext(ctx).Model(&Workflow{}).
		Where("tenant_id = ? AND id = ?", tenantID, workflowID).
		Updates(map[string]any{"is_active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) ListActiveByTrigger(ctx context.Context, tenantID, moduleName, triggerType string) ([]Workflow, error) {
	var wfs []Workflow
	err := r.db.WithContext(ctx).Model(&Workflow{}).
		Where("tenant_id = ? AND module_name = ? AND trigger_type = ? AND is_active = ?",
			tenantID, moduleName, triggerType, true).
		Order("priority DESC").Order("id ASC").
		Find(&wfs).Error
	if err != nil {
		return nil, err
	}
	return wfs, nil
}

func (r *gormRepository) ListActiveScheduled(ctx context.Context, triggerType string) ([]Workflow, error) {
	var wfs []Workflow
	err := r.db.WithContext(ctx).Model(&Workflow{}).
		Where("trigger_type = ? AND is_active = ?", triggerType, true).
		Order("priority DESC").
		Find(&wfs).Error
	if err != nil {
		return nil, err
	}
	return wfs, nil
}

func (r *gormRepository) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	return r.db.WithContext(ctx).Create(exec).Error
}

// FinalizeExecution closes a running execution exactly once; the status guard
// keeps completed audit rows immutable.
func (r *gormRepository) FinalizeExecution(ctx context.Context, exec *WorkflowExecution) error {
	res := r.db.WithContext(ctx).Model(&WorkflowExecution{}).
		Where("id = ? AND status = ?", exec.ID, ExecutionRunning).
		Updates(map[string]any{
			"status":       exec.Status,
			"output":       exec.Output,
			"error":        exec.Error,
			"completed_at": exec.CompletedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) ListExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error) {
	query := r.db.WithContext(ctx).Model(&WorkflowExecution{}).
		Where("workflow_id = ?", workflowID).
		Order("executed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var execs []WorkflowExecution
	if err := query.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *gormRepository) CreateTemplate(ctx context.Context, tpl *WorkflowTemplate) error {
	return r.db.WithContext(ctx).Create(tpl).Error
}

func (r *gormRepository) GetTemplate(ctx context.Context, templateID string) (*WorkflowTemplate, error) {
	var tpl WorkflowTemplate
	err := r.db.WithContext(ctx).Where("id = ?", templateID).First(&tpl).Error
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (r *gormRepository) ListTemplates(ctx context.Context) ([]WorkflowTemplate, error) {
	var tpls []WorkflowTemplate
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&tpls).Error; err != nil {
		return nil, err
	}
	return tpls, nil
}
