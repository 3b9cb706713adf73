package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"recordplane/pkg/config"
	"recordplane/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var moduleNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Registry owns versioned module schemas and their
// draft -> review -> active -> archived lifecycle.
type Registry struct {
	repo     Repository
	cache    Cache
	logger   *zap.Logger
	node     *snowflake.Node
	validate *validator.Validate
	ttl      time.Duration
	group    singleflight.Group
}

type RegistryParams struct {
	fx.In

	Repository Repository
	Cache      Cache
	Logger     *zap.Logger
	Node       *snowflake.Node
	Config     *config.Config
}

func NewRegistry(p RegistryParams) *Registry {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repo:     p.Repository,
		cache:    p.Cache,
		logger:   logger,
		node:     p.Node,
		validate: validator.New(),
		ttl:      p.Config.SchemaCache.TTL,
	}
}

type CreateDraftRequest struct {
	TenantID    string            `validate:"required"`
	ModuleName  string            `validate:"required"`
	DisplayName string            `validate:"required"`
	Icon        string            ``
	Description string            ``
	Fields      []FieldDefinition `validate:"required,min=1"`
	Layout      map[string]any    ``
	CreatedBy   string            `validate:"required"`
}

// CreateDraft creates the next schema version for a module as a draft.
// Version numbers are monotonic per (tenant, module) and never reused, even
// across rejections.
func (r *Registry) CreateDraft(ctx context.Context, req CreateDraftRequest) (*ModuleSchema, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, errutil.ValidationFailed("invalid draft request", errutil.WithErr(err))
	}
	if !moduleNameRe.MatchString(req.ModuleName) {
		return nil, errutil.ValidationFailed(fmt.Sprintf("invalid module name %q", req.ModuleName))
	}

	seen := make(map[string]struct{}, len(req.Fields))
	for _, f := range req.Fields {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[f.Name]; dup {
			return nil, errutil.FieldInvalid(f.Name, "duplicate field name")
		}
		seen[f.Name] = struct{}{}
	}
	// Cascade destinations land in record documents, so they must be fields
	// of this same schema; checked after the name set is complete.
	for _, f := range req.Fields {
		if f.DataType != DataTypeLookup || f.Lookup == nil {
			continue
		}
		for _, dst := range f.Lookup.CascadeFields {
			if _, ok := seen[dst]; !ok {
				return nil, errutil.FieldInvalid(f.Name,
					fmt.Sprintf("cascade destination %q is not a declared field", dst))
			}
		}
	}

	openDrafts, err := r.repo.CountByStatus(ctx, req.TenantID, req.ModuleName, StatusDraft)
	if err != nil {
		r.logger.Error("failed to check open drafts", zap.Error(err))
		return nil, errutil.Internal("failed to create draft", err)
	}
	if openDrafts > 0 {
		return nil, errutil.Conflict(fmt.Sprintf("module %q already has an unresolved draft", req.ModuleName))
	}

	maxVersion, err := r.repo.MaxVersion(ctx, req.TenantID, req.ModuleName)
	if err != nil {
		r.logger.Error("failed to resolve max version", zap.Error(err))
		return nil, errutil.Internal("failed to create draft", err)
	}

	now := time.Now().UTC()
	schema := &ModuleSchema{
		ID:          r.node.Generate().String(),
		TenantID:    req.TenantID,
		ModuleName:  req.ModuleName,
		Version:     maxVersion + 1,
		DisplayName: req.DisplayName,
		Icon:        req.Icon,
		Description: req.Description,
		Status:      StatusDraft,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := schema.SetFields(req.Fields); err != nil {
		return nil, errutil.ValidationFailed("invalid field definitions", errutil.WithErr(err))
	}
	if req.Layout != nil {
		if err := setJSON(&schema.Layout, req.Layout); err != nil {
			return nil, errutil.ValidationFailed("invalid layout", errutil.WithErr(err))
		}
	}

	if err := r.repo.Create(ctx, schema); err != nil {
		// Concurrent drafts can race to the same version number; the unique
		// index on (tenant_id, module_name, version) turns the loser into a
		// conflict instead of a duplicate row.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict(fmt.Sprintf("version %d of module %q already exists", schema.Version, req.ModuleName))
		}
		r.logger.Error("failed to create schema draft", zap.Error(err))
		return nil, errutil.Internal("failed to create draft", err)
	}

	r.logger.Info("schema draft created",
		zap.String("tenant_id", req.TenantID),
		zap.String("module", req.ModuleName),
		zap.Int("version", schema.Version))

	return schema, nil
}

// SubmitForReview moves a draft to review.
func (r *Registry) SubmitForReview(ctx context.Context, schemaID string) (*ModuleSchema, error) {
	err := r.repo.UpdateStatusIf(ctx, schemaID, StatusDraft, StatusReview, nil)
	if IsNotFound(err) {
		return nil, r.transitionError(ctx, schemaID, StatusDraft)
	}
	if err != nil {
		return nil, errutil.Internal("failed to submit schema for review", err)
	}
	return r.repo.GetByID(ctx, schemaID)
}

// Approve activates a schema version under review. Archiving the previous
// active version and activating this one happen in one transaction, then the
// cache entry is dropped before returning.
func (r *Registry) Approve(ctx context.Context, schemaID, approverID string) (*ModuleSchema, error) {
	schema, err := r.repo.GetByID(ctx, schemaID)
	if err != nil {
		if IsNotFound(err) {
			return nil, errutil.NotFound(fmt.Sprintf("schema %s not found", schemaID))
		}
		return nil, errutil.Internal("failed to approve schema", err)
	}

	if err := r.repo.Activate(ctx, schema, approverID); err != nil {
		if IsNotFound(err) {
			return nil, errutil.InvalidState(fmt.Sprintf("schema %s is not in review", schemaID))
		}
		r.logger.Error("failed to activate schema", zap.String("schema_id", schemaID), zap.Error(err))
		return nil, errutil.Internal("failed to approve schema", err)
	}

	r.cache.Invalidate(ctx, schema.TenantID, schema.ModuleName)

	r.logger.Info("schema approved",
		zap.String("tenant_id", schema.TenantID),
		zap.String("module", schema.ModuleName),
		zap.Int("version", schema.Version),
		zap.String("approved_by", approverID))

	return r.repo.GetByID(ctx, schemaID)
}

// Reject sends a schema under review back to draft. The reason is kept for
// audit and does not block a future submission.
func (r *Registry) Reject(ctx context.Context, schemaID, reason string) (*ModuleSchema, error) {
	err := r.repo.UpdateStatusIf(ctx, schemaID, StatusReview, StatusDraft, map[string]any{"rejected_for": reason})
	if IsNotFound(err) {
		return nil, r.transitionError(ctx, schemaID, StatusReview)
	}
	if err != nil {
		return nil, errutil.Internal("failed to reject schema", err)
	}
	return r.repo.GetByID(ctx, schemaID)
}

// GetActive returns the active schema for (tenant, module), consulting the
// cache first. Concurrent misses for the same key share one repository load.
func (r *Registry) GetActive(ctx context.Context, tenantID, moduleName string) (*ModuleSchema, error) {
	if schema, ok := r.cache.Get(ctx, tenantID, moduleName); ok {
		return schema, nil
	}

	key := tenantID + "/" + moduleName
	v, err, _ := r.group.Do(key, func() (any, error) {
		schema, err := r.repo.GetActive(ctx, tenantID, moduleName)
		if err != nil {
			if IsNotFound(err) {
				return nil, errutil.NotFound(fmt.Sprintf("no active schema for module %q", moduleName))
			}
			return nil, errutil.Internal("failed to load active schema", err)
		}
		r.cache.Put(ctx, tenantID, moduleName, schema, r.ttl)
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ModuleSchema), nil
}

// ListVersions returns every version of a module, oldest first, archived
// versions included.
func (r *Registry) ListVersions(ctx context.Context, tenantID, moduleName string) ([]ModuleSchema, error) {
	return r.repo.ListVersions(ctx, tenantID, moduleName)
}

func (r *Registry) GetByID(ctx context.Context, schemaID string) (*ModuleSchema, error) {
	schema, err := r.repo.GetByID(ctx, schemaID)
	if err != nil {
		if IsNotFound(err) {
			return nil, errutil.NotFound(fmt.Sprintf("schema %s not found", schemaID))
		}
		return nil, errutil.Internal("failed to load schema", err)
	}
	return schema, nil
}

// transitionError distinguishes a missing schema from one in the wrong state
// after a guarded update matched no rows.
func (r *Registry) transitionError(ctx context.Context, schemaID string, expected Status) error {
	schema, err := r.repo.GetByID(ctx, schemaID)
	if err != nil {
		return errutil.NotFound(fmt.Sprintf("schema %s not found", schemaID))
	}
	return errutil.InvalidState(fmt.Sprintf("schema %s is %s, expected %s", schemaID, schema.Status, expected))
}
