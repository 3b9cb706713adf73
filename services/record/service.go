package record

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"recordplane/pkg/db/option"
	"recordplane/pkg/errutil"
	"recordplane/pkg/repository"
	"recordplane/pkg/sequence"
	"recordplane/services/schema"
	"recordplane/services/workflow"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReferenceResolver is the slice of the lookup resolver the store needs at
// write time: reference validation and cascading of source fields.
type ReferenceResolver interface {
	ValidateReference(ctx context.Context, tenantID, targetModule, recordID string) (bool, error)
	SourceData(ctx context.Context, tenantID, targetModule, recordID string) (map[string]any, error)
	Cascade(source map[string]any, mapping map[string]string) map[string]any
}

// WorkflowTrigger receives record change events. Satisfied by the workflow
// engine; failures here never fail the record write.
type WorkflowTrigger interface {
	TriggerWorkflows(ctx context.Context, ev workflow.Event) error
}

// Service is the CRUD surface over schema-less entity documents, validated
// against the active module schema on every write.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	logger    *zap.Logger
	registry  *schema.Registry
	records   repository.Repository[DynamicRecord]
	sequences sequence.Generator
	resolver  ReferenceResolver
	trigger   WorkflowTrigger
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Logger    *zap.Logger
	Registry  *schema.Registry
	Sequences sequence.Generator
	Resolver  ReferenceResolver
	Trigger   WorkflowTrigger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		logger:    logger,
		registry:  p.Registry,
		records:   repository.ProvideStore[DynamicRecord](p.DB),
		sequences: p.Sequences,
		resolver:  p.Resolver,
		trigger:   p.Trigger,
	}
}

type CreateRequest struct {
	TenantID   string
	ModuleName string
	Data       map[string]any
	ActorID    string
}

// Create validates the payload against the active schema, fills auto numbers,
// applies lookup cascades, persists, then fires the onCreate trigger with the
// final data. Nothing is persisted on validation failure.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*DynamicRecord, error) {
	activeSchema, err := s.registry.GetActive(ctx, req.TenantID, req.ModuleName)
	if err != nil {
		return nil, err
	}
	fields, err := activeSchema.FieldList()
	if err != nil {
		return nil, errutil.Internal("active schema is unreadable", err)
	}

	data := make(map[string]any, len(req.Data))
	for k, v := range req.Data {
		data[k] = v
	}

	byName := fieldIndex(fields)
	if err := s.checkKnownKeys(data, byName); err != nil {
		return nil, err
	}

	applyDefaults(data, fields)

	for _, f := range fields {
		if f.DataType != schema.DataTypeAutoNumber {
			continue
		}
		if _, provided := data[f.Name]; provided {
			return nil, errutil.FieldInvalid(f.Name, "auto-numbered fields cannot be set by the caller")
		}
		number, err := s.sequences.Generate(ctx, req.TenantID, req.ModuleName)
		if err != nil {
			return nil, errutil.Internal("failed to generate auto number", err)
		}
		data[f.Name] = number
	}

	if err := s.applyCascades(ctx, req.TenantID, data, fields, nil); err != nil {
		return nil, err
	}

	if err := s.validateAll(ctx, req.TenantID, req.ModuleName, "", data, fields); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &DynamicRecord{
		ID:         s.node.Generate().String(),
		TenantID:   req.TenantID,
		ModuleName: req.ModuleName,
		Data:       datatypes.JSONMap(data),
		Status:     StatusActive,
		CreatedBy:  req.ActorID,
		UpdatedBy:  req.ActorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		s.logger.Error("failed to persist record", zap.Error(err))
		return nil, errutil.Internal("failed to create record", err)
	}

	s.fire(ctx, workflow.Event{
		TenantID:    req.TenantID,
		ModuleName:  req.ModuleName,
		TriggerType: workflow.TriggerOnCreate,
		RecordID:    rec.ID,
		Data:        data,
		Actor:       req.ActorID,
	})

	return rec, nil
}

type UpdateRequest struct {
	TenantID   string
	ModuleName string
	RecordID   string
	Data       map[string]any
	ActorID    string
	// fromWorkflow lifts the read-only restriction for engine actions.
	fromWorkflow bool
}

// Update merges the partial payload over the existing document and
// re-validates only the changed fields' constraints.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*DynamicRecord, error) {
	rec, err := s.load(ctx, req.TenantID, req.ModuleName, req.RecordID)
	if err != nil {
		return nil, err
	}

	activeSchema, err := s.registry.GetActive(ctx, req.TenantID, req.ModuleName)
	if err != nil {
		return nil, err
	}
	fields, err := activeSchema.FieldList()
	if err != nil {
		return nil, errutil.Internal("active schema is unreadable", err)
	}
	byName := fieldIndex(fields)
	if err := s.checkKnownKeys(req.Data, byName); err != nil {
		return nil, err
	}

	original := make(map[string]any, len(rec.Data))
	merged := make(map[string]any, len(rec.Data)+len(req.Data))
	for k, v := range rec.Data {
		original[k] = v
		merged[k] = v
	}
	for k, v := range req.Data {
		f := byName[k]
		if f.ReadOnly && !req.fromWorkflow {
			return nil, errutil.FieldInvalid(k, "field is read only")
		}
		if f.DataType == schema.DataTypeAutoNumber && !req.fromWorkflow {
			return nil, errutil.FieldInvalid(k, "auto-numbered fields cannot be changed")
		}
		merged[k] = v
	}

	if err := s.applyCascades(ctx, req.TenantID, merged, fields, req.Data); err != nil {
		return nil, err
	}

	// The changed set is diffed after cascades so destination fields rewritten
	// by a re-selected lookup count as changes too.
	changed := make([]string, 0, len(req.Data))
	for k, v := range merged {
		if prev, ok := original[k]; !ok || !valueEqual(prev, v) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)

	if err := s.validateChanged(ctx, req.TenantID, req.ModuleName, rec.ID, merged, byName, req.Data); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.Data = datatypes.JSONMap(merged)
	rec.UpdatedBy = req.ActorID
	rec.UpdatedAt = now
	if err := s.records.Update(ctx, rec.ID, map[string]any{
		"data":       rec.Data,
		"updated_by": rec.UpdatedBy,
		"updated_at": rec.UpdatedAt,
	}); err != nil {
		s.logger.Error("failed to persist record update", zap.Error(err))
		return nil, errutil.Internal("failed to update record", err)
	}

	base := workflow.Event{
		TenantID:      req.TenantID,
		ModuleName:    req.ModuleName,
		RecordID:      rec.ID,
		Data:          merged,
		ChangedFields: changed,
		Actor:         req.ActorID,
	}
	base.TriggerType = workflow.TriggerOnUpdate
	s.fire(ctx, base)
	if len(changed) > 0 {
		fieldEv := base
		fieldEv.TriggerType = workflow.TriggerOnFieldChange
		s.fire(ctx, fieldEv)
	}
	for _, f := range changed {
		if f == "status" {
			statusEv := base
			statusEv.TriggerType = workflow.TriggerOnStatusChange
			s.fire(ctx, statusEv)
			break
		}
	}

	return rec, nil
}

// Delete archives a record; documents are never physically removed, which
// keeps lookups and audit trails resolvable.
func (s *Service) Delete(ctx context.Context, tenantID, moduleName, recordID, actorID string) error {
	rec, err := s.load(ctx, tenantID, moduleName, recordID)
	if err != nil {
		return err
	}

	if err := s.records.Update(ctx, rec.ID, map[string]any{
		"status":     StatusArchived,
		"updated_by": actorID,
		"updated_at": time.Now().UTC(),
	}); err != nil {
		return errutil.Internal("failed to archive record", err)
	}

	s.fire(ctx, workflow.Event{
		TenantID:    tenantID,
		ModuleName:  moduleName,
		TriggerType: workflow.TriggerOnDelete,
		RecordID:    rec.ID,
		Data:        rec.Data,
		Actor:       actorID,
	})
	return nil
}

func (s *Service) Get(ctx context.Context, tenantID, moduleName, recordID string) (*DynamicRecord, error) {
	return s.load(ctx, tenantID, moduleName, recordID)
}

type ListRequest struct {
	TenantID        string
	ModuleName      string
	IncludeArchived bool
	Limit           int
	Offset          int
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]*DynamicRecord, error) {
	query := &DynamicRecord{TenantID: req.TenantID, ModuleName: req.ModuleName}
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "DESC"}),
		option.WithLimit(req.Limit),
		option.WithOffset(req.Offset),
	}
	if !req.IncludeArchived {
		query.Status = StatusActive
	}

	recs, err := s.records.Find(ctx, query, opts...)
	if err != nil {
		return nil, errutil.Internal("failed to list records", err)
	}
	return recs, nil
}

// Search filters active records by a case-insensitive substring match across
// the given fields.
func (s *Service) Search(ctx context.Context, tenantID, moduleName, term string, searchFields []string, limit int) ([]*DynamicRecord, error) {
	recs, err := s.records.Find(ctx, &DynamicRecord{
		TenantID:   tenantID,
		ModuleName: moduleName,
		Status:     StatusActive,
	})
	if err != nil {
		return nil, errutil.Internal("failed to search records", err)
	}

	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		if limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}
		return recs, nil
	}

	out := make([]*DynamicRecord, 0)
	for _, rec := range recs {
		for _, field := range searchFields {
			v, ok := rec.Data[field]
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), needle) {
				out = append(out, rec)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ApplyFields merges fields into a record on behalf of a workflow action.
func (s *Service) ApplyFields(ctx context.Context, tenantID, moduleName, recordID string, fields map[string]any, actorID string) error {
	_, err := s.Update(ctx, UpdateRequest{
		TenantID:     tenantID,
		ModuleName:   moduleName,
		RecordID:     recordID,
		Data:         fields,
		ActorID:      actorID,
		fromWorkflow: true,
	})
	return err
}

// CreateRecord creates a record in a target module on behalf of a workflow
// action.
func (s *Service) CreateRecord(ctx context.Context, tenantID, moduleName string, data map[string]any, actorID string) (string, error) {
	rec, err := s.Create(ctx, CreateRequest{
		TenantID:   tenantID,
		ModuleName: moduleName,
		Data:       data,
		ActorID:    actorID,
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *Service) load(ctx context.Context, tenantID, moduleName, recordID string) (*DynamicRecord, error) {
	rec, err := s.records.FindOne(ctx, &DynamicRecord{
		ID:         recordID,
		TenantID:   tenantID,
		ModuleName: moduleName,
	})
	if err != nil {
		return nil, errutil.Internal("failed to load record", err)
	}
	if rec == nil {
		return nil, errutil.NotFound(fmt.Sprintf("record %s not found in module %q", recordID, moduleName))
	}
	return rec, nil
}

// fire delivers a trigger; workflow failures are reported in the execution
// audit only, never to the record-write caller.
func (s *Service) fire(ctx context.Context, ev workflow.Event) {
	if s.trigger == nil {
		return
	}
	if err := s.trigger.TriggerWorkflows(ctx, ev); err != nil {
		s.logger.Warn("workflow trigger failed",
			zap.String("tenant_id", ev.TenantID),
			zap.String("module", ev.ModuleName),
			zap.String("trigger", ev.TriggerType),
			zap.Error(err))
	}
}
