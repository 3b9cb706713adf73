package lookup

import (
	"context"
	"fmt"
	"strings"

	"recordplane/pkg/errutil"
	"recordplane/pkg/repository"
	"recordplane/services/record"
	"recordplane/services/schema"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Option is one selectable target record for a lookup field.
type Option struct {
	Value  string         `json:"value"`
	Label  string         `json:"label"`
	Record map[string]any `json:"record"`
}

// Resolver resolves cross-module references into display options and copies
// selected-record fields into dependent fields.
type Resolver struct {
	registry *schema.Registry
	records  repository.Repository[record.DynamicRecord]
	logger   *zap.Logger
}

type ResolverParams struct {
	fx.In

	DB       *gorm.DB
	Registry *schema.Registry
	Logger   *zap.Logger
}

func NewResolver(p ResolverParams) *Resolver {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		registry: p.Registry,
		records:  repository.ProvideStore[record.DynamicRecord](p.DB),
		logger:   logger,
	}
}

// GetOptions lists active records of the target module as {value, label,
// record} options, optionally filtered by a case-insensitive substring match
// across the search fields.
func (r *Resolver) GetOptions(ctx context.Context, tenantID, targetModule, displayField string, searchFields []string, term string, limit int) ([]Option, error) {
	// An unknown module has no active schema; surface that before querying.
	if _, err := r.registry.GetActive(ctx, tenantID, targetModule); err != nil {
		return nil, err
	}

	recs, err := r.records.Find(ctx, &record.DynamicRecord{
		TenantID:   tenantID,
		ModuleName: targetModule,
		Status:     record.StatusActive,
	})
	if err != nil {
		return nil, errutil.Internal("failed to load lookup options", err)
	}

	needle := strings.ToLower(strings.TrimSpace(term))
	options := make([]Option, 0, len(recs))
	for _, rec := range recs {
		if needle != "" && !matches(rec.Data, searchFields, needle) {
			continue
		}
		options = append(options, Option{
			Value:  rec.ID,
			Label:  optionLabel(*rec, displayField),
			Record: rec.Data,
		})
		if limit > 0 && len(options) >= limit {
			break
		}
	}
	return options, nil
}

// optionLabel falls back to the record id when the display field holds no
// value, so the option never renders an empty or "<nil>" label.
func optionLabel(rec record.DynamicRecord, displayField string) string {
	if v, ok := rec.Data[displayField]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return rec.ID
}

func matches(data map[string]any, searchFields []string, needle string) bool {
	for _, field := range searchFields {
		v, ok := data[field]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), needle) {
			return true
		}
	}
	return false
}

// ValidateReference reports whether an active record with the id exists in
// the module and tenant.
func (r *Resolver) ValidateReference(ctx context.Context, tenantID, targetModule, recordID string) (bool, error) {
	rec, err := r.records.FindOne(ctx, &record.DynamicRecord{
		ID:         recordID,
		TenantID:   tenantID,
		ModuleName: targetModule,
		Status:     record.StatusActive,
	})
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// SourceData returns the document of an active record, used as the cascade
// source.
func (r *Resolver) SourceData(ctx context.Context, tenantID, targetModule, recordID string) (map[string]any, error) {
	rec, err := r.records.FindOne(ctx, &record.DynamicRecord{
		ID:         recordID,
		TenantID:   tenantID,
		ModuleName: targetModule,
		Status:     record.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errutil.NotFound(fmt.Sprintf("record %s not found in module %q", recordID, targetModule))
	}
	return rec.Data, nil
}

// Cascade copies mapped source fields to destination fields. Snapshot
// semantics: the result is merged into the dependent record at write time
// and frozen there, which is the right behaviour for financial documents.
func (r *Resolver) Cascade(source map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for src, dst := range mapping {
		if v, ok := source[src]; ok {
			out[dst] = v
		}
	}
	return out
}
