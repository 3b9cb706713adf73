package record

import (
	"context"
	"fmt"

	"recordplane/pkg/db/option"
	"recordplane/pkg/errutil"
	"recordplane/services/schema"

	"gorm.io/datatypes"
)

func fieldIndex(fields []schema.FieldDefinition) map[string]schema.FieldDefinition {
	byName := make(map[string]schema.FieldDefinition, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	return byName
}

// checkKnownKeys enforces that data keys are a subset of the declared fields.
func (s *Service) checkKnownKeys(data map[string]any, byName map[string]schema.FieldDefinition) error {
	for k := range data {
		if _, ok := byName[k]; !ok {
			return errutil.FieldInvalid(k, "field is not declared by the active schema")
		}
	}
	return nil
}

func applyDefaults(data map[string]any, fields []schema.FieldDefinition) {
	for _, f := range fields {
		if f.Default == nil {
			continue
		}
		if _, present := data[f.Name]; !present {
			data[f.Name] = f.Default
		}
	}
}

// applyCascades validates lookup references and copies mapped source fields
// into the document. The copy is a snapshot: later changes to the referenced
// record never touch documents already written. On update, only lookups
// present in the incoming payload are re-cascaded.
func (s *Service) applyCascades(ctx context.Context, tenantID string, data map[string]any, fields []schema.FieldDefinition, touched map[string]any) error {
	if s.resolver == nil {
		return nil
	}
	declared := fieldIndex(fields)
	for _, f := range fields {
		if f.DataType != schema.DataTypeLookup || f.Lookup == nil {
			continue
		}
		if touched != nil {
			if _, reselected := touched[f.Name]; !reselected {
				continue
			}
		}
		raw, present := data[f.Name]
		if !present || raw == nil {
			continue
		}
		recordID, ok := raw.(string)
		if !ok {
			return errutil.FieldInvalid(f.Name, "expected a record id")
		}

		valid, err := s.resolver.ValidateReference(ctx, tenantID, f.Lookup.TargetModule, recordID)
		if err != nil {
			return errutil.Internal("failed to validate lookup reference", err)
		}
		if !valid {
			return errutil.FieldInvalid(f.Name,
				fmt.Sprintf("no active record %s in module %q", recordID, f.Lookup.TargetModule))
		}

		if len(f.Lookup.CascadeFields) == 0 {
			continue
		}
		source, err := s.resolver.SourceData(ctx, tenantID, f.Lookup.TargetModule, recordID)
		if err != nil {
			return errutil.Internal("failed to load lookup source record", err)
		}
		for dst, v := range s.resolver.Cascade(source, f.Lookup.CascadeFields) {
			// The registry rejects undeclared destinations at draft time;
			// schemas written before that check may still carry them.
			if _, ok := declared[dst]; !ok {
				continue
			}
			data[dst] = v
		}
	}
	return nil
}

// validateAll runs the full constraint set, used on create.
func (s *Service) validateAll(ctx context.Context, tenantID, moduleName, selfID string, data map[string]any, fields []schema.FieldDefinition) error {
	for _, f := range fields {
		v, present := data[f.Name]
		if f.Required && (!present || v == nil || v == "") {
			return errutil.FieldInvalid(f.Name, "required field is missing")
		}
		if !present {
			continue
		}
		if err := f.CheckValue(v); err != nil {
			return err
		}
		if f.Unique && v != nil {
			if err := s.checkUnique(ctx, tenantID, moduleName, selfID, f.Name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateChanged re-validates only the fields touched by an update;
// historical values of untouched fields are left as written.
func (s *Service) validateChanged(ctx context.Context, tenantID, moduleName, selfID string, merged map[string]any, byName map[string]schema.FieldDefinition, touched map[string]any) error {
	for k := range touched {
		f, ok := byName[k]
		if !ok {
			continue
		}
		v, present := merged[k]
		if f.Required && (!present || v == nil || v == "") {
			return errutil.FieldInvalid(k, "required field cannot be cleared")
		}
		if !present || v == nil {
			continue
		}
		if err := f.CheckValue(v); err != nil {
			return err
		}
		if f.Unique {
			if err := s.checkUnique(ctx, tenantID, moduleName, selfID, k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkUnique scans active records of the same tenant and module for another
// document holding the same value under the field key.
func (s *Service) checkUnique(ctx context.Context, tenantID, moduleName, selfID, field string, value any) error {
	query := &DynamicRecord{TenantID: tenantID, ModuleName: moduleName, Status: StatusActive}
	opts := []option.QueryOption{
		option.WithClause(datatypes.JSONQuery("data").Equals(value, field)),
	}
	if selfID != "" {
		opts = append(opts, option.WithClause("id <> ?", selfID))
	}

	count, err := s.records.Count(ctx, query, opts...)
	if err != nil {
		return errutil.Internal("failed to check unique constraint", err)
	}
	if count > 0 {
		return errutil.Conflict(fmt.Sprintf("value for unique field %q is already in use", field),
			errutil.WithDetails(errutil.Detail{Field: field, Message: "duplicate value"}))
	}
	return nil
}

func valueEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
