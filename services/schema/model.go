package schema

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusReview   Status = "review"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// ModuleSchema is one version of a module's shape. At most one row per
// (tenant, module) holds StatusActive at any instant; Approve enforces this
// inside a single transaction.
type ModuleSchema struct {
	ID          string         `gorm:"column:id;primaryKey"`
	TenantID    string         `gorm:"column:tenant_id;index:idx_schema_tenant_module;uniqueIndex:idx_schema_tenant_module_version"`
	ModuleName  string         `gorm:"column:module_name;index:idx_schema_tenant_module;uniqueIndex:idx_schema_tenant_module_version"`
	Version     int            `gorm:"column:version;uniqueIndex:idx_schema_tenant_module_version"`
	DisplayName string         `gorm:"column:display_name"`
	Icon        string         `gorm:"column:icon"`
	Description string         `gorm:"column:description"`
	Fields      datatypes.JSON `gorm:"column:fields"`
	Layout      datatypes.JSON `gorm:"column:layout"`
	Status      Status         `gorm:"column:status;index"`
	ApprovedBy  string         `gorm:"column:approved_by"`
	ApprovedAt  *time.Time     `gorm:"column:approved_at"`
	RejectedFor string         `gorm:"column:rejected_for"`
	CreatedBy   string         `gorm:"column:created_by"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (ModuleSchema) TableName() string { return "module_schemas" }

func (m *ModuleSchema) SetFields(fields []FieldDefinition) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	m.Fields = datatypes.JSON(raw)
	return nil
}

func (m *ModuleSchema) FieldList() ([]FieldDefinition, error) {
	if len(m.Fields) == 0 {
		return nil, nil
	}
	var fields []FieldDefinition
	if err := json.Unmarshal(m.Fields, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func setJSON(dst *datatypes.JSON, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*dst = datatypes.JSON(raw)
	return nil
}

// Field returns the definition with the given name, if declared.
func (m *ModuleSchema) Field(name string) (*FieldDefinition, bool) {
	fields, err := m.FieldList()
	if err != nil {
		return nil, false
	}
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i], true
		}
	}
	return nil, false
}
