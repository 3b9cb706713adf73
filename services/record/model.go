package record

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// DynamicRecord is one business entity instance. Data is an open document
// whose keys were validated against the module schema active at write time;
// historical records are never revalidated when the schema changes.
type DynamicRecord struct {
	ID         string            `gorm:"column:id;primaryKey"`
	TenantID   string            `gorm:"column:tenant_id;index:idx_record_tenant_module"`
	ModuleName string            `gorm:"column:module_name;index:idx_record_tenant_module"`
	Data       datatypes.JSONMap `gorm:"column:data"`
	Status     Status            `gorm:"column:status;index"`
	CreatedBy  string            `gorm:"column:created_by"`
	UpdatedBy  string            `gorm:"column:updated_by"`
	CreatedAt  time.Time         `gorm:"column:created_at"`
	UpdatedAt  time.Time         `gorm:"column:updated_at"`
}

func (DynamicRecord) TableName() string { return "dynamic_records" }
