package sequence

import (
	"time"
)

// AutoNumberSequence is one counter per (tenant, module). NextNumber is only
// ever moved by the atomic increment in generator.go.
type AutoNumberSequence struct {
	ID         string    `gorm:"column:id;primaryKey"`
	TenantID   string    `gorm:"column:tenant_id;uniqueIndex:idx_sequence_tenant_module"`
	ModuleName string    `gorm:"column:module_name;uniqueIndex:idx_sequence_tenant_module"`
	Prefix     string    `gorm:"column:prefix"`
	Format     string    `gorm:"column:format"`
	NextNumber int64     `gorm:"column:next_number"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (AutoNumberSequence) TableName() string { return "auto_number_sequences" }

// DefaultFormat yields numbers like INV-00001 when prefix is "INV".
const DefaultFormat = "{prefix}-{padded:5}"
