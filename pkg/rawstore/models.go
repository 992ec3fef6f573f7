package rawstore

import (
	"time"

	"gorm.io/datatypes"
)

// Discriminator values for staged records.
const (
	DiscriminatorPrimary    = "primary"
	DiscriminatorNestedOnly = "nested_only"
)

// Record is one immutable staged payload. It is written once by an
// extraction worker and never mutated afterwards except for the processed
// flag, which keeps the store safe to re-read on transform retries.
type Record struct {
	ID            uint              `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	TenantID      int               `json:"tenant_id" gorm:"column:tenant_id;index"`
	EntityType    string            `json:"entity_type" gorm:"column:entity_type"`
	ExternalID    string            `json:"external_id" gorm:"column:external_id;index"`
	Payload       datatypes.JSONMap `json:"payload" gorm:"column:payload"`
	Discriminator string            `json:"discriminator" gorm:"column:discriminator"`
	NestedType    string            `json:"nested_type,omitempty" gorm:"column:nested_type"`
	NestedCursors datatypes.JSONMap `json:"nested_cursors,omitempty" gorm:"column:nested_cursors"`
	HasMore       bool              `json:"has_more" gorm:"column:has_more"`
	Processed     bool              `json:"processed" gorm:"column:processed"`
	CreatedAt     time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (Record) TableName() string {
	return "raw_extraction_records"
}
