package checkpoint

import (
	"time"
)

// Checkpoint states. A row moves not_started → in_progress → complete;
// failed is terminal for that resource's recovery path only.
const (
	StateNotStarted = "not_started"
	StateInProgress = "in_progress"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

// Checkpoint is the resume pointer for one paginated resource: the primary
// resource of a step (empty parent/nested fields) or one nested collection
// branch of one parent item.
type Checkpoint struct {
	ID               uint       `gorm:"primaryKey;autoIncrement;column:id"`
	JobID            uint       `gorm:"column:job_id;uniqueIndex:idx_checkpoint_key"`
	TenantID         int        `gorm:"column:tenant_id"`
	IntegrationID    int        `gorm:"column:integration_id"`
	Step             string     `gorm:"column:step;uniqueIndex:idx_checkpoint_key"`
	ParentExternalID string     `gorm:"column:parent_external_id;uniqueIndex:idx_checkpoint_key"`
	NestedType       string     `gorm:"column:nested_type;uniqueIndex:idx_checkpoint_key"`
	State            string     `gorm:"column:state"`
	Cursor           string     `gorm:"column:cursor"`
	Watermark        *time.Time `gorm:"column:watermark"`
	StartedAt        time.Time  `gorm:"column:started_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (Checkpoint) TableName() string {
	return "sync_checkpoints"
}

// Primary reports whether this row tracks a step's primary resource rather
// than a nested continuation branch.
func (c *Checkpoint) Primary() bool {
	return c.ParentExternalID == "" && c.NestedType == ""
}
