package orchestrator

import (
	"time"
)

// Job is one synchronization run for one tenant/integration.
type Job struct {
	ID            uint       `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	TenantID      int        `json:"tenant_id" gorm:"column:tenant_id;index"`
	IntegrationID int        `json:"integration_id" gorm:"column:integration_id"`
	Status        string     `json:"status" gorm:"column:status"`
	Warnings      int        `json:"warnings" gorm:"column:warnings"`
	LastError     string     `json:"last_error,omitempty" gorm:"column:last_error"`
	CreatedAt     time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"column:updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" gorm:"column:finished_at"`
	Steps         []JobStep  `json:"steps" gorm:"foreignKey:JobID"`
}

func (Job) TableName() string {
	return "sync_jobs"
}

// JobStep is one named phase of a job with an independent status per
// stage kind.
type JobStep struct {
	ID               uint   `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	JobID            uint   `json:"job_id" gorm:"column:job_id;index"`
	Name             string `json:"name" gorm:"column:name"`
	StepOrder        int    `json:"step_order" gorm:"column:step_order"`
	EntityKind       string `json:"entity_kind" gorm:"column:entity_kind"`
	ExtractionStatus string `json:"extraction_status" gorm:"column:extraction_status"`
	TransformStatus  string `json:"transform_status" gorm:"column:transform_status"`
	EmbeddingStatus  string `json:"embedding_status" gorm:"column:embedding_status"`
	Error            string `json:"error,omitempty" gorm:"column:error"`
}

func (JobStep) TableName() string {
	return "sync_job_steps"
}

// StepProgress is the persisted outstanding-message counter of one stage of
// one step. It replaces terminal-flag threading as the completion barrier:
// enqueues increment it before publish, finished handlers decrement it, and
// the stage finishes when it reaches zero with its upstream stage finished.
type StepProgress struct {
	ID          uint      `gorm:"primaryKey;autoIncrement;column:id"`
	JobID       uint      `gorm:"column:job_id;uniqueIndex:idx_step_progress_key"`
	Step        string    `gorm:"column:step;uniqueIndex:idx_step_progress_key"`
	Stage       string    `gorm:"column:stage;uniqueIndex:idx_step_progress_key"`
	Outstanding int       `gorm:"column:outstanding"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (StepProgress) TableName() string {
	return "sync_step_progress"
}
