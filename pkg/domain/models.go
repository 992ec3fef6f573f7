package domain

import (
	"time"
)

// Entity kinds the transform stage knows how to normalize.
const (
	EntityProject = "project"
	EntityTicket  = "ticket"
)

// Nested collection names carried by tickets.
const (
	NestedComments = "comments"
	NestedWorklogs = "worklogs"
)

// Nested-progress states. A branch row is created when the primary record
// is transformed and flipped to done when its last nested-only record is.
const (
	ProgressPending = "pending"
	ProgressDone    = "done"
)

// Project is a flat synced entity with no nested collections.
type Project struct {
	ID                 uint      `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	TenantID           int       `json:"tenant_id" gorm:"column:tenant_id;uniqueIndex:idx_projects_external"`
	ExternalID         string    `json:"external_id" gorm:"column:external_id;uniqueIndex:idx_projects_external"`
	Key                string    `json:"key" gorm:"column:key"`
	Name               string    `json:"name" gorm:"column:name"`
	ExternalUpdatedAt  time.Time `json:"external_updated_at" gorm:"column:external_updated_at"`
	LastForwardedJobID *uint     `json:"last_forwarded_job_id,omitempty" gorm:"column:last_forwarded_job_id"`
	CreatedAt          time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Project) TableName() string {
	return "projects"
}

// Ticket is the primary synced entity whose nested collections (comments,
// worklogs) arrive across multiple extraction messages.
type Ticket struct {
	ID                 uint      `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	TenantID           int       `json:"tenant_id" gorm:"column:tenant_id;uniqueIndex:idx_tickets_external"`
	ExternalID         string    `json:"external_id" gorm:"column:external_id;uniqueIndex:idx_tickets_external"`
	ProjectKey         string    `json:"project_key" gorm:"column:project_key"`
	Title              string    `json:"title" gorm:"column:title"`
	Status             string    `json:"status" gorm:"column:status"`
	Assignee           string    `json:"assignee" gorm:"column:assignee"`
	Priority           string    `json:"priority" gorm:"column:priority"`
	ExternalUpdatedAt  time.Time `json:"external_updated_at" gorm:"column:external_updated_at"`
	LastForwardedJobID *uint     `json:"last_forwarded_job_id,omitempty" gorm:"column:last_forwarded_job_id"`
	CreatedAt          time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Ticket) TableName() string {
	return "tickets"
}

type Comment struct {
	ID               uint      `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	TenantID         int       `json:"tenant_id" gorm:"column:tenant_id;uniqueIndex:idx_comments_external"`
	ExternalID       string    `json:"external_id" gorm:"column:external_id;uniqueIndex:idx_comments_external"`
	ParentExternalID string    `json:"parent_external_id" gorm:"column:parent_external_id;index"`
	Author           string    `json:"author" gorm:"column:author"`
	Body             string    `json:"body" gorm:"column:body"`
	PostedAt         time.Time `json:"posted_at" gorm:"column:posted_at"`
	CreatedAt        time.Time `json:"created_at" gorm:"column:created_at"`
}

func (Comment) TableName() string {
	return "ticket_comments"
}

type Worklog struct {
	ID               uint      `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	TenantID         int       `json:"tenant_id" gorm:"column:tenant_id;uniqueIndex:idx_worklogs_external"`
	ExternalID       string    `json:"external_id" gorm:"column:external_id;uniqueIndex:idx_worklogs_external"`
	ParentExternalID string    `json:"parent_external_id" gorm:"column:parent_external_id;index"`
	Author           string    `json:"author" gorm:"column:author"`
	SecondsSpent     int       `json:"seconds_spent" gorm:"column:seconds_spent"`
	StartedAt        time.Time `json:"started_at" gorm:"column:started_at"`
	CreatedAt        time.Time `json:"created_at" gorm:"column:created_at"`
}

func (Worklog) TableName() string {
	return "ticket_worklogs"
}

// NestedProgress is the persisted completion gate: one row per still-open
// nested branch of one parent within one job. The forwarding decision is
// computed from these rows at decision time, never from in-memory state,
// because the primary and nested paths may run on different workers.
type NestedProgress struct {
	ID               uint      `gorm:"primaryKey;autoIncrement;column:id"`
	JobID            uint      `gorm:"column:job_id;uniqueIndex:idx_nested_progress_key"`
	TenantID         int       `gorm:"column:tenant_id;uniqueIndex:idx_nested_progress_key"`
	ParentExternalID string    `gorm:"column:parent_external_id;uniqueIndex:idx_nested_progress_key"`
	NestedType       string    `gorm:"column:nested_type;uniqueIndex:idx_nested_progress_key"`
	State            string    `gorm:"column:state"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (NestedProgress) TableName() string {
	return "nested_progress"
}
