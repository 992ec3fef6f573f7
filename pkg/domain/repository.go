package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("domain record not found")

// Repository owns the target analytical tables. Every write is an upsert
// keyed by (tenant_id, external_id) so at-least-once delivery and concurrent
// primary/nested processing cannot produce duplicates or lost updates.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Project{}, &Ticket{}, &Comment{}, &Worklog{}, &NestedProgress{})
}

func (r *Repository) UpsertProject(ctx context.Context, p *Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"key", "name", "external_updated_at", "updated_at"}),
	}).Create(p).Error
}

func (r *Repository) UpsertTicket(ctx context.Context, t *Ticket) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"project_key", "title", "status", "assignee", "priority",
			"external_updated_at", "updated_at",
		}),
	}).Create(t).Error
}

func (r *Repository) GetTicket(ctx context.Context, tenantID int, externalID string) (*Ticket, error) {
	var t Ticket
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		First(&t)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &t, result.Error
}

func (r *Repository) GetProject(ctx context.Context, tenantID int, externalID string) (*Project, error) {
	var p Project
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		First(&p)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &p, result.Error
}

func (r *Repository) UpsertComments(ctx context.Context, comments []Comment) error {
	if len(comments) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range comments {
		comments[i].CreatedAt = now
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"author", "body", "posted_at"}),
	}).Create(&comments).Error
}

func (r *Repository) UpsertWorklogs(ctx context.Context, worklogs []Worklog) error {
	if len(worklogs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range worklogs {
		worklogs[i].CreatedAt = now
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"author", "seconds_spent", "started_at"}),
	}).Create(&worklogs).Error
}

// OpenNestedProgress records one pending row per still-open nested branch.
// Insert-if-absent: a redelivered primary transform must not resurrect a
// branch a nested-only record already finished.
func (r *Repository) OpenNestedProgress(ctx context.Context, jobID uint, tenantID int, parentExternalID string, nestedTypes []string) error {
	if len(nestedTypes) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]NestedProgress, 0, len(nestedTypes))
	for _, nested := range nestedTypes {
		rows = append(rows, NestedProgress{
			JobID:            jobID,
			TenantID:         tenantID,
			ParentExternalID: parentExternalID,
			NestedType:       nested,
			State:            ProgressPending,
			UpdatedAt:        now,
		})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "job_id"}, {Name: "tenant_id"},
			{Name: "parent_external_id"}, {Name: "nested_type"},
		},
		DoNothing: true,
	}).Create(&rows).Error
}

// FinishNestedProgress marks one branch done. Idempotent under redelivery.
func (r *Repository) FinishNestedProgress(ctx context.Context, jobID uint, tenantID int, parentExternalID, nestedType string) error {
	return r.db.WithContext(ctx).Model(&NestedProgress{}).
		Where("job_id = ? AND tenant_id = ? AND parent_external_id = ? AND nested_type = ?",
			jobID, tenantID, parentExternalID, nestedType).
		Updates(map[string]interface{}{
			"state":      ProgressDone,
			"updated_at": time.Now().UTC(),
		}).Error
}

// PendingNested counts the branches of one parent still awaiting pages.
func (r *Repository) PendingNested(ctx context.Context, jobID uint, tenantID int, parentExternalID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&NestedProgress{}).
		Where("job_id = ? AND tenant_id = ? AND parent_external_id = ? AND state = ?",
			jobID, tenantID, parentExternalID, ProgressPending).
		Count(&count).Error
	return count, err
}

// ClaimForward atomically claims the right to forward one record to the
// embedding stage for one sync pass. Exactly one caller wins per (record,
// job), no matter how many workers race or how often messages are
// redelivered.
func (r *Repository) ClaimForward(ctx context.Context, entityKind string, tenantID int, externalID string, jobID uint) (bool, error) {
	var model interface{}
	switch entityKind {
	case EntityProject:
		model = &Project{}
	case EntityTicket:
		model = &Ticket{}
	default:
		return false, errors.New("unknown entity kind: " + entityKind)
	}

	result := r.db.WithContext(ctx).Model(model).
		Where("tenant_id = ? AND external_id = ? AND (last_forwarded_job_id IS NULL OR last_forwarded_job_id <> ?)",
			tenantID, externalID, jobID).
		Update("last_forwarded_job_id", jobID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
