package orchestrator

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/flowlytics/platform/pkg/common/models"
)

var ErrNotFound = errors.New("sync job not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Job{}, &JobStep{}, &StepProgress{})
}

func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobPending
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repository) GetJob(ctx context.Context, id uint) (*Job, error) {
	var job Job
	result := r.db.WithContext(ctx).Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order")
	}).First(&job, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &job, result.Error
}

func (r *Repository) UpdateJobStatus(ctx context.Context, id uint, status string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == models.JobFinished || status == models.JobFailed {
		updates["finished_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// RecordWarning bumps the job's warning counter without failing it.
// Dead-letter exhaustion and malformed payloads land here.
func (r *Repository) RecordWarning(ctx context.Context, id uint, reason string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"warnings":   gorm.Expr("warnings + 1"),
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *Repository) ListRunning(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).Preload("Steps").
		Where("status = ?", models.JobRunning).
		Find(&jobs).Error
	return jobs, err
}

func (r *Repository) GetStep(ctx context.Context, jobID uint, step string) (*JobStep, error) {
	var s JobStep
	result := r.db.WithContext(ctx).
		Where("job_id = ? AND name = ?", jobID, step).
		First(&s)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &s, result.Error
}
