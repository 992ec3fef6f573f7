package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
	"github.com/flowlytics/platform/pkg/common/queue"
	"github.com/flowlytics/platform/pkg/observability/metrics"
)

func stageColumn(stage string) string {
	switch stage {
	case models.StageExtraction:
		return "extraction_status"
	case models.StageTransform:
		return "transform_status"
	case models.StageEmbedding:
		return "embedding_status"
	}
	return ""
}

func downstream(stage string) string {
	switch stage {
	case models.StageExtraction:
		return models.StageTransform
	case models.StageTransform:
		return models.StageEmbedding
	}
	return ""
}

func upstream(stage string) string {
	switch stage {
	case models.StageTransform:
		return models.StageExtraction
	case models.StageEmbedding:
		return models.StageTransform
	}
	return ""
}

// Tracker owns all step status transitions. Every mutation is a single
// guarded UPDATE so concurrent workers cannot lose updates, and every
// transition that fires publishes a status event.
type Tracker struct {
	db     *gorm.DB
	status queue.StatusPublisher
}

func NewTracker(db *gorm.DB, status queue.StatusPublisher) *Tracker {
	return &Tracker{db: db, status: status}
}

// WithTx returns a tracker bound to tx, so a counter decrement can commit
// atomically with the caller's own writes.
func (t *Tracker) WithTx(tx *gorm.DB) *Tracker {
	return &Tracker{db: tx, status: t.status}
}

// Add increments a stage's outstanding-message counter. Callers increment
// before publishing the corresponding message so the counter can never be
// observed at zero while work is still in flight.
func (t *Tracker) Add(ctx context.Context, jobID uint, step, stage string, n int) error {
	row := StepProgress{
		JobID:       jobID,
		Step:        step,
		Stage:       stage,
		Outstanding: n,
		UpdatedAt:   time.Now().UTC(),
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}, {Name: "step"}, {Name: "stage"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"outstanding": gorm.Expr("sync_step_progress.outstanding + ?", n),
			"updated_at":  time.Now().UTC(),
		}),
	}).Create(&row).Error
}

// Done decrements a stage's counter for one completed message and finishes
// the stage if nothing is left outstanding.
func (t *Tracker) Done(ctx context.Context, jobID uint, step, stage string) error {
	err := t.db.WithContext(ctx).Model(&StepProgress{}).
		Where("job_id = ? AND step = ? AND stage = ?", jobID, step, stage).
		Updates(map[string]interface{}{
			"outstanding": gorm.Expr("outstanding - 1"),
			"updated_at":  time.Now().UTC(),
		}).Error
	if err != nil {
		return err
	}
	return t.TryFinish(ctx, jobID, step, stage)
}

// MarkRunning flips a stage from idle to running, once.
func (t *Tracker) MarkRunning(ctx context.Context, jobID uint, step, stage string) error {
	column := stageColumn(stage)
	result := t.db.WithContext(ctx).Model(&JobStep{}).
		Where("job_id = ? AND name = ? AND "+column+" = ?", jobID, step, models.StatusIdle).
		Update(column, models.StatusRunning)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		t.publish(ctx, jobID, step, stage, models.StatusRunning)
	}
	return nil
}

// TryFinish finishes a stage when its counter is zero and its upstream
// stage has already finished, then cascades downstream: a transform stage
// with nothing outstanding can only finish once extraction is done, and so
// on through embedding.
func (t *Tracker) TryFinish(ctx context.Context, jobID uint, step, stage string) error {
	if up := upstream(stage); up != "" {
		jobStep, err := t.getStep(ctx, jobID, step)
		if err != nil {
			return err
		}
		if stageStatus(jobStep, up) != models.StatusFinished {
			return nil
		}
	}

	outstanding, err := t.outstanding(ctx, jobID, step, stage)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	column := stageColumn(stage)
	result := t.db.WithContext(ctx).Model(&JobStep{}).
		Where("job_id = ? AND name = ? AND "+column+" IN ?",
			jobID, step, []string{models.StatusIdle, models.StatusRunning}).
		Update(column, models.StatusFinished)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}
	t.publish(ctx, jobID, step, stage, models.StatusFinished)

	if next := downstream(stage); next != "" {
		if err := t.TryFinish(ctx, jobID, step, next); err != nil {
			return err
		}
		return nil
	}
	return t.maybeFinishJob(ctx, jobID)
}

// MarkStepFailed fails one stage and every stage downstream of it (they can
// no longer complete). The job itself keeps running: partial success is a
// first-class outcome.
func (t *Tracker) MarkStepFailed(ctx context.Context, jobID uint, step, stage, reason string) error {
	for s := stage; s != ""; s = downstream(s) {
		column := stageColumn(s)
		err := t.db.WithContext(ctx).Model(&JobStep{}).
			Where("job_id = ? AND name = ? AND "+column+" <> ?", jobID, step, models.StatusFinished).
			Updates(map[string]interface{}{column: models.StatusFailed, "error": reason}).Error
		if err != nil {
			return err
		}
	}
	t.publish(ctx, jobID, step, stage, models.StatusFailed)
	return t.maybeFinishJob(ctx, jobID)
}

func (t *Tracker) getStep(ctx context.Context, jobID uint, step string) (*JobStep, error) {
	var s JobStep
	result := t.db.WithContext(ctx).
		Where("job_id = ? AND name = ?", jobID, step).
		First(&s)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &s, result.Error
}

func (t *Tracker) outstanding(ctx context.Context, jobID uint, step, stage string) (int, error) {
	var row StepProgress
	err := t.db.WithContext(ctx).
		Where("job_id = ? AND step = ? AND stage = ?", jobID, step, stage).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No message was ever enqueued for this stage.
		return 0, nil
	}
	return row.Outstanding, err
}

func stageStatus(s *JobStep, stage string) string {
	switch stage {
	case models.StageExtraction:
		return s.ExtractionStatus
	case models.StageTransform:
		return s.TransformStatus
	case models.StageEmbedding:
		return s.EmbeddingStatus
	}
	return ""
}

// maybeFinishJob settles the job once every stage of every step is
// terminal. A mix of finished and failed steps finishes the job; only a job
// whose every step failed is marked failed.
func (t *Tracker) maybeFinishJob(ctx context.Context, jobID uint) error {
	var steps []JobStep
	if err := t.db.WithContext(ctx).Where("job_id = ?", jobID).Find(&steps).Error; err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	allFailed := true
	for _, s := range steps {
		for _, stage := range []string{models.StageExtraction, models.StageTransform, models.StageEmbedding} {
			switch stageStatus(&s, stage) {
			case models.StatusFinished, models.StatusFailed:
			default:
				return nil
			}
		}
		if s.ExtractionStatus == models.StatusFinished &&
			s.TransformStatus == models.StatusFinished &&
			s.EmbeddingStatus == models.StatusFinished {
			allFailed = false
		}
	}

	status := models.JobFinished
	if allFailed {
		status = models.JobFailed
	}
	result := t.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, models.JobRunning).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": time.Now().UTC(),
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		if status == models.JobFailed {
			metrics.JobFailed()
		} else {
			metrics.JobFinished()
		}
	}
	return nil
}

func (t *Tracker) publish(ctx context.Context, jobID uint, step, stage, status string) {
	if t.status == nil {
		return
	}
	event := models.StatusEvent{JobID: jobID, Step: step, Stage: stage, Status: status}
	if err := t.status.PublishStatus(ctx, event); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"job_id": jobID,
			"step":   step,
			"stage":  stage,
		}).Error("failed to publish status event")
	}
}
