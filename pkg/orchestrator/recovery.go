package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flowlytics/platform/pkg/checkpoint"
	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
)

// Recover re-enters every running job from its persisted checkpoints: one
// extraction message per resumable row, carrying the saved cursor. This is
// the sole re-entry point after a crash or restart; there is no separate
// resume code path in the workers.
func (s *Service) Recover(ctx context.Context) error {
	jobs, err := s.repo.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("listing running jobs: %w", err)
	}

	for _, job := range jobs {
		rows, err := s.checkpoints.InProgress(ctx, job.ID)
		if err != nil {
			// Unreadable checkpoints kill recovery for this job's steps
			// only; other jobs proceed.
			logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to read checkpoints for recovery")
			for _, step := range job.Steps {
				if markErr := s.tracker.MarkStepFailed(ctx, job.ID, step.Name, models.StageExtraction, "checkpoint unreadable"); markErr != nil {
					logger.Log.WithError(markErr).WithField("job_id", job.ID).Error("failed to fail step after checkpoint loss")
				}
			}
			continue
		}

		for _, row := range rows {
			msg, err := resumeMessage(&job, &row)
			if err != nil {
				logger.Log.WithError(err).WithFields(logrus.Fields{
					"job_id": job.ID,
					"step":   row.Step,
				}).Error("corrupt checkpoint, failing step")
				if markErr := s.tracker.MarkStepFailed(ctx, job.ID, row.Step, models.StageExtraction, err.Error()); markErr != nil {
					logger.Log.WithError(markErr).Error("failed to mark step failed")
				}
				continue
			}

			if err := s.enqueueExtraction(ctx, &job, row.Step, msg); err != nil {
				logger.Log.WithError(err).WithFields(logrus.Fields{
					"job_id": job.ID,
					"step":   row.Step,
				}).Error("failed to re-enqueue extraction after restart")
				continue
			}
			logger.Log.WithFields(logrus.Fields{
				"job_id":  job.ID,
				"step":    row.Step,
				"parent":  row.ParentExternalID,
				"nested":  row.NestedType,
				"cursor":  row.Cursor,
			}).Info("resumed extraction from checkpoint")
		}
	}
	return nil
}

func resumeMessage(job *Job, row *checkpoint.Checkpoint) (models.QueueMessage, error) {
	msg := models.QueueMessage{
		TenantID:      job.TenantID,
		JobID:         job.ID,
		IntegrationID: job.IntegrationID,
		Step:          row.Step,
	}
	switch {
	case row.Primary():
		msg.Primary = &models.PrimaryPageRequest{PageCursor: row.Cursor}
	case row.ParentExternalID != "" && row.NestedType != "":
		msg.Nested = &models.NestedContinuationRequest{
			ParentExternalID: row.ParentExternalID,
			NestedType:       row.NestedType,
			NestedCursor:     row.Cursor,
		}
	default:
		return msg, fmt.Errorf("checkpoint %d has a parent without a nested type", row.ID)
	}
	return msg, nil
}
