package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flowlytics/platform/pkg/checkpoint"
	"github.com/flowlytics/platform/pkg/common/config"
	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
	"github.com/flowlytics/platform/pkg/common/queue"
)

// Service creates jobs, seeds their first extraction messages, answers
// status polls and handles cancellation. Step status math lives in Tracker.
type Service struct {
	repo        *Repository
	tracker     *Tracker
	checkpoints *checkpoint.Manager
	pub         queue.Publisher
	redis       *redis.Client
	catalog     *config.Integrations
	cacheTTL    time.Duration
}

func NewService(repo *Repository, tracker *Tracker, checkpoints *checkpoint.Manager, pub queue.Publisher, redisClient *redis.Client, catalog *config.Integrations, cacheTTL time.Duration) *Service {
	return &Service{
		repo:        repo,
		tracker:     tracker,
		checkpoints: checkpoints,
		pub:         pub,
		redis:       redisClient,
		catalog:     catalog,
		cacheTTL:    cacheTTL,
	}
}

// Trigger creates a job for one tenant/integration and enqueues the first
// extraction message of every step. Extraction status becomes running the
// moment that first message is issued.
func (s *Service) Trigger(ctx context.Context, req models.TriggerJobRequest) (*Job, error) {
	integ, err := s.catalog.Lookup(req.IntegrationID)
	if err != nil {
		return nil, err
	}

	specs := integ.Steps
	if len(req.Steps) > 0 {
		specs = specs[:0:0]
		for _, name := range req.Steps {
			spec, err := integ.Step(name)
			if err != nil {
				return nil, err
			}
			specs = append(specs, *spec)
		}
	}

	job := &Job{
		TenantID:      req.TenantID,
		IntegrationID: req.IntegrationID,
		Status:        models.JobPending,
	}
	for i, spec := range specs {
		job.Steps = append(job.Steps, JobStep{
			Name:             spec.Name,
			StepOrder:        i,
			EntityKind:       spec.Entity,
			ExtractionStatus: models.StatusIdle,
			TransformStatus:  models.StatusIdle,
			EmbeddingStatus:  models.StatusIdle,
		})
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := s.repo.UpdateJobStatus(ctx, job.ID, models.JobRunning); err != nil {
		return nil, err
	}
	job.Status = models.JobRunning

	for _, spec := range specs {
		if _, err := s.checkpoints.Begin(ctx, job.ID, req.TenantID, req.IntegrationID, spec.Name); err != nil {
			return nil, fmt.Errorf("beginning checkpoint for step %s: %w", spec.Name, err)
		}
		if err := s.enqueueExtraction(ctx, job, spec.Name, models.QueueMessage{
			TenantID:      req.TenantID,
			JobID:         job.ID,
			IntegrationID: req.IntegrationID,
			Step:          spec.Name,
			Primary:       &models.PrimaryPageRequest{},
		}); err != nil {
			return nil, err
		}
		logger.Log.WithFields(logrus.Fields{
			"job_id": job.ID,
			"step":   spec.Name,
		}).Info("sync step started")
	}

	return job, nil
}

func (s *Service) enqueueExtraction(ctx context.Context, job *Job, step string, msg models.QueueMessage) error {
	if err := s.tracker.Add(ctx, job.ID, step, models.StageExtraction, 1); err != nil {
		return err
	}
	if err := s.tracker.MarkRunning(ctx, job.ID, step, models.StageExtraction); err != nil {
		return err
	}
	return s.pub.Publish(ctx, queue.ChannelExtraction, msg)
}

// Status answers the polling endpoint, with a short-lived redis snapshot so
// dashboards hammering the endpoint do not hammer the database.
func (s *Service) Status(ctx context.Context, jobID uint) (*Job, error) {
	key := statusCacheKey(jobID)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			var job Job
			if err := json.Unmarshal([]byte(cached), &job); err == nil {
				return &job, nil
			}
		}
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(job); err == nil {
			s.redis.Set(ctx, key, data, s.cacheTTL)
		}
	}
	return job, nil
}

// Cancel marks a job cancelled. In-flight workers finish their current
// message but enqueue no further continuation or next-page work.
func (s *Service) Cancel(ctx context.Context, jobID uint) error {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return err
	}
	if err := s.repo.UpdateJobStatus(ctx, jobID, models.JobCancelled); err != nil {
		return err
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, cancelKey(jobID), "1", 24*time.Hour).Err(); err != nil {
			logger.Log.WithError(err).WithField("job_id", jobID).Error("failed to set cancellation flag")
		}
	}
	return nil
}

// IsCancelled is the cheap check workers make before enqueuing follow-up
// work. Redis first; the database is the fallback truth.
func (s *Service) IsCancelled(ctx context.Context, jobID uint) bool {
	if s.redis != nil {
		if val, err := s.redis.Get(ctx, cancelKey(jobID)).Result(); err == nil {
			return val == "1"
		}
	}
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == models.JobCancelled
}

// HandleDeadLetter is wired as the queue consumer's warning callback: the
// dropped message surfaces as a job-level warning and its stage counter is
// released so the step can still settle.
func (s *Service) HandleDeadLetter(ctx context.Context, msg models.QueueMessage, cause error) {
	reason := fmt.Sprintf("message %s dead-lettered: %v", msg.ID, cause)
	if err := s.repo.RecordWarning(ctx, msg.JobID, reason); err != nil {
		logger.Log.WithError(err).WithField("job_id", msg.JobID).Error("failed to record job warning")
	}

	stage := stageForKind(msg.Kind())
	if stage == "" {
		return
	}
	if err := s.tracker.Done(ctx, msg.JobID, msg.Step, stage); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"job_id": msg.JobID,
			"step":   msg.Step,
			"stage":  stage,
		}).Error("failed to release counter for dead-lettered message")
	}
}

func stageForKind(kind models.MessageKind) string {
	switch kind {
	case models.KindPrimaryPage, models.KindNestedContinuation:
		return models.StageExtraction
	case models.KindTransform:
		return models.StageTransform
	case models.KindEmbedding:
		return models.StageEmbedding
	}
	return ""
}

func statusCacheKey(jobID uint) string {
	return fmt.Sprintf("sync:job:%d:status", jobID)
}

func cancelKey(jobID uint) string {
	return fmt.Sprintf("sync:job:%d:cancelled", jobID)
}
