package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowlytics/platform/pkg/common/models"
	"github.com/flowlytics/platform/pkg/common/queue"
)

func newTestTracker(t *testing.T) (*Tracker, *Repository, *queue.Memory) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	mem := queue.NewMemory()
	return NewTracker(db, mem), repo, mem
}

func seedJob(t *testing.T, repo *Repository, steps ...string) *Job {
	t.Helper()
	job := &Job{TenantID: 7, IntegrationID: 1, Status: models.JobRunning}
	for i, name := range steps {
		job.Steps = append(job.Steps, JobStep{
			Name:             name,
			StepOrder:        i,
			EntityKind:       "ticket",
			ExtractionStatus: models.StatusIdle,
			TransformStatus:  models.StatusIdle,
			EmbeddingStatus:  models.StatusIdle,
		})
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	return job
}

func TestMarkRunningFiresOnce(t *testing.T) {
	tracker, repo, mem := newTestTracker(t)
	ctx := context.Background()
	job := seedJob(t, repo, "tickets")

	if err := tracker.MarkRunning(ctx, job.ID, "tickets", models.StageExtraction); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tracker.MarkRunning(ctx, job.ID, "tickets", models.StageExtraction); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := mem.StatusEvents()
	if len(events) != 1 {
		t.Fatalf("expected one running event, got %d", len(events))
	}
	if events[0].Status != models.StatusRunning || events[0].Stage != models.StageExtraction {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestCounterDrivesStageCompletionChain(t *testing.T) {
	tracker, repo, mem := newTestTracker(t)
	ctx := context.Background()
	job := seedJob(t, repo, "tickets")

	if err := tracker.Add(ctx, job.ID, "tickets", models.StageExtraction, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tracker.MarkRunning(ctx, job.ID, "tickets", models.StageExtraction); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	// One extraction message that enqueues nothing downstream: the whole
	// step settles the moment it completes.
	if err := tracker.Done(ctx, job.ID, "tickets", models.StageExtraction); err != nil {
		t.Fatalf("done: %v", err)
	}

	step, err := repo.GetStep(ctx, job.ID, "tickets")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if step.ExtractionStatus != models.StatusFinished {
		t.Fatalf("extraction should be finished, got %s", step.ExtractionStatus)
	}
	if step.TransformStatus != models.StatusFinished || step.EmbeddingStatus != models.StatusFinished {
		t.Fatalf("empty stages should cascade to finished, got %s/%s", step.TransformStatus, step.EmbeddingStatus)
	}

	reloaded, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != models.JobFinished {
		t.Fatalf("job should finish, got %s", reloaded.Status)
	}

	finishes := 0
	for _, e := range mem.StatusEvents() {
		if e.Status == models.StatusFinished {
			finishes++
		}
	}
	if finishes != 3 {
		t.Fatalf("expected 3 finished events, got %d", finishes)
	}
}

func TestTransformWaitsForExtraction(t *testing.T) {
	tracker, repo, _ := newTestTracker(t)
	ctx := context.Background()
	job := seedJob(t, repo, "tickets")

	// Extraction still has a page in flight; transform already drained.
	if err := tracker.Add(ctx, job.ID, "tickets", models.StageExtraction, 2); err != nil {
		t.Fatalf("add extraction: %v", err)
	}
	if err := tracker.Add(ctx, job.ID, "tickets", models.StageTransform, 1); err != nil {
		t.Fatalf("add transform: %v", err)
	}
	if err := tracker.Done(ctx, job.ID, "tickets", models.StageTransform); err != nil {
		t.Fatalf("done transform: %v", err)
	}

	step, _ := repo.GetStep(ctx, job.ID, "tickets")
	if step.TransformStatus == models.StatusFinished {
		t.Fatal("transform must not finish while extraction is outstanding")
	}

	if err := tracker.Done(ctx, job.ID, "tickets", models.StageExtraction); err != nil {
		t.Fatalf("done extraction: %v", err)
	}
	step, _ = repo.GetStep(ctx, job.ID, "tickets")
	if step.TransformStatus == models.StatusFinished {
		t.Fatal("one extraction message is still outstanding")
	}

	if err := tracker.Done(ctx, job.ID, "tickets", models.StageExtraction); err != nil {
		t.Fatalf("done extraction: %v", err)
	}
	step, _ = repo.GetStep(ctx, job.ID, "tickets")
	if step.ExtractionStatus != models.StatusFinished || step.TransformStatus != models.StatusFinished {
		t.Fatalf("expected both stages finished, got %s/%s", step.ExtractionStatus, step.TransformStatus)
	}
}

func TestPartialSuccessFinishesJob(t *testing.T) {
	tracker, repo, _ := newTestTracker(t)
	ctx := context.Background()
	job := seedJob(t, repo, "projects", "tickets")

	if err := tracker.MarkStepFailed(ctx, job.ID, "tickets", models.StageExtraction, "checkpoint unreadable"); err != nil {
		t.Fatalf("failing step: %v", err)
	}

	// The healthy step drains normally.
	if err := tracker.Add(ctx, job.ID, "projects", models.StageExtraction, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tracker.Done(ctx, job.ID, "projects", models.StageExtraction); err != nil {
		t.Fatalf("done: %v", err)
	}

	reloaded, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != models.JobFinished {
		t.Fatalf("mixed outcome should finish the job, got %s", reloaded.Status)
	}

	var failed, finished *JobStep
	for i := range reloaded.Steps {
		switch reloaded.Steps[i].Name {
		case "tickets":
			failed = &reloaded.Steps[i]
		case "projects":
			finished = &reloaded.Steps[i]
		}
	}
	if failed.ExtractionStatus != models.StatusFailed || failed.EmbeddingStatus != models.StatusFailed {
		t.Fatalf("failed step should cascade downstream, got %+v", failed)
	}
	if finished.EmbeddingStatus != models.StatusFinished {
		t.Fatalf("healthy step should finish, got %+v", finished)
	}
}

func TestAllStepsFailedFailsJob(t *testing.T) {
	tracker, repo, _ := newTestTracker(t)
	ctx := context.Background()
	job := seedJob(t, repo, "tickets")

	if err := tracker.MarkStepFailed(ctx, job.ID, "tickets", models.StageExtraction, "boom"); err != nil {
		t.Fatalf("failing step: %v", err)
	}

	reloaded, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != models.JobFailed {
		t.Fatalf("expected failed job, got %s", reloaded.Status)
	}
}

func TestRecordWarningDoesNotFailJob(t *testing.T) {
	_, repo, _ := newTestTracker(t)
	ctx := context.Background()
	job := seedJob(t, repo, "tickets")

	if err := repo.RecordWarning(ctx, job.ID, "message dead-lettered"); err != nil {
		t.Fatalf("recording warning: %v", err)
	}
	if err := repo.RecordWarning(ctx, job.ID, "another one"); err != nil {
		t.Fatalf("recording warning: %v", err)
	}

	reloaded, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Warnings != 2 {
		t.Fatalf("expected 2 warnings, got %d", reloaded.Warnings)
	}
	if reloaded.Status != models.JobRunning {
		t.Fatalf("warnings must not change job status, got %s", reloaded.Status)
	}
}
