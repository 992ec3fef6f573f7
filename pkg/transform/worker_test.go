package transform

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowlytics/platform/pkg/common/models"
	"github.com/flowlytics/platform/pkg/common/queue"
	"github.com/flowlytics/platform/pkg/domain"
	"github.com/flowlytics/platform/pkg/orchestrator"
	"github.com/flowlytics/platform/pkg/rawstore"
)

type fixture struct {
	db     *gorm.DB
	worker *Worker
	raw    *rawstore.Repository
	domain *domain.Repository
	jobs   *orchestrator.Repository
	mem    *queue.Memory
	job    *orchestrator.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	raw := rawstore.NewRepository(db)
	domainRepo := domain.NewRepository(db)
	jobs := orchestrator.NewRepository(db)
	for name, migrate := range map[string]func() error{
		"rawstore": raw.AutoMigrate,
		"domain":   domainRepo.AutoMigrate,
		"jobs":     jobs.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			t.Fatalf("migrating %s: %v", name, err)
		}
	}

	mem := queue.NewMemory()
	tracker := orchestrator.NewTracker(db, mem)

	job := &orchestrator.Job{TenantID: 7, IntegrationID: 1, Status: models.JobRunning}
	job.Steps = append(job.Steps, orchestrator.JobStep{
		Name:             "tickets",
		EntityKind:       domain.EntityTicket,
		ExtractionStatus: models.StatusFinished,
		TransformStatus:  models.StatusRunning,
		EmbeddingStatus:  models.StatusIdle,
	})
	if err := jobs.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	return &fixture{
		db:     db,
		worker: NewWorker(raw, domainRepo, tracker, mem, jobs),
		raw:    raw,
		domain: domainRepo,
		jobs:   jobs,
		mem:    mem,
		job:    job,
	}
}

// stage stores a raw record and returns the transform message a worker
// would receive for it, with the stage counter already held.
func (f *fixture) stage(t *testing.T, rec *rawstore.Record, entityKind string) models.QueueMessage {
	t.Helper()
	ctx := context.Background()
	rec.TenantID = 7
	id, err := f.raw.Store(ctx, rec)
	if err != nil {
		t.Fatalf("staging raw record: %v", err)
	}
	if err := f.worker.tracker.Add(ctx, f.job.ID, "tickets", models.StageTransform, 1); err != nil {
		t.Fatalf("adding to transform counter: %v", err)
	}
	return models.QueueMessage{
		TenantID:      7,
		JobID:         f.job.ID,
		IntegrationID: 1,
		Step:          "tickets",
		Transform:     &models.TransformRequest{RawRecordID: id, EntityKind: entityKind},
	}
}

func primaryTicket(externalID string, nestedCursors datatypes.JSONMap) *rawstore.Record {
	return &rawstore.Record{
		EntityType:    domain.EntityTicket,
		ExternalID:    externalID,
		Discriminator: rawstore.DiscriminatorPrimary,
		Payload: datatypes.JSONMap{
			"fields": map[string]interface{}{
				"title":  "login page broken",
				"status": "open",
			},
			"nested": map[string]interface{}{
				"comments": []interface{}{
					map[string]interface{}{"id": "c1", "body": "first"},
				},
			},
		},
		NestedCursors: nestedCursors,
	}
}

func nestedComments(externalID string, hasMore bool, ids ...string) *rawstore.Record {
	items := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]interface{}{"id": id, "body": "page item"})
	}
	return &rawstore.Record{
		EntityType:    domain.EntityTicket,
		ExternalID:    externalID,
		Discriminator: rawstore.DiscriminatorNestedOnly,
		NestedType:    domain.NestedComments,
		Payload:       datatypes.JSONMap{"items": items},
		HasMore:       hasMore,
	}
}

func TestPrimaryWithoutPendingNestedForwardsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := f.stage(t, primaryTicket("T-1", nil), domain.EntityTicket)
	if err := f.worker.Process(ctx, msg); err != nil {
		t.Fatalf("processing: %v", err)
	}

	if _, err := f.domain.GetTicket(ctx, 7, "T-1"); err != nil {
		t.Fatalf("ticket should be upserted: %v", err)
	}
	if got := f.mem.Len(queue.ChannelEmbedding); got != 1 {
		t.Fatalf("expected one embedding forward, got %d", got)
	}
	forward, _ := f.mem.Pop(queue.ChannelEmbedding)
	if forward.Embedding.ExternalID != "T-1" || forward.Embedding.EntityKind != domain.EntityTicket {
		t.Fatalf("unexpected forward %+v", forward.Embedding)
	}

	rec, err := f.raw.Fetch(ctx, msg.Transform.RawRecordID)
	if err != nil {
		t.Fatalf("fetching record: %v", err)
	}
	if !rec.Processed {
		t.Fatal("record should be marked processed")
	}
}

func TestNestedBeforePrimaryIsRetriedNotDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nestedMsg := f.stage(t, nestedComments("T-1", false, "c2"), domain.EntityTicket)
	if err := f.worker.Process(ctx, nestedMsg); !errors.Is(err, ErrMissingParent) {
		t.Fatalf("expected ErrMissingParent, got %v", err)
	}

	primaryMsg := f.stage(t, primaryTicket("T-1", datatypes.JSONMap{"comments": "c-page-2"}), domain.EntityTicket)
	if err := f.worker.Process(ctx, primaryMsg); err != nil {
		t.Fatalf("processing primary: %v", err)
	}
	if got := f.mem.Len(queue.ChannelEmbedding); got != 0 {
		t.Fatalf("comments branch is still pending, expected no forward, got %d", got)
	}

	// Redelivery of the nested message now finds its parent.
	if err := f.worker.Process(ctx, nestedMsg); err != nil {
		t.Fatalf("processing redelivered nested: %v", err)
	}
	if got := f.mem.Len(queue.ChannelEmbedding); got != 1 {
		t.Fatalf("expected one forward after the branch closed, got %d", got)
	}
}

func TestMultiPageNestedGatesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	primaryMsg := f.stage(t, primaryTicket("T-1", datatypes.JSONMap{"comments": "c-page-2"}), domain.EntityTicket)
	page2 := f.stage(t, nestedComments("T-1", true, "c2", "c3"), domain.EntityTicket)
	page3 := f.stage(t, nestedComments("T-1", false, "c4"), domain.EntityTicket)

	for i, msg := range []models.QueueMessage{primaryMsg, page2} {
		if err := f.worker.Process(ctx, msg); err != nil {
			t.Fatalf("processing message %d: %v", i, err)
		}
		if got := f.mem.Len(queue.ChannelEmbedding); got != 0 {
			t.Fatalf("forward must wait for the final page, got %d after message %d", got, i)
		}
	}

	if err := f.worker.Process(ctx, page3); err != nil {
		t.Fatalf("processing final page: %v", err)
	}
	if got := f.mem.Len(queue.ChannelEmbedding); got != 1 {
		t.Fatalf("expected exactly one forward, got %d", got)
	}
}

func TestRedeliveryAfterSuccessIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := f.stage(t, primaryTicket("T-1", nil), domain.EntityTicket)
	if err := f.worker.Process(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.worker.Process(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if got := f.mem.Len(queue.ChannelEmbedding); got != 1 {
		t.Fatalf("redelivery must not forward again, got %d", got)
	}

	// The first attempt already settled the counter; a second decrement
	// would drive it negative and mis-finish other work.
	step, err := f.jobs.GetStep(ctx, f.job.ID, "tickets")
	if err != nil {
		t.Fatalf("loading step: %v", err)
	}
	if step.TransformStatus != models.StatusFinished {
		t.Fatalf("transform should have settled exactly once, got %s", step.TransformStatus)
	}
}

func TestProcessedFlagAndCounterCommitTogether(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := f.stage(t, primaryTicket("T-1", nil), domain.EntityTicket)

	// Fail the counter decrement mid-settle: the processed flag must roll
	// back with it, or the redelivery path would skip a record whose
	// counter slot is still held and the stage could never finish.
	if err := f.db.Migrator().DropTable(&orchestrator.StepProgress{}); err != nil {
		t.Fatalf("dropping progress table: %v", err)
	}
	if err := f.worker.Process(ctx, msg); err == nil {
		t.Fatal("expected the settle to fail without the progress table")
	}

	rec, err := f.raw.Fetch(ctx, msg.Transform.RawRecordID)
	if err != nil {
		t.Fatalf("loading record: %v", err)
	}
	if rec.Processed {
		t.Fatal("record marked processed although its counter was not released")
	}

	if err := f.db.AutoMigrate(&orchestrator.StepProgress{}); err != nil {
		t.Fatalf("recreating progress table: %v", err)
	}
	if err := f.worker.tracker.Add(ctx, f.job.ID, "tickets", models.StageTransform, 1); err != nil {
		t.Fatalf("re-adding to transform counter: %v", err)
	}
	if err := f.worker.Process(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	rec, err = f.raw.Fetch(ctx, msg.Transform.RawRecordID)
	if err != nil {
		t.Fatalf("reloading record: %v", err)
	}
	if !rec.Processed {
		t.Fatal("redelivery should have settled the record")
	}
	step, err := f.jobs.GetStep(ctx, f.job.ID, "tickets")
	if err != nil {
		t.Fatalf("loading step: %v", err)
	}
	if step.TransformStatus != models.StatusFinished {
		t.Fatalf("transform stage = %s, want finished after redelivery settles", step.TransformStatus)
	}
	if got := f.mem.Len(queue.ChannelEmbedding); got != 1 {
		t.Fatalf("forward claim must hold across the retry, got %d messages", got)
	}
}

func TestMalformedPayloadSkipsAndWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &rawstore.Record{
		EntityType:    domain.EntityTicket,
		ExternalID:    "T-9",
		Discriminator: rawstore.DiscriminatorPrimary,
		Payload:       datatypes.JSONMap{"fields": map[string]interface{}{"status": "open"}},
	}
	msg := f.stage(t, rec, domain.EntityTicket)

	if err := f.worker.Process(ctx, msg); err != nil {
		t.Fatalf("malformed payloads must not error the handler: %v", err)
	}

	if _, err := f.domain.GetTicket(ctx, 7, "T-9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no entity should be upserted, got %v", err)
	}
	stored, err := f.raw.Fetch(ctx, msg.Transform.RawRecordID)
	if err != nil {
		t.Fatalf("fetching record: %v", err)
	}
	if stored.Processed {
		t.Fatal("skipped record must stay staged for inspection")
	}

	reloaded, err := f.jobs.GetJob(ctx, f.job.ID)
	if err != nil {
		t.Fatalf("loading job: %v", err)
	}
	if reloaded.Warnings != 1 {
		t.Fatalf("expected one job warning, got %d", reloaded.Warnings)
	}
	if got := f.mem.Len(queue.ChannelEmbedding); got != 0 {
		t.Fatalf("skipped records are never forwarded, got %d", got)
	}
}

func TestFlagsPropagateToEmbeddingForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := f.stage(t, primaryTicket("T-1", nil), domain.EntityTicket)
	msg.FirstItem = true
	msg.LastItem = true
	if err := f.worker.Process(ctx, msg); err != nil {
		t.Fatalf("processing: %v", err)
	}

	forward, ok := f.mem.Pop(queue.ChannelEmbedding)
	if !ok {
		t.Fatal("expected a forward")
	}
	if !forward.FirstItem || !forward.LastItem {
		t.Fatalf("boundary flags must ride along, got %+v", forward)
	}
}
