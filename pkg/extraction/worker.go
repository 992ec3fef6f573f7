package extraction

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/flowlytics/platform/pkg/checkpoint"
	"github.com/flowlytics/platform/pkg/common/config"
	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
	"github.com/flowlytics/platform/pkg/common/queue"
	"github.com/flowlytics/platform/pkg/observability/metrics"
	"github.com/flowlytics/platform/pkg/orchestrator"
	"github.com/flowlytics/platform/pkg/provider"
	"github.com/flowlytics/platform/pkg/rawstore"
)

// Canceller answers whether a job has been cancelled. Cancelled jobs finish
// their in-flight message but enqueue no further pages.
type Canceller interface {
	IsCancelled(ctx context.Context, jobID uint) bool
}

// Worker pulls one page of a paginated resource per message: either a page
// of a step's primary resource or a continuation page of one nested
// collection. Raw payloads are staged verbatim; only ids travel onward.
type Worker struct {
	provider    provider.Client
	raw         *rawstore.Repository
	checkpoints *checkpoint.Manager
	tracker     *orchestrator.Tracker
	pub         queue.Publisher
	canceller   Canceller
	catalog     *config.Integrations
	lookback    time.Duration
}

func NewWorker(providerClient provider.Client, raw *rawstore.Repository, checkpoints *checkpoint.Manager, tracker *orchestrator.Tracker, pub queue.Publisher, canceller Canceller, catalog *config.Integrations, lookback time.Duration) *Worker {
	return &Worker{
		provider:    providerClient,
		raw:         raw,
		checkpoints: checkpoints,
		tracker:     tracker,
		pub:         pub,
		canceller:   canceller,
		catalog:     catalog,
		lookback:    lookback,
	}
}

// Process routes one extraction message. The branch is decided by the
// message variant, never by sniffing optional fields.
func (w *Worker) Process(ctx context.Context, msg models.QueueMessage) error {
	switch msg.Kind() {
	case models.KindPrimaryPage:
		return w.processPrimary(ctx, msg)
	case models.KindNestedContinuation:
		return w.processNested(ctx, msg)
	default:
		logger.Log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"kind":       msg.Kind(),
		}).Warn("extraction worker received unroutable message")
		return nil
	}
}

func (w *Worker) processPrimary(ctx context.Context, msg models.QueueMessage) error {
	integ, spec, err := w.resolve(msg)
	if err != nil {
		return w.failStep(ctx, msg, err)
	}
	if w.canceller != nil && w.canceller.IsCancelled(ctx, msg.JobID) {
		return w.tracker.Done(ctx, msg.JobID, msg.Step, models.StageExtraction)
	}

	cp, err := w.checkpoints.Get(ctx, msg.JobID, msg.Step)
	if err != nil {
		// A missing checkpoint is fatal for this resource's recovery
		// path only; the rest of the job keeps going.
		return w.failStep(ctx, msg, err)
	}

	since := time.Now().UTC().Add(-w.lookback)
	incremental := cp.Watermark != nil
	if incremental {
		since = *cp.Watermark
	}

	cursor := msg.Primary.PageCursor
	page, err := w.provider.FetchPrimaryPage(ctx, integ, spec, cursor, since)
	if err != nil {
		if retryAfter, ok := provider.RetryAfter(err); ok {
			return w.rateLimited(ctx, msg, cursor, "", "", retryAfter)
		}
		return err
	}

	// Persist the resume point before any downstream enqueue: a crash
	// mid-enqueue re-fetches this page instead of dropping data.
	if err := w.checkpoints.SaveCursor(ctx, msg.JobID, msg.Step, cursor); err != nil {
		return err
	}

	items := page.Items
	noMore := page.NextCursor == ""
	if incremental {
		// Items at or below the watermark were synced by a previous run;
		// seeing one means no further pages are needed.
		for i, item := range items {
			if !item.UpdatedAt.After(since) {
				items = items[:i]
				noMore = true
				break
			}
		}
	}

	firstPage := cursor == ""
	for i, item := range items {
		record := &rawstore.Record{
			TenantID:      msg.TenantID,
			EntityType:    spec.Entity,
			ExternalID:    item.ExternalID,
			Discriminator: rawstore.DiscriminatorPrimary,
			Payload: datatypes.JSONMap{
				"fields": item.Fields,
				"nested": item.Embedded,
			},
			NestedCursors: cursorsToJSON(item.NestedCursors),
		}
		recordID, err := w.raw.Store(ctx, record)
		if err != nil {
			return err
		}

		transform := models.QueueMessage{
			TenantID:      msg.TenantID,
			JobID:         msg.JobID,
			IntegrationID: msg.IntegrationID,
			Step:          msg.Step,
			Transform:     &models.TransformRequest{RawRecordID: recordID, EntityKind: spec.Entity},
			FirstItem:     firstPage && i == 0,
			LastItem:      noMore && i == len(items)-1,
			LastJobItem:   msg.LastJobItem,
		}
		if err := w.enqueueTransform(ctx, msg.JobID, msg.Step, transform); err != nil {
			return err
		}

		// Collections too deep for their embedded first page split off
		// into independent continuation branches.
		for nestedType, nestedCursor := range item.NestedCursors {
			if err := w.checkpoints.SaveNestedCursor(ctx, msg.JobID, msg.TenantID, msg.IntegrationID, msg.Step, item.ExternalID, nestedType, nestedCursor); err != nil {
				return err
			}
			continuation := models.QueueMessage{
				TenantID:      msg.TenantID,
				JobID:         msg.JobID,
				IntegrationID: msg.IntegrationID,
				Step:          msg.Step,
				Nested: &models.NestedContinuationRequest{
					ParentExternalID: item.ExternalID,
					NestedType:       nestedType,
					NestedCursor:     nestedCursor,
				},
			}
			if err := w.enqueueExtraction(ctx, msg.JobID, msg.Step, continuation); err != nil {
				return err
			}
		}
	}

	if noMore {
		if err := w.checkpoints.Complete(ctx, msg.JobID, msg.Step); err != nil {
			return err
		}
	} else {
		next := models.QueueMessage{
			TenantID:      msg.TenantID,
			JobID:         msg.JobID,
			IntegrationID: msg.IntegrationID,
			Step:          msg.Step,
			Primary:       &models.PrimaryPageRequest{PageCursor: page.NextCursor},
			LastJobItem:   msg.LastJobItem,
		}
		if err := w.enqueueExtraction(ctx, msg.JobID, msg.Step, next); err != nil {
			return err
		}
	}

	return w.tracker.Done(ctx, msg.JobID, msg.Step, models.StageExtraction)
}

func (w *Worker) processNested(ctx context.Context, msg models.QueueMessage) error {
	integ, spec, err := w.resolve(msg)
	if err != nil {
		return w.failStep(ctx, msg, err)
	}
	if w.canceller != nil && w.canceller.IsCancelled(ctx, msg.JobID) {
		return w.tracker.Done(ctx, msg.JobID, msg.Step, models.StageExtraction)
	}

	req := msg.Nested
	page, err := w.provider.FetchNestedPage(ctx, integ, spec, req.ParentExternalID, req.NestedType, req.NestedCursor)
	if err != nil {
		if retryAfter, ok := provider.RetryAfter(err); ok {
			return w.rateLimited(ctx, msg, req.NestedCursor, req.ParentExternalID, req.NestedType, retryAfter)
		}
		return err
	}

	if err := w.checkpoints.SaveNestedCursor(ctx, msg.JobID, msg.TenantID, msg.IntegrationID, msg.Step, req.ParentExternalID, req.NestedType, req.NestedCursor); err != nil {
		return err
	}

	hasMore := page.NextCursor != ""
	record := &rawstore.Record{
		TenantID:      msg.TenantID,
		EntityType:    spec.Entity,
		ExternalID:    req.ParentExternalID,
		Discriminator: rawstore.DiscriminatorNestedOnly,
		NestedType:    req.NestedType,
		Payload:       datatypes.JSONMap{"items": page.Items},
		HasMore:       hasMore,
	}
	recordID, err := w.raw.Store(ctx, record)
	if err != nil {
		return err
	}

	transform := models.QueueMessage{
		TenantID:      msg.TenantID,
		JobID:         msg.JobID,
		IntegrationID: msg.IntegrationID,
		Step:          msg.Step,
		Transform:     &models.TransformRequest{RawRecordID: recordID, EntityKind: spec.Entity},
	}
	if err := w.enqueueTransform(ctx, msg.JobID, msg.Step, transform); err != nil {
		return err
	}

	if hasMore {
		continuation := msg
		continuation.ID = ""
		continuation.Attempt = 0
		continuation.NotBefore = nil
		continuation.Nested = &models.NestedContinuationRequest{
			ParentExternalID: req.ParentExternalID,
			NestedType:       req.NestedType,
			NestedCursor:     page.NextCursor,
		}
		if err := w.enqueueExtraction(ctx, msg.JobID, msg.Step, continuation); err != nil {
			return err
		}
	} else {
		if err := w.checkpoints.CompleteNested(ctx, msg.JobID, msg.Step, req.ParentExternalID, req.NestedType); err != nil {
			return err
		}
	}

	return w.tracker.Done(ctx, msg.JobID, msg.Step, models.StageExtraction)
}

// rateLimited persists the current cursor unmodified and schedules a
// delayed retry of the identical message. Nothing already stored is lost
// and no page is skipped.
func (w *Worker) rateLimited(ctx context.Context, msg models.QueueMessage, cursor, parentExternalID, nestedType string, retryAfter time.Duration) error {
	var err error
	if parentExternalID == "" {
		err = w.checkpoints.SaveCursor(ctx, msg.JobID, msg.Step, cursor)
	} else {
		err = w.checkpoints.SaveNestedCursor(ctx, msg.JobID, msg.TenantID, msg.IntegrationID, msg.Step, parentExternalID, nestedType, cursor)
	}
	if err != nil {
		return err
	}

	retry := msg
	notBefore := time.Now().UTC().Add(retryAfter)
	retry.NotBefore = &notBefore
	metrics.ProviderRateLimited()

	logger.Log.WithFields(logrus.Fields{
		"job_id":      msg.JobID,
		"step":        msg.Step,
		"retry_after": retryAfter.String(),
	}).Warn("provider rate limited, delaying retry")
	return w.pub.Publish(ctx, queue.ChannelExtraction, retry)
}

func (w *Worker) enqueueExtraction(ctx context.Context, jobID uint, step string, msg models.QueueMessage) error {
	if err := w.tracker.Add(ctx, jobID, step, models.StageExtraction, 1); err != nil {
		return err
	}
	return w.pub.Publish(ctx, queue.ChannelExtraction, msg)
}

func (w *Worker) enqueueTransform(ctx context.Context, jobID uint, step string, msg models.QueueMessage) error {
	if err := w.tracker.Add(ctx, jobID, step, models.StageTransform, 1); err != nil {
		return err
	}
	if err := w.tracker.MarkRunning(ctx, jobID, step, models.StageTransform); err != nil {
		return err
	}
	return w.pub.Publish(ctx, queue.ChannelTransform, msg)
}

func (w *Worker) resolve(msg models.QueueMessage) (*config.Integration, *config.StepSpec, error) {
	integ, err := w.catalog.Lookup(msg.IntegrationID)
	if err != nil {
		return nil, nil, err
	}
	spec, err := integ.Step(msg.Step)
	if err != nil {
		return nil, nil, err
	}
	return integ, spec, nil
}

// failStep acks the message after failing the step: a misconfigured or
// checkpoint-less resource will not recover by redelivery.
func (w *Worker) failStep(ctx context.Context, msg models.QueueMessage, cause error) error {
	logger.Log.WithError(cause).WithFields(logrus.Fields{
		"job_id": msg.JobID,
		"step":   msg.Step,
	}).Error("extraction step cannot proceed")
	if err := w.tracker.MarkStepFailed(ctx, msg.JobID, msg.Step, models.StageExtraction, cause.Error()); err != nil {
		return err
	}
	return w.tracker.Done(ctx, msg.JobID, msg.Step, models.StageExtraction)
}

func cursorsToJSON(cursors map[string]string) datatypes.JSONMap {
	if len(cursors) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(cursors))
	for k, v := range cursors {
		out[k] = v
	}
	return out
}
