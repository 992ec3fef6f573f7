package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
	"github.com/flowlytics/platform/pkg/common/queue"
	"github.com/flowlytics/platform/pkg/domain"
	"github.com/flowlytics/platform/pkg/observability/metrics"
	"github.com/flowlytics/platform/pkg/orchestrator"
	"github.com/flowlytics/platform/pkg/rawstore"
)

// ErrMissingParent means a nested-only record arrived before its primary
// record was transformed. This is ordinary out-of-order delivery: the
// message is requeued with backoff, never dropped.
var ErrMissingParent = errors.New("parent record not yet transformed")

// MalformedPayloadError marks a staged payload the normalizer cannot read.
// The raw record stays staged for inspection; only that record is skipped.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Reason
}

// Warner records job-level warnings for skipped records.
type Warner interface {
	RecordWarning(ctx context.Context, jobID uint, reason string) error
}

// Worker consumes staged raw records, upserts normalized domain entities
// and decides, from persisted state only, when a logical record is complete
// enough to forward to the embedding stage.
type Worker struct {
	raw      *rawstore.Repository
	domain   *domain.Repository
	tracker  *orchestrator.Tracker
	pub      queue.Publisher
	warnings Warner
}

func NewWorker(raw *rawstore.Repository, domainRepo *domain.Repository, tracker *orchestrator.Tracker, pub queue.Publisher, warnings Warner) *Worker {
	return &Worker{
		raw:      raw,
		domain:   domainRepo,
		tracker:  tracker,
		pub:      pub,
		warnings: warnings,
	}
}

func (w *Worker) Process(ctx context.Context, msg models.QueueMessage) error {
	if msg.Kind() != models.KindTransform {
		logger.Log.WithField("message_id", msg.ID).Warn("transform worker received unroutable message")
		return nil
	}

	rec, err := w.raw.Fetch(ctx, msg.Transform.RawRecordID)
	if err != nil {
		if errors.Is(err, rawstore.ErrNotFound) {
			return w.skip(ctx, msg, nil, fmt.Sprintf("raw record %d missing", msg.Transform.RawRecordID))
		}
		return err
	}

	// The processed flag commits in the same transaction as the counter
	// decrement, so a processed record means a previous attempt fully
	// settled and only the broker commit was lost. Pure no-op.
	if rec.Processed {
		return nil
	}

	switch rec.Discriminator {
	case rawstore.DiscriminatorPrimary:
		err = w.processPrimary(ctx, msg, rec)
	case rawstore.DiscriminatorNestedOnly:
		err = w.processNested(ctx, msg, rec)
	default:
		return w.skip(ctx, msg, rec, fmt.Sprintf("unknown discriminator %q", rec.Discriminator))
	}

	var malformed *MalformedPayloadError
	if errors.As(err, &malformed) {
		return w.skip(ctx, msg, rec, malformed.Reason)
	}
	if err != nil {
		return err
	}

	// Processed flag and counter decrement must land in one commit: a
	// crash between them would leave a record the redelivery path skips
	// while its counter slot is still held, wedging the stage forever.
	return w.raw.Transaction(ctx, func(tx *gorm.DB) error {
		if err := rawstore.NewRepository(tx).MarkProcessed(ctx, rec.ID); err != nil {
			return err
		}
		return w.tracker.WithTx(tx).Done(ctx, msg.JobID, msg.Step, models.StageTransform)
	})
}

// processPrimary upserts the normalized entity plus any nested sub-items
// that rode along on the first page, then opens one progress row per nested
// collection that still has pages in flight.
func (w *Worker) processPrimary(ctx context.Context, msg models.QueueMessage, rec *rawstore.Record) error {
	fields, ok := rec.Payload["fields"].(map[string]interface{})
	if !ok {
		return &MalformedPayloadError{Reason: "primary record has no fields"}
	}

	switch msg.Transform.EntityKind {
	case domain.EntityProject:
		project, err := normalizeProject(rec.TenantID, rec.ExternalID, fields)
		if err != nil {
			return err
		}
		if err := w.domain.UpsertProject(ctx, project); err != nil {
			return err
		}

	case domain.EntityTicket:
		ticket, err := normalizeTicket(rec.TenantID, rec.ExternalID, fields)
		if err != nil {
			return err
		}
		if err := w.domain.UpsertTicket(ctx, ticket); err != nil {
			return err
		}
		if err := w.insertEmbedded(ctx, rec); err != nil {
			return err
		}

	default:
		return &MalformedPayloadError{Reason: "unknown entity kind " + msg.Transform.EntityKind}
	}

	pendingTypes := make([]string, 0, len(rec.NestedCursors))
	for nested := range rec.NestedCursors {
		pendingTypes = append(pendingTypes, nested)
	}
	if err := w.domain.OpenNestedProgress(ctx, msg.JobID, rec.TenantID, rec.ExternalID, pendingTypes); err != nil {
		return err
	}

	return w.maybeForward(ctx, msg, rec.TenantID, rec.ExternalID)
}

// processNested attaches one continuation page of sub-items to an
// already-upserted parent and closes that branch when its pages run out.
func (w *Worker) processNested(ctx context.Context, msg models.QueueMessage, rec *rawstore.Record) error {
	if msg.Transform.EntityKind != domain.EntityTicket {
		return &MalformedPayloadError{Reason: "nested payload for flat entity " + msg.Transform.EntityKind}
	}

	if _, err := w.domain.GetTicket(ctx, rec.TenantID, rec.ExternalID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("ticket %s: %w", rec.ExternalID, ErrMissingParent)
		}
		return err
	}

	items := itemSlice(rec.Payload["items"])
	if err := w.insertNestedItems(ctx, rec.TenantID, rec.ExternalID, rec.NestedType, items); err != nil {
		return err
	}

	if !rec.HasMore {
		if err := w.domain.FinishNestedProgress(ctx, msg.JobID, rec.TenantID, rec.ExternalID, rec.NestedType); err != nil {
			return err
		}
	}

	return w.maybeForward(ctx, msg, rec.TenantID, rec.ExternalID)
}

// maybeForward forwards the record to the embedding channel when no nested
// branch of it is still pending. The decision is computed from persisted
// progress rows and the claim is a single atomic update, so the primary and
// nested paths can race freely across workers without double-forwarding.
func (w *Worker) maybeForward(ctx context.Context, msg models.QueueMessage, tenantID int, externalID string) error {
	pending, err := w.domain.PendingNested(ctx, msg.JobID, tenantID, externalID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	won, err := w.domain.ClaimForward(ctx, msg.Transform.EntityKind, tenantID, externalID, msg.JobID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := w.tracker.MarkRunning(ctx, msg.JobID, msg.Step, models.StageEmbedding); err != nil {
		return err
	}
	forward := models.QueueMessage{
		TenantID:      msg.TenantID,
		JobID:         msg.JobID,
		IntegrationID: msg.IntegrationID,
		Step:          msg.Step,
		Embedding:     &models.EmbeddingRequest{ExternalID: externalID, EntityKind: msg.Transform.EntityKind},
		FirstItem:     msg.FirstItem,
		LastItem:      msg.LastItem,
		LastJobItem:   msg.LastJobItem,
	}
	metrics.RecordForwarded()
	return w.pub.Publish(ctx, queue.ChannelEmbedding, forward)
}

func (w *Worker) insertEmbedded(ctx context.Context, rec *rawstore.Record) error {
	nested, ok := rec.Payload["nested"].(map[string]interface{})
	if !ok {
		return nil
	}
	for nestedType, raw := range nested {
		if err := w.insertNestedItems(ctx, rec.TenantID, rec.ExternalID, nestedType, itemSlice(raw)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) insertNestedItems(ctx context.Context, tenantID int, parentExternalID, nestedType string, items []map[string]interface{}) error {
	if len(items) == 0 {
		return nil
	}
	switch nestedType {
	case domain.NestedComments:
		comments, err := normalizeComments(tenantID, parentExternalID, items)
		if err != nil {
			return err
		}
		return w.domain.UpsertComments(ctx, comments)
	case domain.NestedWorklogs:
		worklogs, err := normalizeWorklogs(tenantID, parentExternalID, items)
		if err != nil {
			return err
		}
		return w.domain.UpsertWorklogs(ctx, worklogs)
	default:
		return &MalformedPayloadError{Reason: "unknown nested collection " + nestedType}
	}
}

// skip handles a record that can never transform: warn-log, bump the job's
// warning counter, release the stage counter and ack. The raw record stays
// staged for inspection.
func (w *Worker) skip(ctx context.Context, msg models.QueueMessage, rec *rawstore.Record, reason string) error {
	fields := logrus.Fields{
		"job_id":        msg.JobID,
		"step":          msg.Step,
		"raw_record_id": msg.Transform.RawRecordID,
	}
	if rec != nil {
		fields["external_id"] = rec.ExternalID
	}
	logger.Log.WithFields(fields).Warn("skipping untransformable record: " + reason)

	if w.warnings != nil {
		if err := w.warnings.RecordWarning(ctx, msg.JobID, reason); err != nil {
			logger.Log.WithError(err).WithField("job_id", msg.JobID).Error("failed to record warning")
		}
	}
	return w.tracker.Done(ctx, msg.JobID, msg.Step, models.StageTransform)
}
