package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/flowlytics/platform/pkg/common/config"
	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
	"github.com/flowlytics/platform/pkg/observability/metrics"
)

// Handler processes one queue message. Returning an error requeues the
// message with backoff; handlers must therefore be idempotent.
type Handler func(ctx context.Context, msg models.QueueMessage) error

// WarningFunc is told when a message exhausts its redeliveries and lands on
// the dead-letter channel, so the owning job can record a warning.
type WarningFunc func(ctx context.Context, msg models.QueueMessage, err error)

// Consumer delivers each message of one channel at-least-once. A message is
// committed only after the handler succeeds or the message is rerouted
// (republished with a later attempt, or dead-lettered).
type Consumer struct {
	reader  *kafka.Reader
	pub     Publisher
	warn    WarningFunc
	channel string
	maxAtt  int
	backoff time.Duration
}

func NewConsumer(channel, groupID string, pub Publisher, warn WarningFunc) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    channel,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		reader:  reader,
		pub:     pub,
		warn:    warn,
		channel: channel,
		maxAtt:  cfg.MaxRedeliveries,
		backoff: cfg.RedeliveryBackoff,
	}
}

func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Log.WithError(err).Error("failed to fetch message")
				continue
			}

			var msg models.QueueMessage
			if err := json.Unmarshal(message.Value, &msg); err != nil {
				logger.Log.WithError(err).Error("failed to unmarshal queue message")
				c.reader.CommitMessages(ctx, message)
				continue
			}

			deliver, err := c.holdOrDefer(ctx, msg)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Deferral republish failed: leave the offset
				// uncommitted so the broker redelivers.
				logger.Log.WithError(err).Error("failed to defer delayed message")
				continue
			}
			if !deliver {
				c.reader.CommitMessages(ctx, message)
				continue
			}

			if err := handler(ctx, msg); err != nil {
				if rerouteErr := c.requeue(ctx, msg, err); rerouteErr != nil {
					// Neither requeued nor dead-lettered: keep the
					// offset uncommitted so the broker redelivers.
					continue
				}
			} else {
				metrics.MessageHandled()
			}

			if err := c.reader.CommitMessages(ctx, message); err != nil {
				logger.Log.WithError(err).Error("failed to commit message")
			}
		}
	}
}

// maxHold bounds how long the consume loop waits out a not-before stamp in
// place. Longer delays are republished so they cannot block every message
// behind them on the channel.
const maxHold = 5 * time.Second

// holdOrDefer waits out a short not-before stamp, or republishes the
// message untouched when the wait would block the channel too long. It
// reports whether the message is due for handling now.
func (c *Consumer) holdOrDefer(ctx context.Context, msg models.QueueMessage) (bool, error) {
	if msg.NotBefore == nil {
		return true, nil
	}
	wait := time.Until(*msg.NotBefore)
	if wait <= 0 {
		return true, nil
	}
	if wait > maxHold {
		if err := c.pub.Publish(ctx, c.channel, msg); err != nil {
			return false, err
		}
		return false, nil
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(wait):
		return true, nil
	}
}

// requeue republishes a failed message with an incremented attempt counter
// and a backoff stamp, or dead-letters it once redeliveries are exhausted.
// A returned error means the message went nowhere and its offset must stay
// uncommitted.
func (c *Consumer) requeue(ctx context.Context, msg models.QueueMessage, cause error) error {
	fields := logrus.Fields{
		"message_id": msg.ID,
		"job_id":     msg.JobID,
		"channel":    c.channel,
		"attempt":    msg.Attempt,
	}

	if msg.Attempt+1 >= c.maxAtt {
		logger.Log.WithError(cause).WithFields(fields).Error("redeliveries exhausted, dead-lettering message")
		if err := c.pub.Publish(ctx, ChannelDeadLetter, msg); err != nil {
			logger.Log.WithError(err).WithFields(fields).Error("failed to dead-letter message")
			return err
		}
		metrics.MessageDeadLettered()
		if c.warn != nil {
			c.warn(ctx, msg, cause)
		}
		return nil
	}

	retry := msg
	retry.Attempt++
	notBefore := time.Now().UTC().Add(c.backoff)
	retry.NotBefore = &notBefore

	logger.Log.WithError(cause).WithFields(fields).Warn("message failed, requeueing with backoff")
	if err := c.pub.Publish(ctx, c.channel, retry); err != nil {
		logger.Log.WithError(err).WithFields(fields).Error("failed to requeue message")
		return err
	}
	metrics.MessageRequeued()
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
