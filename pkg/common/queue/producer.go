package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/flowlytics/platform/pkg/common/config"
	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
)

// Publisher is the write half of the queue manager. Publish returns once the
// broker has accepted the message durably.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg models.QueueMessage) error
}

// StatusPublisher pushes stage-transition events to observers (dashboards).
// This is an external interface, not business logic.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// Producer publishes queue messages to Kafka, one writer per channel.
type Producer struct {
	mu      sync.Mutex
	writers map[string]*kafka.Writer
	brokers []string
}

func NewProducer() *Producer {
	cfg := config.Load()
	return &Producer{
		writers: make(map[string]*kafka.Writer),
		brokers: cfg.KafkaBrokers,
	}
}

func (p *Producer) writerFor(channel string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[channel]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        channel,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	p.writers[channel] = w
	return w
}

func (p *Producer) Publish(ctx context.Context, channel string, msg models.QueueMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling queue message: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(msg.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind())},
			{Key: "step", Value: []byte(msg.Step)},
		},
	}

	if err := p.writerFor(channel).WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"channel":    channel,
		}).Error("failed to publish queue message")
		return err
	}
	return nil
}

func (p *Producer) PublishStatus(ctx context.Context, event models.StatusEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling status event: %w", err)
	}
	message := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d/%s", event.JobID, event.Step)),
		Value: value,
	}
	if err := p.writerFor(ChannelStatus).WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"job_id": event.JobID,
			"step":   event.Step,
			"stage":  event.Stage,
		}).Error("failed to publish status event")
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
