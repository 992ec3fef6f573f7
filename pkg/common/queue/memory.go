package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/flowlytics/platform/pkg/common/models"
)

// Memory is an in-process Publisher used by tests and local runs. Messages
// are held per channel in publish order; tests pump them through handlers in
// whatever order the scenario needs.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]models.QueueMessage
	events []models.StatusEvent
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[string][]models.QueueMessage)}
}

func (m *Memory) PublishStatus(_ context.Context, event models.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// StatusEvents returns every stage transition published so far.
func (m *Memory) StatusEvents() []models.StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StatusEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) Publish(_ context.Context, channel string, msg models.QueueMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[channel] = append(m.queues[channel], msg)
	return nil
}

func (m *Memory) Len(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[channel])
}

// Pop removes and returns the oldest message of a channel.
func (m *Memory) Pop(channel string) (models.QueueMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[channel]
	if len(q) == 0 {
		return models.QueueMessage{}, false
	}
	msg := q[0]
	m.queues[channel] = q[1:]
	return msg, true
}

// Messages returns a snapshot of a channel without consuming it.
func (m *Memory) Messages(channel string) []models.QueueMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueueMessage, len(m.queues[channel]))
	copy(out, m.queues[channel])
	return out
}

// Drain feeds every queued message of a channel through the handler until
// the channel is empty, including messages the handler enqueues while
// running. Handler errors push the message to the back of the queue, which
// is how tests exercise at-least-once redelivery.
func (m *Memory) Drain(ctx context.Context, channel string, handler Handler) error {
	for {
		msg, ok := m.Pop(channel)
		if !ok {
			return nil
		}
		if err := handler(ctx, msg); err != nil {
			retry := msg
			retry.Attempt++
			if err := m.Publish(ctx, channel, retry); err != nil {
				return err
			}
		}
	}
}
