package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// sender — часть Producer, нужная паблишеру.
type sender interface {
	Send(ctx context.Context, record Record) error
}

// OutboxTopicPublisher упаковывает сообщения outbox в Envelope и отправляет в один topic.
type OutboxTopicPublisher struct {
	sender sender
	topic  string
	clock  func() time.Time
}

// NewOutboxPublisher создаёт паблишер для topic; пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	p := &OutboxTopicPublisher{topic: topic, clock: time.Now}
	if producer != nil {
		p.sender = producer
	}
	return p
}

func (p *OutboxTopicPublisher) Topic() string {
	return p.topic
}

func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.sender == nil {
		return errors.New("kafka outbox publisher has no producer")
	}

	envelope, err := NewEnvelope(event, p.clock())
	if err != nil {
		return err
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal outbox envelope %s: %w", event.ID, err)
	}

	return p.sender.Send(ctx, Record{
		Topic: p.topic,
		Key:   envelope.Key(),
		Value: value,
		Headers: map[string]string{
			HeaderEventType:   event.EventType,
			HeaderAggregateID: event.AggregateID,
		},
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
