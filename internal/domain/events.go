package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateTypeOrder — тип агрегата для сообщений outbox.
const AggregateTypeOrder = "order"

// Типы доменных событий заказа.
const (
	EventOrderCreated = "order:created"
	EventOrderUpdated = "order:updated"
)

// OrderEvent — доменное событие с полным снимком заказа после изменения.
type OrderEvent struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	PreviousStatus OrderStatus `json:"previous_status,omitempty"`
	ActorID        string      `json:"actor_id,omitempty"`
	Order          Order       `json:"order"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStatus — состояние сообщения outbox: pending до публикации, затем sent или failed.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxStats описывает backlog outbox. FailedCount — сообщения, ушедшие в DLQ.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}

// NewOrderEventMessage упаковывает событие заказа в сообщение outbox.
func NewOrderEventMessage(event OrderEvent) (OutboxMessage, error) {
	if event.ID == "" {
		return OutboxMessage{}, fmt.Errorf("order event id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal order event: %w", err)
	}
	return OutboxMessage{
		ID:            event.ID,
		AggregateType: AggregateTypeOrder,
		AggregateID:   event.Order.ID,
		EventType:     event.Type,
		Payload:       payload,
		CreatedAt:     event.OccurredAt,
	}, nil
}

// DecodeOrderEvent восстанавливает событие заказа из payload сообщения.
func DecodeOrderEvent(payload []byte) (OrderEvent, error) {
	var event OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return OrderEvent{}, fmt.Errorf("decode order event: %w", err)
	}
	if event.ID == "" || event.Order.ID == "" {
		return OrderEvent{}, fmt.Errorf("decode order event: id and order.id are required")
	}
	return event, nil
}
