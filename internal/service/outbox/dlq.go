package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// DeadLetter — конверт сообщения, которое не удалось опубликовать.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// NewDeadLetterMessage упаковывает неопубликованное сообщение в сообщение для DLQ с тем же ID.
func NewDeadLetterMessage(event domain.OutboxMessage, publishErr error, at time.Time) (domain.OutboxMessage, error) {
	letter := DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.Payload),
		DLQPublishedAt: at.UTC(),
	}
	if publishErr != nil {
		letter.PublishError = publishErr.Error()
	}
	if !json.Valid(letter.Payload) {
		raw, err := json.Marshal(string(event.Payload))
		if err != nil {
			return domain.OutboxMessage{}, fmt.Errorf("marshal dlq payload: %w", err)
		}
		letter.Payload = raw
	}

	payload, err := json.Marshal(letter)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dlq payload: %w", err)
	}
	return domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		CreatedAt:     event.CreatedAt,
	}, nil
}

// DecodeDeadLetter разбирает конверт DLQ и восстанавливает исходное сообщение outbox.
func DecodeDeadLetter(data []byte) (DeadLetter, domain.OutboxMessage, error) {
	var letter DeadLetter
	if err := json.Unmarshal(data, &letter); err != nil {
		return DeadLetter{}, domain.OutboxMessage{}, fmt.Errorf("decode dlq record: %w", err)
	}
	if letter.OutboxID == "" || len(letter.Payload) == 0 {
		return DeadLetter{}, domain.OutboxMessage{}, fmt.Errorf("decode dlq record: outbox_id and payload are required")
	}
	return letter, domain.OutboxMessage{
		ID:            letter.OutboxID,
		AggregateType: letter.AggregateType,
		AggregateID:   letter.AggregateID,
		EventType:     letter.EventType,
		Payload:       []byte(letter.Payload),
	}, nil
}
