package domain

import (
	"errors"
	"time"
)

// Типы записей таймлайна заказа.
const (
	TimelineOrderCreated  = "OrderCreated"
	TimelineStatusChanged = "OrderStatusChanged"
	TimelineOrderClaimed  = "OrderClaimed"
	TimelineItemReady     = "OrderItemReady"
	TimelineItemRevoked   = "OrderItemRevoked"
)

// TimelineEvent — запись истории заказа для оператора.
// From и To заполняются, когда запись меняет статус; для созданного заказа From пуст.
type TimelineEvent struct {
	OrderID string
	Type    string
	From    OrderStatus
	To      OrderStatus
	Reason  string
	ActorID string
	At      time.Time
}

// StatusChange сообщает, что запись фиксирует смену статуса.
func (e TimelineEvent) StatusChange() bool {
	return e.To != "" && e.From != e.To
}

// Validate проверяет обязательные поля перед записью.
func (e TimelineEvent) Validate() error {
	switch {
	case e.OrderID == "":
		return errors.New("timeline event order id is required")
	case e.Type == "":
		return errors.New("timeline event type is required")
	case e.To != "" && !e.To.Valid():
		return ErrStatusUnknown
	case e.From != "" && !e.From.Valid():
		return ErrStatusUnknown
	}
	return nil
}
