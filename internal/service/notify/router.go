// Package notify решает, кому и о чём сообщить по событию заказа.
package notify

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// Router — обработчик событий: новый заказ уходит оператору, завершённый клиенту.
type Router struct {
	notifier domain.Notifier
	logger   *log.Entry
}

// NewRouter создаёт маршрутизатор уведомлений.
func NewRouter(notifier domain.Notifier, logger *log.Entry) (*Router, error) {
	if notifier == nil {
		return nil, errors.New("notify: notifier is required")
	}
	if logger == nil {
		logger = log.WithField("component", "notify-router")
	}
	return &Router{notifier: notifier, logger: logger}, nil
}

// Name реализует events.Handler.
func (r *Router) Name() string { return "notify" }

// HandleOrderEvent отправляет уведомление, если статус заказа того требует.
func (r *Router) HandleOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	notification, ok := Route(event)
	if !ok {
		return nil
	}
	if err := r.notifier.Notify(ctx, notification); err != nil {
		return fmt.Errorf("notify %s about order %s: %w", notification.Audience, event.Order.ID, err)
	}
	r.logger.WithFields(log.Fields{
		"order_id": event.Order.ID,
		"audience": notification.Audience,
		"status":   notification.Status,
	}).Debug("notification sent")
	return nil
}

// Route строит уведомление для события. Тестовые заказы и клиенты без контактов не уведомляются.
func Route(event domain.OrderEvent) (domain.Notification, bool) {
	order := event.Order
	if order.Test {
		return domain.Notification{}, false
	}

	var audience domain.NotificationAudience
	switch order.Status {
	case domain.OrderStatusNew:
		audience = domain.AudienceOperator
	case domain.OrderStatusFinished:
		if order.Email == "" && order.Phone == "" {
			return domain.Notification{}, false
		}
		audience = domain.AudienceCustomer
	default:
		return domain.Notification{}, false
	}

	return domain.Notification{
		ID:          event.ID + ":" + string(audience),
		Audience:    audience,
		OrderID:     order.ID,
		OrderNumber: order.Number(),
		PlaceID:     order.PlaceID,
		Status:      order.Status,
		Amount:      order.Amount,
		Name:        order.Name,
		Email:       order.Email,
		Phone:       order.Phone,
		CreatedAt:   event.OccurredAt,
	}, true
}
