// Package events раздаёт события заказов подписчикам внутри процесса: отчётам, бонусам, уведомлениям.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// Handler обрабатывает событие заказа. Доставка at-least-once, поэтому обработчик обязан быть идемпотентным.
type Handler interface {
	Name() string
	HandleOrderEvent(ctx context.Context, event domain.OrderEvent) error
}

// HandlerFunc превращает функцию в именованный Handler.
func HandlerFunc(name string, fn func(ctx context.Context, event domain.OrderEvent) error) Handler {
	return funcHandler{name: name, fn: fn}
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, event domain.OrderEvent) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) HandleOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	return h.fn(ctx, event)
}

// Dispatcher вызывает все зарегистрированные обработчики для каждого события.
// Ошибка любого обработчика возвращается вызывающему, чтобы доставка повторилась.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *log.Entry
}

// NewDispatcher создаёт диспетчер с начальным набором обработчиков.
func NewDispatcher(logger *log.Entry, handlers ...Handler) *Dispatcher {
	if logger == nil {
		logger = log.WithField("component", "event-dispatcher")
	}
	d := &Dispatcher{logger: logger}
	for _, h := range handlers {
		d.Register(h)
	}
	return d
}

// Register добавляет обработчик; nil игнорируется.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Handlers возвращает имена зарегистрированных обработчиков.
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for _, h := range d.handlers {
		names = append(names, h.Name())
	}
	return names
}

// Publish реализует domain.OutboxPublisher для доставки без брокера.
// Сообщения других агрегатов пропускаются.
func (d *Dispatcher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.AggregateType != "" && msg.AggregateType != domain.AggregateTypeOrder {
		d.logger.WithFields(log.Fields{
			"outbox_id":      msg.ID,
			"aggregate_type": msg.AggregateType,
		}).Debug("skipping non-order message")
		return nil
	}
	event, err := domain.DecodeOrderEvent(msg.Payload)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", msg.ID, err)
	}
	return d.Dispatch(ctx, event)
}

// Dispatch передаёт событие всем обработчикам и объединяет их ошибки.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.OrderEvent) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.HandleOrderEvent(ctx, event); err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"handler":  h.Name(),
				"event_id": event.ID,
				"order_id": event.Order.ID,
				"type":     event.Type,
			}).Warn("order event handler failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var _ domain.OutboxPublisher = (*Dispatcher)(nil)
