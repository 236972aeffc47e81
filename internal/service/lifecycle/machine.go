// Package lifecycle ведёт заказ по статусам: смена статуса оператором, взятие в работу и отметки готовности позиций.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/metrics"
)

const defaultConflictRetries = 3

var tracer = otel.Tracer("github.com/vladislavdragonenkov/orderengine/internal/service/lifecycle")

// Machine применяет переходы к заказам. Каждое сохранение условно по версии загруженного заказа.
type Machine struct {
	orders     domain.OrderRepository
	timeline   domain.TimelineRepository
	metrics    *metrics.EngineMetrics
	logger     *log.Entry
	clock      func() time.Time
	newEventID func() string
	retries    int
}

// Option настраивает Machine.
type Option func(*Machine)

// WithTimeline включает запись таймлайна.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(m *Machine) { m.timeline = repo }
}

// WithMetrics подключает метрики движка.
func WithMetrics(em *metrics.EngineMetrics) Option {
	return func(m *Machine) { m.metrics = em }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithEventIDs подменяет генератор идентификаторов событий.
func WithEventIDs(next func() string) Option {
	return func(m *Machine) {
		if next != nil {
			m.newEventID = next
		}
	}
}

// WithConflictRetries задаёт число повторов операций с позициями при конфликте версий.
// Смена статуса и взятие в работу не повторяются.
func WithConflictRetries(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.retries = n
		}
	}
}

// New создаёт машину состояний поверх репозитория заказов.
func New(orders domain.OrderRepository, opts ...Option) (*Machine, error) {
	if orders == nil {
		return nil, errors.New("lifecycle: order repository is required")
	}
	m := &Machine{
		orders:     orders,
		logger:     log.WithField("component", "order-lifecycle"),
		clock:      time.Now,
		newEventID: func() string { return ulid.Make().String() },
		retries:    defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetStatusCommand — запрос оператора на смену статуса.
type SetStatusCommand struct {
	OrderID         string
	Status          domain.OrderStatus
	ExpectedStatus  *domain.OrderStatus
	ExpectedVersion *int64
	ActorID         string
	Reason          string
}

// SetStatus переводит заказ в новый статус и снимает назначенного оператора.
// Повторная установка текущего статуса только снимает оператора.
func (m *Machine) SetStatus(ctx context.Context, cmd SetStatusCommand) (order domain.Order, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.SetStatus", cmd.OrderID)
	span.SetAttributes(attribute.String("status", string(cmd.Status)))
	defer func() { endSpan(span, err) }()

	if !cmd.Status.Valid() {
		return domain.Order{}, domain.Validation(domain.KeyStatusInvalid, fmt.Sprintf("unknown status %q", cmd.Status))
	}

	current, err := m.load(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != current.Version {
		m.metrics.RecordVersionConflict("set_status")
		return domain.Order{}, domain.Conflict(domain.KeyVersionConflict,
			fmt.Sprintf("order %s is at version %d, expected %d", current.ID, current.Version, *cmd.ExpectedVersion),
			domain.ErrOrderVersionConflict)
	}
	if cmd.ExpectedStatus != nil && *cmd.ExpectedStatus != current.Status {
		return domain.Order{}, domain.Conflict(domain.KeyExpectedStatusMismatch,
			fmt.Sprintf("order %s is %s, expected %s", current.ID, current.Status, *cmd.ExpectedStatus), nil)
	}

	if cmd.Status == current.Status {
		if current.HandledBy == "" {
			return current, nil
		}
		next := current.Clone()
		next.HandledBy = ""
		return m.commit(ctx, "set_status", current, next, cmd.ActorID, domain.TimelineEvent{
			Type:   domain.TimelineStatusChanged,
			Reason: reasonOr(cmd.Reason, fmt.Sprintf("status %s confirmed, handler released", current.Status)),
		})
	}

	if !CanTransition(current.Status, cmd.Status) {
		return domain.Order{}, domain.Conflict(domain.KeyTransitionInvalid,
			fmt.Sprintf("transition %s -> %s is not allowed", current.Status, cmd.Status), nil)
	}

	next := current.Clone()
	next.Status = cmd.Status
	next.HandledBy = ""
	if next.Status == domain.OrderStatusFinished {
		for i := range next.Items {
			next.Items[i].Ready = true
		}
		next.Progress = len(next.Items)
	}

	return m.commit(ctx, "set_status", current, next, cmd.ActorID, domain.TimelineEvent{
		Type:   domain.TimelineStatusChanged,
		Reason: reasonOr(cmd.Reason, fmt.Sprintf("status changed from %s to %s", current.Status, next.Status)),
	})
}

// Claim назначает оператора, который обрабатывает заказ.
func (m *Machine) Claim(ctx context.Context, orderID, actorID string) (order domain.Order, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.Claim", orderID)
	defer func() { endSpan(span, err) }()

	if actorID == "" {
		return domain.Order{}, domain.Validation(domain.KeyActorRequired, "actor id is required to claim an order")
	}
	current, err := m.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Status.Terminal() {
		return domain.Order{}, domain.Conflict(domain.KeyTransitionInvalid,
			fmt.Sprintf("order %s is %s and cannot be claimed", current.ID, current.Status), nil)
	}
	if current.HandledBy == actorID {
		return current, nil
	}

	next := current.Clone()
	next.HandledBy = actorID
	return m.commit(ctx, "claim", current, next, actorID, domain.TimelineEvent{
		Type:   domain.TimelineOrderClaimed,
		Reason: fmt.Sprintf("claimed by %s", actorID),
	})
}

// SetProgress отмечает позицию index готовой. Первая готовая позиция переводит new в processed,
// последняя завершает заказ.
func (m *Machine) SetProgress(ctx context.Context, orderID string, index int) (order domain.Order, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.SetProgress", orderID)
	span.SetAttributes(attribute.Int("index", index))
	defer func() { endSpan(span, err) }()

	return m.retry(ctx, "set_progress", orderID, func(current domain.Order) (domain.Order, bool, domain.TimelineEvent, error) {
		if current.Status.Terminal() || current.Status == domain.OrderStatusUnpaid {
			return domain.Order{}, false, domain.TimelineEvent{}, domain.Conflict(domain.KeyTransitionInvalid,
				fmt.Sprintf("order %s is %s, progress cannot change", current.ID, current.Status), nil)
		}
		if err := checkIndex(current, index); err != nil {
			return domain.Order{}, false, domain.TimelineEvent{}, err
		}
		if current.Items[index].Ready {
			return current, false, domain.TimelineEvent{}, nil
		}

		next := current.Clone()
		next.Items[index].Ready = true
		next.Progress++
		if next.Status == domain.OrderStatusNew {
			next.Status = domain.OrderStatusProcessed
		}
		if next.Progress == len(next.Items) {
			next.Status = domain.OrderStatusFinished
		}
		return next, true, domain.TimelineEvent{
			Type:   domain.TimelineItemReady,
			Reason: fmt.Sprintf("item %d (%s) ready, %d of %d", index, next.Items[index].Name, next.Progress, len(next.Items)),
		}, nil
	})
}

// RevokeProgress снимает отметку готовности; завершённый заказ возвращается в processed.
func (m *Machine) RevokeProgress(ctx context.Context, orderID string, index int) (order domain.Order, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.RevokeProgress", orderID)
	span.SetAttributes(attribute.Int("index", index))
	defer func() { endSpan(span, err) }()

	return m.retry(ctx, "revoke_progress", orderID, func(current domain.Order) (domain.Order, bool, domain.TimelineEvent, error) {
		if current.Status == domain.OrderStatusCanceled || current.Status == domain.OrderStatusArchived {
			return domain.Order{}, false, domain.TimelineEvent{}, domain.Conflict(domain.KeyTransitionInvalid,
				fmt.Sprintf("order %s is %s, progress cannot change", current.ID, current.Status), nil)
		}
		if err := checkIndex(current, index); err != nil {
			return domain.Order{}, false, domain.TimelineEvent{}, err
		}
		if !current.Items[index].Ready {
			return current, false, domain.TimelineEvent{}, nil
		}

		next := current.Clone()
		next.Items[index].Ready = false
		next.Progress--
		if next.Status == domain.OrderStatusFinished {
			next.Status = domain.OrderStatusProcessed
		}
		return next, true, domain.TimelineEvent{
			Type:   domain.TimelineItemRevoked,
			Reason: fmt.Sprintf("item %d (%s) not ready, %d of %d", index, next.Items[index].Name, next.Progress, len(next.Items)),
		}, nil
	})
}

type progressFunc func(current domain.Order) (next domain.Order, changed bool, entry domain.TimelineEvent, err error)

// retry перечитывает заказ и повторяет изменение позиций при конфликте версий.
func (m *Machine) retry(ctx context.Context, op, orderID string, apply progressFunc) (domain.Order, error) {
	for attempt := 0; ; attempt++ {
		current, err := m.load(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		next, changed, entry, err := apply(current)
		if err != nil {
			return domain.Order{}, err
		}
		if !changed {
			return current, nil
		}

		saved, err := m.commit(ctx, op, current, next, "", entry)
		if err == nil {
			m.metrics.RecordProgressChange(op)
			return saved, nil
		}
		if !domain.IsVersionConflict(err) || attempt >= m.retries {
			return domain.Order{}, err
		}
		m.logger.WithFields(log.Fields{
			"order_id":  orderID,
			"operation": op,
			"attempt":   attempt + 1,
		}).Debug("version conflict, reloading order")
	}
}

// commit сохраняет next поверх версии current, добавляя событие outbox для значимых переходов.
func (m *Machine) commit(ctx context.Context, op string, current, next domain.Order, actorID string, entry domain.TimelineEvent) (domain.Order, error) {
	now := m.clock().UTC()
	next.Version = current.Version
	next.UpdatedAt = now

	var events []domain.OutboxMessage
	statusChanged := next.Status != current.Status
	if eventType, ok := eventTypeFor(next.Status); ok && statusChanged {
		snapshot := next.Clone()
		snapshot.Version++
		msg, err := domain.NewOrderEventMessage(domain.OrderEvent{
			ID:             m.newEventID(),
			Type:           eventType,
			PreviousStatus: current.Status,
			ActorID:        actorID,
			Order:          snapshot,
			OccurredAt:     now,
		})
		if err != nil {
			return domain.Order{}, err
		}
		events = append(events, msg)
	}

	saved, err := m.orders.Save(ctx, next, events...)
	if err != nil {
		if domain.IsVersionConflict(err) {
			m.metrics.RecordVersionConflict(op)
			return domain.Order{}, domain.Conflict(domain.KeyVersionConflict,
				fmt.Sprintf("order %s was changed concurrently", current.ID), err)
		}
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, notFound(current.ID, err)
		}
		return domain.Order{}, fmt.Errorf("save order %s: %w", current.ID, err)
	}

	if statusChanged {
		m.metrics.RecordTransition(string(current.Status), string(saved.Status))
	}
	entry.OrderID = saved.ID
	entry.ActorID = actorID
	entry.At = now
	if entry.Type == domain.TimelineStatusChanged {
		entry.From, entry.To = current.Status, saved.Status
	}
	m.appendTimeline(ctx, entry)
	if statusChanged && entry.Type != domain.TimelineStatusChanged {
		m.appendTimeline(ctx, domain.TimelineEvent{
			OrderID: saved.ID,
			Type:    domain.TimelineStatusChanged,
			From:    current.Status,
			To:      saved.Status,
			Reason:  fmt.Sprintf("status changed from %s to %s", current.Status, saved.Status),
			ActorID: actorID,
			At:      now,
		})
	}

	m.logger.WithFields(log.Fields{
		"order_id":  saved.ID,
		"operation": op,
		"from":      current.Status,
		"to":        saved.Status,
		"version":   saved.Version,
		"progress":  saved.Progress,
	}).Info("order updated")

	return saved, nil
}

func (m *Machine) load(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, notFound(orderID, domain.ErrOrderNotFound)
	}
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, notFound(orderID, err)
		}
		return domain.Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	return order, nil
}

func (m *Machine) appendTimeline(ctx context.Context, entry domain.TimelineEvent) {
	if m.timeline == nil {
		return
	}
	if err := m.timeline.Append(ctx, entry); err != nil {
		m.logger.WithError(err).WithField("order_id", entry.OrderID).Warn("failed to append timeline event")
		return
	}
	m.metrics.RecordTimelineEvent()
}

func (m *Machine) startSpan(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("order_id", orderID))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func checkIndex(order domain.Order, index int) error {
	if index < 0 || index >= len(order.Items) {
		return domain.Validation(domain.KeyItemIndexInvalid,
			fmt.Sprintf("item index %d is out of range [0, %d)", index, len(order.Items)))
	}
	return nil
}

func notFound(orderID string, cause error) error {
	return &domain.Error{
		Kind:    domain.KindNotFound,
		Key:     domain.KeyOrderNotFound,
		Message: fmt.Sprintf("order %q not found", orderID),
		Err:     cause,
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
