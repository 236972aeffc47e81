// Package reporting ведёт дневные счётчики покупок и выручки по завершённым заказам.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/metrics"
)

// ConsumerName — имя потребителя в журнале обработанных событий.
const ConsumerName = "reporting"

// Projector превращает события завершения заказа в приращения дневной статистики.
// Заказ учитывается один раз: повтор события и повторное завершение после отката ничего не меняют.
type Projector struct {
	stats    domain.StatsRepository
	location *time.Location
	metrics  *metrics.EngineMetrics
	logger   *log.Entry
}

// NewProjector создаёт проектор; location задаёт границы суток (по умолчанию UTC).
func NewProjector(stats domain.StatsRepository, location *time.Location, em *metrics.EngineMetrics, logger *log.Entry) (*Projector, error) {
	if stats == nil {
		return nil, errors.New("reporting: stats repository is required")
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = log.WithField("component", "reporting-projector")
	}
	return &Projector{stats: stats, location: location, metrics: em, logger: logger}, nil
}

// Name реализует events.Handler.
func (p *Projector) Name() string { return ConsumerName }

// HandleOrderEvent учитывает завершённые нетестовые заказы.
func (p *Projector) HandleOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	if event.Order.Status != domain.OrderStatusFinished || event.Order.Test {
		p.metrics.RecordProjection(ConsumerName, "skipped")
		return nil
	}

	increments := Increments(event.Order, p.dayOf(event))
	applied, err := p.stats.ApplyOnce(ctx, ConsumerName, FinishKey(event.Order.ID), increments)
	if err != nil {
		p.metrics.RecordProjection(ConsumerName, "error")
		return fmt.Errorf("apply stats for event %s (order %s): %w", event.ID, event.Order.ID, err)
	}
	if !applied {
		p.metrics.RecordProjection(ConsumerName, "duplicate")
		p.logger.WithFields(log.Fields{
			"event_id": event.ID,
			"order_id": event.Order.ID,
		}).Debug("order event already projected")
		return nil
	}

	p.metrics.RecordProjection(ConsumerName, "applied")
	p.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"order_id":   event.Order.ID,
		"increments": len(increments),
	}).Info("order projected into daily stats")
	return nil
}

// FinishKey — ключ журнала обработанных событий для завершения заказа orderID.
func FinishKey(orderID string) string { return orderID + ":finished" }

func (p *Projector) dayOf(event domain.OrderEvent) time.Time {
	at := event.OccurredAt
	if at.IsZero() {
		at = event.Order.UpdatedAt
	}
	local := at.In(p.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// Increments считает приращения по заведению, товарам и сезонам заказа за день day.
// Одинаковые объекты сворачиваются в одно приращение.
func Increments(order domain.Order, day time.Time) []domain.StatIncrement {
	type key struct{ objectType, objectID string }
	acc := make(map[key]*domain.StatIncrement)
	add := func(objectType, objectID string, revenue int64) {
		if objectID == "" {
			return
		}
		k := key{objectType, objectID}
		inc, ok := acc[k]
		if !ok {
			inc = &domain.StatIncrement{Day: day, ObjectType: objectType, ObjectID: objectID}
			acc[k] = inc
		}
		inc.Purchases++
		inc.Revenue += revenue
	}

	add(domain.StatObjectPlace, order.PlaceID, order.Amount)
	for _, item := range order.Items {
		add(domain.StatObjectProduct, item.ProductID, item.Amount)
		if item.SeasonID != "" {
			add(domain.StatObjectSeason, item.SeasonID, item.Amount)
		}
	}

	result := make([]domain.StatIncrement, 0, len(acc))
	for _, inc := range acc {
		result = append(result, *inc)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ObjectType != result[j].ObjectType {
			return result[i].ObjectType < result[j].ObjectType
		}
		return result[i].ObjectID < result[j].ObjectID
	})
	return result
}
