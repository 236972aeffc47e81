package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// numberSlot — номер заказа в своей области нумерации.
type numberSlot struct {
	placeID  string
	year     int
	month    int
	sequence int64
}

func slotOf(order domain.Order) numberSlot {
	return numberSlot{placeID: order.PlaceID, year: order.Year, month: order.Month, sequence: order.Sequence}
}

// OrderOption настраивает OrderRepository.
type OrderOption func(*OrderRepository)

// WithTimelinePurge удаляет историю заказа вместе с тестовым заказом.
func WithTimelinePurge(timeline *TimelineRepository) OrderOption {
	return func(r *OrderRepository) { r.timeline = timeline }
}

// OrderRepository хранит заказы в памяти. События outbox ставятся в очередь под той же блокировкой,
// поэтому отклонённая запись не оставляет событий.
type OrderRepository struct {
	mu       sync.RWMutex
	byID     map[string]domain.Order
	byNumber map[numberSlot]string
	outbox   domain.OutboxRepository
	timeline *TimelineRepository
}

// NewOrderRepository создаёт репозиторий; при outbox == nil события отбрасываются.
func NewOrderRepository(outbox domain.OutboxRepository, opts ...OrderOption) *OrderRepository {
	r := &OrderRepository{
		byID:     make(map[string]domain.Order),
		byNumber: make(map[numberSlot]string),
		outbox:   outbox,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order, events ...domain.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := slotOf(order)
	if _, taken := r.byID[order.ID]; taken {
		return domain.ErrOrderAlreadyExists
	}
	if _, taken := r.byNumber[slot]; taken {
		return domain.ErrOrderAlreadyExists
	}
	if err := r.publishLocked(ctx, events); err != nil {
		return err
	}

	order.Version = max(order.Version, 1)
	r.byID[order.ID] = order.Clone()
	r.byNumber[slot] = order.ID
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if order, ok := r.byID[id]; ok {
		return order.Clone(), nil
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// List отдаёт подходящие заказы, новые первыми.
func (r *OrderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	matched := make([]domain.Order, 0)
	for _, order := range r.byID {
		if filter.Matches(order) {
			matched = append(matched, order.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if filter.Limit > 0 {
		matched = matched[:min(filter.Limit, len(matched))]
	}
	return matched, nil
}

// Save записывает заказ, если order.Version совпадает с сохранённой, и возвращает его с новой версией.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order, events ...domain.OutboxMessage) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[order.ID]
	switch {
	case !ok:
		return domain.Order{}, domain.ErrOrderNotFound
	case stored.Version != order.Version:
		return domain.Order{}, domain.ErrOrderVersionConflict
	}
	if err := r.publishLocked(ctx, events); err != nil {
		return domain.Order{}, err
	}

	order.Version = stored.Version + 1
	r.byID[order.ID] = order.Clone()
	return order.Clone(), nil
}

// DeleteTestOrders удаляет до limit тестовых заказов, созданных раньше before; limit <= 0 снимает ограничение.
// Освобождается только слот уникальности номера; счётчик нумерации не откатывается.
func (r *OrderRepository) DeleteTestOrders(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := make([]string, 0)
	for id, order := range r.byID {
		if limit > 0 && len(purged) >= limit {
			break
		}
		if order.Test && order.CreatedAt.Before(before) {
			delete(r.byID, id)
			delete(r.byNumber, slotOf(order))
			purged = append(purged, id)
		}
	}
	if r.timeline != nil {
		r.timeline.drop(purged...)
	}
	return len(purged), nil
}

func (r *OrderRepository) publishLocked(ctx context.Context, events []domain.OutboxMessage) error {
	if r.outbox == nil {
		return nil
	}
	for _, event := range events {
		if _, err := r.outbox.Enqueue(ctx, event); err != nil {
			return fmt.Errorf("enqueue %s for order %s: %w", event.EventType, event.AggregateID, err)
		}
	}
	return nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
