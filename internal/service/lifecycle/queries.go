package lifecycle

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Get возвращает заказ по идентификатору.
func (m *Machine) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return m.load(ctx, orderID)
}

// ListByPlace возвращает заказы заведения в указанных статусах, новые первыми.
func (m *Machine) ListByPlace(ctx context.Context, placeID string, statuses []domain.OrderStatus, limit int) ([]domain.Order, error) {
	if placeID == "" {
		return nil, domain.Validation(domain.KeyPlaceRequired, "place_id is required")
	}
	for _, status := range statuses {
		if !status.Valid() {
			return nil, domain.Validation(domain.KeyStatusInvalid, fmt.Sprintf("unknown status %q", status))
		}
	}
	return m.list(ctx, domain.OrderFilter{PlaceID: placeID, Statuses: statuses, Limit: clampLimit(limit)})
}

// ListByCustomer возвращает заказы клиента, новые первыми.
func (m *Machine) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	if customerID == "" {
		return nil, domain.Validation(domain.KeyActorRequired, "customer_id is required")
	}
	return m.list(ctx, domain.OrderFilter{CustomerID: customerID, Limit: clampLimit(limit)})
}

// Timeline возвращает журнал заказа; без подключённого таймлайна журнал пуст.
func (m *Machine) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := m.load(ctx, orderID); err != nil {
		return nil, err
	}
	if m.timeline == nil {
		return nil, nil
	}
	events, err := m.timeline.List(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline for order %s: %w", orderID, err)
	}
	return events, nil
}

func (m *Machine) list(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	orders, err := m.orders.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
