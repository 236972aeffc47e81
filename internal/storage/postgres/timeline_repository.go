package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// TimelineRepository пишет историю заказов в order_timeline.
// Записи с одинаковым occurred_at возвращаются в порядке вставки.
type TimelineRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{db: store.DB(), now: time.Now}
}

func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO order_timeline (order_id, type, from_status, to_status, reason, actor_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.OrderID, event.Type, string(event.From), string(event.To), event.Reason, event.ActorID, event.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append timeline of order %s: %w", event.OrderID, err)
	}
	return nil
}

func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT type, from_status, to_status, reason, actor_id, occurred_at
		 FROM order_timeline
		 WHERE order_id = $1
		 ORDER BY occurred_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query timeline of order %s: %w", orderID, err)
	}
	defer rows.Close()

	history := []domain.TimelineEvent{}
	for rows.Next() {
		event := domain.TimelineEvent{OrderID: orderID}
		var from, to string
		if err := rows.Scan(&event.Type, &from, &to, &event.Reason, &event.ActorID, &event.At); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		event.From, event.To = domain.OrderStatus(from), domain.OrderStatus(to)
		event.At = event.At.UTC()
		history = append(history, event)
	}
	return history, rows.Err()
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
