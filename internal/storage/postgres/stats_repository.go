package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

type statsRepository struct {
	db *sql.DB
}

// NewStatsRepository создаёт PostgreSQL-реализацию StatsRepository.
// Журнал processed_events и агрегаты daily_stats меняются в одной транзакции.
func NewStatsRepository(store *Store) domain.StatsRepository {
	return &statsRepository{db: store.DB()}
}

func (r *statsRepository) ApplyOnce(ctx context.Context, consumer, eventID string, increments []domain.StatIncrement) (bool, error) {
	if strings.TrimSpace(consumer) == "" || strings.TrimSpace(eventID) == "" {
		return false, errors.New("consumer and event id are required")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	applied := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (consumer, event_id, processed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (consumer, event_id) DO NOTHING
		`, consumer, eventID)
		if err != nil {
			return fmt.Errorf("record processed event: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("processed event rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}

		for _, inc := range increments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO daily_stats (day, object_type, object_id, purchases, revenue, updated_at)
				VALUES ($1, $2, $3, $4, $5, NOW())
				ON CONFLICT (day, object_type, object_id) DO UPDATE
				SET purchases = daily_stats.purchases + EXCLUDED.purchases,
				    revenue = daily_stats.revenue + EXCLUDED.revenue,
				    updated_at = NOW()
			`, inc.Day.Format(time.DateOnly), inc.ObjectType, inc.ObjectID, inc.Purchases, inc.Revenue); err != nil {
				return fmt.Errorf("upsert daily stat: %w", err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *statsRepository) Daily(ctx context.Context, day time.Time, objectType, objectID string) (domain.DailyStat, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	y, m, d := day.Date()
	stat := domain.DailyStat{
		Day:        time.Date(y, m, d, 0, 0, 0, 0, day.Location()),
		ObjectType: objectType,
		ObjectID:   objectID,
	}

	err := r.db.QueryRowContext(ctx, `
		SELECT purchases, revenue, updated_at
		FROM daily_stats
		WHERE day = $1 AND object_type = $2 AND object_id = $3
	`, day.Format(time.DateOnly), objectType, objectID).Scan(&stat.Purchases, &stat.Revenue, &stat.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.DailyStat{}, fmt.Errorf("select daily stat: %w", err)
	}
	return stat, nil
}

var _ domain.StatsRepository = (*statsRepository)(nil)
