package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

type statKey struct {
	day        string
	objectType string
	objectID   string
}

func newStatKey(day time.Time, objectType, objectID string) statKey {
	return statKey{day: day.Format(time.DateOnly), objectType: objectType, objectID: objectID}
}

// statsRepositoryInMemory хранит дневные агрегаты и журнал обработанных событий.
type statsRepositoryInMemory struct {
	mu        sync.Mutex
	stats     map[statKey]domain.DailyStat
	processed map[string]time.Time
}

// NewStatsRepository создаёт in-memory реализацию StatsRepository.
func NewStatsRepository() domain.StatsRepository {
	return &statsRepositoryInMemory{
		stats:     make(map[statKey]domain.DailyStat),
		processed: make(map[string]time.Time),
	}
}

// ApplyOnce применяет все приращения разом, если событие ещё не учтено.
func (r *statsRepositoryInMemory) ApplyOnce(ctx context.Context, consumer, eventID string, increments []domain.StatIncrement) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(consumer) == "" || strings.TrimSpace(eventID) == "" {
		return false, errors.New("consumer and event id are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inboxKey := consumer + "/" + eventID
	if _, seen := r.processed[inboxKey]; seen {
		return false, nil
	}

	now := time.Now().UTC()
	for _, inc := range increments {
		key := newStatKey(inc.Day, inc.ObjectType, inc.ObjectID)
		stat := r.stats[key]
		stat.Day = truncateDay(inc.Day)
		stat.ObjectType = inc.ObjectType
		stat.ObjectID = inc.ObjectID
		stat.Purchases += inc.Purchases
		stat.Revenue += inc.Revenue
		stat.UpdatedAt = now
		r.stats[key] = stat
	}
	r.processed[inboxKey] = now
	return true, nil
}

// Daily возвращает агрегат объекта за день; отсутствие данных — нулевой агрегат.
func (r *statsRepositoryInMemory) Daily(ctx context.Context, day time.Time, objectType, objectID string) (domain.DailyStat, error) {
	if err := ctx.Err(); err != nil {
		return domain.DailyStat{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stat, ok := r.stats[newStatKey(day, objectType, objectID)]
	if !ok {
		return domain.DailyStat{Day: truncateDay(day), ObjectType: objectType, ObjectID: objectID}, nil
	}
	return stat, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

var _ domain.StatsRepository = (*statsRepositoryInMemory)(nil)
