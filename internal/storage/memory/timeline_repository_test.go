package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/storage/memory"
)

func TestTimelineRepositoryOrdersByTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	appendAll(t, repo,
		domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineStatusChanged, From: domain.OrderStatusNew, To: domain.OrderStatusProcessed, At: base.Add(time.Minute)},
		domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineOrderCreated, To: domain.OrderStatusNew, At: base},
		domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineItemReady, At: base.Add(time.Minute)},
		domain.TimelineEvent{OrderID: "order-2", Type: domain.TimelineOrderCreated, At: base},
	)

	events, err := repo.List(ctx, "order-1")
	require.NoError(t, err)

	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	// Записи с одинаковым временем сохраняют порядок добавления.
	assert.Equal(t, []string{domain.TimelineOrderCreated, domain.TimelineStatusChanged, domain.TimelineItemReady}, types)
	assert.Equal(t, domain.OrderStatusProcessed, events[1].To)

	events[0].Type = "mutated"
	again, err := repo.List(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TimelineOrderCreated, again[0].Type)
}

func TestTimelineRepositoryRejectsInvalid(t *testing.T) {
	t.Parallel()

	repo := memory.NewTimelineRepository()
	assert.Error(t, repo.Append(context.Background(), domain.TimelineEvent{Type: domain.TimelineOrderCreated}))
	assert.ErrorIs(t, repo.Append(context.Background(), domain.TimelineEvent{OrderID: "o", Type: domain.TimelineStatusChanged, To: "gone"}), domain.ErrStatusUnknown)
}

func appendAll(t *testing.T, repo *memory.TimelineRepository, events ...domain.TimelineEvent) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, repo.Append(context.Background(), e))
	}
}
