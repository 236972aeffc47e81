package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

func TestTimelineRepositoryIntegration(t *testing.T) {
	store := integrationStore(t)
	repo := NewTimelineRepository(store)
	ctx := context.Background()

	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	for _, event := range []domain.TimelineEvent{
		{OrderID: "order-1", Type: domain.TimelineStatusChanged, From: domain.OrderStatusNew, To: domain.OrderStatusProcessed, ActorID: "operator-1", At: at},
		{OrderID: "order-1", Type: domain.TimelineItemReady, Reason: "item 0 ready", At: at},
		{OrderID: "order-1", Type: domain.TimelineOrderCreated, To: domain.OrderStatusNew, At: at.Add(-time.Minute)},
		{OrderID: "order-2", Type: domain.TimelineOrderCreated},
	} {
		require.NoError(t, repo.Append(ctx, event))
	}

	history, err := repo.List(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.TimelineOrderCreated, history[0].Type)
	assert.Equal(t, domain.TimelineEvent{
		OrderID: "order-1", Type: domain.TimelineStatusChanged,
		From: domain.OrderStatusNew, To: domain.OrderStatusProcessed,
		ActorID: "operator-1", At: at,
	}, history[1])
	assert.Equal(t, domain.TimelineItemReady, history[2].Type)

	other, err := repo.List(ctx, "order-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.False(t, other[0].At.IsZero())

	missing, err := repo.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, missing)

	assert.Error(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "order-3"}))
}
