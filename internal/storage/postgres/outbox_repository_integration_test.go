package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

func TestOutboxRepositoryPostgres(t *testing.T) {
	store := integrationStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	created, err := repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"n":1}`),
		CreatedAt:     base,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	updated := domain.OutboxMessage{
		ID:            "evt-2",
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderUpdated,
		Payload:       []byte(`{"n":2}`),
		CreatedAt:     base.Add(time.Second),
	}
	_, err = repo.Enqueue(ctx, updated)
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, domain.OutboxMessage{ID: updated.ID, Payload: []byte(`{}`)})
	require.NoError(t, err, "duplicate id is ignored")

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.Zero(t, stats.FailedCount)
	assert.True(t, stats.OldestPendingAt.Equal(base), "oldest %s", stats.OldestPendingAt)

	pending, err := repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, created.ID, pending[0].ID)
	assert.JSONEq(t, `{"n":2}`, string(pending[1].Payload))

	require.NoError(t, repo.MarkSent(ctx, created.ID))
	require.NoError(t, repo.MarkFailed(ctx, updated.ID))
	assert.ErrorIs(t, repo.MarkSent(ctx, "missing"), domain.ErrOutboxPublish)

	pending, err = repo.PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStats{FailedCount: 1}, stats)

	requeued, err := repo.Requeue(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, requeued, "fresh failure is not requeued")

	requeued, err = repo.Requeue(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	pending, err = repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, updated.ID, pending[0].ID)
}
