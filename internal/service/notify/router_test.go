package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/service/notify"
)

type stubNotifier struct {
	mu   sync.Mutex
	err  error
	sent []domain.Notification
}

func (s *stubNotifier) Notify(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func orderEvent(status domain.OrderStatus) domain.OrderEvent {
	return domain.OrderEvent{
		ID:   "evt-1",
		Type: domain.EventOrderUpdated,
		Order: domain.Order{
			ID: "order-1", PlaceID: "place-1", Sequence: 12, Month: 6,
			Status: status, Amount: 900, Phone: "+100",
		},
		OccurredAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()

	n, ok := notify.Route(orderEvent(domain.OrderStatusNew))
	require.True(t, ok)
	require.Equal(t, domain.AudienceOperator, n.Audience)
	require.Equal(t, "12-06", n.OrderNumber)
	require.Equal(t, "evt-1:operator", n.ID)

	n, ok = notify.Route(orderEvent(domain.OrderStatusFinished))
	require.True(t, ok)
	require.Equal(t, domain.AudienceCustomer, n.Audience)

	silent := orderEvent(domain.OrderStatusFinished)
	silent.Order.Phone = ""
	_, ok = notify.Route(silent)
	require.False(t, ok)

	synthetic := orderEvent(domain.OrderStatusNew)
	synthetic.Order.Test = true
	_, ok = notify.Route(synthetic)
	require.False(t, ok)

	_, ok = notify.Route(orderEvent(domain.OrderStatusPreparing))
	require.False(t, ok)
}

func TestRouterDeliversAndPropagatesErrors(t *testing.T) {
	t.Parallel()

	stub := &stubNotifier{}
	router, err := notify.NewRouter(stub, nil)
	require.NoError(t, err)

	require.NoError(t, router.HandleOrderEvent(context.Background(), orderEvent(domain.OrderStatusNew)))
	require.NoError(t, router.HandleOrderEvent(context.Background(), orderEvent(domain.OrderStatusGoing)))
	require.Len(t, stub.sent, 1)

	stub.err = errors.New("broker down")
	require.Error(t, router.HandleOrderEvent(context.Background(), orderEvent(domain.OrderStatusFinished)))

	_, err = notify.NewRouter(nil, nil)
	require.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	n := notify.NewLogNotifier(logrus.NewEntry(logger))

	notification, _ := notify.Route(orderEvent(domain.OrderStatusNew))
	require.NoError(t, n.Notify(context.Background(), notification))
	require.Len(t, hook.Entries, 1)
	require.Equal(t, "order-1", hook.LastEntry().Data["order_id"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, n.Notify(ctx, notification))
}
