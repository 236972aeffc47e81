package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

func TestOrderEventMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	order := makeOrder()
	event := domain.OrderEvent{
		ID:             "01HZX0000000000000000000EV",
		Type:           domain.EventOrderCreated,
		PreviousStatus: "",
		Order:          order,
		OccurredAt:     occurred,
	}

	msg, err := domain.NewOrderEventMessage(event)
	require.NoError(t, err)
	require.Equal(t, event.ID, msg.ID)
	require.Equal(t, domain.AggregateTypeOrder, msg.AggregateType)
	require.Equal(t, order.ID, msg.AggregateID)
	require.Equal(t, domain.EventOrderCreated, msg.EventType)
	require.Equal(t, occurred, msg.CreatedAt)

	decoded, err := domain.DecodeOrderEvent(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, order.ID, decoded.Order.ID)
	require.Equal(t, order.Amount, decoded.Order.Amount)
	require.Len(t, decoded.Order.Items, len(order.Items))
}

func TestNewOrderEventMessage_RequiresID(t *testing.T) {
	t.Parallel()

	_, err := domain.NewOrderEventMessage(domain.OrderEvent{Type: domain.EventOrderUpdated, Order: makeOrder()})
	require.Error(t, err)
}

func TestDecodeOrderEvent_Invalid(t *testing.T) {
	t.Parallel()

	_, err := domain.DecodeOrderEvent([]byte(`{"id":"ev-1"}`))
	require.Error(t, err)

	_, err = domain.DecodeOrderEvent([]byte(`not-json`))
	require.Error(t, err)
}
