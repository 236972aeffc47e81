package grpcsvc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/orderengine/internal/catalog"
	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/sequence"
	"github.com/vladislavdragonenkov/orderengine/internal/service/assembler"
	grpcsvc "github.com/vladislavdragonenkov/orderengine/internal/service/grpc"
	"github.com/vladislavdragonenkov/orderengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderengine/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/orderengine/internal/storage/memory"
)

const bufSize = 1024 * 1024

func idemCtx(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", key)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

type testServer struct {
	client *grpcsvc.Client
	outbox interface{ AllPending() []domain.OutboxMessage }
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	logger := loggerForTests()
	file, err := catalog.LoadFile("../../catalog/testdata/demo.yaml")
	require.NoError(t, err)
	provider := catalog.NewProvider(file)

	outbox := memory.NewOutboxRepository()
	orders := memory.NewOrderRepository(outbox)
	timeline := memory.NewTimelineRepository()
	alloc, err := sequence.NewAllocator(memory.NewSequenceRepository(), logger)
	require.NoError(t, err)

	asm, err := assembler.New(assembler.Deps{
		Catalog:   provider,
		Payments:  provider,
		Places:    provider,
		Orders:    orders,
		Timeline:  timeline,
		Sequences: alloc,
		Logger:    logger,
	})
	require.NoError(t, err)
	machine, err := lifecycle.New(orders, lifecycle.WithTimeline(timeline), lifecycle.WithLogger(logger))
	require.NoError(t, err)
	guard, err := idempotency.NewGuard(memory.NewIdempotencyRepository(), domain.IdempotencyScopeGRPC, idempotency.WithResponseCodes(grpcsvc.ResponseCode))
	require.NoError(t, err)

	service, err := grpcsvc.NewOrderService(asm, machine, guard, logger)
	require.NoError(t, err)

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcsvc.RegisterOrderEngineServer(server, service)
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})

	return testServer{client: grpcsvc.NewClient(conn), outbox: outbox}
}

func airportCart() domain.Cart {
	return domain.Cart{
		PlaceID:         "airport",
		Channel:         domain.ChannelApp,
		Mode:            domain.ModePickup,
		PaymentMethodID: "cash",
		Contact:         domain.Contact{Name: "Ann", Phone: "+70000000000"},
		Lines: []domain.CartLine{
			{ProductID: "margherita", TierID: "large", Quantity: 1, Modifiers: map[string]int{"cheese": 1}},
			{ProductID: "lemonade", TierID: "default", Quantity: 1},
		},
	}
}

func TestSubmitCartAndGetOrder(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(idemCtx("submit-1"), 5*time.Second)
	defer cancel()

	resp, err := srv.client.SubmitCart(ctx, &grpcsvc.SubmitCartRequest{Cart: airportCart()})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusNew, resp.Order.Status)
	require.Equal(t, int64(65000+5000+15000), resp.Order.Amount)
	require.Len(t, resp.Order.Items, 2)
	require.Equal(t, resp.Order.Order.Number(), resp.Order.Number)

	got, err := srv.client.GetOrder(ctx, &grpcsvc.GetOrderRequest{OrderID: resp.Order.ID})
	require.NoError(t, err)
	require.Equal(t, resp.Order.ID, got.Order.ID)
	require.NotEmpty(t, got.Timeline)
	require.Equal(t, domain.TimelineOrderCreated, got.Timeline[0].Type)
}

func TestSubmitCartIdempotentReplay(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	ctx := idemCtx("submit-replay")

	first, err := srv.client.SubmitCart(ctx, &grpcsvc.SubmitCartRequest{Cart: airportCart()})
	require.NoError(t, err)
	second, err := srv.client.SubmitCart(ctx, &grpcsvc.SubmitCartRequest{Cart: airportCart()})
	require.NoError(t, err)
	require.Equal(t, first.Order.ID, second.Order.ID)
	require.Len(t, srv.outbox.AllPending(), 1)

	changed := airportCart()
	changed.Lines[1].Quantity = 3
	_, err = srv.client.SubmitCart(ctx, &grpcsvc.SubmitCartRequest{Cart: changed})
	require.Equal(t, codes.AlreadyExists, status.Code(err))
	require.Equal(t, domain.KeyIdempotencyMismatch, grpcsvc.MessageKey(err))
}

func TestSubmitCartValidationErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	empty := airportCart()
	empty.Lines = nil
	_, err := srv.client.SubmitCart(context.Background(), &grpcsvc.SubmitCartRequest{Cart: empty})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, domain.KeyCartEmpty, grpcsvc.MessageKey(err))

	unknownPayment := airportCart()
	unknownPayment.PaymentMethodID = "legacy-card"
	_, err = srv.client.SubmitCart(idemCtx("bad-payment"), &grpcsvc.SubmitCartRequest{Cart: unknownPayment})
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, domain.KeyPaymentMethodNotFound, grpcsvc.MessageKey(err))

	// Повтор с тем же ключом получает ту же ошибку из кэша.
	_, err = srv.client.SubmitCart(idemCtx("bad-payment"), &grpcsvc.SubmitCartRequest{Cart: unknownPayment})
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, domain.KeyPaymentMethodNotFound, grpcsvc.MessageKey(err))
}

func TestOperatorFlow(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	ctx := context.Background()

	created, err := srv.client.SubmitCart(ctx, &grpcsvc.SubmitCartRequest{Cart: airportCart()})
	require.NoError(t, err)
	orderID := created.Order.ID

	claimed, err := srv.client.ClaimOrder(ctx, &grpcsvc.ClaimOrderRequest{OrderID: orderID, ActorID: "operator-1"})
	require.NoError(t, err)
	require.Equal(t, "operator-1", claimed.Order.HandledBy)

	progressed, err := srv.client.SetProgress(ctx, &grpcsvc.ProgressRequest{OrderID: orderID, Index: 0})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessed, progressed.Order.Status)
	require.Equal(t, 1, progressed.Order.Progress)

	revoked, err := srv.client.RevokeProgress(ctx, &grpcsvc.ProgressRequest{OrderID: orderID, Index: 0})
	require.NoError(t, err)
	require.Equal(t, 0, revoked.Order.Progress)

	_, err = srv.client.SetProgress(ctx, &grpcsvc.ProgressRequest{OrderID: orderID, Index: 9})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, domain.KeyItemIndexInvalid, grpcsvc.MessageKey(err))

	stale := revoked.Order.Version - 1
	_, err = srv.client.SetStatus(ctx, &grpcsvc.SetStatusRequest{OrderID: orderID, Status: domain.OrderStatusFinished, ExpectedVersion: &stale})
	require.Equal(t, codes.Aborted, status.Code(err))
	require.Equal(t, domain.KeyVersionConflict, grpcsvc.MessageKey(err))

	finished, err := srv.client.SetStatus(ctx, &grpcsvc.SetStatusRequest{OrderID: orderID, Status: domain.OrderStatusFinished, ActorID: "operator-1"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFinished, finished.Order.Status)
	require.Equal(t, len(finished.Order.Items), finished.Order.Progress)

	_, err = srv.client.SetStatus(ctx, &grpcsvc.SetStatusRequest{OrderID: orderID, Status: domain.OrderStatusNew})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.Equal(t, domain.KeyTransitionInvalid, grpcsvc.MessageKey(err))

	require.Len(t, srv.outbox.AllPending(), 2)
}

func TestListOrders(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	ctx := context.Background()

	cart := airportCart()
	cart.Customer = &domain.Customer{ID: "customer-1"}
	for i := 0; i < 2; i++ {
		_, err := srv.client.SubmitCart(ctx, &grpcsvc.SubmitCartRequest{Cart: cart})
		require.NoError(t, err)
	}

	byPlace, err := srv.client.ListOrders(ctx, &grpcsvc.ListOrdersRequest{PlaceID: "airport", Statuses: []domain.OrderStatus{domain.OrderStatusNew}})
	require.NoError(t, err)
	require.Len(t, byPlace.Orders, 2)

	byCustomer, err := srv.client.ListOrders(ctx, &grpcsvc.ListOrdersRequest{CustomerID: "customer-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byCustomer.Orders, 1)

	_, err = srv.client.ListOrders(ctx, &grpcsvc.ListOrdersRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = srv.client.ListOrders(ctx, &grpcsvc.ListOrdersRequest{PlaceID: "airport", Statuses: []domain.OrderStatus{"cooking"}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	_, err := srv.client.GetOrder(context.Background(), &grpcsvc.GetOrderRequest{OrderID: "missing"})
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, domain.KeyOrderNotFound, grpcsvc.MessageKey(err))

	_, err = srv.client.GetOrder(context.Background(), &grpcsvc.GetOrderRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
