package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderengine/internal/service/lifecycle"
)

const idempotencyKeyHeader = "idempotency-key"

// Assembler собирает заказ из корзины.
type Assembler interface {
	Assemble(ctx context.Context, cart domain.Cart) (domain.Order, error)
}

// Lifecycle — операции и выборки жизненного цикла заказа.
type Lifecycle interface {
	SetStatus(ctx context.Context, cmd lifecycle.SetStatusCommand) (domain.Order, error)
	Claim(ctx context.Context, orderID, actorID string) (domain.Order, error)
	SetProgress(ctx context.Context, orderID string, index int) (domain.Order, error)
	RevokeProgress(ctx context.Context, orderID string, index int) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	ListByPlace(ctx context.Context, placeID string, statuses []domain.OrderStatus, limit int) ([]domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
}

// OrderService реализует gRPC API поверх сборщика и машины состояний.
type OrderService struct {
	assembler Assembler
	lifecycle Lifecycle
	guard     *idempotency.Guard
	logger    *log.Entry
}

// NewOrderService конструирует сервис с зависимостями. guard может быть nil: тогда повторная отправка не защищена.
func NewOrderService(assembler Assembler, machine Lifecycle, guard *idempotency.Guard, logger *log.Entry) (*OrderService, error) {
	if assembler == nil || machine == nil {
		return nil, errors.New("grpc: assembler and lifecycle are required")
	}
	if logger == nil {
		logger = log.WithField("component", "grpc-order-service")
	}
	return &OrderService{
		assembler: assembler,
		lifecycle: machine,
		guard:     guard,
		logger:    logger,
	}, nil
}

// SubmitCart оформляет корзину. Ключ из метаданных idempotency-key защищает от повторной отправки.
func (s *OrderService) SubmitCart(ctx context.Context, req *SubmitCartRequest) (*SubmitCartResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	submit := func(ctx context.Context) (idempotency.Result, error) {
		order, err := s.assembler.Assemble(ctx, req.Cart)
		if err != nil {
			return idempotency.Result{}, err
		}
		body, err := json.Marshal(SubmitCartResponse{Order: NewOrderView(order)})
		return idempotency.Result{OrderID: order.ID, Body: body}, err
	}

	if s.guard == nil {
		return decodeSubmit(submit(ctx))
	}

	hash, err := idempotency.RequestHash(MethodSubmitCart, req)
	if err != nil {
		s.logger.WithError(err).Warn("failed to build idempotency request hash")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}
	result, replayed, err := s.guard.Do(ctx, readIdempotencyKey(ctx), hash, submit)
	if replayed {
		s.logger.WithFields(log.Fields{"method": MethodSubmitCart, "order_id": result.OrderID}).Debug("idempotent replay")
	}
	return decodeSubmit(result, err)
}

func decodeSubmit(result idempotency.Result, err error) (*SubmitCartResponse, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	var resp SubmitCartResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, status.Error(codes.Internal, "failed to decode order response")
	}
	return &resp, nil
}

// GetOrder возвращает заказ и его таймлайн.
func (s *OrderService) GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	order, err := s.lifecycle.Get(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}

	events, err := s.lifecycle.Timeline(ctx, req.OrderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", req.OrderID).Warn("failed to load order timeline")
	}
	timeline := make([]TimelineEntry, 0, len(events))
	for _, event := range events {
		timeline = append(timeline, TimelineEntry{
			Type:       event.Type,
			From:       event.From,
			To:         event.To,
			Reason:     event.Reason,
			ActorID:    event.ActorID,
			OccurredAt: event.At,
		})
	}

	return &GetOrderResponse{Order: NewOrderView(order), Timeline: timeline}, nil
}

// ListOrders возвращает заказы заведения (для оператора) или клиента.
func (s *OrderService) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	var (
		orders []domain.Order
		err    error
	)
	switch {
	case strings.TrimSpace(req.PlaceID) != "":
		orders, err = s.lifecycle.ListByPlace(ctx, req.PlaceID, req.Statuses, req.Limit)
	case strings.TrimSpace(req.CustomerID) != "":
		orders, err = s.lifecycle.ListByCustomer(ctx, req.CustomerID, req.Limit)
	default:
		return nil, status.Error(codes.InvalidArgument, "place_id or customer_id is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}

	views := make([]OrderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, NewOrderView(order))
	}
	return &ListOrdersResponse{Orders: views}, nil
}

// SetStatus переводит заказ в новый статус.
func (s *OrderService) SetStatus(ctx context.Context, req *SetStatusRequest) (*OrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	return orderResponse(s.lifecycle.SetStatus(ctx, lifecycle.SetStatusCommand{
		OrderID:         req.OrderID,
		Status:          req.Status,
		ExpectedStatus:  req.ExpectedStatus,
		ExpectedVersion: req.ExpectedVersion,
		ActorID:         req.ActorID,
		Reason:          req.Reason,
	}))
}

// ClaimOrder закрепляет заказ за оператором.
func (s *OrderService) ClaimOrder(ctx context.Context, req *ClaimOrderRequest) (*OrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	return orderResponse(s.lifecycle.Claim(ctx, req.OrderID, req.ActorID))
}

// SetProgress отмечает позицию готовой.
func (s *OrderService) SetProgress(ctx context.Context, req *ProgressRequest) (*OrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	return orderResponse(s.lifecycle.SetProgress(ctx, req.OrderID, req.Index))
}

// RevokeProgress снимает отметку готовности.
func (s *OrderService) RevokeProgress(ctx context.Context, req *ProgressRequest) (*OrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	return orderResponse(s.lifecycle.RevokeProgress(ctx, req.OrderID, req.Index))
}

func orderResponse(order domain.Order, err error) (*OrderResponse, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &OrderResponse{Order: NewOrderView(order)}, nil
}

func readIdempotencyKey(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(idempotencyKeyHeader)
		if len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}

var _ OrderEngineServer = (*OrderService)(nil)
