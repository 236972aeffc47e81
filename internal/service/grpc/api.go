package grpcsvc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "orderengine.v1.OrderEngine"

const (
	MethodSubmitCart     = "/" + ServiceName + "/SubmitCart"
	MethodGetOrder       = "/" + ServiceName + "/GetOrder"
	MethodListOrders     = "/" + ServiceName + "/ListOrders"
	MethodSetStatus      = "/" + ServiceName + "/SetStatus"
	MethodClaimOrder     = "/" + ServiceName + "/ClaimOrder"
	MethodSetProgress    = "/" + ServiceName + "/SetProgress"
	MethodRevokeProgress = "/" + ServiceName + "/RevokeProgress"
)

// OrderView — заказ с вычисленным номером.
type OrderView struct {
	domain.Order
	Number string `json:"number"`
}

// NewOrderView упаковывает заказ для ответа.
func NewOrderView(order domain.Order) OrderView {
	return OrderView{Order: order, Number: order.Number()}
}

// TimelineEntry — запись таймлайна в ответе.
type TimelineEntry struct {
	Type       string             `json:"type"`
	From       domain.OrderStatus `json:"from,omitempty"`
	To         domain.OrderStatus `json:"to,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	ActorID    string             `json:"actor_id,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

type SubmitCartRequest struct {
	Cart domain.Cart `json:"cart"`
}

type SubmitCartResponse struct {
	Order OrderView `json:"order"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type GetOrderResponse struct {
	Order    OrderView       `json:"order"`
	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// ListOrdersRequest выбирает заказы заведения или клиента; PlaceID имеет приоритет.
type ListOrdersRequest struct {
	PlaceID    string               `json:"place_id,omitempty"`
	CustomerID string               `json:"customer_id,omitempty"`
	Statuses   []domain.OrderStatus `json:"statuses,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

type ListOrdersResponse struct {
	Orders []OrderView `json:"orders"`
}

type SetStatusRequest struct {
	OrderID         string              `json:"order_id"`
	Status          domain.OrderStatus  `json:"status"`
	ExpectedStatus  *domain.OrderStatus `json:"expected_status,omitempty"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
	ActorID         string              `json:"actor_id,omitempty"`
	Reason          string              `json:"reason,omitempty"`
}

type ClaimOrderRequest struct {
	OrderID string `json:"order_id"`
	ActorID string `json:"actor_id"`
}

type ProgressRequest struct {
	OrderID string `json:"order_id"`
	Index   int    `json:"index"`
}

type OrderResponse struct {
	Order OrderView `json:"order"`
}

// OrderEngineServer — серверная сторона сервиса.
type OrderEngineServer interface {
	SubmitCart(context.Context, *SubmitCartRequest) (*SubmitCartResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	SetStatus(context.Context, *SetStatusRequest) (*OrderResponse, error)
	ClaimOrder(context.Context, *ClaimOrderRequest) (*OrderResponse, error)
	SetProgress(context.Context, *ProgressRequest) (*OrderResponse, error)
	RevokeProgress(context.Context, *ProgressRequest) (*OrderResponse, error)
}

func unaryMethod[Req, Resp any](name string, call func(OrderEngineServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderEngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderEngineServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc описывает сервис для grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("SubmitCart", OrderEngineServer.SubmitCart),
		unaryMethod("GetOrder", OrderEngineServer.GetOrder),
		unaryMethod("ListOrders", OrderEngineServer.ListOrders),
		unaryMethod("SetStatus", OrderEngineServer.SetStatus),
		unaryMethod("ClaimOrder", OrderEngineServer.ClaimOrder),
		unaryMethod("SetProgress", OrderEngineServer.SetProgress),
		unaryMethod("RevokeProgress", OrderEngineServer.RevokeProgress),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orderengine/v1/order_engine",
}

// RegisterOrderEngineServer регистрирует реализацию на сервере.
func RegisterOrderEngineServer(s grpc.ServiceRegistrar, srv OrderEngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client — клиент сервиса поверх JSON-кодека.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient создаёт клиента.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.conn.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitCart(ctx context.Context, in *SubmitCartRequest, opts ...grpc.CallOption) (*SubmitCartResponse, error) {
	return invoke[SubmitCartResponse](ctx, c, MethodSubmitCart, in, opts)
}

func (c *Client) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error) {
	return invoke[GetOrderResponse](ctx, c, MethodGetOrder, in, opts)
}

func (c *Client) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	return invoke[ListOrdersResponse](ctx, c, MethodListOrders, in, opts)
}

func (c *Client) SetStatus(ctx context.Context, in *SetStatusRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c, MethodSetStatus, in, opts)
}

func (c *Client) ClaimOrder(ctx context.Context, in *ClaimOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c, MethodClaimOrder, in, opts)
}

func (c *Client) SetProgress(ctx context.Context, in *ProgressRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c, MethodSetProgress, in, opts)
}

func (c *Client) RevokeProgress(ctx context.Context, in *ProgressRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c, MethodRevokeProgress, in, opts)
}
