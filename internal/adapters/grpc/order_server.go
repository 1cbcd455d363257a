package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"

	"fulfillment/internal/orders"
)

const OrderServiceName = "fulfillment.orders.OrderService"

// OrderService is the orchestrator behavior exposed over gRPC.
type OrderService interface {
	Create(ctx context.Context, req orders.CreateRequest) (orders.Order, error)
	Approve(ctx context.Context, orderID string, twoPhaseCommit bool) (orders.Order, error)
	Release(ctx context.Context, orderID string, twoPhaseCommit bool) (orders.Order, error)
	Cancel(ctx context.Context, orderID string, twoPhaseCommit bool) (orders.Order, error)
	Resume(ctx context.Context, orderID string, twoPhaseCommit bool) (orders.Order, error)
	Get(ctx context.Context, orderID string) (orders.Details, error)
	List(ctx context.Context) ([]orders.Order, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service OrderService
}

// NewOrderServer constructs an OrderServer.
func NewOrderServer(svc OrderService) *OrderServer {
	return &OrderServer{service: svc}
}

var orderServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: OrderServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary(OrderServiceName, "Create", (*OrderServer).Create),
		unary(OrderServiceName, "Approve", (*OrderServer).Approve),
		unary(OrderServiceName, "Release", (*OrderServer).Release),
		unary(OrderServiceName, "Cancel", (*OrderServer).Cancel),
		unary(OrderServiceName, "Resume", (*OrderServer).Resume),
		unary(OrderServiceName, "Get", (*OrderServer).Get),
		unary(OrderServiceName, "List", (*OrderServer).List),
	},
}

// RegisterOrderServer registers svc on s.
func RegisterOrderServer(s grpcpkg.ServiceRegistrar, svc OrderService) {
	s.RegisterService(&orderServiceDesc, NewOrderServer(svc))
}

func (s *OrderServer) Create(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	order, err := s.service.Create(ctx, orders.CreateRequest{
		CustomerID: req.CustomerID,
		Delivery: orders.Delivery{
			Address:  req.Delivery.Address,
			DateTime: req.Delivery.DateTime,
			Type:     orders.DeliveryType(req.Delivery.Type),
		},
		Items:          req.Items,
		TwoPhaseCommit: req.TwoPhaseCommit,
	})
	if err != nil {
		return nil, ToStatus(err)
	}
	return &CreateOrderResponse{ID: order.ID, Status: string(order.Status)}, nil
}

func (s *OrderServer) Approve(ctx context.Context, req *OrderOpRequest) (*OrderStatusResponse, error) {
	return statusResponse(s.service.Approve(ctx, req.ID, req.TwoPhaseCommit))
}

func (s *OrderServer) Release(ctx context.Context, req *OrderOpRequest) (*OrderStatusResponse, error) {
	return statusResponse(s.service.Release(ctx, req.ID, req.TwoPhaseCommit))
}

func (s *OrderServer) Cancel(ctx context.Context, req *OrderOpRequest) (*OrderStatusResponse, error) {
	return statusResponse(s.service.Cancel(ctx, req.ID, req.TwoPhaseCommit))
}

func (s *OrderServer) Resume(ctx context.Context, req *OrderOpRequest) (*OrderStatusResponse, error) {
	return statusResponse(s.service.Resume(ctx, req.ID, req.TwoPhaseCommit))
}

func (s *OrderServer) Get(ctx context.Context, req *GetOrderRequest) (*Order, error) {
	details, err := s.service.Get(ctx, req.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	out := toOrder(details.Order)
	out.Payment = details.Payment
	out.Reserve = details.Reserve
	return &out, nil
}

func (s *OrderServer) List(ctx context.Context, _ *ListOrdersRequest) (*ListOrdersResponse, error) {
	list, err := s.service.List(ctx)
	if err != nil {
		return nil, ToStatus(err)
	}
	resp := &ListOrdersResponse{Orders: make([]Order, 0, len(list))}
	for _, o := range list {
		resp.Orders = append(resp.Orders, toOrder(o))
	}
	return resp, nil
}

func statusResponse(order orders.Order, err error) (*OrderStatusResponse, error) {
	if err != nil {
		return nil, ToStatus(err)
	}
	return &OrderStatusResponse{ID: order.ID, Status: string(order.Status)}, nil
}
