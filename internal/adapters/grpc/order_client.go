package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
)

// OrderClient calls a remote OrderService.
type OrderClient struct {
	conn grpcpkg.ClientConnInterface
}

func NewOrderClient(conn grpcpkg.ClientConnInterface) *OrderClient {
	return &OrderClient{conn: conn}
}

func (c *OrderClient) Create(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	return invoke[CreateOrderResponse](ctx, c.conn, OrderServiceName, "Create", req)
}

func (c *OrderClient) Approve(ctx context.Context, id string, twoPhaseCommit bool) (*OrderStatusResponse, error) {
	return c.op(ctx, "Approve", id, twoPhaseCommit)
}

func (c *OrderClient) Release(ctx context.Context, id string, twoPhaseCommit bool) (*OrderStatusResponse, error) {
	return c.op(ctx, "Release", id, twoPhaseCommit)
}

func (c *OrderClient) Cancel(ctx context.Context, id string, twoPhaseCommit bool) (*OrderStatusResponse, error) {
	return c.op(ctx, "Cancel", id, twoPhaseCommit)
}

func (c *OrderClient) Resume(ctx context.Context, id string, twoPhaseCommit bool) (*OrderStatusResponse, error) {
	return c.op(ctx, "Resume", id, twoPhaseCommit)
}

func (c *OrderClient) Get(ctx context.Context, id string) (*Order, error) {
	return invoke[Order](ctx, c.conn, OrderServiceName, "Get", &GetOrderRequest{ID: id})
}

func (c *OrderClient) List(ctx context.Context) ([]Order, error) {
	resp, err := invoke[ListOrdersResponse](ctx, c.conn, OrderServiceName, "List", &ListOrdersRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *OrderClient) op(ctx context.Context, method, id string, twoPhaseCommit bool) (*OrderStatusResponse, error) {
	return invoke[OrderStatusResponse](ctx, c.conn, OrderServiceName, method, &OrderOpRequest{ID: id, TwoPhaseCommit: twoPhaseCommit})
}
