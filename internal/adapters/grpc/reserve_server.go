package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"

	"fulfillment/internal/reserve"
	"fulfillment/internal/saga"
)

const ReserveServiceName = "fulfillment.reserve.ReserveService"

// ReserveParticipant is the Reserve participant with its warehouse.
type ReserveParticipant interface {
	saga.ReserveService
	saga.Warehouse
	AddItem(ctx context.Context, id string, amount int32, cost float64) (reserve.Stock, error)
}

// ReserveServer adapts a ReserveParticipant to gRPC.
type ReserveServer struct {
	service ReserveParticipant
}

func NewReserveServer(svc ReserveParticipant) *ReserveServer {
	return &ReserveServer{service: svc}
}

var reserveServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ReserveServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary(ReserveServiceName, "Create", (*ReserveServer).Create),
		unary(ReserveServiceName, "Approve", (*ReserveServer).Approve),
		unary(ReserveServiceName, "Release", (*ReserveServer).Release),
		unary(ReserveServiceName, "Cancel", (*ReserveServer).Cancel),
		unary(ReserveServiceName, "Get", (*ReserveServer).Get),
		unary(ReserveServiceName, "Commit", (*ReserveServer).Commit),
		unary(ReserveServiceName, "Rollback", (*ReserveServer).Rollback),
		unary(ReserveServiceName, "ItemCost", (*ReserveServer).ItemCost),
		unary(ReserveServiceName, "AddItem", (*ReserveServer).AddItem),
	},
}

// RegisterReserveServer registers svc on s.
func RegisterReserveServer(s grpcpkg.ServiceRegistrar, svc ReserveParticipant) {
	s.RegisterService(&reserveServiceDesc, NewReserveServer(svc))
}

func (s *ReserveServer) Create(ctx context.Context, req *ReserveCreateRequest) (*IDResponse, error) {
	id, err := s.service.Create(ctx, saga.ReserveCreate{
		ExternalRef: req.ExternalRef,
		Items:       req.Items,
		TxID:        req.TxID,
	})
	if err != nil {
		return nil, ToStatus(err)
	}
	return &IDResponse{ID: id}, nil
}

func (s *ReserveServer) Approve(ctx context.Context, req *OpRequest) (*ReserveResultResponse, error) {
	return reserveResult(s.service.Approve(ctx, req.ID, req.TxID))
}

func (s *ReserveServer) Release(ctx context.Context, req *OpRequest) (*ReserveResultResponse, error) {
	return reserveResult(s.service.Release(ctx, req.ID, req.TxID))
}

func (s *ReserveServer) Cancel(ctx context.Context, req *OpRequest) (*ReserveResultResponse, error) {
	return reserveResult(s.service.Cancel(ctx, req.ID, req.TxID))
}

func (s *ReserveServer) Get(ctx context.Context, req *GetRequest) (*saga.Reserve, error) {
	res, err := s.service.Get(ctx, req.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &res, nil
}

func (s *ReserveServer) Commit(ctx context.Context, req *TxRequest) (*Empty, error) {
	return empty(s.service.Commit(ctx, req.ID))
}

func (s *ReserveServer) Rollback(ctx context.Context, req *TxRequest) (*Empty, error) {
	return empty(s.service.Rollback(ctx, req.ID))
}

func (s *ReserveServer) ItemCost(ctx context.Context, req *GetRequest) (*ItemCostResponse, error) {
	cost, err := s.service.ItemCost(ctx, req.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &ItemCostResponse{Cost: cost}, nil
}

func (s *ReserveServer) AddItem(ctx context.Context, req *AddItemRequest) (*reserve.Stock, error) {
	stock, err := s.service.AddItem(ctx, req.ID, req.Amount, req.Cost)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &stock, nil
}

func reserveResult(res saga.ReserveResult, err error) (*ReserveResultResponse, error) {
	if err != nil {
		return nil, ToStatus(err)
	}
	return &ReserveResultResponse{Status: res.Status, Items: res.Items}, nil
}

// ReserveClient implements saga.ReserveService and saga.Warehouse against a
// remote ReserveServer.
type ReserveClient struct {
	conn grpcpkg.ClientConnInterface
}

func NewReserveClient(conn grpcpkg.ClientConnInterface) *ReserveClient {
	return &ReserveClient{conn: conn}
}

func (c *ReserveClient) Create(ctx context.Context, req saga.ReserveCreate) (string, error) {
	resp, err := invoke[IDResponse](ctx, c.conn, ReserveServiceName, "Create", &ReserveCreateRequest{
		ExternalRef: req.ExternalRef,
		Items:       req.Items,
		TxID:        req.TxID,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *ReserveClient) Approve(ctx context.Context, id, txID string) (saga.ReserveResult, error) {
	return c.op(ctx, "Approve", id, txID)
}

func (c *ReserveClient) Release(ctx context.Context, id, txID string) (saga.ReserveResult, error) {
	return c.op(ctx, "Release", id, txID)
}

func (c *ReserveClient) Cancel(ctx context.Context, id, txID string) (saga.ReserveResult, error) {
	return c.op(ctx, "Cancel", id, txID)
}

func (c *ReserveClient) Get(ctx context.Context, id string) (saga.Reserve, error) {
	resp, err := invoke[saga.Reserve](ctx, c.conn, ReserveServiceName, "Get", &GetRequest{ID: id})
	if err != nil {
		return saga.Reserve{}, err
	}
	return *resp, nil
}

func (c *ReserveClient) Commit(ctx context.Context, txID string) error {
	_, err := invoke[Empty](ctx, c.conn, ReserveServiceName, "Commit", &TxRequest{ID: txID})
	return err
}

func (c *ReserveClient) Rollback(ctx context.Context, txID string) error {
	_, err := invoke[Empty](ctx, c.conn, ReserveServiceName, "Rollback", &TxRequest{ID: txID})
	return err
}

func (c *ReserveClient) ItemCost(ctx context.Context, itemID string) (float64, error) {
	resp, err := invoke[ItemCostResponse](ctx, c.conn, ReserveServiceName, "ItemCost", &GetRequest{ID: itemID})
	if err != nil {
		return 0, err
	}
	return resp.Cost, nil
}

func (c *ReserveClient) AddItem(ctx context.Context, id string, amount int32, cost float64) (reserve.Stock, error) {
	resp, err := invoke[reserve.Stock](ctx, c.conn, ReserveServiceName, "AddItem", &AddItemRequest{ID: id, Amount: amount, Cost: cost})
	if err != nil {
		return reserve.Stock{}, err
	}
	return *resp, nil
}

func (c *ReserveClient) op(ctx context.Context, method, id, txID string) (saga.ReserveResult, error) {
	resp, err := invoke[ReserveResultResponse](ctx, c.conn, ReserveServiceName, method, &OpRequest{ID: id, TxID: txID})
	if err != nil {
		return saga.ReserveResult{}, err
	}
	return saga.ReserveResult{Status: resp.Status, Items: resp.Items}, nil
}
