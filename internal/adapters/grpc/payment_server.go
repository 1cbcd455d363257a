package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"

	"fulfillment/internal/payments"
	"fulfillment/internal/saga"
)

const PaymentServiceName = "fulfillment.payments.PaymentService"

// PaymentParticipant is the Payment participant with its account top-up.
type PaymentParticipant interface {
	saga.PaymentService
	TopUp(ctx context.Context, clientID string, amount float64) (payments.Account, error)
}

// PaymentServer adapts a PaymentParticipant to gRPC.
type PaymentServer struct {
	service PaymentParticipant
}

func NewPaymentServer(svc PaymentParticipant) *PaymentServer {
	return &PaymentServer{service: svc}
}

var paymentServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: PaymentServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary(PaymentServiceName, "Create", (*PaymentServer).Create),
		unary(PaymentServiceName, "Approve", (*PaymentServer).Approve),
		unary(PaymentServiceName, "Pay", (*PaymentServer).Pay),
		unary(PaymentServiceName, "Cancel", (*PaymentServer).Cancel),
		unary(PaymentServiceName, "Get", (*PaymentServer).Get),
		unary(PaymentServiceName, "Commit", (*PaymentServer).Commit),
		unary(PaymentServiceName, "Rollback", (*PaymentServer).Rollback),
		unary(PaymentServiceName, "TopUp", (*PaymentServer).TopUp),
	},
}

// RegisterPaymentServer registers svc on s.
func RegisterPaymentServer(s grpcpkg.ServiceRegistrar, svc PaymentParticipant) {
	s.RegisterService(&paymentServiceDesc, NewPaymentServer(svc))
}

func (s *PaymentServer) Create(ctx context.Context, req *PaymentCreateRequest) (*IDResponse, error) {
	id, err := s.service.Create(ctx, saga.PaymentCreate{
		ExternalRef: req.ExternalRef,
		ClientID:    req.ClientID,
		Amount:      req.Amount,
		TxID:        req.TxID,
	})
	if err != nil {
		return nil, ToStatus(err)
	}
	return &IDResponse{ID: id}, nil
}

func (s *PaymentServer) Approve(ctx context.Context, req *OpRequest) (*PaymentStatusResponse, error) {
	return paymentStatus(s.service.Approve(ctx, req.ID, req.TxID))
}

func (s *PaymentServer) Pay(ctx context.Context, req *OpRequest) (*PaymentStatusResponse, error) {
	return paymentStatus(s.service.Pay(ctx, req.ID, req.TxID))
}

func (s *PaymentServer) Cancel(ctx context.Context, req *OpRequest) (*PaymentStatusResponse, error) {
	return paymentStatus(s.service.Cancel(ctx, req.ID, req.TxID))
}

func (s *PaymentServer) Get(ctx context.Context, req *GetRequest) (*saga.Payment, error) {
	payment, err := s.service.Get(ctx, req.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &payment, nil
}

func (s *PaymentServer) Commit(ctx context.Context, req *TxRequest) (*Empty, error) {
	return empty(s.service.Commit(ctx, req.ID))
}

func (s *PaymentServer) Rollback(ctx context.Context, req *TxRequest) (*Empty, error) {
	return empty(s.service.Rollback(ctx, req.ID))
}

func (s *PaymentServer) TopUp(ctx context.Context, req *TopUpRequest) (*payments.Account, error) {
	acc, err := s.service.TopUp(ctx, req.ClientID, req.Amount)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &acc, nil
}

func paymentStatus(st saga.PaymentStatus, err error) (*PaymentStatusResponse, error) {
	if err != nil {
		return nil, ToStatus(err)
	}
	return &PaymentStatusResponse{Status: st}, nil
}

func empty(err error) (*Empty, error) {
	if err != nil {
		return nil, ToStatus(err)
	}
	return &Empty{}, nil
}

// PaymentClient implements saga.PaymentService against a remote PaymentServer.
type PaymentClient struct {
	conn grpcpkg.ClientConnInterface
}

func NewPaymentClient(conn grpcpkg.ClientConnInterface) *PaymentClient {
	return &PaymentClient{conn: conn}
}

func (c *PaymentClient) Create(ctx context.Context, req saga.PaymentCreate) (string, error) {
	resp, err := invoke[IDResponse](ctx, c.conn, PaymentServiceName, "Create", &PaymentCreateRequest{
		ExternalRef: req.ExternalRef,
		ClientID:    req.ClientID,
		Amount:      req.Amount,
		TxID:        req.TxID,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *PaymentClient) Approve(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return c.op(ctx, "Approve", id, txID)
}

func (c *PaymentClient) Pay(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return c.op(ctx, "Pay", id, txID)
}

func (c *PaymentClient) Cancel(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return c.op(ctx, "Cancel", id, txID)
}

func (c *PaymentClient) Get(ctx context.Context, id string) (saga.Payment, error) {
	resp, err := invoke[saga.Payment](ctx, c.conn, PaymentServiceName, "Get", &GetRequest{ID: id})
	if err != nil {
		return saga.Payment{}, err
	}
	return *resp, nil
}

func (c *PaymentClient) Commit(ctx context.Context, txID string) error {
	_, err := invoke[Empty](ctx, c.conn, PaymentServiceName, "Commit", &TxRequest{ID: txID})
	return err
}

func (c *PaymentClient) Rollback(ctx context.Context, txID string) error {
	_, err := invoke[Empty](ctx, c.conn, PaymentServiceName, "Rollback", &TxRequest{ID: txID})
	return err
}

func (c *PaymentClient) TopUp(ctx context.Context, clientID string, amount float64) (payments.Account, error) {
	resp, err := invoke[payments.Account](ctx, c.conn, PaymentServiceName, "TopUp", &TopUpRequest{ClientID: clientID, Amount: amount})
	if err != nil {
		return payments.Account{}, err
	}
	return *resp, nil
}

func (c *PaymentClient) op(ctx context.Context, method, id, txID string) (saga.PaymentStatus, error) {
	resp, err := invoke[PaymentStatusResponse](ctx, c.conn, PaymentServiceName, method, &OpRequest{ID: id, TxID: txID})
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}
