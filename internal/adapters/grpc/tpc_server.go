package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
)

const TwoPhaseCommitServiceName = "fulfillment.tpc.TwoPhaseCommitService"

// PreparedTransactions is a process's local prepared-transaction store.
type PreparedTransactions interface {
	ListActive(ctx context.Context) ([]string, error)
	Commit(ctx context.Context, id string) error
	Rollback(ctx context.Context, id string) error
}

// TwoPhaseCommitServer lets an operator resolve transactions left prepared.
type TwoPhaseCommitServer struct {
	txs PreparedTransactions
}

func NewTwoPhaseCommitServer(txs PreparedTransactions) *TwoPhaseCommitServer {
	return &TwoPhaseCommitServer{txs: txs}
}

var twoPhaseCommitServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: TwoPhaseCommitServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary(TwoPhaseCommitServiceName, "ListActives", (*TwoPhaseCommitServer).ListActives),
		unary(TwoPhaseCommitServiceName, "Commit", (*TwoPhaseCommitServer).Commit),
		unary(TwoPhaseCommitServiceName, "Rollback", (*TwoPhaseCommitServer).Rollback),
	},
}

// RegisterTwoPhaseCommitServer registers txs on s.
func RegisterTwoPhaseCommitServer(s grpcpkg.ServiceRegistrar, txs PreparedTransactions) {
	s.RegisterService(&twoPhaseCommitServiceDesc, NewTwoPhaseCommitServer(txs))
}

func (s *TwoPhaseCommitServer) ListActives(ctx context.Context, _ *ListActivesRequest) (*ListActivesResponse, error) {
	ids, err := s.txs.ListActive(ctx)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &ListActivesResponse{IDs: ids}, nil
}

func (s *TwoPhaseCommitServer) Commit(ctx context.Context, req *TxRequest) (*Empty, error) {
	return empty(s.txs.Commit(ctx, req.ID))
}

func (s *TwoPhaseCommitServer) Rollback(ctx context.Context, req *TxRequest) (*Empty, error) {
	return empty(s.txs.Rollback(ctx, req.ID))
}

// TwoPhaseCommitClient calls a remote TwoPhaseCommitServer.
type TwoPhaseCommitClient struct {
	conn grpcpkg.ClientConnInterface
}

func NewTwoPhaseCommitClient(conn grpcpkg.ClientConnInterface) *TwoPhaseCommitClient {
	return &TwoPhaseCommitClient{conn: conn}
}

func (c *TwoPhaseCommitClient) ListActive(ctx context.Context) ([]string, error) {
	resp, err := invoke[ListActivesResponse](ctx, c.conn, TwoPhaseCommitServiceName, "ListActives", &ListActivesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *TwoPhaseCommitClient) Commit(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c.conn, TwoPhaseCommitServiceName, "Commit", &TxRequest{ID: id})
	return err
}

func (c *TwoPhaseCommitClient) Rollback(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c.conn, TwoPhaseCommitServiceName, "Rollback", &TxRequest{ID: id})
	return err
}
