package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"fulfillment/internal/orders"
	"fulfillment/internal/payments"
	"fulfillment/internal/reserve"
	"fulfillment/internal/saga"
)

func serve(t *testing.T, register func(s *grpcpkg.Server), opts ...grpcpkg.ServerOption) *grpcpkg.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	s := grpcpkg.NewServer(opts...)
	register(s)
	go func() {
		_ = s.Serve(lis)
	}()

	conn, err := grpcpkg.NewClient(
		"passthrough:///bufnet",
		grpcpkg.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
		CallOptions(),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Fatalf("close conn: %v", err)
		}
		s.Stop()
	})
	return conn
}

type participants struct {
	payments *PaymentClient
	reserves *ReserveClient
}

func serveParticipants(t *testing.T) participants {
	t.Helper()
	conn := serve(t, func(s *grpcpkg.Server) {
		RegisterPaymentServer(s, payments.NewService())
		RegisterReserveServer(s, reserve.NewService())
	})
	return participants{payments: NewPaymentClient(conn), reserves: NewReserveClient(conn)}
}

func TestOrderService_OverRemoteParticipants(t *testing.T) {
	ctx := context.Background()
	p := serveParticipants(t)
	if _, err := p.reserves.AddItem(ctx, "A", 10, 4); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := p.payments.TopUp(ctx, "c1", 100); err != nil {
		t.Fatalf("top up: %v", err)
	}

	var intercepted atomic.Int32
	store := orders.NewMemoryStore()
	svc := orders.NewService(store, store, p.payments, p.reserves, p.reserves)
	conn := serve(t, func(s *grpcpkg.Server) {
		RegisterOrderServer(s, svc)
		RegisterTwoPhaseCommitServer(s, store)
	}, grpcpkg.UnaryInterceptor(func(ctx context.Context, req any, _ *grpcpkg.UnaryServerInfo, handler grpcpkg.UnaryHandler) (any, error) {
		intercepted.Add(1)
		return handler(ctx, req)
	}))
	client := NewOrderClient(conn)

	created, err := client.Create(ctx, &CreateOrderRequest{
		CustomerID:     "c1",
		Delivery:       Delivery{Type: "PICKUP"},
		Items:          []saga.Item{{ID: "A", Amount: 2}},
		TwoPhaseCommit: true,
	})
	if err != nil || created.Status != string(orders.StatusCreated) {
		t.Fatalf("create: %+v %v", created, err)
	}

	approved, err := client.Approve(ctx, created.ID, true)
	if err != nil || approved.Status != string(orders.StatusApproved) {
		t.Fatalf("approve: %+v %v", approved, err)
	}

	got, err := client.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payment == nil || got.Payment.Status != saga.PaymentHold || got.Payment.Amount != 8 {
		t.Fatalf("unexpected payment %+v", got.Payment)
	}
	if got.Reserve == nil || got.Reserve.Status != saga.ReserveApproved {
		t.Fatalf("unexpected reserve %+v", got.Reserve)
	}
	if got.PaymentTransactionID == "" || got.ReserveTransactionID == "" {
		t.Fatalf("expected transaction ids, got %+v", got)
	}

	released, err := client.Release(ctx, created.ID, true)
	if err != nil || released.Status != string(orders.StatusReleased) {
		t.Fatalf("release: %+v %v", released, err)
	}

	list, err := client.List(ctx)
	if err != nil || len(list) != 1 || list[0].Status != string(orders.StatusReleased) {
		t.Fatalf("list: %+v %v", list, err)
	}
	active, err := NewTwoPhaseCommitClient(conn).ListActive(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no prepared transactions, got %v %v", active, err)
	}
	if intercepted.Load() == 0 {
		t.Fatalf("expected the interceptor chain to run")
	}
}

func TestOrderService_ErrorsCrossTheWire(t *testing.T) {
	ctx := context.Background()
	p := serveParticipants(t)
	store := orders.NewMemoryStore()
	conn := serve(t, func(s *grpcpkg.Server) {
		RegisterOrderServer(s, orders.NewService(store, store, p.payments, p.reserves, p.reserves))
	})
	client := NewOrderClient(conn)

	_, err := client.Create(ctx, &CreateOrderRequest{CustomerID: "c1", Delivery: Delivery{Type: "PICKUP"}})
	if !errors.Is(err, saga.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := client.Get(ctx, "missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPaymentClient_AlreadyHeldRecoversStatus(t *testing.T) {
	ctx := context.Background()
	p := serveParticipants(t)
	if _, err := p.payments.TopUp(ctx, "c1", 10); err != nil {
		t.Fatalf("top up: %v", err)
	}
	id, err := p.payments.Create(ctx, saga.PaymentCreate{ExternalRef: "o1", ClientID: "c1", Amount: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st, err := p.payments.Approve(ctx, id, ""); err != nil || st != saga.PaymentHold {
		t.Fatalf("approve: %s %v", st, err)
	}

	st, err := p.payments.Approve(ctx, id, "")
	st, err = saga.RecoverStatus(st, err)
	if err != nil || st != saga.PaymentHold {
		t.Fatalf("expected HOLD recovered from the repeated approve, got %s %v", st, err)
	}
}

func TestReserveClient_PreparedTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	p := serveParticipants(t)
	if _, err := p.reserves.AddItem(ctx, "A", 3, 1); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if cost, err := p.reserves.ItemCost(ctx, "A"); err != nil || cost != 1 {
		t.Fatalf("item cost: %v %v", cost, err)
	}

	id, err := p.reserves.Create(ctx, saga.ReserveCreate{ExternalRef: "o1", Items: []saga.Item{{ID: "A", Amount: 2}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := p.reserves.Approve(ctx, id, "tx-1")
	if err != nil || res.Status != saga.ReserveApproved || len(res.Items) != 1 || !res.Items[0].Reserved {
		t.Fatalf("approve: %+v %v", res, err)
	}
	if err := p.reserves.Rollback(ctx, "tx-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	got, err := p.reserves.Get(ctx, id)
	if err != nil || got.Status != saga.ReserveCreated {
		t.Fatalf("expected reserve back to CREATED, got %+v %v", got, err)
	}
	if err := p.reserves.Commit(ctx, "unknown"); err != nil {
		t.Fatalf("commit of unknown transaction must succeed: %v", err)
	}
}
