package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/adapters/grpc"
	ordersdb "fulfillment/internal/db/orders"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/payments"
	"fulfillment/internal/reserve"
	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

// backend is everything the order process serves: the orchestrator, its
// local prepared transactions and, when the participants run in-process,
// the participants themselves.
type backend struct {
	orders   *orders.Service
	prepared grpc.PreparedTransactions
	payments *payments.Service
	reserves *reserve.Service
	checks   map[string]observability.Check
	cleanup  []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

type buildDeps struct {
	db           config.DatabaseConfig
	participants config.ParticipantsConfig
	reliability  orders.ReliabilityConfig
	publisher    payments.BalancePublisher
	metrics      *observability.Metrics
	notifier     orders.Notifier
	log          zerolog.Logger
}

// buildBackend wires the order store (Postgres when DATABASE_URL is set,
// memory otherwise) and the participants (gRPC clients when their addresses
// are set, in-process otherwise) into an order Service.
func buildBackend(ctx context.Context, deps buildDeps) (*backend, error) {
	b := &backend{checks: make(map[string]observability.Check)}

	var (
		store orders.Store
		tx    orders.Transactor
		steps saga.StepLog = saga.NopStepLog{}
	)
	if deps.db.URL != "" {
		pool, err := openPool(ctx, deps.db)
		if err != nil {
			return nil, err
		}
		b.cleanup = append(b.cleanup, pool.Close)
		b.checks["postgres"] = pool.Ping

		db := stdlib.OpenDBFromPool(pool)
		b.cleanup = append(b.cleanup, func() {
			if err := db.Close(); err != nil {
				deps.log.Error().Err(err).Msg("close orders db")
			}
		})
		if err := ordersdb.InitSchema(ctx, db); err != nil {
			b.Close()
			return nil, fmt.Errorf("init orders schema: %w", err)
		}
		store = ordersdb.NewOrderStore(db)
		tx = ordersdb.NewTransactor(tpc.NewPostgres(db, deps.log.With().Str("component", "tpc").Logger()))
		steps = ordersdb.NewSagaStore(db)
		deps.log.Info().Msg("orders stored in postgres")
	} else {
		mem := orders.NewMemoryStore()
		store, tx = mem, mem
		deps.log.Warn().Msg("DATABASE_URL not set, orders kept in memory")
	}
	b.prepared = tx

	var participants orders.Participants
	if deps.participants.Remote() {
		paymentConn, err := dialParticipant(deps.participants.PaymentAddr)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("dial payments: %w", err)
		}
		b.cleanup = append(b.cleanup, func() { _ = paymentConn.Close() })
		reserveConn, err := dialParticipant(deps.participants.ReserveAddr)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("dial reserve: %w", err)
		}
		b.cleanup = append(b.cleanup, func() { _ = reserveConn.Close() })

		reserveClient := grpc.NewReserveClient(reserveConn)
		participants = orders.Participants{
			Payments:  grpc.NewPaymentClient(paymentConn),
			Reserves:  reserveClient,
			Warehouse: reserveClient,
		}
	} else {
		paymentOpts := []payments.Option{payments.WithLogger(deps.log.With().Str("component", "payments").Logger())}
		if deps.publisher != nil {
			paymentOpts = append(paymentOpts, payments.WithPublisher(deps.publisher))
		}
		b.payments = payments.NewService(paymentOpts...)
		b.reserves = reserve.NewService(reserve.WithLogger(deps.log.With().Str("component", "reserve").Logger()))
		participants = orders.Participants{Payments: b.payments, Reserves: b.reserves, Warehouse: b.reserves}
	}
	participants = deps.reliability.Wrap(participants)

	b.orders = orders.NewService(store, tx, participants.Payments, participants.Reserves, participants.Warehouse,
		orders.WithLogger(deps.log.With().Str("component", "orders").Logger()),
		orders.WithStepLog(observability.NewStepLog(deps.metrics, steps)),
		orders.WithNotifier(deps.notifier),
	)
	return b, nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("DATABASE_URL: %w", err)
	}
	if cfg.MaxConns != nil {
		poolCfg.MaxConns = int32(*cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func dialParticipant(addr string) (*grpcpkg.ClientConn, error) {
	if addr == "" {
		return nil, errors.New("empty address")
	}
	return grpcpkg.NewClient(addr,
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
		grpc.CallOptions(),
	)
}
