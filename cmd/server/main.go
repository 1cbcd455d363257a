package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/adapters/grpc"
	"fulfillment/internal/events"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/payments"
	"fulfillment/internal/realtime"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := config.LoadApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(os.Stderr, app, "orders")
	if err := run(ctx, app, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func newLogger(w io.Writer, app config.AppConfig, service string) zerolog.Logger {
	return zerolog.New(w).Level(app.LogLevel).With().
		Timestamp().
		Str("service", service).
		Str("env", app.Env).
		Logger()
}

func run(ctx context.Context, app config.AppConfig, log zerolog.Logger) error {
	grpcCfg, err := config.LoadGRPC("GRPC_ADDR", ":50051")
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	participantsCfg, err := config.LoadParticipants()
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	reliability, err := orders.LoadReliabilityConfig()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	hub := realtime.NewHub(log.With().Str("component", "realtime").Logger())

	var publisher payments.BalancePublisher
	if kafkaCfg.Enabled() && !participantsCfg.Remote() {
		producer := events.NewProducer(kafkaCfg.Brokers, kafkaCfg.AccountTopic, log.With().Str("component", "producer").Logger())
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error().Err(err).Msg("close producer")
			}
		}()
		publisher = producer
	}

	b, err := buildBackend(ctx, buildDeps{
		db:           dbCfg,
		participants: participantsCfg,
		reliability:  reliability,
		publisher:    publisher,
		metrics:      metrics,
		notifier:     hub,
		log:          log,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	var (
		consumer *events.Consumer
		listener *events.BalanceListener
	)
	if kafkaCfg.Enabled() {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			return err
		}
		rdb, closeRedis, err := buildRedis(ctx, redisCfg, log)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer closeRedis()
		b.checks["redis"] = redisCheck(rdb, redisCfg)

		dedup := events.NewDedup(rdb, kafkaCfg.GroupID, redisCfg.DedupTTL)
		listener = events.NewBalanceListener(b.orders, dedup, log.With().Str("component", "balance-listener").Logger())
		consumer = events.NewConsumer(kafkaCfg.Brokers, kafkaCfg.GroupID, kafkaCfg.AccountTopic, kafkaCfg.Workers,
			log.With().Str("component", "consumer").Logger())
	}

	limiter := orders.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.ChainUnaryInterceptor(unaryInterceptor(limiter, metrics, log)),
		grpcpkg.ChainStreamInterceptor(streamInterceptor(limiter, metrics, log)),
	)
	healthServer := registerServices(server, b)
	if !app.Production() {
		reflection.Register(server)
		log.Info().Str("env", app.Env).Msg("gRPC reflection enabled")
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	obsSrv := &http.Server{
		Addr:              obsCfg.Addr,
		Handler:           observability.Router(metrics, b.checks, http.HandlerFunc(hub.ServeWS)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", grpcCfg.Addr).Msg("gRPC server listening")
		return server.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", obsCfg.Addr).Msg("observability server listening")
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx, listener.Handle)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		healthServer.Shutdown()
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return obsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// registerServices registers the order, 2PC and health services, plus the
// participants when they run in-process.
func registerServices(server *grpcpkg.Server, b *backend) *health.Server {
	grpc.RegisterOrderServer(server, b.orders)
	grpc.RegisterTwoPhaseCommitServer(server, b.prepared)
	names := []string{grpc.OrderServiceName, grpc.TwoPhaseCommitServiceName}
	if b.payments != nil {
		grpc.RegisterPaymentServer(server, b.payments)
		grpc.RegisterReserveServer(server, b.reserves)
		names = append(names, grpc.PaymentServiceName, grpc.ReserveServiceName)
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	for _, name := range append(names, "") {
		healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	return healthServer
}
