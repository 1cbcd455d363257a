// Command participants hosts the in-memory Payment and Reserve participants
// over gRPC for local deployments and demos.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

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
	"fulfillment/internal/payments"
	"fulfillment/internal/reserve"
)

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
	log := zerolog.New(os.Stderr).Level(app.LogLevel).With().Timestamp().Str("service", "participants").Logger()
	if err := run(ctx, app, log); err != nil {
		log.Fatal().Err(err).Msg("participants error")
	}
}

func run(ctx context.Context, app config.AppConfig, log zerolog.Logger) error {
	grpcCfg, err := config.LoadGRPC("PARTICIPANTS_ADDR", ":50052")
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}

	paymentOpts := []payments.Option{payments.WithLogger(log.With().Str("component", "payments").Logger())}
	if kafkaCfg.Enabled() {
		producer := events.NewProducer(kafkaCfg.Brokers, kafkaCfg.AccountTopic, log.With().Str("component", "producer").Logger())
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error().Err(err).Msg("close producer")
			}
		}()
		paymentOpts = append(paymentOpts, payments.WithPublisher(producer))
	} else {
		log.Warn().Msg("KAFKA_BROKERS not set, account balances are not published")
	}
	paymentSvc := payments.NewService(paymentOpts...)
	reserveSvc := reserve.NewService(reserve.WithLogger(log.With().Str("component", "reserve").Logger()))

	server := grpcpkg.NewServer()
	grpc.RegisterPaymentServer(server, paymentSvc)
	grpc.RegisterReserveServer(server, reserveSvc)
	grpc.RegisterTwoPhaseCommitServer(server, preparedSet{paymentSvc, reserveSvc})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	for _, name := range []string{grpc.PaymentServiceName, grpc.ReserveServiceName, grpc.TwoPhaseCommitServiceName, ""} {
		healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	if !app.Production() {
		reflection.Register(server)
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", grpcCfg.Addr).Msg("participants listening")
		return server.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		server.GracefulStop()
		return nil
	})
	return g.Wait()
}
