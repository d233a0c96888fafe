package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creativeflow/cmd/server/config"
	grpcadapter "creativeflow/internal/adapters/grpc"
	"creativeflow/internal/generation"
	"creativeflow/internal/messaging"
	"creativeflow/internal/notify"
	"creativeflow/internal/observability"
	"creativeflow/internal/realtime"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		bootLog := observability.NewLogger("info", false)
		bootLog.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context) error {
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	log := observability.NewLogger(obsCfg.LogLevel, obsCfg.LogPretty)

	otelCfg, err := config.LoadOTel()
	if err != nil {
		return err
	}
	shutdownOTel, err := observability.SetupOTel(ctx, otelCfg, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	orchCfg, err := config.LoadOrchestrator()
	if err != nil {
		return err
	}
	relCfg, err := generation.LoadReliabilityConfigFromEnv()
	if err != nil {
		return err
	}

	store, err := buildPersistence(ctx, log)
	if err != nil {
		return err
	}
	defer store.cleanup()

	credits, err := buildLedger(store.ledger, log)
	if err != nil {
		return err
	}

	mq, err := buildBroker(log)
	if err != nil {
		return err
	}
	defer mq.cleanup()

	redisNotifier, closeRedis, err := buildRedisNotifier(ctx, log)
	if err != nil {
		return err
	}
	defer closeRedis()

	metrics := observability.NewMetrics()
	hub := realtime.NewHub(log.With().Str("component", "realtime").Logger())
	orch := buildOrchestrator(store.store, credits, mq.publisher, hub, redisNotifier, orchCfg, relCfg, metrics, log)

	limiter := generation.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	limiter.OnWait = metrics.AddRateLimitWait
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(unaryInterceptor(limiter, metrics, log)),
		grpcpkg.StreamInterceptor(streamInterceptor(limiter, metrics, log)),
	)
	grpcadapter.Register(server, grpcadapter.NewGenerationServer(orch))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	setServing(healthServer, healthpb.HealthCheckResponse_SERVING)
	if grpcCfg.Reflection {
		reflection.Register(server)
		log.Info().Msg("gRPC reflection enabled")
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	obsSrv := &http.Server{
		Addr:              obsCfg.Addr,
		Handler:           observability.NewMux(metrics, map[string]http.Handler{"/ws": hub}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	consumer := messaging.NewCallbackConsumer(mq.consumeCh, mq.consumer, orch,
		log.With().Str("component", "callback_consumer").Logger())
	sweeper := generation.NewSettlementSweeper(store.store, orch, orchCfg.SweepInterval, orchCfg.SweepBatch)

	log.Info().
		Str("grpc_addr", grpcCfg.Addr).
		Str("obs_addr", obsCfg.Addr).
		Bool("durable", store.durable).
		Bool("redis", redisNotifier != nil).
		Msg("generation orchestrator starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpcpkg.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		setServing(healthServer, healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildOrchestrator wraps the ledger and publisher in their own guards and fans
// notifications out to websockets and, when configured, Redis.
func buildOrchestrator(
	store generation.RequestStore,
	credits generation.CreditLedger,
	publisher *messaging.Publisher,
	hub *realtime.Hub,
	redisNotifier *notify.RedisNotifier,
	cfg config.OrchestratorConfig,
	rel generation.ReliabilityConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *generation.Orchestrator {
	dispatchers := []generation.NotificationDispatcher{hub}
	if redisNotifier != nil {
		dispatchers = append(dispatchers, redisNotifier)
	}
	return generation.NewOrchestrator(
		store,
		generation.NewReliableLedger(credits, generation.NewGuard(rel)),
		generation.NewReliablePublisher(publisher, generation.NewGuard(rel)),
		notify.NewFanout(dispatchers...),
		cfg.Generation,
		generation.WithEventPublisher(publisher),
		generation.WithObserver(metrics),
		generation.WithLogger(log.With().Str("component", "orchestrator").Logger()),
	)
}

func setServing(h *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus(grpcadapter.ServiceName, status)
	h.SetServingStatus("", status)
}
