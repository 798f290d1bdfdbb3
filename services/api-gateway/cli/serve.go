package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-protocol/internal/cliutil"
	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
	"github.com/ramiqadoumi/go-task-protocol/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-protocol/internal/redis"
	"github.com/ramiqadoumi/go-task-protocol/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-protocol/services/api-gateway/config"
	"github.com/ramiqadoumi/go-task-protocol/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-task-protocol/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.Int64("max-body-bytes", 1<<20, "request body limit in bytes")
	f.Duration("revoke-ttl", redisstore.DefaultRevokeTTL, "how long a revoked task id is remembered")
	f.Int("protocol-version", 2, "protocol version of published messages (1 or 2)")
	f.String("content-type", codec.ContentTypeJSON, "body serialization of published messages")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of root traces sampled")

	for key, flag := range map[string]string{
		"http_port":         "http-port",
		"metrics_addr":      "metrics-addr",
		"kafka_brokers":     "kafka-brokers",
		"redis_addr":        "redis-addr",
		"max_body_bytes":    "max-body-bytes",
		"revoke_ttl":        "revoke-ttl",
		"protocol_version":  "protocol-version",
		"content_type":      "content-type",
		"otel_endpoint":     "otel-endpoint",
		"otel_sample_ratio": "otel-sample-ratio",
	} {
		cliutil.BindFlag(key, f, flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cliutil.BuildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	cfg.Protocol.Origin = serviceName + "-" + uuid.New().String()[:8]
	encoder, err := cfg.Protocol.NewEncoder(codec.NewDefaultRegistry())
	if err != nil {
		return err
	}

	producer := kafka.NewProducer(cliutil.SplitList(cfg.KafkaBrokers))
	defer func() { _ = producer.Close() }()
	broker := kafka.NewBroker(producer, encoder, kafka.StaticRouter(kafka.TopicPending))

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	redisReady := func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	pgReady := func(ctx context.Context) error { return pool.Ping(ctx) }

	rest := handler.NewREST(broker, redisstore.NewStateStore(redisClient), postgres.NewRepository(pool),
		handler.WithLogger(logger),
		handler.WithRevoker(redisstore.NewRevokedSet(redisClient, cfg.RevokeTTL), producer),
		handler.WithReadyChecks(redisReady, pgReady),
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	rest.Routes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, redisReady, pgReady)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api-gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
		logger.Info("shutting down...")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
