package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-protocol/internal/cliutil"
	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
	redisstore "github.com/ramiqadoumi/go-task-protocol/internal/redis"
	"github.com/ramiqadoumi/go-task-protocol/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-protocol/services/dispatcher"
	"github.com/ramiqadoumi/go-task-protocol/services/dispatcher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("default-queue", kafka.DefaultQueue, "queue for task names no route matches")
	f.Int("rate-limit", 100, "max tasks per window per task name (0 = disabled)")
	f.Duration("rate-limit-window", time.Second, "rate limit window")
	f.Duration("rate-limit-delay", time.Second, "ETA delay applied to over-limit tasks")
	f.String("timezone", "", "zone for naive v1 timestamps (default: local)")
	f.String("metrics-addr", ":9094", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of root traces sampled")

	for key, flag := range map[string]string{
		"kafka_brokers":     "kafka-brokers",
		"redis_addr":        "redis-addr",
		"default_queue":     "default-queue",
		"rate_limit":        "rate-limit",
		"rate_limit_window": "rate-limit-window",
		"rate_limit_delay":  "rate-limit-delay",
		"timezone":          "timezone",
		"metrics_addr":      "metrics-addr",
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

	routes, err := dispatcher.NewRoutes(cfg.Routes, cfg.DefaultQueue)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	codecs := codec.NewDefaultRegistry()
	decoder, err := cfg.Protocol.NewDecoder(codecs)
	if err != nil {
		return err
	}

	brokers := cliutil.SplitList(cfg.KafkaBrokers)
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: brokers,
		Topic:   kafka.TopicPending,
		GroupID: "dispatcher-group",
	}, logger)
	defer func() { _ = consumer.Close() }()

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewStateStore(redisClient)

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithRoutes(routes),
		dispatcher.WithDecoder(decoder),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, dispatcher.WithRateLimiter(
			redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateLimitWindow),
			cfg.RateLimitDelay,
		))
		logger.Info("rate limiter enabled",
			slog.Int("limit", cfg.RateLimit),
			slog.Duration("window", cfg.RateLimitWindow),
		)
	}

	d := dispatcher.NewDispatcher(consumer, producer, store, codecs, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		cancel()
	}()

	logger.Info("dispatcher starting",
		slog.String("topic", kafka.TopicPending),
		slog.Int("routes", len(cfg.Routes)),
	)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	logger.Info("stopped")
	return nil
}
