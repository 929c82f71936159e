package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/swifttrack/platform/internal/config"
	"github.com/swifttrack/platform/internal/repository/postgres"
	"github.com/swifttrack/platform/pkg/backoff"
	"github.com/swifttrack/platform/pkg/logger"
	"github.com/swifttrack/platform/pkg/messaging"
	"github.com/swifttrack/platform/pkg/messaging/rabbitmq"
	"github.com/swifttrack/platform/pkg/messaging/redis"
	"github.com/swifttrack/platform/pkg/metrics"
	"github.com/swifttrack/platform/pkg/worker"
)

func main() {
	// Missing .env is fine outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := logger.NewLogger(&logger.Config{
		Level:      level,
		TimeFormat: time.RFC3339,
		Console:    cfg.Logger.Console,
	}).WithFields(map[string]interface{}{"service": "relay"})

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	m := metrics.New("swifttrack", "relay", prometheus.DefaultRegisterer)

	retry := backoff.Policy{
		Base: time.Duration(cfg.Relay.RetryBaseSeconds) * time.Second,
		Cap:  time.Duration(cfg.Relay.RetryCapSeconds) * time.Second,
	}
	base := postgres.NewBaseRepository(db, log)
	outboxRepo := postgres.NewOutboxRepository(base,
		time.Duration(cfg.Relay.LeaseTTLSeconds)*time.Second, retry)

	bus, err := newMessageBus(cfg.Broker, log, m)
	if err != nil {
		log.Fatal(err, "failed to create message bus")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Connect(ctx); err != nil {
		log.Fatal(err, "failed to connect to broker")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := bus.Disconnect(shutdownCtx); err != nil {
			log.Error(err, "broker disconnect failed")
		}
	}()

	if err := messaging.DeclareTopology(ctx, bus); err != nil {
		log.Fatal(err, "failed to declare topology")
	}

	relay := worker.NewRelay(outboxRepo, bus, worker.RelayConfig{
		PollInterval: time.Duration(cfg.Relay.PollIntervalSeconds) * time.Second,
		BatchSize:    cfg.Relay.BatchSize,
		MaxRetries:   cfg.Relay.MaxRetries,
		Partition:    cfg.Relay.Partition,
		Partitions:   cfg.Relay.Partitions,
		PublishRate:  cfg.Relay.PublishRatePerSecond,
	}, log, m)

	retention := worker.NewRetentionJob(outboxRepo,
		time.Duration(cfg.Relay.RetentionDays)*24*time.Hour,
		cfg.Relay.RetentionSchedule, log)
	if err := retention.Start(); err != nil {
		log.Fatal(err, "failed to start retention job")
	}
	defer retention.Stop()

	startServer(cfg.Server.Port, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	relay.Start(ctx)
}

func newMessageBus(cfg config.BrokerConfig, log *logger.Logger, m *metrics.Metrics) (messaging.MessageBus, error) {
	switch cfg.Type {
	case "rabbitmq":
		return rabbitmq.New(rabbitmq.Config{
			URL:            cfg.URL,
			ConfirmTimeout: time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second,
			ReconnectBase:  time.Duration(cfg.ReconnectBaseSeconds) * time.Second,
			ReconnectCap:   time.Duration(cfg.ReconnectCapSeconds) * time.Second,
			Prefetch:       cfg.Prefetch,
		}, log, rabbitmq.WithMetrics(m)), nil
	case "redis":
		return redis.New(redis.Config{URL: cfg.RedisURL}, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
	}
}

// startServer exposes liveness, readiness and metrics endpoints.
func startServer(port int, log *logger.Logger) {
	if port <= 0 {
		port = 8081
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			log.Fatal(err, "health server failed")
		}
	}()
}
