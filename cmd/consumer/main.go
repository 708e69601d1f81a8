package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/agentlens-ingest/internal/adapter/api"
	"github.com/V4T54L/agentlens-ingest/internal/adapter/api/handler"
	"github.com/V4T54L/agentlens-ingest/internal/adapter/metrics"
	"github.com/V4T54L/agentlens-ingest/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/agentlens-ingest/internal/adapter/repository/redis"
	"github.com/V4T54L/agentlens-ingest/internal/adapter/repository/wal"
	"github.com/V4T54L/agentlens-ingest/internal/pkg/config"
	"github.com/V4T54L/agentlens-ingest/internal/pkg/logger"
	"github.com/V4T54L/agentlens-ingest/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("event writer exited", "error", err)
		os.Exit(1)
	}
	log.Info("event writer shut down gracefully")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prices, err := config.LoadPriceTable(cfg.PriceTablePath)
	if err != nil {
		return err
	}

	redisOpts, err := redisrepo.ClientOptions(cfg.RedisAddr)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("connected to redis", "addr", redisOpts.Addr, "db", redisOpts.DB)

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	log.Info("connected to postgres")

	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, db); err != nil {
			return err
		}
		log.Info("schema migrations applied")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	writerMetrics := metrics.NewWriterMetrics(reg)

	spill, err := wal.NewSpillLog(cfg.DLQSpillPath, cfg.DLQSpillSegmentBytes, cfg.DLQSpillMaxBytes, log)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter spill: %w", err)
	}
	defer spill.Close()

	dlq := redisrepo.NewDeadLetterSink(redisClient, log, redisrepo.DeadLetterSinkConfig{
		Stream:         cfg.DLQStream,
		SourceStream:   cfg.EventStream,
		AppendAttempts: cfg.DLQAppendAttempts,
		AppendBackoff:  cfg.DLQAppendBackoff,
		ReplayRate:     cfg.DLQReplayRate,
	}, spill, writerMetrics)
	go dlq.StartSpillReplayer(ctx, cfg.DLQReplayInterval)

	queue, err := redisrepo.NewEventQueue(ctx, redisClient, log, cfg.EventStream, cfg.ConsumerGroup)
	if err != nil {
		return err
	}

	consumerName := cfg.ConsumerName
	if consumerName == "" {
		consumerName = defaultConsumerName()
	}
	writerCfg := usecase.DefaultWriterConfig(cfg.ConsumerGroup, consumerName)
	writerCfg.BatchSize = cfg.BatchSize
	writerCfg.Block = cfg.Block()
	writerCfg.MaxRetries = cfg.MaxRetries
	writerCfg.RetryBackoff = cfg.RetryBackoff
	writerCfg.ClaimMaxFailures = cfg.ClaimMaxFailures
	writerCfg.ClaimRetryBackoff = cfg.ClaimRetryBackoff

	writer, err := usecase.NewProcessEventsUseCase(queue, dlq, postgres.NewEventStore(db, log), log, writerMetrics, writerCfg, prices)
	if err != nil {
		return err
	}

	admin := usecase.NewAdminStreamUseCase(redisrepo.NewAdminRepository(redisClient, log, cfg.EventStream, cfg.DLQStream))
	statsStream := handler.NewStatsBroker(ctx, writer, time.Second, log)
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           api.NewAdminRouter(admin, writer, statsStream, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("admin server listening", "addr", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", "error", err)
		}
	}()

	runErr := writer.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown", "error", err)
	}
	return runErr
}

// defaultConsumerName is the hostname, so a restarted writer picks up its
// own pending entries. Without a hostname the name is random and pending
// entries must be claimed through the admin API.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "event-writer-" + uuid.NewString()[:8]
	}
	return host
}
