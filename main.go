package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	aggapp "meterflow/internal/aggregation/application"
	"meterflow/internal/aggregation/infrastructure/postgres"
	"meterflow/internal/aggregation/store"
	anomalyapp "meterflow/internal/anomaly/application"
	"meterflow/internal/auth"
	"meterflow/internal/config"
	ingestapp "meterflow/internal/ingest/application"
	"meterflow/internal/lifecycle"
	"meterflow/internal/observability/metrics"
	"meterflow/internal/transport/redisstream"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	repo := postgres.NewAggregateRepository(db)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := repo.EnsureSchema(ctx)
		cancel()
		if err != nil {
			logger.Fatalf("schema error: %v", err)
		}
	}

	publisher, err := redisstream.NewPublisher(client, redisstream.WithStream(cfg.Ingest.UpdateStream))
	if err != nil {
		logger.Fatalf("publisher error: %v", err)
	}

	detector, err := anomalyapp.NewDetector(anomalyapp.Config{
		SpikeThreshold: cfg.Anomaly.SpikeThreshold,
		DropThreshold:  cfg.Anomaly.DropThreshold,
		MinSampleSize:  cfg.Anomaly.MinSampleSize,
	}, publisher, logger)
	if err != nil {
		logger.Fatalf("detector error: %v", err)
	}

	windowStore := store.NewStore(cfg.Ingest.ShardCount)
	aggregator, err := aggapp.NewAggregator(windowStore, repo, publisher, aggapp.SystemClock{}, logger, aggapp.Config{
		LateGrace:    cfg.Flush.LateGrace,
		RetryBackoff: cfg.Flush.RetryBackoff,
	})
	if err != nil {
		logger.Fatalf("aggregator error: %v", err)
	}

	consumer, err := redisstream.NewConsumer(client, redisstream.ConsumerConfig{
		StreamPrefix: cfg.Ingest.StreamPrefix,
		Group:        cfg.Ingest.ConsumerGroup,
		ConsumerName: cfg.Ingest.ConsumerName,
		Partitions:   cfg.Ingest.Partitions,
	})
	if err != nil {
		logger.Fatalf("consumer error: %v", err)
	}

	verifier := auth.NewProducerVerifier([]byte(cfg.ProducerSecret))
	if !verifier.Enabled() {
		logger.Printf("producer token verification disabled")
	}

	loop, err := ingestapp.NewLoop(consumer, verifier, detector, aggregator, logger, ingestapp.Config{
		LagInterval: cfg.Ingest.LagInterval,
	})
	if err != nil {
		logger.Fatalf("ingest loop error: %v", err)
	}

	orchestrator, err := lifecycle.NewOrchestrator(lifecycle.Config{
		MinuteFlushInterval:  cfg.Flush.MinuteInterval,
		QuarterFlushInterval: cfg.Flush.QuarterInterval,
		FlushTimeout:         cfg.Shutdown.FlushTimeout,
		StopTimeout:          cfg.Shutdown.StopTimeout,
	}, db, consumer, publisher, loop, detector, aggregator, client.Close, logger)
	if err != nil {
		logger.Fatalf("orchestrator error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Run(ctx); err != nil {
		logger.Fatalf("run error: %v", err)
	}
	logger.Printf("stopped")
}
