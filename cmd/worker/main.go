package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stacktide.app/collector/common/id"
	"stacktide.app/collector/common/logger"
	"stacktide.app/collector/core/config"
	"stacktide.app/collector/core/db"
	"stacktide.app/collector/internal/bus"
	"stacktide.app/collector/internal/cache"
	"stacktide.app/collector/internal/pipeline"
	"stacktide.app/collector/internal/queue"
	"stacktide.app/collector/internal/search"
	"stacktide.app/collector/internal/store"
	"stacktide.app/collector/internal/usage"
	"stacktide.app/collector/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "collector worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer)

	// Different node id than the server so snowflakes never collide.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.EventStream)

	stores := store.NewStores(database.Pool())
	redisCache := cache.NewRedisCache(redisClient)

	// Bot cleanup and geo resolution items go on the work stream; their
	// consumers live outside this service.
	workProducer := queue.NewRedisProducer(redisClient, cfg.Queue.WorkStream, slog.Default())
	defer workProducer.Close()

	limiter := usage.NewLimiter(redisCache, stores.Organizations(), stores.Projects(),
		cfg.Limits.UsageSaveInterval, cfg.Limits.UsageRetryDelay)

	stackStage := pipeline.NewStackStage(stores.Stacks(), nil, cfg.Limits.MaxStackTitleChars)
	pipe := pipeline.New(
		pipeline.NewThrottleStage(redisCache, workProducer, cfg.Limits.BotThrottleWindow, cfg.Limits.BotThrottleLimit),
		pipeline.NewDedupStage(redisCache, cfg.Limits.DedupWindow),
		pipeline.NewSessionStage(redisCache, stores.Events(), stackStage, limiter, cfg.Limits.SessionTimeout),
		stackStage,
		pipeline.NewRegressionStage(stores.Stacks()),
		pipeline.NewSaveStage(stores.Events(), workProducer),
		pipeline.NewNotifyStage(bus.NewRedisPublisher(redisClient, cfg.Queue.NotifyChannel)),
	)

	indexer := search.NewNoopIndexer()
	if cfg.Typesense.Enabled() {
		indexer = search.NewTypesenseIndexer(cfg.Typesense)
		if err := indexer.EnsureCollection(ctx); err != nil {
			slog.WarnContext(ctx, "failed to ensure search collection, continuing without guarantees", "error", err)
		}
		slog.InfoContext(ctx, "search indexing enabled", "collection", cfg.Typesense.Collection)
	}

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.EventStream,
		Group:        cfg.Queue.Group,
		Consumer:     cfg.Queue.Consumer,
		DLQStream:    cfg.Queue.DLQStream,
		BatchSize:    10,
		Block:        5 * time.Second,
		MaxAttempts:  3,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	w := worker.New(consumer, stores, pipe, indexer)

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:    cfg.Queue.EventStream,
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  1 * time.Minute,
		BatchSize: 10,
	}, consumer, w.ProcessMessage)

	errCh := make(chan error, 2)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop reclaimer first (quick), then the worker which may be mid-batch.
	reclaimer.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}
