package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"convertd/api"
	"convertd/apperr"
	"convertd/broadcast"
	"convertd/config"
	"convertd/lifecycle"
	"convertd/models"
	"convertd/queue"
	"convertd/services"
	"convertd/store"
	"convertd/upload"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Job-scoped log lines are buffered in Redis for terminal flush.
	base := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(store.NewJobLogHandler(base, redisClient, cfg.JobTTL, cfg.Role))
	slog.SetDefault(logger)

	// Initialize database service
	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbSvc.Close()
	if err := dbSvc.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	jobStore := store.NewJobStore(redisClient, cfg.JobTTL, dbSvc, logger)
	s3Svc := services.NewS3Service(cfg)

	queueOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	logger.Info("starting convertd", "role", cfg.Role)

	switch cfg.Role {
	case "worker":
		runWorker(cfg, queueOpt, jobStore, dbSvc, s3Svc, redisClient, logger)
	default:
		runAPI(cfg, queueOpt, jobStore, dbSvc, s3Svc, redisClient, logger)
	}

	redisClient.Close()
	logger.Info("convertd stopped")
}

func runAPI(cfg *config.Config, queueOpt asynq.RedisClientOpt, jobStore *store.JobStore, dbSvc *services.DatabaseService, s3Svc *services.S3Service, redisClient *redis.Client, logger *slog.Logger) {
	registry := broadcast.NewRegistry()
	publisher := broadcast.NewFanoutPublisher(
		broadcast.NewLocalPublisher(registry),
		broadcast.NewRedisPublisher(redisClient),
	)
	hub := broadcast.NewHub(jobStore, dbSvc, s3Svc, publisher, cfg.DownloadURLExpiry, logger)
	machine := lifecycle.NewStateMachine(jobStore, hub, logger)

	dispatcher := queue.NewDispatcher(queueOpt)
	defer dispatcher.Close()

	guard := store.NewCancellationGuard(redisClient, cfg.CancellationLockTTL)
	coordinator := upload.NewCoordinator(jobStore, s3Svc, machine, dispatcher, hub, cfg, logger)

	// Disconnect-driven abandonment: the last subscriber leaving a job
	// topic arms the grace timer, a resubscribe disarms it.
	scheduler := broadcast.NewAbandonScheduler(cfg.AbandonGracePeriod)
	scheduler.OnAbandon = func(jobID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec, err := jobStore.Get(ctx, jobID)
		if err != nil {
			if !apperr.Is(err, apperr.KindNotFound) {
				logger.Warn("abandonment check failed", "job_id", jobID, "error", err)
			}
			return
		}
		if rec.Status.IsTerminal() {
			return
		}

		if _, err := machine.ChangeStatus(ctx, jobID, models.StatusAbandoned, lifecycle.Options{}); err != nil {
			logger.Warn("abandon transition failed", "job_id", jobID, "error", err)
			return
		}
		if rec.TaskID != "" {
			if err := dispatcher.Revoke(rec.TaskID); err != nil {
				logger.Info("abandoned task revoke failed", "job_id", jobID, "error", err)
			}
		}
		logger.Info("job abandoned after grace period", "job_id", jobID)
	}
	defer scheduler.Stop()

	registry.OnTopicEmpty = func(topic string) {
		if jobID, ok := strings.CutPrefix(topic, "job:"); ok {
			scheduler.Schedule(jobID)
		}
	}
	registry.OnTopicActive = func(topic string) {
		if jobID, ok := strings.CutPrefix(topic, "job:"); ok {
			scheduler.Cancel(jobID)
		}
	}

	// Relay worker-originated updates to connected clients.
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	relay := broadcast.NewRelay(redisClient, registry, logger)
	go func() {
		if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			logger.Error("broadcast relay stopped", "error", err)
		}
	}()

	server := api.NewServer(cfg, jobStore, guard, machine, coordinator, hub, registry, dispatcher, s3Svc, dbSvc, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	waitForSignal()
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
}

func runWorker(cfg *config.Config, queueOpt asynq.RedisClientOpt, jobStore *store.JobStore, dbSvc *services.DatabaseService, s3Svc *services.S3Service, redisClient *redis.Client, logger *slog.Logger) {
	// Worker updates travel over Redis pub/sub to whichever api process
	// holds the client connection.
	hub := broadcast.NewHub(jobStore, dbSvc, s3Svc, broadcast.NewRedisPublisher(redisClient), cfg.DownloadURLExpiry, logger)
	machine := lifecycle.NewStateMachine(jobStore, hub, logger)

	converter := services.NewConverterService(cfg.ConverterURL)
	estimator := services.NewHeuristicEstimator()

	processor := queue.NewProcessor(
		jobStore,
		machine,
		s3Svc,
		converter,
		estimator,
		time.Duration(cfg.ConversionTimeout)*time.Second,
		logger,
	)

	server := queue.NewWorkerServer(queueOpt, cfg.WorkerConcurrency)

	go func() {
		logger.Info("worker started", "concurrency", cfg.WorkerConcurrency, "converter", cfg.ConverterURL)
		if err := server.Run(processor.Mux()); err != nil && err != asynq.ErrServerClosed {
			log.Fatalf("Worker server failed: %v", err)
		}
	}()

	waitForSignal()
	logger.Info("shutdown signal received, stopping workers")
	server.Shutdown()
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}
