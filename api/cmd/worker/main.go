package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/metrics"
	"kaapeh-copiloto/api/internal/outbox"
	"kaapeh-copiloto/api/internal/repos"
	"kaapeh-copiloto/api/internal/snapshots"
	"kaapeh-copiloto/shared/config"
	"kaapeh-copiloto/shared/dbx"
	"kaapeh-copiloto/shared/influxx"
	"kaapeh-copiloto/shared/lockx"
	"kaapeh-copiloto/shared/logx"
	"kaapeh-copiloto/shared/metricsx"
	"kaapeh-copiloto/shared/mqx"
	"kaapeh-copiloto/shared/observability"
)

const (
	taskOutboxScan     = "outbox.scan"
	taskOutboxDispatch = "outbox.dispatch"
	taskSnapshot       = "metrics.snapshot"

	snapshotLockKey = "copiloto:lock:metrics-snapshot"
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

// asynqEnqueuer puts one dispatch task per claimed outbox row on the queue.
type asynqEnqueuer struct {
	client *asynq.Client
	queue  string
}

func (q asynqEnqueuer) EnqueueDispatch(ctx context.Context, eventID uuid.UUID) error {
	payload, err := json.Marshal(dispatchPayload{EventID: eventID.String()})
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(q.queue)))
	return err
}

func main() {
	cfg, problems := config.Load("copiloto-worker", 8083)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.OutboxEnabled && len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when OUTBOX_ENABLED is set"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	lockClient := redis.NewClient(&redis.Options{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	})
	defer lockClient.Close()

	statsRepo := repos.NewStatsRepo(dbPool)
	aggregator := metrics.NewAggregator(statsRepo, cfg.MetricsWindowDays)
	snapshotSvc := snapshots.NewService(aggregator, repos.NewSnapshotsRepo(dbPool), logger, cfg.OutboxEnabled)
	if cfg.InfluxEnabled() {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "time-series export disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			snapshotSvc.WithExporter(snapshots.InfluxExporter{
				Writer: influx,
				Env:    cfg.Env,
				Trends: analytics.NewService(statsRepo, logger),
			})
		}
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskSnapshot, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := observability.Tracer("asynq").Start(ctx, taskSnapshot)
		defer span.End()
		ttl := time.Duration(cfg.SnapshotInterval) * time.Second / 2
		err := lockx.WithLock(ctx, lockClient, snapshotLockKey, ttl, func(ctx context.Context) error {
			_, err := snapshotSvc.Take(ctx, 0)
			return err
		})
		if errors.Is(err, lockx.ErrNotAcquired) {
			logger.Info(ctx, "snapshot_skipped", "another worker holds the snapshot lock")
			return nil
		}
		return err
	})

	var enqueueClient *asynq.Client
	if cfg.OutboxEnabled {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer producer.Close()

		enqueueClient = asynq.NewClient(redisOpt)
		defer enqueueClient.Close()

		dispatcher := &outbox.Dispatcher{
			Store:       repos.NewOutboxRepo(dbPool),
			Publisher:   producer,
			Logger:      logger,
			Owner:       cfg.ServiceName,
			BatchSize:   cfg.OutboxBatchSize,
			MaxAttempts: cfg.OutboxMaxAttempts,
		}
		mux.HandleFunc(taskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
			_, err := dispatcher.Scan(ctx, asynqEnqueuer{client: enqueueClient, queue: cfg.AsynqQueue})
			return err
		})
		mux.HandleFunc(taskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
			ctx, span := observability.Tracer("asynq").Start(ctx, taskOutboxDispatch)
			span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
			defer span.End()
			var payload dispatchPayload
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return err
			}
			eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
			if err != nil {
				return err
			}
			return dispatcher.Dispatch(ctx, eventID)
		})
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	schedule := map[string]string{
		taskSnapshot: "@every " + strconv.Itoa(cfg.SnapshotInterval) + "s",
	}
	if cfg.OutboxEnabled {
		schedule[taskOutboxScan] = "@every " + strconv.Itoa(cfg.OutboxScanSec) + "s"
	}
	for taskType, every := range schedule {
		if _, err := scheduler.Register(every, asynq.NewTask(taskType, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("task", taskType),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("snapshot_interval_s", cfg.SnapshotInterval),
			slog.Bool("outbox_enabled", cfg.OutboxEnabled),
			slog.Bool("influx_enabled", cfg.InfluxEnabled()),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "worker stopped")
}
