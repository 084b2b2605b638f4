package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-ingest-service/internal/broker"
	"chat-ingest-service/internal/config"
	"chat-ingest-service/internal/metrics"
	"chat-ingest-service/internal/platform"
	"chat-ingest-service/internal/repository/postgresql"
	"chat-ingest-service/internal/service"
	"chat-ingest-service/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DBTimeout)
	pool, err := postgresql.NewPool(connectCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis", zap.Error(err))
	}

	counters := &metrics.Metrics{}
	jobRepo := postgresql.NewJobRepository(pool)
	eventRepo := postgresql.NewEventRepository(pool)
	msgRepo := postgresql.NewMessageRepository(pool)

	q := broker.New(rdb, cfg.RedisNS, service.Queues(), cfg.JobBackoffBase, logger)
	messenger := platform.NewClient(cfg.PlatformAPI, cfg.ChannelToken, cfg.PlatformTimeout)
	handlers := worker.NewEventHandlers(messenger, msgRepo, logger)

	instance := workerInstance()
	processor := worker.NewProcessor(jobRepo, eventRepo, q, handlers, instance, logger, counters)

	// Broker maintenance: promote due retries, requeue stalled jobs, and
	// re-enqueue jobs whose process died between insert and enqueue.
	c := cron.New()
	mustSchedule(c, "@every 5s", func() {
		if n, err := q.MoveDue(ctx, time.Now(), 200); err != nil {
			logger.Warn("move due retries", zap.Error(err))
		} else if n > 0 {
			logger.Info("promoted delayed retries", zap.Int64("count", n))
		}
	})
	mustSchedule(c, "@every 30s", func() {
		if n, err := q.RequeueStale(ctx, cfg.JobStaleAfter, 100); err != nil {
			logger.Warn("requeue stale", zap.Error(err))
		} else if n > 0 {
			logger.Info("requeued stale jobs", zap.Int64("count", n))
		}
	})
	mustSchedule(c, "@every 1m", func() {
		reconcilePending(ctx, jobRepo, q, logger)
	})
	c.Start()
	defer c.Stop()

	concurrency := map[string]int{
		service.QueueMessage:    cfg.MessageWorkers,
		service.QueueFollow:     cfg.FollowWorkers,
		service.QueueMembership: cfg.MembershipWorkers,
		service.QueueDefault:    cfg.DefaultWorkers,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, queueName := range service.Queues() {
		p := worker.NewPool(q, processor, queueName, concurrency[queueName], logger)
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}

	logger.Info("worker started", zap.String("instance", instance))
	if err := g.Wait(); err != nil {
		logger.Fatal("worker", zap.Error(err))
	}
	logger.Info("worker stopped")
}

// reconcilePending heals the crash window between the job insert and the
// broker enqueue: pending rows past a grace period go back into the broker.
func reconcilePending(ctx context.Context, jobs *postgresql.JobRepository, q *broker.Broker, logger *zap.Logger) {
	stale, err := jobs.ListPendingOlderThan(ctx, 2*time.Minute, 100)
	if err != nil {
		logger.Warn("list pending jobs", zap.Error(err))
		return
	}
	for _, j := range stale {
		// pending rows already known to the broker are just backlogged,
		// not lost; re-pushing them would duplicate the work
		enqueued, err := q.EnqueueIfAbsent(ctx, broker.EnqueueParams{
			JobID:       j.ID.String(),
			Queue:       j.QueueName,
			Priority:    j.Priority,
			MaxAttempts: j.MaxAttempts,
		})
		if err != nil {
			logger.Warn("re-enqueue pending job", zap.String("job_id", j.ID.String()), zap.Error(err))
			continue
		}
		if !enqueued {
			continue
		}
		logger.Info("re-enqueued pending job", zap.String("job_id", j.ID.String()), zap.String("queue", j.QueueName))
	}
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatalf("cron %s: %v", spec, err)
	}
}

func workerInstance() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Production() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return logger
}
