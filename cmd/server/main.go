package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-ingest-service/internal/broker"
	"chat-ingest-service/internal/config"
	"chat-ingest-service/internal/metrics"
	"chat-ingest-service/internal/notify"
	"chat-ingest-service/internal/platform"
	"chat-ingest-service/internal/repository/postgresql"
	"chat-ingest-service/internal/service"
	httptransport "chat-ingest-service/internal/transport/http"
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

	// DI: everything constructed once here, no package-level singletons.
	counters := &metrics.Metrics{}
	jobRepo := postgresql.NewJobRepository(pool)
	eventRepo := postgresql.NewEventRepository(pool)
	msgRepo := postgresql.NewMessageRepository(pool)

	q := broker.New(rdb, cfg.RedisNS, service.Queues(), cfg.JobBackoffBase, logger)
	ingestSvc := service.NewIngestService(jobRepo, eventRepo, msgRepo, q, cfg.JobMaxAttempts, logger)

	messenger := platform.NewClient(cfg.PlatformAPI, cfg.ChannelToken, cfg.PlatformTimeout)
	dispatcher := notify.NewDispatcher(messenger, cfg.ReviewBaseURL, logger, counters)
	callbackSvc := service.NewCallbackService(jobRepo, dispatcher, logger)

	handler := httptransport.NewHandler(
		ingestSvc, callbackSvc,
		cfg.ChannelSecret, cfg.OCRWebhookSecret, cfg.Strict(),
		logger, counters,
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.String("addr", cfg.HTTPAddr),
			zap.Bool("strict_signature", cfg.Strict()),
			zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server", zap.Error(err))
	}
	logger.Info("server stopped")
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
