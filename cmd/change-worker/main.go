package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-student-changes/internal/repository"
	"github.com/noah-isme/sma-student-changes/internal/service"
	"github.com/noah-isme/sma-student-changes/pkg/cache"
	"github.com/noah-isme/sma-student-changes/pkg/config"
	"github.com/noah-isme/sma-student-changes/pkg/database"
	"github.com/noah-isme/sma-student-changes/pkg/jobs"
	"github.com/noah-isme/sma-student-changes/pkg/logger"
	"github.com/noah-isme/sma-student-changes/pkg/messaging"
)

func main() {
	once := flag.Bool("once", false, "effect every due change request once and exit")
	metricsAddr := flag.String("metrics-addr", ":9091", "address for the worker metrics endpoint, empty to disable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	metrics := service.NewMetricsService()
	changeSvc := service.NewStudentChangeService(
		repository.NewStudentChangeRepository(db),
		service.NewSQLChangeTransactor(db).WithObserver(metrics),
		repository.NewAuditRepository(db),
		logr,
		service.WithChangeEventTopic(cfg.Kafka.ChangeTopic),
		service.WithTransitionRecorder(metrics),
	)

	if *once {
		n, err := changeSvc.EffectDue(ctx, cfg.Changes.DueSweepBatch, service.SystemActorID)
		if err != nil {
			logr.Fatal("effect due change requests", zap.Int("effected", n), zap.Error(err))
		}
		logr.Info("due change requests effected", zap.Int("effected", n))
		return
	}

	var sweeper *service.DueChangeSweeper
	queue := jobs.NewQueue("student-change-effects", func(ctx context.Context, job jobs.Job) error {
		return sweeper.HandleEffectJob(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Changes.WorkerConcurrency,
		MaxRetries: cfg.Changes.WorkerRetries,
		RetryDelay: 5 * time.Second,
		Logger:     logr,
		OnDone: func(job jobs.Job, outcome string) {
			metrics.RecordEffectJob(outcome)
		},
	})

	sweepCfg := service.DueSweeperConfig{
		Schedule:  cfg.Changes.DueSweepSchedule,
		BatchSize: cfg.Changes.DueSweepBatch,
		LockTTL:   cfg.Changes.DueSweepLockTTL,
	}
	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, sweeping without a distributed lock", zap.Error(err))
		sweeper = service.NewDueChangeSweeper(changeSvc, nil, queue, metrics, sweepCfg, logr)
	} else {
		defer redisClient.Close()
		sweeper = service.NewDueChangeSweeper(changeSvc, cache.NewLocker(redisClient, "student-changes:lock:"), queue, metrics, sweepCfg, logr)
	}

	g, gctx := errgroup.WithContext(ctx)

	queue.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		queue.Stop()
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	writer, err := messaging.NewWriter(cfg.Kafka)
	if err != nil {
		logr.Warn("kafka not configured, outbox relay disabled", zap.Error(err))
	} else {
		publisher := messaging.NewPublisher(writer)
		defer publisher.Close()
		relay := service.NewOutboxRelay(repository.NewOutboxRepository(db), publisher, metrics, cfg.Kafka.OutboxPollInterval, cfg.Kafka.OutboxBatchSize, logr)
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logr.Info("change worker started", zap.String("schedule", sweepCfg.Schedule))
	if err := g.Wait(); err != nil {
		logr.Error("change worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logr.Info("change worker stopped")
}
