package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/punchsync/internal/app"
	"github.com/odyssey-erp/punchsync/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	services, err := app.NewServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("close services", slog.Any("error", err))
		}
	}()

	syncJob := jobs.NewSyncJob(services.Orchestrator, services.Puller, services.Devices, logger, services.JobMetrics)

	pullTask, err := jobs.NewPullTask(time.Now())
	if err != nil {
		logger.Error("build pull task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewReconcileTask(cfg.SyncBulk)
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Location:  cfg.Location(),
		Handlers:  syncJob.Handlers(),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.PullCron, Task: pullTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.SyncCron, Task: reconcileTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	module, _ := cfg.Module()
	ops := &http.Server{
		Addr: cfg.OpsAddr,
		Handler: app.NewRouter(app.RouterParams{
			Logger:     logger,
			Config:     cfg,
			Module:     module.Name,
			Runs:       services.Runs,
			JobHandler: jobs.NewHandler(inspector, logger),
			Checks: map[string]app.Pinger{
				"postgres": app.PingFunc(services.Pool.Ping),
				"redis": app.PingFunc(func(ctx context.Context) error {
					return services.Redis.Ping(ctx).Err()
				}),
			},
			Metrics: services.Metrics,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("ops server listening", slog.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
