package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/stockforge/stockforge/internal/app"
	"github.com/stockforge/stockforge/internal/batch"
	"github.com/stockforge/stockforge/internal/catalog"
	"github.com/stockforge/stockforge/internal/dayclose"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/platform/cache"
	"github.com/stockforge/stockforge/internal/platform/db"
	"github.com/stockforge/stockforge/internal/procurement"
	"github.com/stockforge/stockforge/internal/recon"
	"github.com/stockforge/stockforge/internal/sales"
	"github.com/stockforge/stockforge/internal/shared"
	"github.com/stockforge/stockforge/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{
		MaxConns:    cfg.PGMaxConns,
		MaxConnIdle: cfg.PGConnIdle,
	})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis connect", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	attentionStore := shared.NewAttentionStore(pool)

	catalogService := catalog.NewService(catalog.NewRepository(pool), auditLogger)
	ledgerService := ledger.NewService(ledger.NewRepository(pool), logger)
	batchService := batch.NewService(batch.NewRepository(pool), logger).WithAttention(attentionStore)

	procurementService := procurement.NewService(
		procurement.NewRepository(pool), batchService, ledgerService,
		idempotencyStore, attentionStore, auditLogger, logger)
	salesService := sales.NewService(sales.NewRepository(pool), catalogService, auditLogger, logger)

	balanceCache := cache.NewBalanceCache(redisClient, cfg.BalanceCacheTTL)

	locker := dayclose.NewRedisLocker(redislock.New(redisClient))
	daycloseService := dayclose.NewService(
		dayclose.NewRepository(pool), ledgerService, catalogService, locker,
		attentionStore, auditLogger, logger, cfg.DayCloseLockTTL).
		WithBalances(balanceCache)

	coordinator := recon.NewCoordinator(
		procurementService, salesService, daycloseService,
		catalogService, ledgerService, batchService, logger).
		WithBalances(balanceCache)

	dayCloseTask, err := jobs.NewDayCloseTask(jobs.DayClosePayload{})
	if err != nil {
		logger.Error("build day close task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDayClose, Handler: jobs.NewDayCloseHandler(coordinator, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(idempotencyStore, cfg.IdempotencyRetention, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.DayCloseCron, Task: dayCloseTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 2 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(2)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
