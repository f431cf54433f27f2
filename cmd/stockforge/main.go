package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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
	balanceCache := cache.NewBalanceCache(redisClient, cfg.BalanceCacheTTL)

	catalogRepo := catalog.NewRepository(pool)
	catalogService := catalog.NewService(catalogRepo, auditLogger)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, logger)

	batchRepo := batch.NewRepository(pool)
	batchService := batch.NewService(batchRepo, logger).WithAttention(attentionStore)

	procurementRepo := procurement.NewRepository(pool)
	procurementService := procurement.NewService(
		procurementRepo, batchService, ledgerService,
		idempotencyStore, attentionStore, auditLogger, logger)

	salesRepo := sales.NewRepository(pool)
	salesService := sales.NewService(salesRepo, catalogService, auditLogger, logger)

	locker := dayclose.NewRedisLocker(redislock.New(redisClient))
	daycloseRepo := dayclose.NewRepository(pool)
	daycloseService := dayclose.NewService(
		daycloseRepo, ledgerService, catalogService, locker,
		attentionStore, auditLogger, logger, cfg.DayCloseLockTTL).
		WithBalances(balanceCache)

	coordinator := recon.NewCoordinator(
		procurementService, salesService, daycloseService,
		catalogService, ledgerService, batchService, logger).
		WithBalances(balanceCache)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		CatalogHandler:     catalog.NewHandler(logger, catalogService),
		LedgerHandler:      ledger.NewHandler(logger, ledgerService, balanceCache),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		SalesHandler:       sales.NewHandler(logger, salesService),
		DayCloseHandler:    dayclose.NewHandler(logger, coordinator, daycloseService),
		ReconHandler:       recon.NewHandler(logger, coordinator, attentionStore),
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
