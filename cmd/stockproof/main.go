package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/anomaly"
	"github.com/stockproof/stockproof/internal/app"
	"github.com/stockproof/stockproof/internal/costing"
	"github.com/stockproof/stockproof/internal/ledger"
	"github.com/stockproof/stockproof/internal/observability"
	"github.com/stockproof/stockproof/internal/platform/cache"
	"github.com/stockproof/stockproof/internal/platform/db"
	"github.com/stockproof/stockproof/internal/recon"
	"github.com/stockproof/stockproof/internal/shared"
	"github.com/stockproof/stockproof/jobs"
)

// deliveryQueue bridges the costing engine's enqueue boundary onto the
// shared jobs client. The deliver job sweeps undelivered postings oldest
// first, so the posting id itself need not travel with the task.
type deliveryQueue struct {
	client *jobs.Client
	batch  int
}

func (q deliveryQueue) EnqueueDelivery(ctx context.Context, _ string) error {
	_, err := q.client.EnqueuePostingDeliver(ctx, jobs.PostingDeliverPayload{Limit: q.batch})
	return err
}

func mustDecimal(logger *slog.Logger, name, raw string) decimal.Decimal {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		logger.Error("parse config decimal", slog.String("name", name), slog.Any("error", err))
		os.Exit(1)
	}
	return value
}

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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, ledger.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
		LockShards:         cfg.LockShards,
	})
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	costingRepo := costing.NewRepository(pool)
	engine := costing.NewEngine(ledgerService, costingRepo, costingRepo,
		deliveryQueue{client: jobClient, batch: cfg.DeliverBatch},
		logger, costing.EngineConfig{DefaultMethod: ledger.CostingMethod(cfg.DefaultCostingMethod)})
	costingHandler := costing.NewHandler(logger, engine, costingRepo)

	reconRepo := recon.NewRepository(pool)
	reconService := recon.NewService(reconRepo, ledgerService, engine, engine, logger, recon.ServiceConfig{
		Tolerance: recon.Tolerance{
			Absolute: mustDecimal(logger, "RECON_TOLERANCE_ABS", cfg.ReconToleranceAbs),
			Percent:  mustDecimal(logger, "RECON_TOLERANCE_PCT", cfg.ReconTolerancePct),
		},
		AutoAdjustMax: mustDecimal(logger, "RECON_AUTO_ADJUST_MAX", cfg.ReconAutoAdjustMax),
	})
	reconHandler := recon.NewHandler(logger, reconService, jobClient)

	priceFeed := anomaly.NewRedisPriceFeed(redisClient)
	anomalyRepo := anomaly.NewRepository(pool)
	anomalyService := anomaly.NewService(anomalyRepo, ledgerService, engine, engine, reconService, priceFeed, logger, anomaly.ServiceConfig{
		Margin: anomaly.MarginConfig{
			WindowSize: cfg.MarginWindow,
			ZThreshold: cfg.MarginZThreshold,
			MinSamples: cfg.MarginMinSamples,
		},
		Shrinkage:  anomaly.ShrinkageConfig{Periods: cfg.ShrinkagePeriods},
		ScanShards: cfg.ScanShards,
	})
	anomalyHandler := anomaly.NewHandler(logger, anomalyService, jobClient)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		LedgerHandler:  ledgerHandler,
		CostingHandler: costingHandler,
		ReconHandler:   reconHandler,
		AnomalyHandler: anomalyHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
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
