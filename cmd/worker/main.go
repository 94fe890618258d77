package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/stockproof/stockproof/internal/alerts"
	"github.com/stockproof/stockproof/internal/anomaly"
	"github.com/stockproof/stockproof/internal/app"
	"github.com/stockproof/stockproof/internal/costing"
	jobmetrics "github.com/stockproof/stockproof/internal/jobs"
	"github.com/stockproof/stockproof/internal/ledger"
	"github.com/stockproof/stockproof/internal/platform/cache"
	"github.com/stockproof/stockproof/internal/platform/db"
	"github.com/stockproof/stockproof/internal/recon"
	"github.com/stockproof/stockproof/internal/shared"
	"github.com/stockproof/stockproof/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
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

	auditLogger := shared.NewAuditLogger(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, ledger.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
		LockShards:         cfg.LockShards,
	})

	costingRepo := costing.NewRepository(pool)
	engine := costing.NewEngine(ledgerService, costingRepo, costingRepo, nil,
		logger, costing.EngineConfig{DefaultMethod: ledger.CostingMethod(cfg.DefaultCostingMethod)})
	erpClient := costing.NewERPClient(cfg.ERPJournalURL, cfg.ERPJournalToken)
	if err := erpClient.Ping(ctx); err != nil {
		logger.Warn("erp journal ping", slog.Any("error", err))
	}
	deliverJob := costing.NewDeliverJob(engine, erpClient, logger)

	tolerance := recon.Tolerance{}
	if tolerance.Absolute, err = decimal.NewFromString(cfg.ReconToleranceAbs); err != nil {
		logger.Error("parse recon tolerance", slog.Any("error", err))
		os.Exit(1)
	}
	if tolerance.Percent, err = decimal.NewFromString(cfg.ReconTolerancePct); err != nil {
		logger.Error("parse recon tolerance", slog.Any("error", err))
		os.Exit(1)
	}
	autoAdjustMax, err := decimal.NewFromString(cfg.ReconAutoAdjustMax)
	if err != nil {
		logger.Error("parse auto adjust max", slog.Any("error", err))
		os.Exit(1)
	}

	reconRepo := recon.NewRepository(pool)
	reconService := recon.NewService(reconRepo, ledgerService, engine, engine, logger, recon.ServiceConfig{
		Tolerance:     tolerance,
		AutoAdjustMax: autoAdjustMax,
	})
	snapshotSource := recon.NewRedisSnapshotSource(redisClient)
	reconJob := recon.NewRunJob(reconService, snapshotSource, logger)

	metrics := jobmetrics.NewMetrics(nil)

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
	notifier := alerts.NewNotifier(redisClient, language.English, cfg.AlertChannel)
	scanJob := anomaly.NewScanJob(anomalyService, logger, metrics, notifier)

	scanTask, err := jobs.NewAnomalyScanTask(jobs.AnomalyScanPayload{})
	if err != nil {
		logger.Error("build anomaly scan task", slog.Any("error", err))
		os.Exit(1)
	}
	reconTask, err := jobs.NewReconRunTask(jobs.ReconRunPayload{})
	if err != nil {
		logger.Error("build recon run task", slog.Any("error", err))
		os.Exit(1)
	}
	deliverTask, err := jobs.NewPostingDeliverTask(jobs.PostingDeliverPayload{Limit: cfg.DeliverBatch})
	if err != nil {
		logger.Error("build posting deliver task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Metrics:   metrics,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAnomalyScan, Handler: scanJob.Handle},
			{Type: jobs.TaskReconRun, Handler: reconJob.Handle},
			{Type: jobs.TaskPostingDeliver, Handler: deliverJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AnomalyScanCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ReconRunCron, Task: reconTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.PostingDeliverCron, Task: deliverTask, Options: []asynq.Option{asynq.MaxRetry(5)}},
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
