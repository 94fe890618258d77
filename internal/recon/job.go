package recon

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockproof/stockproof/jobs"
)

// SnapshotSource fetches the WMS snapshot for a period. Implemented by the
// external WMS adapter.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, period string) (Snapshot, error)
}

// RunJob processes reconciliation run tasks.
type RunJob struct {
	service *Service
	source  SnapshotSource
	logger  *slog.Logger
}

// NewRunJob constructs a job handler.
func NewRunJob(service *Service, source SnapshotSource, logger *slog.Logger) *RunJob {
	return &RunJob{service: service, source: source, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *RunJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.ReconRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Period == "" {
		// scheduled runs reconcile the current calendar month
		payload.Period = time.Now().UTC().Format("2006-01")
	}
	snapshot, err := j.source.FetchSnapshot(ctx, payload.Period)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("fetch wms snapshot", slog.String("period", payload.Period), slog.Any("error", err))
		}
		return err
	}
	result, err := j.service.Run(ctx, snapshot)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("reconciliation run", slog.String("period", payload.Period), slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("reconciliation run finished",
			slog.String("period", result.Period),
			slog.Int("records", result.Records),
			slog.Int("variances", result.Variances),
		)
	}
	return nil
}
