package costing

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stockproof/stockproof/jobs"
)

// DeliverJob retries delivery of persisted postings to the ERP. Delivery is
// a separate step from the ledger mutation, so failed sweeps are safe to
// re-run indefinitely.
type DeliverJob struct {
	engine   *Engine
	delivery DeliveryPort
	logger   *slog.Logger
}

// NewDeliverJob constructs a job handler.
func NewDeliverJob(engine *Engine, delivery DeliveryPort, logger *slog.Logger) *DeliverJob {
	return &DeliverJob{engine: engine, delivery: delivery, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *DeliverJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.PostingDeliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = 100
	}
	delivered, err := j.engine.DeliverPending(ctx, j.delivery, payload.Limit)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("posting delivery sweep", slog.Int("delivered", delivered), slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil && delivered > 0 {
		j.logger.Info("posting delivery sweep finished", slog.Int("delivered", delivered))
	}
	return nil
}
