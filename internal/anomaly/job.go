package anomaly

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/stockproof/stockproof/internal/jobs"
	"github.com/stockproof/stockproof/jobs"
)

// NotifierPort delivers alert summaries for freshly stored findings.
type NotifierPort interface {
	NotifyFindings(ctx context.Context, findings []Finding) error
}

// ScanJob processes periodic anomaly scan tasks.
type ScanJob struct {
	service  *Service
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	notifier NotifierPort
	clock    func() time.Time
}

// NewScanJob constructs a job handler. metrics and notifier may be nil.
func NewScanJob(service *Service, logger *slog.Logger, metrics *jobmetrics.Metrics, notifier NotifierPort) *ScanJob {
	return &ScanJob{
		service:  service,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *ScanJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.AnomalyScanPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	at := payload.AsOf
	if at.IsZero() {
		at = j.clock()
	}
	result, err := j.service.Scan(ctx, at)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("anomaly scan", slog.Any("error", err))
		}
		return err
	}
	for _, finding := range result.Inserted {
		j.metrics.AddFindings(string(finding.Type), string(finding.Severity), finding.Location, 1)
	}
	if j.notifier != nil && len(result.Inserted) > 0 {
		// a failed publish never fails the scan
		if err := j.notifier.NotifyFindings(ctx, result.Inserted); err != nil && j.logger != nil {
			j.logger.Warn("publish anomaly alert", slog.Any("error", err))
		}
	}
	if j.logger != nil {
		j.logger.Info("anomaly scan finished",
			slog.Int("positions", result.Positions),
			slog.Int("postings", result.Postings),
			slog.Int("findings", result.Findings),
		)
	}
	return nil
}
