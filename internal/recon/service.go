package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/costing"
	"github.com/stockproof/stockproof/internal/ledger"
)

// LedgerPort is the read-side slice of the lot ledger used for matching.
type LedgerPort interface {
	Positions(ctx context.Context) ([]ledger.Position, error)
}

// ParkedEventPort exposes rejected events for root-cause hinting.
type ParkedEventPort interface {
	ParkedEvents(ctx context.Context, includeResolved bool) ([]costing.ParkedEvent, error)
}

// AdjustmentPort submits auto-adjustment events back through the costing
// engine so the adjustment trail stays auditable.
type AdjustmentPort interface {
	ProcessEvent(ctx context.Context, event ledger.Event) (*costing.Posting, error)
}

// RepositoryPort persists reconciliation records.
type RepositoryPort interface {
	InsertRecords(ctx context.Context, records []Record) error
	ListRecords(ctx context.Context, period string) ([]Record, error)
	ListPeriods(ctx context.Context, limit int) ([]string, error)
	GetRecord(ctx context.Context, id string) (Record, error)
	UpdateStatus(ctx context.Context, id string, status RecordStatus, note string) error
}

// ServiceConfig groups matching settings.
type ServiceConfig struct {
	Tolerance Tolerance
	// AutoAdjustMax enables auto-adjustment of variances up to this absolute
	// magnitude. Zero disables auto-adjustment.
	AutoAdjustMax decimal.Decimal
}

// Service runs reconciliation passes and owns record lifecycle.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	parked ParkedEventPort
	adjust AdjustmentPort
	logger *slog.Logger
	cfg    ServiceConfig
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerPort LedgerPort, parked ParkedEventPort, adjust AdjustmentPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		ledger: ledgerPort,
		parked: parked,
		adjust: adjust,
		logger: logger.With(slog.String("component", "recon")),
		cfg:    cfg,
	}
}

// RunResult summarises one reconciliation pass.
type RunResult struct {
	Period       string
	Records      int
	Matched      int
	Variances    int
	AutoAdjusted int
}

// Run reconciles the WMS snapshot against a consistent ledger snapshot and
// stores one record per (SKU, location).
func (s *Service) Run(ctx context.Context, snapshot Snapshot) (RunResult, error) {
	if snapshot.Period == "" {
		return RunResult{}, errors.New("recon: snapshot period required")
	}
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now().UTC()
	}
	positions, err := s.ledger.Positions(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("recon: load positions: %w", err)
	}
	hints, err := s.loadHints(ctx)
	if err != nil {
		return RunResult{}, err
	}

	records := Match(snapshot, positions, s.cfg.Tolerance, hints)
	if err := s.repo.InsertRecords(ctx, records); err != nil {
		return RunResult{}, fmt.Errorf("recon: store records: %w", err)
	}

	result := RunResult{Period: snapshot.Period, Records: len(records)}
	for _, record := range records {
		if record.Status == StatusMatched {
			result.Matched++
			continue
		}
		result.Variances++
		if s.autoAdjustable(record) {
			if err := s.autoAdjust(ctx, record, snapshot.TakenAt); err != nil {
				s.logger.Warn("auto adjust failed",
					slog.String("sku", record.SKU),
					slog.String("location", record.Location),
					slog.Any("error", err),
				)
				continue
			}
			result.AutoAdjusted++
		}
	}
	s.logger.Info("reconciliation complete",
		slog.String("period", snapshot.Period),
		slog.Int("records", result.Records),
		slog.Int("matched", result.Matched),
		slog.Int("variances", result.Variances),
		slog.Int("auto_adjusted", result.AutoAdjusted),
	)
	return result, nil
}

func (s *Service) loadHints(ctx context.Context) ([]EventHint, error) {
	if s.parked == nil {
		return nil, nil
	}
	parked, err := s.parked.ParkedEvents(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("recon: load parked events: %w", err)
	}
	hints := make([]EventHint, 0, len(parked))
	for _, p := range parked {
		hints = append(hints, EventHint{
			EventID:  p.EventID,
			SKU:      p.SKU,
			Location: p.Location,
			Quantity: p.Quantity,
			Reason:   string(p.Reason),
		})
	}
	return hints, nil
}

func (s *Service) autoAdjustable(record Record) bool {
	if s.adjust == nil || s.cfg.AutoAdjustMax.Sign() <= 0 {
		return false
	}
	return record.Variance.Abs().LessThanOrEqual(s.cfg.AutoAdjustMax)
}

// autoAdjust posts an adjustment event moving the ledger to the WMS-reported
// quantity. The event id is derived from the record so reruns stay
// idempotent.
func (s *Service) autoAdjust(ctx context.Context, record Record, at time.Time) error {
	event := ledger.Event{
		ID:         fmt.Sprintf("recon-adj-%s-%s-%s", record.Period, record.SKU, record.Location),
		Type:       ledger.EventAdjustment,
		SKU:        record.SKU,
		Location:   record.Location,
		Quantity:   record.Variance,
		OccurredAt: at,
	}
	if record.Variance.Sign() > 0 {
		cost := decimal.Zero
		event.UnitCost = &cost
	}
	_, err := s.adjust.ProcessEvent(ctx, event)
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		return nil
	}
	return err
}

// Records lists stored records for a period.
func (s *Service) Records(ctx context.Context, period string) ([]Record, error) {
	if period == "" {
		return nil, errors.New("recon: period required")
	}
	return s.repo.ListRecords(ctx, period)
}

// Periods lists the most recent reconciled periods.
func (s *Service) Periods(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 12
	}
	return s.repo.ListPeriods(ctx, limit)
}

// UpdateStatus moves a record through its lifecycle, guarding transitions.
func (s *Service) UpdateStatus(ctx context.Context, id string, status RecordStatus, note string) error {
	record, err := s.repo.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateStatusTransition(record.Status, status); err != nil {
		return err
	}
	return s.repo.UpdateStatus(ctx, id, status, note)
}
