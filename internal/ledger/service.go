package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPosition(ctx context.Context, sku, location string) (Position, error)
	ListPositions(ctx context.Context) ([]Position, error)
	ListLots(ctx context.Context, sku, location string) ([]CostLot, error)
	ListEvents(ctx context.Context, sku, location string, since time.Time) ([]Event, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertEvent(ctx context.Context, event Event) error
	LockLots(ctx context.Context, sku, location string) ([]CostLot, error)
	InsertLot(ctx context.Context, lot CostLot) error
	UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// AllowNegativeStock lets shipments overdraw on-hand quantity, recording
	// the shortfall as a negative-balance lot instead of rejecting the event.
	AllowNegativeStock bool
	// LockShards sizes the keyed mutex; zero uses the default.
	LockShards int
}

// Service owns lot mutation for the ledger. Mutation is serialized per
// (SKU, location) through a keyed mutex plus row locks inside the repository
// transaction; different pairs proceed in parallel.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	locks    *shared.KeyedMutex
	allowNeg bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{
		repo:     repo,
		audit:    audit,
		locks:    shared.NewKeyedMutex(cfg.LockShards),
		allowNeg: cfg.AllowNegativeStock,
	}
}

// ReceiptInput describes an inbound movement creating a new lot.
type ReceiptInput struct {
	EventID    string
	Type       EventType
	SKU        string
	Location   string
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	OccurredAt time.Time
}

// ApplyReceipt creates a new cost lot from a receipt, return or positive
// adjustment. It fails with ErrDuplicateEvent when the event id was already
// applied.
func (s *Service) ApplyReceipt(ctx context.Context, input ReceiptInput) (CostLot, error) {
	if input.Type == "" {
		input.Type = EventReceipt
	}
	cost := input.UnitCost
	event := Event{
		ID:         input.EventID,
		Type:       input.Type,
		SKU:        input.SKU,
		Location:   input.Location,
		Quantity:   input.Quantity,
		UnitCost:   &cost,
		OccurredAt: input.OccurredAt,
	}
	if err := event.Validate(); err != nil {
		return CostLot{}, err
	}

	unlock := s.locks.Lock(shared.StockKey(input.SKU, input.Location))
	defer unlock()

	lot := CostLot{
		ID:            uuid.New().String(),
		SKU:           input.SKU,
		Location:      input.Location,
		ReceivedAt:    input.OccurredAt,
		OriginalQty:   input.Quantity,
		RemainingQty:  input.Quantity,
		UnitCost:      input.UnitCost,
		SourceEventID: input.EventID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		return tx.InsertLot(ctx, lot)
	})
	if err != nil {
		return CostLot{}, err
	}
	s.recordAudit(ctx, event, map[string]any{
		"lot_id":    lot.ID,
		"quantity":  input.Quantity.String(),
		"unit_cost": input.UnitCost.String(),
	})
	return lot, nil
}

// ShipmentInput describes an outbound movement consuming lots.
type ShipmentInput struct {
	EventID      string
	Type         EventType
	SKU          string
	Location     string
	Quantity     decimal.Decimal
	Method       CostingMethod
	StandardCost *decimal.Decimal
	OccurredAt   time.Time
	// OnApply, when set, runs inside the mutation transaction after lots are
	// consumed. Records the caller derives from the result commit or roll
	// back together with the ledger write.
	OnApply func(ctx context.Context, result ShipmentResult) error
}

// ApplyShipment selects lots to consume according to the costing method and
// returns the per-lot draws used to build the COGS posting. When the
// requested quantity exceeds on-hand stock it fails with
// ErrInsufficientStock, unless negative-stock tolerance is enabled, in which
// case the shortfall is recorded as a negative-balance lot for the negative
// stock detector to pick up.
func (s *Service) ApplyShipment(ctx context.Context, input ShipmentInput) (ShipmentResult, error) {
	if input.Type == "" {
		input.Type = EventShipment
	}
	if !input.Method.IsValid() {
		return ShipmentResult{}, ErrUnknownMethod
	}
	if input.Method == MethodStandard && input.StandardCost == nil {
		return ShipmentResult{}, ErrMissingStandardCost
	}
	event := Event{
		ID:         input.EventID,
		Type:       input.Type,
		SKU:        input.SKU,
		Location:   input.Location,
		Quantity:   input.Quantity.Neg(),
		OccurredAt: input.OccurredAt,
	}
	if input.Quantity.Sign() <= 0 {
		return ShipmentResult{}, ErrInvalidEvent
	}
	if err := event.Validate(); err != nil {
		return ShipmentResult{}, err
	}

	unlock := s.locks.Lock(shared.StockKey(input.SKU, input.Location))
	defer unlock()

	var result ShipmentResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		stored, err := tx.LockLots(ctx, input.SKU, input.Location)
		if err != nil {
			return err
		}
		lots := make([]*CostLot, len(stored))
		for i := range stored {
			lots[i] = &stored[i]
		}

		available := onHand(consumable(lots))
		shortfall := input.Quantity.Sub(available)
		if shortfall.Sign() > 0 && !s.allowNeg {
			return ErrInsufficientStock
		}

		drawQty := decimal.Min(input.Quantity, available)
		consumed, err := s.consume(lots, drawQty, input.Method, input.StandardCost)
		if err != nil {
			return err
		}
		for _, c := range consumed {
			lot := findLot(lots, c.LotID)
			if lot == nil {
				return fmt.Errorf("ledger: consumed unknown lot %s", c.LotID)
			}
			if err := tx.UpdateLotRemaining(ctx, lot.ID, lot.RemainingQty); err != nil {
				return err
			}
		}
		result = ShipmentResult{Consumptions: consumed}

		if shortfall.Sign() > 0 {
			over, consumption := s.overdraftLot(input, lots, consumed, shortfall)
			if err := tx.InsertLot(ctx, over); err != nil {
				return err
			}
			result.Overdraft = shortfall
			result.OverdraftLot = &over
			result.Consumptions = append(result.Consumptions, consumption)
		}
		if input.OnApply != nil {
			return input.OnApply(ctx, result)
		}
		return nil
	})
	if err != nil {
		return ShipmentResult{}, err
	}
	s.recordAudit(ctx, event, map[string]any{
		"quantity":  input.Quantity.String(),
		"method":    string(input.Method),
		"lots":      len(result.Consumptions),
		"overdraft": result.Overdraft.String(),
	})
	return result, nil
}

func (s *Service) consume(lots []*CostLot, qty decimal.Decimal, method CostingMethod, standardCost *decimal.Decimal) ([]Consumption, error) {
	if qty.Sign() <= 0 {
		return nil, nil
	}
	switch method {
	case MethodFIFO:
		return consumeFIFO(lots, qty), nil
	case MethodLIFO:
		return consumeLIFO(lots, qty), nil
	case MethodAverage:
		return consumeAverage(lots, qty), nil
	case MethodStandard:
		return consumeStandard(lots, qty, *standardCost), nil
	default:
		return nil, ErrUnknownMethod
	}
}

// overdraftLot prices the uncovered shortfall. Standard costing keeps the
// standard rate; otherwise the last consumed lot's cost is carried forward,
// falling back to the most recent lot on record when nothing was consumed.
func (s *Service) overdraftLot(input ShipmentInput, lots []*CostLot, consumed []Consumption, shortfall decimal.Decimal) (CostLot, Consumption) {
	cost := decimal.Zero
	switch {
	case input.Method == MethodStandard && input.StandardCost != nil:
		cost = *input.StandardCost
	case len(consumed) > 0:
		cost = consumed[len(consumed)-1].UnitCost
	default:
		var latest *CostLot
		for _, lot := range lots {
			if latest == nil || lot.ReceivedAt.After(latest.ReceivedAt) {
				latest = lot
			}
		}
		if latest != nil {
			cost = latest.UnitCost
		}
	}
	over := CostLot{
		ID:            uuid.New().String(),
		SKU:           input.SKU,
		Location:      input.Location,
		ReceivedAt:    input.OccurredAt,
		OriginalQty:   decimal.Zero,
		RemainingQty:  shortfall.Neg(),
		UnitCost:      cost,
		SourceEventID: input.EventID,
	}
	return over, Consumption{
		LotID:          over.ID,
		Quantity:       shortfall,
		UnitCost:       cost,
		ActualUnitCost: cost,
	}
}

// Position derives the current on-hand state for one (SKU, location).
func (s *Service) Position(ctx context.Context, sku, location string) (Position, error) {
	if sku == "" || location == "" {
		return Position{}, errors.New("ledger: sku and location required")
	}
	return s.repo.GetPosition(ctx, sku, location)
}

// Positions derives on-hand state across the whole catalog from a single
// repository snapshot.
func (s *Service) Positions(ctx context.Context) ([]Position, error) {
	return s.repo.ListPositions(ctx)
}

// Lots lists all lots for one pair, consumed lots included.
func (s *Service) Lots(ctx context.Context, sku, location string) ([]CostLot, error) {
	if sku == "" || location == "" {
		return nil, errors.New("ledger: sku and location required")
	}
	return s.repo.ListLots(ctx, sku, location)
}

// History lists applied events for one pair since the given time.
func (s *Service) History(ctx context.Context, sku, location string, since time.Time) ([]Event, error) {
	return s.repo.ListEvents(ctx, sku, location, since)
}

func (s *Service) recordAudit(ctx context.Context, event Event, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    "ledger",
		Action:   fmt.Sprintf("ledger:%s", event.Type),
		Entity:   "ledger_event",
		EntityID: event.ID,
		Meta:     meta,
	})
}

func findLot(lots []*CostLot, id string) *CostLot {
	for _, lot := range lots {
		if lot.ID == id {
			return lot
		}
	}
	return nil
}
