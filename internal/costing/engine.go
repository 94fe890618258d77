package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/ledger"
)

// LedgerPort is the slice of the lot ledger the engine mutates.
type LedgerPort interface {
	ApplyReceipt(ctx context.Context, input ledger.ReceiptInput) (ledger.CostLot, error)
	ApplyShipment(ctx context.Context, input ledger.ShipmentInput) (ledger.ShipmentResult, error)
	Position(ctx context.Context, sku, location string) (ledger.Position, error)
}

// RepositoryPort persists postings and parked events.
type RepositoryPort interface {
	InsertPosting(ctx context.Context, posting Posting) error
	GetPostingByEvent(ctx context.Context, eventID string) (Posting, error)
	ListPostings(ctx context.Context, filter PostingFilter) ([]Posting, error)
	ListUndelivered(ctx context.Context, limit int) ([]Posting, error)
	MarkDelivered(ctx context.Context, postingID string, at time.Time) error
	InsertParkedEvent(ctx context.Context, parked ParkedEvent) error
	ListParkedEvents(ctx context.Context, includeResolved bool) ([]ParkedEvent, error)
	ResolveParkedEvent(ctx context.Context, id string) error
}

// ConfigPort resolves per-SKU costing configuration.
type ConfigPort interface {
	GetMethodConfig(ctx context.Context, sku string) (MethodConfig, error)
}

// DeliveryQueue schedules the external posting delivery step, which retries
// independently of the ledger mutation.
type DeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, postingID string) error
}

// PostingFilter narrows posting queries.
type PostingFilter struct {
	SKU      string
	Location string
	From     time.Time
	To       time.Time
	Limit    int
}

// Engine translates shipment/receipt events into ledger mutations and COGS
// postings: exactly one posting per shipment event, none for receipts.
type Engine struct {
	ledger   LedgerPort
	repo     RepositoryPort
	config   ConfigPort
	queue    DeliveryQueue
	logger   *slog.Logger
	fallback MethodConfig
}

// EngineConfig groups engine settings.
type EngineConfig struct {
	// DefaultMethod applies to SKUs without explicit configuration.
	DefaultMethod ledger.CostingMethod
}

// NewEngine builds the costing engine.
func NewEngine(ledgerPort LedgerPort, repo RepositoryPort, config ConfigPort, queue DeliveryQueue, logger *slog.Logger, cfg EngineConfig) *Engine {
	method := cfg.DefaultMethod
	if !method.IsValid() {
		method = ledger.MethodFIFO
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:   ledgerPort,
		repo:     repo,
		config:   config,
		queue:    queue,
		logger:   logger.With(slog.String("component", "costing")),
		fallback: MethodConfig{Method: method},
	}
}

// ProcessEvent applies one event against the ledger and, for shipments,
// emits the COGS posting. Re-processing the same event id is a no-op: the
// ledger's duplicate check fires and the previously stored posting is
// returned unchanged.
func (e *Engine) ProcessEvent(ctx context.Context, event ledger.Event) (*Posting, error) {
	if err := event.Validate(); err != nil {
		e.reject(ctx, event, ParkReasonInvalidEvent, err.Error())
		return nil, err
	}

	outbound := event.Type == ledger.EventShipment ||
		(event.Type == ledger.EventAdjustment && event.Quantity.Sign() < 0)
	if !outbound {
		_, err := e.ledger.ApplyReceipt(ctx, ledger.ReceiptInput{
			EventID:    event.ID,
			Type:       event.Type,
			SKU:        event.SKU,
			Location:   event.Location,
			Quantity:   event.Quantity,
			UnitCost:   *event.UnitCost,
			OccurredAt: event.OccurredAt,
		})
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			e.logger.Info("duplicate event ignored", slog.String("event_id", event.ID))
			return nil, nil
		}
		return nil, err
	}

	cfg, err := e.methodConfig(ctx, event.SKU)
	if err != nil {
		e.reject(ctx, event, ParkReasonConfiguration, err.Error())
		return nil, err
	}

	input := ledger.ShipmentInput{
		EventID:      event.ID,
		Type:         event.Type,
		SKU:          event.SKU,
		Location:     event.Location,
		Quantity:     event.Quantity.Abs(),
		Method:       cfg.Method,
		StandardCost: cfg.StandardCost,
		OccurredAt:   event.OccurredAt,
	}
	var posting *Posting
	if event.Type == ledger.EventShipment {
		// The posting is stored inside the ledger transaction: either the
		// lots are consumed and the posting exists, or neither happened and
		// the event can be retried.
		input.OnApply = func(ctx context.Context, result ledger.ShipmentResult) error {
			p := e.buildPosting(event, cfg, result)
			if err := e.repo.InsertPosting(ctx, p); err != nil {
				return fmt.Errorf("costing: store posting: %w", err)
			}
			posting = &p
			return nil
		}
	}

	_, err = e.ledger.ApplyShipment(ctx, input)
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		e.logger.Info("duplicate event ignored", slog.String("event_id", event.ID))
		if event.Type != ledger.EventShipment {
			// negative adjustments post nothing, so there is nothing to return
			return nil, nil
		}
		stored, lookupErr := e.repo.GetPostingByEvent(ctx, event.ID)
		if lookupErr != nil {
			return nil, fmt.Errorf("costing: duplicate shipment %s: %w", event.ID, lookupErr)
		}
		return &stored, nil
	case errors.Is(err, ledger.ErrInsufficientStock):
		e.park(ctx, event, ParkReasonInsufficientStock, "shipment exceeds on-hand quantity")
		return nil, err
	case err != nil:
		return nil, err
	}

	if posting == nil {
		// negative adjustments deplete lots without a COGS posting
		return nil, nil
	}

	if e.queue != nil {
		if err := e.queue.EnqueueDelivery(ctx, posting.ID); err != nil {
			// the delivery job also sweeps undelivered postings, so a failed
			// enqueue is logged rather than failing the event
			e.logger.Error("enqueue posting delivery", slog.String("posting_id", posting.ID), slog.Any("error", err))
		}
	}
	e.logger.Info("posting created",
		slog.String("posting_id", posting.ID),
		slog.String("event_id", event.ID),
		slog.String("sku", event.SKU),
		slog.String("total_cost", posting.TotalCost.String()),
	)
	return posting, nil
}

func (e *Engine) buildPosting(event ledger.Event, cfg MethodConfig, result ledger.ShipmentResult) Posting {
	qty := result.TotalQuantity()
	total := result.TotalCost()
	applied := decimal.Zero
	if !qty.IsZero() {
		applied = total.Div(qty)
	}
	variance := decimal.Zero
	if cfg.Method == ledger.MethodStandard {
		for _, c := range result.Consumptions {
			variance = variance.Add(c.ActualUnitCost.Sub(c.UnitCost).Mul(c.Quantity))
		}
	}
	lines := make([]PostingLine, 0, len(result.Consumptions))
	for _, c := range result.Consumptions {
		lines = append(lines, PostingLine{LotID: c.LotID, Quantity: c.Quantity, UnitCost: c.UnitCost})
	}
	return Posting{
		ID:               uuid.New().String(),
		EventID:          event.ID,
		SKU:              event.SKU,
		Location:         event.Location,
		QuantityConsumed: qty,
		UnitCostApplied:  applied,
		TotalCost:        total,
		Method:           cfg.Method,
		VarianceAmount:   variance,
		PostedAt:         event.OccurredAt,
		Lines:            lines,
	}
}

func (e *Engine) methodConfig(ctx context.Context, sku string) (MethodConfig, error) {
	if e.config == nil {
		return e.fallback, nil
	}
	cfg, err := e.config.GetMethodConfig(ctx, sku)
	if errors.Is(err, ErrConfigNotFound) {
		return e.fallback, nil
	}
	if err != nil {
		return MethodConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return MethodConfig{}, fmt.Errorf("%w: sku %s", ErrConfiguration, sku)
	}
	return cfg, nil
}

// park stores the auditable record for a rejected shipment, including a
// position snapshot as evidence.
func (e *Engine) park(ctx context.Context, event ledger.Event, reason ParkReason, detail string) {
	evidence := map[string]any{
		"event_type":  string(event.Type),
		"quantity":    event.Quantity.String(),
		"occurred_at": event.OccurredAt,
	}
	if pos, err := e.ledger.Position(ctx, event.SKU, event.Location); err == nil {
		evidence["on_hand"] = pos.OnHand.String()
		evidence["avg_unit_cost"] = pos.AvgUnitCost.String()
		evidence["lot_count"] = pos.LotCount
	}
	parked := ParkedEvent{
		ID:       uuid.New().String(),
		EventID:  event.ID,
		SKU:      event.SKU,
		Location: event.Location,
		Quantity: event.Quantity,
		Reason:   reason,
		Detail:   detail,
		Evidence: evidence,
		ParkedAt: event.OccurredAt,
	}
	if err := e.repo.InsertParkedEvent(ctx, parked); err != nil {
		e.logger.Error("park event", slog.String("event_id", event.ID), slog.Any("error", err))
		return
	}
	e.logger.Warn("event parked",
		slog.String("event_id", event.ID),
		slog.String("sku", event.SKU),
		slog.String("location", event.Location),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
}

func (e *Engine) reject(ctx context.Context, event ledger.Event, reason ParkReason, detail string) {
	if event.ID == "" {
		e.logger.Warn("event rejected without id", slog.String("detail", detail))
		return
	}
	e.park(ctx, event, reason, detail)
}

// Postings lists stored postings.
func (e *Engine) Postings(ctx context.Context, filter PostingFilter) ([]Posting, error) {
	return e.repo.ListPostings(ctx, filter)
}

// ParkedEvents lists parked events awaiting manual intervention.
func (e *Engine) ParkedEvents(ctx context.Context, includeResolved bool) ([]ParkedEvent, error) {
	return e.repo.ListParkedEvents(ctx, includeResolved)
}

// ResolveParkedEvent marks a parked event as manually handled.
func (e *Engine) ResolveParkedEvent(ctx context.Context, id string) error {
	return e.repo.ResolveParkedEvent(ctx, id)
}

// DeliverPending pushes undelivered postings to the external ERP adapter.
// Failures return ErrPostingDelivery so the job scheduler retries the
// delivery step alone; the ledger is never touched here.
func (e *Engine) DeliverPending(ctx context.Context, delivery DeliveryPort, limit int) (int, error) {
	pending, err := e.repo.ListUndelivered(ctx, limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, posting := range pending {
		if err := delivery.Deliver(ctx, posting); err != nil {
			return delivered, fmt.Errorf("%w: posting %s: %v", ErrPostingDelivery, posting.ID, err)
		}
		if err := e.repo.MarkDelivered(ctx, posting.ID, time.Now().UTC()); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// DeliveryPort is the external ERP journal adapter boundary.
type DeliveryPort interface {
	Deliver(ctx context.Context, posting Posting) error
}

// ErrConfigNotFound indicates no explicit configuration for a SKU.
var ErrConfigNotFound = errors.New("costing: method config not found")
