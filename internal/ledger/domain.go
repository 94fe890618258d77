package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CostingMethod enumerates supported inventory costing methods.
type CostingMethod string

const (
	// MethodFIFO consumes the oldest lots first.
	MethodFIFO CostingMethod = "FIFO"
	// MethodLIFO consumes the newest lots first.
	MethodLIFO CostingMethod = "LIFO"
	// MethodAverage consumes at the blended average cost of the pool.
	MethodAverage CostingMethod = "WEIGHTED_AVERAGE"
	// MethodStandard consumes at a configured standard cost per SKU.
	MethodStandard CostingMethod = "STANDARD"
)

// IsValid reports whether the costing method is one of the supported values.
func (m CostingMethod) IsValid() bool {
	switch m {
	case MethodFIFO, MethodLIFO, MethodAverage, MethodStandard:
		return true
	default:
		return false
	}
}

// UsesLotOrder reports whether the method depends on lot receipt order.
func (m CostingMethod) UsesLotOrder() bool {
	return m == MethodFIFO || m == MethodLIFO
}

// EventType enumerates inventory event types accepted by the ledger.
type EventType string

const (
	// EventReceipt records inbound stock with an acquisition cost.
	EventReceipt EventType = "RECEIPT"
	// EventShipment records outbound stock consumed against lots.
	EventShipment EventType = "SHIPMENT"
	// EventAdjustment records a signed manual correction.
	EventAdjustment EventType = "ADJUSTMENT"
	// EventReturn records customer returns restocked as new lots.
	EventReturn EventType = "RETURN"
)

// Event is a normalized shipment/receipt event. Events are immutable once
// accepted; EventID is the idempotency key.
type Event struct {
	ID         string
	Type       EventType
	SKU        string
	Location   string
	Quantity   decimal.Decimal
	UnitCost   *decimal.Decimal
	OccurredAt time.Time
}

// Validate checks structural requirements for the event. Quantity sign
// conventions: positive for RECEIPT/RETURN, negative for SHIPMENT, either
// for ADJUSTMENT.
func (e Event) Validate() error {
	if e.ID == "" || e.SKU == "" || e.Location == "" {
		return ErrInvalidEvent
	}
	if !e.Type.IsValid() {
		return ErrInvalidEvent
	}
	if e.OccurredAt.IsZero() {
		return ErrInvalidEvent
	}
	switch e.Type {
	case EventReceipt, EventReturn:
		if e.Quantity.Sign() <= 0 {
			return ErrInvalidEvent
		}
		if e.UnitCost == nil || e.UnitCost.Sign() < 0 {
			return ErrInvalidEvent
		}
	case EventShipment:
		if e.Quantity.Sign() >= 0 {
			return ErrInvalidEvent
		}
	case EventAdjustment:
		if e.Quantity.Sign() == 0 {
			return ErrInvalidEvent
		}
		if e.Quantity.Sign() > 0 && (e.UnitCost == nil || e.UnitCost.Sign() < 0) {
			return ErrInvalidEvent
		}
	}
	return nil
}

// IsValid reports whether the event type is supported.
func (t EventType) IsValid() bool {
	switch t {
	case EventReceipt, EventShipment, EventAdjustment, EventReturn:
		return true
	default:
		return false
	}
}

// CostLot is an immutable-until-consumed batch of stock received at a single
// cost. A lot with zero remaining quantity is retained for audit and never
// consumed again. A lot with negative remaining quantity records an overdraft
// taken under negative-stock tolerance.
type CostLot struct {
	ID            string
	SKU           string
	Location      string
	ReceivedAt    time.Time
	OriginalQty   decimal.Decimal
	RemainingQty  decimal.Decimal
	UnitCost      decimal.Decimal
	SourceEventID string
}

// Position is the derived on-hand state for one (SKU, location) pair. It is
// recomputed from lots, never stored as independent mutable state.
type Position struct {
	SKU         string
	Location    string
	OnHand      decimal.Decimal
	AvgUnitCost decimal.Decimal
	LotCount    int
	OldestSince time.Time
}

// PositionFromLots derives the position for the given lots.
func PositionFromLots(sku, location string, lots []CostLot) Position {
	pos := Position{SKU: sku, Location: location}
	total := decimal.Zero
	value := decimal.Zero
	for _, lot := range lots {
		if lot.RemainingQty.IsZero() {
			continue
		}
		total = total.Add(lot.RemainingQty)
		value = value.Add(lot.RemainingQty.Mul(lot.UnitCost))
		pos.LotCount++
		if pos.OldestSince.IsZero() || lot.ReceivedAt.Before(pos.OldestSince) {
			pos.OldestSince = lot.ReceivedAt
		}
	}
	pos.OnHand = total
	if !total.IsZero() {
		pos.AvgUnitCost = value.Div(total)
	}
	return pos
}

// Consumption describes one lot draw produced by a shipment. UnitCost is the
// cost applied to the posting; ActualUnitCost is the lot's own cost and
// differs only under standard costing.
type Consumption struct {
	LotID          string
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	ActualUnitCost decimal.Decimal
}

// TotalCost returns quantity times applied unit cost.
func (c Consumption) TotalCost() decimal.Decimal {
	return c.Quantity.Mul(c.UnitCost)
}

// ShipmentResult reports the lots consumed by a shipment and any overdraft
// taken under negative-stock tolerance.
type ShipmentResult struct {
	Consumptions []Consumption
	Overdraft    decimal.Decimal
	OverdraftLot *CostLot
}

// TotalQuantity sums the consumed quantities.
func (r ShipmentResult) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Consumptions {
		total = total.Add(c.Quantity)
	}
	return total
}

// TotalCost sums the applied cost over all consumptions.
func (r ShipmentResult) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Consumptions {
		total = total.Add(c.TotalCost())
	}
	return total
}

// ErrDuplicateEvent indicates the event id was already applied.
var ErrDuplicateEvent = errors.New("ledger: event already applied")

// ErrInsufficientStock indicates a shipment exceeds on-hand quantity and
// negative-stock tolerance is disabled.
var ErrInsufficientStock = errors.New("ledger: insufficient stock for shipment")

// ErrInvalidEvent indicates a malformed event.
var ErrInvalidEvent = errors.New("ledger: invalid event")

// ErrUnknownMethod indicates an unsupported costing method.
var ErrUnknownMethod = errors.New("ledger: unknown costing method")

// ErrMissingStandardCost indicates standard costing without a configured cost.
var ErrMissingStandardCost = errors.New("ledger: standard cost not configured")
