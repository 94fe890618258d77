package costing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/ledger"
)

// Posting is the COGS journal record emitted for a shipment event. Postings
// are append-only; corrections are issued as new offsetting postings
// referencing the original.
type Posting struct {
	ID               string
	EventID          string
	SKU              string
	Location         string
	QuantityConsumed decimal.Decimal
	UnitCostApplied  decimal.Decimal
	TotalCost        decimal.Decimal
	Method           ledger.CostingMethod
	// VarianceAmount carries the standard-vs-actual cost difference under
	// standard costing, written off in the period it arises. Zero otherwise.
	VarianceAmount decimal.Decimal
	PostedAt       time.Time
	ReversesID     string
	Lines          []PostingLine
	DeliveredAt    *time.Time
}

// PostingLine records one lot draw backing the posting.
type PostingLine struct {
	LotID    string
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// Delivered reports whether the posting reached the external ERP.
func (p Posting) Delivered() bool {
	return p.DeliveredAt != nil
}

// ParkReason classifies why an event was parked instead of applied.
type ParkReason string

const (
	// ParkReasonInsufficientStock marks shipments exceeding on-hand quantity.
	ParkReasonInsufficientStock ParkReason = "INSUFFICIENT_STOCK"
	// ParkReasonInvalidEvent marks structurally rejected events.
	ParkReasonInvalidEvent ParkReason = "INVALID_EVENT"
	// ParkReasonConfiguration marks SKUs whose costing configuration is unusable.
	ParkReasonConfiguration ParkReason = "CONFIGURATION"
)

// ParkedEvent is the auditable record kept for every rejected event. Parked
// events are never silently dropped; they carry enough evidence for manual
// reconciliation.
type ParkedEvent struct {
	ID       string
	EventID  string
	SKU      string
	Location string
	Quantity decimal.Decimal
	Reason   ParkReason
	Detail   string
	// Evidence snapshots the ledger position at rejection time.
	Evidence map[string]any
	ParkedAt time.Time
	Resolved bool
}

// MethodConfig is the per-SKU costing configuration.
type MethodConfig struct {
	SKU          string
	Category     string
	Method       ledger.CostingMethod
	StandardCost *decimal.Decimal
}

// Validate reports configuration errors for the SKU's processing path.
func (c MethodConfig) Validate() error {
	if !c.Method.IsValid() {
		return ErrConfiguration
	}
	if c.Method == ledger.MethodStandard && c.StandardCost == nil {
		return ErrConfiguration
	}
	return nil
}

// ErrConfiguration indicates an unusable costing configuration for a SKU.
// Fatal for that SKU's processing path, not for the whole system.
var ErrConfiguration = errors.New("costing: invalid costing configuration")

// ErrPostingDelivery indicates the ledger mutation succeeded but the external
// posting delivery failed. The delivery step alone is retried; the ledger is
// never re-applied.
var ErrPostingDelivery = errors.New("costing: posting delivery failed")

// ErrPostingNotFound indicates a missing posting row.
var ErrPostingNotFound = errors.New("costing: posting not found")
