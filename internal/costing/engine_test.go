package costing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockproof/stockproof/internal/ledger"
)

type fakeLot struct {
	id         string
	receivedAt time.Time
	remaining  decimal.Decimal
	unitCost   decimal.Decimal
}

// fakeLedger implements LedgerPort with FIFO-only consumption, enough to
// exercise the engine's orchestration and idempotency behavior.
type fakeLedger struct {
	applied   map[string]bool
	lots      []*fakeLot
	mutations int
	allowNeg  bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{applied: map[string]bool{}}
}

func (l *fakeLedger) ApplyReceipt(ctx context.Context, input ledger.ReceiptInput) (ledger.CostLot, error) {
	if l.applied[input.EventID] {
		return ledger.CostLot{}, ledger.ErrDuplicateEvent
	}
	l.applied[input.EventID] = true
	l.mutations++
	lot := &fakeLot{id: "lot-" + input.EventID, receivedAt: input.OccurredAt, remaining: input.Quantity, unitCost: input.UnitCost}
	l.lots = append(l.lots, lot)
	return ledger.CostLot{ID: lot.id, SKU: input.SKU, Location: input.Location, RemainingQty: lot.remaining, UnitCost: lot.unitCost}, nil
}

// ApplyShipment stages the consumption and commits it only after OnApply
// succeeds, mirroring the transactional rollback of the real service.
func (l *fakeLedger) ApplyShipment(ctx context.Context, input ledger.ShipmentInput) (ledger.ShipmentResult, error) {
	if l.applied[input.EventID] {
		return ledger.ShipmentResult{}, ledger.ErrDuplicateEvent
	}
	onHand := decimal.Zero
	for _, lot := range l.lots {
		onHand = onHand.Add(lot.remaining)
	}
	if input.Quantity.GreaterThan(onHand) && !l.allowNeg {
		return ledger.ShipmentResult{}, ledger.ErrInsufficientStock
	}
	var result ledger.ShipmentResult
	takes := make(map[*fakeLot]decimal.Decimal)
	remaining := input.Quantity
	for _, lot := range l.lots {
		if remaining.Sign() <= 0 || lot.remaining.Sign() <= 0 {
			continue
		}
		take := decimal.Min(lot.remaining, remaining)
		takes[lot] = take
		applied := lot.unitCost
		if input.Method == ledger.MethodStandard {
			applied = *input.StandardCost
		}
		result.Consumptions = append(result.Consumptions, ledger.Consumption{
			LotID: lot.id, Quantity: take, UnitCost: applied, ActualUnitCost: lot.unitCost,
		})
		remaining = remaining.Sub(take)
	}
	if input.OnApply != nil {
		if err := input.OnApply(ctx, result); err != nil {
			return ledger.ShipmentResult{}, err
		}
	}
	for lot, take := range takes {
		lot.remaining = lot.remaining.Sub(take)
	}
	l.applied[input.EventID] = true
	l.mutations++
	return result, nil
}

func (l *fakeLedger) Position(ctx context.Context, sku, location string) (ledger.Position, error) {
	onHand := decimal.Zero
	for _, lot := range l.lots {
		onHand = onHand.Add(lot.remaining)
	}
	return ledger.Position{SKU: sku, Location: location, OnHand: onHand}, nil
}

type memPostingRepo struct {
	postings []Posting
	parked   []ParkedEvent
}

func (r *memPostingRepo) InsertPosting(ctx context.Context, posting Posting) error {
	for _, p := range r.postings {
		if p.EventID == posting.EventID {
			return ErrDuplicatePosting
		}
	}
	r.postings = append(r.postings, posting)
	return nil
}

func (r *memPostingRepo) GetPostingByEvent(ctx context.Context, eventID string) (Posting, error) {
	for _, p := range r.postings {
		if p.EventID == eventID {
			return p, nil
		}
	}
	return Posting{}, ErrPostingNotFound
}

func (r *memPostingRepo) ListPostings(ctx context.Context, filter PostingFilter) ([]Posting, error) {
	out := make([]Posting, len(r.postings))
	copy(out, r.postings)
	return out, nil
}

func (r *memPostingRepo) ListUndelivered(ctx context.Context, limit int) ([]Posting, error) {
	var out []Posting
	for _, p := range r.postings {
		if p.DeliveredAt == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memPostingRepo) MarkDelivered(ctx context.Context, postingID string, at time.Time) error {
	for i := range r.postings {
		if r.postings[i].ID == postingID {
			r.postings[i].DeliveredAt = &at
			return nil
		}
	}
	return ErrPostingNotFound
}

func (r *memPostingRepo) InsertParkedEvent(ctx context.Context, parked ParkedEvent) error {
	r.parked = append(r.parked, parked)
	return nil
}

func (r *memPostingRepo) ListParkedEvents(ctx context.Context, includeResolved bool) ([]ParkedEvent, error) {
	out := make([]ParkedEvent, len(r.parked))
	copy(out, r.parked)
	return out, nil
}

func (r *memPostingRepo) ResolveParkedEvent(ctx context.Context, id string) error {
	for i := range r.parked {
		if r.parked[i].ID == id {
			r.parked[i].Resolved = true
			return nil
		}
	}
	return errors.New("not found")
}

type staticConfig map[string]MethodConfig

func (c staticConfig) GetMethodConfig(ctx context.Context, sku string) (MethodConfig, error) {
	cfg, ok := c[sku]
	if !ok {
		return MethodConfig{}, ErrConfigNotFound
	}
	return cfg, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func shipEvent(id, qty string, minute int) ledger.Event {
	return ledger.Event{
		ID: id, Type: ledger.EventShipment, SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec(qty).Neg(), OccurredAt: time.Date(2026, 3, 1, 9, minute, 0, 0, time.UTC),
	}
}

func receiptEvent(id, qty, cost string, minute int) ledger.Event {
	c := dec(cost)
	return ledger.Event{
		ID: id, Type: ledger.EventReceipt, SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec(qty), UnitCost: &c, OccurredAt: time.Date(2026, 3, 1, 9, minute, 0, 0, time.UTC),
	}
}

func TestShipmentProducesExactlyOnePosting(t *testing.T) {
	led := newFakeLedger()
	repo := &memPostingRepo{}
	engine := NewEngine(led, repo, nil, nil, nil, EngineConfig{})
	ctx := context.Background()

	posting, err := engine.ProcessEvent(ctx, receiptEvent("R1", "100", "2.00", 0))
	require.NoError(t, err)
	require.Nil(t, posting, "receipts do not post COGS")

	_, err = engine.ProcessEvent(ctx, receiptEvent("R2", "50", "2.50", 5))
	require.NoError(t, err)

	posting, err = engine.ProcessEvent(ctx, shipEvent("S1", "120", 10))
	require.NoError(t, err)
	require.NotNil(t, posting)
	require.Equal(t, "S1", posting.EventID)
	require.True(t, posting.QuantityConsumed.Equal(dec("120")))
	require.True(t, posting.TotalCost.Equal(dec("250.00")))
	require.Len(t, posting.Lines, 2)
	require.Len(t, repo.postings, 1)
}

func TestDuplicateShipmentDoesNotDoublePost(t *testing.T) {
	led := newFakeLedger()
	repo := &memPostingRepo{}
	engine := NewEngine(led, repo, nil, nil, nil, EngineConfig{})
	ctx := context.Background()

	_, err := engine.ProcessEvent(ctx, receiptEvent("R1", "10", "1.00", 0))
	require.NoError(t, err)

	first, err := engine.ProcessEvent(ctx, shipEvent("S1", "4", 1))
	require.NoError(t, err)
	mutations := led.mutations

	second, err := engine.ProcessEvent(ctx, shipEvent("S1", "4", 1))
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.postings, 1)
	require.Equal(t, mutations, led.mutations, "duplicate must not mutate the ledger")
}

type failingPostingRepo struct {
	memPostingRepo
	failures int
}

func (r *failingPostingRepo) InsertPosting(ctx context.Context, posting Posting) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("posting store unavailable")
	}
	return r.memPostingRepo.InsertPosting(ctx, posting)
}

func TestPostingStoreFailureLeavesEventRetryable(t *testing.T) {
	led := newFakeLedger()
	repo := &failingPostingRepo{failures: 1}
	engine := NewEngine(led, repo, nil, nil, nil, EngineConfig{})
	ctx := context.Background()

	_, err := engine.ProcessEvent(ctx, receiptEvent("R1", "10", "1.00", 0))
	require.NoError(t, err)
	mutations := led.mutations

	_, err = engine.ProcessEvent(ctx, shipEvent("S1", "4", 1))
	require.Error(t, err)
	require.Equal(t, mutations, led.mutations, "failed posting store must roll back the shipment")
	require.Empty(t, repo.postings)

	posting, err := engine.ProcessEvent(ctx, shipEvent("S1", "4", 1))
	require.NoError(t, err)
	require.NotNil(t, posting)
	require.True(t, posting.TotalCost.Equal(dec("4.00")))
	require.Len(t, repo.postings, 1)
}

func TestDuplicateShipmentWithMissingPostingIsAnError(t *testing.T) {
	led := newFakeLedger()
	led.applied["S1"] = true // applied historically, but the posting store has no row
	repo := &memPostingRepo{}
	engine := NewEngine(led, repo, nil, nil, nil, EngineConfig{})

	posting, err := engine.ProcessEvent(context.Background(), shipEvent("S1", "4", 1))
	require.ErrorIs(t, err, ErrPostingNotFound)
	require.Nil(t, posting)
}

func TestInsufficientStockParksEvent(t *testing.T) {
	led := newFakeLedger()
	repo := &memPostingRepo{}
	engine := NewEngine(led, repo, nil, nil, nil, EngineConfig{})
	ctx := context.Background()

	_, err := engine.ProcessEvent(ctx, receiptEvent("R1", "3", "1.00", 0))
	require.NoError(t, err)

	_, err = engine.ProcessEvent(ctx, shipEvent("S1", "9", 1))
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	require.Empty(t, repo.postings)
	require.Len(t, repo.parked, 1)
	require.Equal(t, ParkReasonInsufficientStock, repo.parked[0].Reason)
	require.Equal(t, "S1", repo.parked[0].EventID)
	require.Equal(t, "3", repo.parked[0].Evidence["on_hand"])
}

func TestInvalidEventIsRejectedWithEvidence(t *testing.T) {
	led := newFakeLedger()
	repo := &memPostingRepo{}
	engine := NewEngine(led, repo, nil, nil, nil, EngineConfig{})

	event := shipEvent("S1", "5", 0)
	event.Quantity = dec("5") // wrong sign for a shipment
	_, err := engine.ProcessEvent(context.Background(), event)
	require.ErrorIs(t, err, ledger.ErrInvalidEvent)
	require.Len(t, repo.parked, 1)
	require.Equal(t, ParkReasonInvalidEvent, repo.parked[0].Reason)
}

func TestStandardCostingRecordsVariance(t *testing.T) {
	led := newFakeLedger()
	repo := &memPostingRepo{}
	std := dec("2.00")
	cfg := staticConfig{"SKU-1": {SKU: "SKU-1", Method: ledger.MethodStandard, StandardCost: &std}}
	engine := NewEngine(led, repo, cfg, nil, nil, EngineConfig{})
	ctx := context.Background()

	_, err := engine.ProcessEvent(ctx, receiptEvent("R1", "10", "2.40", 0))
	require.NoError(t, err)

	posting, err := engine.ProcessEvent(ctx, shipEvent("S1", "5", 1))
	require.NoError(t, err)
	require.True(t, posting.UnitCostApplied.Equal(dec("2.00")))
	require.True(t, posting.TotalCost.Equal(dec("10.00")))
	// actual 2.40 vs standard 2.00 over 5 units
	require.True(t, posting.VarianceAmount.Equal(dec("2.00")))
}

func TestConfigurationErrorIsFatalPerSKU(t *testing.T) {
	led := newFakeLedger()
	repo := &memPostingRepo{}
	cfg := staticConfig{"SKU-1": {SKU: "SKU-1", Method: ledger.MethodStandard}} // no standard cost
	engine := NewEngine(led, repo, cfg, nil, nil, EngineConfig{})
	ctx := context.Background()

	_, err := engine.ProcessEvent(ctx, receiptEvent("R1", "10", "1.00", 0))
	require.NoError(t, err)

	_, err = engine.ProcessEvent(ctx, shipEvent("S1", "2", 1))
	require.ErrorIs(t, err, ErrConfiguration)
	require.Len(t, repo.parked, 1)
	require.Equal(t, ParkReasonConfiguration, repo.parked[0].Reason)

	// other SKUs keep flowing on the fallback method
	other := receiptEvent("R2", "10", "1.00", 2)
	other.SKU = "SKU-2"
	_, err = engine.ProcessEvent(ctx, other)
	require.NoError(t, err)
	ship := shipEvent("S2", "2", 3)
	ship.SKU = "SKU-2"
	_, err = engine.ProcessEvent(ctx, ship)
	require.NoError(t, err)
}

type flakyDelivery struct {
	failures int
	calls    int
}

func (d *flakyDelivery) Deliver(ctx context.Context, posting Posting) error {
	d.calls++
	if d.calls <= d.failures {
		return errors.New("erp unavailable")
	}
	return nil
}

func TestDeliveryRetriesWithoutLedgerMutation(t *testing.T) {
	led := newFakeLedger()
	repo := &memPostingRepo{}
	engine := NewEngine(led, repo, nil, nil, nil, EngineConfig{})
	ctx := context.Background()

	_, err := engine.ProcessEvent(ctx, receiptEvent("R1", "10", "1.00", 0))
	require.NoError(t, err)
	_, err = engine.ProcessEvent(ctx, shipEvent("S1", "4", 1))
	require.NoError(t, err)
	mutations := led.mutations

	delivery := &flakyDelivery{failures: 2}
	_, err = engine.DeliverPending(ctx, delivery, 10)
	require.ErrorIs(t, err, ErrPostingDelivery)

	_, err = engine.DeliverPending(ctx, delivery, 10)
	require.ErrorIs(t, err, ErrPostingDelivery)

	delivered, err := engine.DeliverPending(ctx, delivery, 10)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Equal(t, mutations, led.mutations, "delivery retries must not touch the ledger")

	pending, err := repo.ListUndelivered(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}
