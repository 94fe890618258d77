package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	events map[string]Event
	lots   []CostLot
}

type memoryTx struct {
	repo    *memoryRepo
	events  []Event
	inserts []CostLot
	updates map[string]decimal.Decimal
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{events: make(map[string]Event)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, updates: make(map[string]decimal.Decimal)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, event := range tx.events {
		r.events[event.ID] = event
	}
	for i := range r.lots {
		if remaining, ok := tx.updates[r.lots[i].ID]; ok {
			r.lots[i].RemainingQty = remaining
		}
	}
	r.lots = append(r.lots, tx.inserts...)
	return nil
}

func (r *memoryRepo) GetPosition(ctx context.Context, sku, location string) (Position, error) {
	lots, _ := r.ListLots(ctx, sku, location)
	return PositionFromLots(sku, location, lots), nil
}

func (r *memoryRepo) ListPositions(ctx context.Context) ([]Position, error) {
	seen := make(map[string]bool)
	var positions []Position
	for _, lot := range r.lots {
		key := lot.SKU + ":" + lot.Location
		if seen[key] {
			continue
		}
		seen[key] = true
		pos, _ := r.GetPosition(ctx, lot.SKU, lot.Location)
		positions = append(positions, pos)
	}
	return positions, nil
}

func (r *memoryRepo) ListLots(ctx context.Context, sku, location string) ([]CostLot, error) {
	var lots []CostLot
	for _, lot := range r.lots {
		if lot.SKU == sku && lot.Location == location {
			lots = append(lots, lot)
		}
	}
	return lots, nil
}

func (r *memoryRepo) ListEvents(ctx context.Context, sku, location string, since time.Time) ([]Event, error) {
	var events []Event
	for _, event := range r.events {
		if event.SKU == sku && event.Location == location && !event.OccurredAt.Before(since) {
			events = append(events, event)
		}
	}
	return events, nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, event Event) error {
	if _, ok := tx.repo.events[event.ID]; ok {
		return ErrDuplicateEvent
	}
	tx.events = append(tx.events, event)
	return nil
}

func (tx *memoryTx) LockLots(ctx context.Context, sku, location string) ([]CostLot, error) {
	return tx.repo.ListLots(ctx, sku, location)
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot CostLot) error {
	tx.inserts = append(tx.inserts, lot)
	return nil
}

func (tx *memoryTx) UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	tx.updates[lotID] = remaining
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 9, minute, 0, 0, time.UTC)
}

func receive(t *testing.T, svc *Service, eventID, qty, cost string, minute int) {
	t.Helper()
	_, err := svc.ApplyReceipt(context.Background(), ReceiptInput{
		EventID:    eventID,
		SKU:        "SKU-1",
		Location:   "DC-EAST",
		Quantity:   dec(qty),
		UnitCost:   dec(cost),
		OccurredAt: at(minute),
	})
	require.NoError(t, err)
}

func TestFIFOConsumesOldestFirst(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receive(t, svc, "R1", "100", "2.00", 0)
	receive(t, svc, "R2", "50", "2.50", 5)

	result, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID:    "S1",
		SKU:        "SKU-1",
		Location:   "DC-EAST",
		Quantity:   dec("120"),
		Method:     MethodFIFO,
		OccurredAt: at(10),
	})
	require.NoError(t, err)
	require.Len(t, result.Consumptions, 2)
	require.True(t, result.Consumptions[0].Quantity.Equal(dec("100")))
	require.True(t, result.Consumptions[0].UnitCost.Equal(dec("2.00")))
	require.True(t, result.Consumptions[1].Quantity.Equal(dec("20")))
	require.True(t, result.Consumptions[1].UnitCost.Equal(dec("2.50")))
	require.True(t, result.TotalCost().Equal(dec("250.00")))

	pos, err := svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("30")))
	require.True(t, pos.AvgUnitCost.Equal(dec("2.50")))
}

func TestFIFOWithinFirstLot(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receive(t, svc, "R1", "10", "1.00", 0)
	receive(t, svc, "R2", "10", "2.00", 5)
	receive(t, svc, "R3", "10", "3.00", 10)

	result, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("8"), Method: MethodFIFO, OccurredAt: at(15),
	})
	require.NoError(t, err)
	require.Len(t, result.Consumptions, 1)
	require.True(t, result.Consumptions[0].UnitCost.Equal(dec("1.00")))
}

func TestLIFOConsumesNewestFirst(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receive(t, svc, "R1", "10", "1.00", 0)
	receive(t, svc, "R2", "10", "2.00", 5)
	receive(t, svc, "R3", "10", "3.00", 10)

	result, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("8"), Method: MethodLIFO, OccurredAt: at(15),
	})
	require.NoError(t, err)
	require.Len(t, result.Consumptions, 1)
	require.True(t, result.Consumptions[0].UnitCost.Equal(dec("3.00")))

	pos, err := svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("22")))
}

func TestAverageCostInvariant(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	receive(t, svc, "R1", "10", "1.00", 0)
	receive(t, svc, "R2", "30", "2.00", 5)

	result, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("20"), Method: MethodAverage, OccurredAt: at(10),
	})
	require.NoError(t, err)
	// pool rate: (10*1 + 30*2) / 40 = 1.75
	require.True(t, result.TotalCost().Equal(dec("35.00")))

	pos, err := svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	lots, err := svc.Lots(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	lotValue := decimal.Zero
	for _, lot := range lots {
		lotValue = lotValue.Add(lot.RemainingQty.Mul(lot.UnitCost))
	}
	diff := pos.AvgUnitCost.Mul(pos.OnHand).Sub(lotValue).Abs()
	require.True(t, diff.LessThan(dec("0.0001")), "avg*onhand %s vs lot value %s", pos.AvgUnitCost.Mul(pos.OnHand), lotValue)
}

func TestConservation(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receipts := decimal.Zero
	shipments := decimal.Zero

	receive(t, svc, "R1", "40", "1.10", 0)
	receipts = receipts.Add(dec("40"))
	receive(t, svc, "R2", "25", "1.20", 5)
	receipts = receipts.Add(dec("25"))

	_, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("33"), Method: MethodFIFO, OccurredAt: at(10),
	})
	require.NoError(t, err)
	shipments = shipments.Add(dec("33"))

	receive(t, svc, "R3", "12", "1.30", 15)
	receipts = receipts.Add(dec("12"))

	_, err = svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S2", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("7"), Method: MethodFIFO, OccurredAt: at(20),
	})
	require.NoError(t, err)
	shipments = shipments.Add(dec("7"))

	pos, err := svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(receipts.Sub(shipments)))
}

func TestDuplicateEventIsRejectedWithoutMutation(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receive(t, svc, "R1", "10", "1.00", 0)

	_, err := svc.ApplyReceipt(context.Background(), ReceiptInput{
		EventID: "R1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("10"), UnitCost: dec("1.00"), OccurredAt: at(1),
	})
	require.ErrorIs(t, err, ErrDuplicateEvent)

	pos, err := svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("10")))

	_, err = svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("4"), Method: MethodFIFO, OccurredAt: at(2),
	})
	require.NoError(t, err)
	_, err = svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("4"), Method: MethodFIFO, OccurredAt: at(2),
	})
	require.ErrorIs(t, err, ErrDuplicateEvent)

	pos, err = svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("6")))
}

func TestInsufficientStockRejected(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receive(t, svc, "R1", "5", "1.00", 0)

	_, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("6"), Method: MethodFIFO, OccurredAt: at(1),
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// rejected event leaves no trace, so a retry with the same id succeeds
	// after stock arrives
	receive(t, svc, "R2", "5", "1.00", 2)
	_, err = svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("6"), Method: MethodFIFO, OccurredAt: at(3),
	})
	require.NoError(t, err)
}

func TestShipmentOnApplyFailureRollsBack(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, ServiceConfig{})
	receive(t, svc, "R1", "10", "1.00", 0)

	hookErr := errors.New("posting store down")
	_, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("4"), Method: MethodFIFO, OccurredAt: at(1),
		OnApply: func(ctx context.Context, result ShipmentResult) error { return hookErr },
	})
	require.ErrorIs(t, err, hookErr)

	pos, err := svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("10")), "failed hook must leave lots untouched")

	// the event was rolled back with the hook, so the retry goes through
	var applied ShipmentResult
	_, err = svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("4"), Method: MethodFIFO, OccurredAt: at(1),
		OnApply: func(ctx context.Context, result ShipmentResult) error {
			applied = result
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, applied.Consumptions, 1)
	require.True(t, applied.Consumptions[0].Quantity.Equal(dec("4")))
}

func TestNegativeToleranceRecordsOverdraft(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{AllowNegativeStock: true})
	receive(t, svc, "R1", "5", "2.00", 0)

	result, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("8"), Method: MethodFIFO, OccurredAt: at(1),
	})
	require.NoError(t, err)
	require.True(t, result.Overdraft.Equal(dec("3")))
	require.NotNil(t, result.OverdraftLot)
	require.True(t, result.OverdraftLot.RemainingQty.Equal(dec("-3")))
	require.True(t, result.OverdraftLot.UnitCost.Equal(dec("2.00")))
	require.True(t, result.TotalQuantity().Equal(dec("8")))
	require.True(t, result.TotalCost().Equal(dec("16.00")))

	pos, err := svc.Position(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("-3")))
}

func TestStandardCostCarriesActuals(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receive(t, svc, "R1", "10", "2.40", 0)

	std := dec("2.00")
	result, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("4"), Method: MethodStandard, StandardCost: &std, OccurredAt: at(1),
	})
	require.NoError(t, err)
	require.Len(t, result.Consumptions, 1)
	require.True(t, result.Consumptions[0].UnitCost.Equal(dec("2.00")))
	require.True(t, result.Consumptions[0].ActualUnitCost.Equal(dec("2.40")))

	_, err = svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S2", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("1"), Method: MethodStandard, OccurredAt: at(2),
	})
	require.ErrorIs(t, err, ErrMissingStandardCost)
}

func TestZeroLotsExcludedFromConsumption(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})
	receive(t, svc, "R1", "10", "1.00", 0)
	receive(t, svc, "R2", "10", "2.00", 5)

	_, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("10"), Method: MethodFIFO, OccurredAt: at(10),
	})
	require.NoError(t, err)

	result, err := svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S2", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("5"), Method: MethodFIFO, OccurredAt: at(15),
	})
	require.NoError(t, err)
	require.Len(t, result.Consumptions, 1)
	require.True(t, result.Consumptions[0].UnitCost.Equal(dec("2.00")))

	// consumed lot stays on record for audit
	lots, err := svc.Lots(context.Background(), "SKU-1", "DC-EAST")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.True(t, lots[0].RemainingQty.IsZero())
	require.True(t, lots[0].OriginalQty.Equal(dec("10")))
}

func TestInvalidEvents(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, ServiceConfig{})

	_, err := svc.ApplyReceipt(context.Background(), ReceiptInput{
		EventID: "R1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("-5"), UnitCost: dec("1.00"), OccurredAt: at(0),
	})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = svc.ApplyReceipt(context.Background(), ReceiptInput{
		EventID: "R2", SKU: "", Location: "DC-EAST",
		Quantity: dec("5"), UnitCost: dec("1.00"), OccurredAt: at(0),
	})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = svc.ApplyShipment(context.Background(), ShipmentInput{
		EventID: "S1", SKU: "SKU-1", Location: "DC-EAST",
		Quantity: dec("5"), Method: CostingMethod("RETAIL"), OccurredAt: at(0),
	})
	require.ErrorIs(t, err, ErrUnknownMethod)
}
