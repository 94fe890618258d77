package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// consumable filters lots that still hold stock, preserving input order.
func consumable(lots []*CostLot) []*CostLot {
	out := make([]*CostLot, 0, len(lots))
	for _, lot := range lots {
		if lot.RemainingQty.Sign() > 0 {
			out = append(out, lot)
		}
	}
	return out
}

func onHand(lots []*CostLot) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.RemainingQty)
	}
	return total
}

// drainOrdered consumes qty across lots in the given order, decrementing
// RemainingQty in place. priceAt resolves the applied cost per lot.
func drainOrdered(lots []*CostLot, qty decimal.Decimal, priceAt func(*CostLot) decimal.Decimal) []Consumption {
	var consumed []Consumption
	remaining := qty
	for _, lot := range lots {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(lot.RemainingQty, remaining)
		lot.RemainingQty = lot.RemainingQty.Sub(take)
		consumed = append(consumed, Consumption{
			LotID:          lot.ID,
			Quantity:       take,
			UnitCost:       priceAt(lot),
			ActualUnitCost: lot.UnitCost,
		})
		remaining = remaining.Sub(take)
	}
	return consumed
}

// consumeFIFO draws from the oldest lots first.
func consumeFIFO(lots []*CostLot, qty decimal.Decimal) []Consumption {
	open := consumable(lots)
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].ReceivedAt.Before(open[j].ReceivedAt)
	})
	return drainOrdered(open, qty, func(lot *CostLot) decimal.Decimal { return lot.UnitCost })
}

// consumeLIFO draws from the newest lots first.
func consumeLIFO(lots []*CostLot, qty decimal.Decimal) []Consumption {
	open := consumable(lots)
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].ReceivedAt.After(open[j].ReceivedAt)
	})
	return drainOrdered(open, qty, func(lot *CostLot) decimal.Decimal { return lot.UnitCost })
}

// consumeAverage treats all open lots as one pool priced at the blended
// average cost. Physical depletion still runs oldest-first so that the lot
// trail stays deterministic, but every draw carries the pool rate.
func consumeAverage(lots []*CostLot, qty decimal.Decimal) []Consumption {
	open := consumable(lots)
	total := onHand(open)
	if total.Sign() <= 0 {
		return nil
	}
	value := decimal.Zero
	for _, lot := range open {
		value = value.Add(lot.RemainingQty.Mul(lot.UnitCost))
	}
	avg := value.Div(total)
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].ReceivedAt.Before(open[j].ReceivedAt)
	})
	return drainOrdered(open, qty, func(*CostLot) decimal.Decimal { return avg })
}

// consumeStandard depletes lots oldest-first but applies the configured
// standard cost. Callers compute the standard-vs-actual variance from the
// ActualUnitCost carried on each consumption.
func consumeStandard(lots []*CostLot, qty, standardCost decimal.Decimal) []Consumption {
	open := consumable(lots)
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].ReceivedAt.Before(open[j].ReceivedAt)
	})
	return drainOrdered(open, qty, func(*CostLot) decimal.Decimal { return standardCost })
}
