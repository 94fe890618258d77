package recon

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/ledger"
)

// Match merges a WMS snapshot with ledger positions for the same period and
// produces one record per (SKU, location) seen on either side. Pairs missing
// from one side count as zero there and are annotated accordingly.
func Match(snapshot Snapshot, positions []ledger.Position, tolerance Tolerance, hints []EventHint) []Record {
	type side struct {
		wms   decimal.Decimal
		erp   decimal.Decimal
		inWMS bool
		inERP bool
		sku   string
		loc   string
	}
	lookup := make(map[string]*side)
	keyOf := func(sku, loc string) string { return sku + "\x00" + loc }

	for _, line := range snapshot.Lines {
		key := keyOf(line.SKU, line.Location)
		entry, ok := lookup[key]
		if !ok {
			entry = &side{sku: line.SKU, loc: line.Location}
			lookup[key] = entry
		}
		entry.wms = entry.wms.Add(line.Quantity)
		entry.inWMS = true
	}
	for _, pos := range positions {
		key := keyOf(pos.SKU, pos.Location)
		entry, ok := lookup[key]
		if !ok {
			entry = &side{sku: pos.SKU, loc: pos.Location}
			lookup[key] = entry
		}
		entry.erp = pos.OnHand
		entry.inERP = true
	}

	records := make([]Record, 0, len(lookup))
	for _, entry := range lookup {
		variance := entry.wms.Sub(entry.erp)
		record := Record{
			ID:          uuid.New().String(),
			SKU:         entry.sku,
			Location:    entry.loc,
			Period:      snapshot.Period,
			WMSQuantity: entry.wms,
			ERPQuantity: entry.erp,
			Variance:    variance,
			Severity:    severityFor(variance),
			CreatedAt:   snapshot.TakenAt,
		}
		if entry.erp.Sign() != 0 {
			record.VariancePct = variance.Div(entry.erp.Abs()).Mul(decimal.NewFromInt(100)).Round(2)
		}
		if tolerance.within(variance, entry.erp) {
			record.Status = StatusMatched
		} else {
			record.Status = StatusVariance
			record.ResolutionNote = annotate(record, entry.inWMS, entry.inERP, hints)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Variance.Abs().Equal(records[j].Variance.Abs()) {
			return records[i].Variance.Abs().GreaterThan(records[j].Variance.Abs())
		}
		if records[i].SKU != records[j].SKU {
			return records[i].SKU < records[j].SKU
		}
		return records[i].Location < records[j].Location
	})
	return records
}

// annotate attaches best-effort root-cause hints: missing-side markers plus
// any unprocessed or rejected event whose quantity matches the variance.
func annotate(record Record, inWMS, inERP bool, hints []EventHint) string {
	note := ""
	switch {
	case !inWMS:
		note = "missing in WMS snapshot"
	case !inERP:
		note = "missing in ledger"
	}
	for _, hint := range hints {
		if hint.SKU != record.SKU || hint.Location != record.Location {
			continue
		}
		if !hint.Quantity.Abs().Equal(record.Variance.Abs()) {
			continue
		}
		cause := fmt.Sprintf("probable cause: event %s (%s, qty %s)", hint.EventID, hint.Reason, hint.Quantity)
		if note != "" {
			note += "; "
		}
		note += cause
		break
	}
	return note
}
