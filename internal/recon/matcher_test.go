package recon

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockproof/stockproof/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func snap(lines ...SnapshotLine) Snapshot {
	return Snapshot{Period: "2026-03", TakenAt: time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC), Lines: lines}
}

func pos(sku, loc, qty string) ledger.Position {
	return ledger.Position{SKU: sku, Location: loc, OnHand: dec(qty)}
}

func findRecord(t *testing.T, records []Record, sku, loc string) Record {
	t.Helper()
	for _, r := range records {
		if r.SKU == sku && r.Location == loc {
			return r
		}
	}
	t.Fatalf("no record for %s/%s", sku, loc)
	return Record{}
}

func TestVarianceAtThresholdIsMatched(t *testing.T) {
	tol := Tolerance{Absolute: dec("5")}
	records := Match(snap(
		SnapshotLine{SKU: "A", Location: "DC", Quantity: dec("105")},
		SnapshotLine{SKU: "B", Location: "DC", Quantity: dec("106")},
	), []ledger.Position{pos("A", "DC", "100"), pos("B", "DC", "100")}, tol, nil)

	require.Len(t, records, 2)
	require.Equal(t, StatusMatched, findRecord(t, records, "A", "DC").Status)
	require.Equal(t, StatusVariance, findRecord(t, records, "B", "DC").Status)
}

func TestPercentTolerance(t *testing.T) {
	tol := Tolerance{Percent: dec("1")}
	records := Match(snap(
		SnapshotLine{SKU: "A", Location: "DC", Quantity: dec("1010")},
		SnapshotLine{SKU: "B", Location: "DC", Quantity: dec("1011")},
	), []ledger.Position{pos("A", "DC", "1000"), pos("B", "DC", "1000")}, tol, nil)

	require.Equal(t, StatusMatched, findRecord(t, records, "A", "DC").Status)
	require.Equal(t, StatusVariance, findRecord(t, records, "B", "DC").Status)
}

func TestMissingSidesAreAnnotated(t *testing.T) {
	records := Match(snap(
		SnapshotLine{SKU: "ONLY-WMS", Location: "DC", Quantity: dec("7")},
	), []ledger.Position{pos("ONLY-ERP", "DC", "9")}, Tolerance{}, nil)

	require.Len(t, records, 2)
	wms := findRecord(t, records, "ONLY-WMS", "DC")
	require.Equal(t, StatusVariance, wms.Status)
	require.True(t, wms.ERPQuantity.IsZero())
	require.Contains(t, wms.ResolutionNote, "missing in ledger")

	erp := findRecord(t, records, "ONLY-ERP", "DC")
	require.True(t, erp.WMSQuantity.IsZero())
	require.Contains(t, erp.ResolutionNote, "missing in WMS snapshot")
	require.True(t, erp.Variance.Equal(dec("-9")))
}

func TestSeverityBands(t *testing.T) {
	records := Match(snap(
		SnapshotLine{SKU: "CRIT", Location: "DC", Quantity: dec("250")},
		SnapshotLine{SKU: "HIGH", Location: "DC", Quantity: dec("180")},
		SnapshotLine{SKU: "MED", Location: "DC", Quantity: dec("130")},
		SnapshotLine{SKU: "LOW", Location: "DC", Quantity: dec("104")},
	), []ledger.Position{
		pos("CRIT", "DC", "100"), pos("HIGH", "DC", "100"),
		pos("MED", "DC", "100"), pos("LOW", "DC", "100"),
	}, Tolerance{}, nil)

	require.Equal(t, SeverityCritical, findRecord(t, records, "CRIT", "DC").Severity)
	require.Equal(t, SeverityHigh, findRecord(t, records, "HIGH", "DC").Severity)
	require.Equal(t, SeverityMedium, findRecord(t, records, "MED", "DC").Severity)
	require.Equal(t, SeverityLow, findRecord(t, records, "LOW", "DC").Severity)
}

func TestRootCauseHint(t *testing.T) {
	hints := []EventHint{{EventID: "S9", SKU: "A", Location: "DC", Quantity: dec("-15"), Reason: "INSUFFICIENT_STOCK"}}
	records := Match(snap(
		SnapshotLine{SKU: "A", Location: "DC", Quantity: dec("85")},
	), []ledger.Position{pos("A", "DC", "100")}, Tolerance{}, hints)

	record := findRecord(t, records, "A", "DC")
	require.Equal(t, StatusVariance, record.Status)
	require.Contains(t, record.ResolutionNote, "event S9")
	require.Contains(t, record.ResolutionNote, "INSUFFICIENT_STOCK")
}

func TestRecordsSortedByVarianceMagnitude(t *testing.T) {
	records := Match(snap(
		SnapshotLine{SKU: "SMALL", Location: "DC", Quantity: dec("101")},
		SnapshotLine{SKU: "BIG", Location: "DC", Quantity: dec("300")},
	), []ledger.Position{pos("SMALL", "DC", "100"), pos("BIG", "DC", "100")}, Tolerance{}, nil)

	require.Equal(t, "BIG", records[0].SKU)
	require.Equal(t, "SMALL", records[1].SKU)
}

func TestStatusTransitions(t *testing.T) {
	require.NoError(t, ValidateStatusTransition(StatusVariance, StatusInvestigating))
	require.NoError(t, ValidateStatusTransition(StatusVariance, StatusResolved))
	require.NoError(t, ValidateStatusTransition(StatusInvestigating, StatusResolved))
	require.NoError(t, ValidateStatusTransition(StatusResolved, StatusInvestigating))
	require.NoError(t, ValidateStatusTransition(StatusMatched, StatusMatched))
	require.ErrorIs(t, ValidateStatusTransition(StatusMatched, StatusVariance), ErrInvalidStatusTransition)
	require.ErrorIs(t, ValidateStatusTransition(StatusInvestigating, StatusVariance), ErrInvalidStatusTransition)
}

type memReconRepo struct {
	records []Record
}

func (r *memReconRepo) InsertRecords(ctx context.Context, records []Record) error {
	r.records = append(r.records, records...)
	return nil
}

func (r *memReconRepo) ListRecords(ctx context.Context, period string) ([]Record, error) {
	var out []Record
	for _, record := range r.records {
		if record.Period == period {
			out = append(out, record)
		}
	}
	return out, nil
}

func (r *memReconRepo) ListPeriods(ctx context.Context, limit int) ([]string, error) {
	seen := map[string]bool{}
	var periods []string
	for _, record := range r.records {
		if !seen[record.Period] {
			seen[record.Period] = true
			periods = append(periods, record.Period)
		}
	}
	return periods, nil
}

func (r *memReconRepo) GetRecord(ctx context.Context, id string) (Record, error) {
	for _, record := range r.records {
		if record.ID == id {
			return record, nil
		}
	}
	return Record{}, ErrRecordNotFound
}

func (r *memReconRepo) UpdateStatus(ctx context.Context, id string, status RecordStatus, note string) error {
	for i := range r.records {
		if r.records[i].ID == id {
			r.records[i].Status = status
			return nil
		}
	}
	return ErrRecordNotFound
}

type staticPositions []ledger.Position

func (p staticPositions) Positions(ctx context.Context) ([]ledger.Position, error) {
	return p, nil
}

func TestServiceRunStoresRecords(t *testing.T) {
	repo := &memReconRepo{}
	positions := staticPositions{pos("A", "DC", "100"), pos("B", "DC", "50")}
	svc := NewService(repo, positions, nil, nil, nil, ServiceConfig{Tolerance: Tolerance{Absolute: dec("2")}})

	result, err := svc.Run(context.Background(), snap(
		SnapshotLine{SKU: "A", Location: "DC", Quantity: dec("101")},
		SnapshotLine{SKU: "B", Location: "DC", Quantity: dec("40")},
	))
	require.NoError(t, err)
	require.Equal(t, 2, result.Records)
	require.Equal(t, 1, result.Matched)
	require.Equal(t, 1, result.Variances)

	stored, err := svc.Records(context.Background(), "2026-03")
	require.NoError(t, err)
	require.Len(t, stored, 2)
}
