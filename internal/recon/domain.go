package recon

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// RecordStatus enumerates reconciliation record lifecycle values.
type RecordStatus string

const (
	// StatusMatched indicates the variance is inside tolerance.
	StatusMatched RecordStatus = "MATCHED"
	// StatusVariance indicates an unexplained out-of-tolerance difference.
	StatusVariance RecordStatus = "VARIANCE"
	// StatusInvestigating indicates the variance is being worked.
	StatusInvestigating RecordStatus = "INVESTIGATING"
	// StatusResolved indicates the variance was explained or corrected.
	StatusResolved RecordStatus = "RESOLVED"
)

// Severity bands a variance magnitude for triage.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// severityFor bands the absolute variance: critical above 100 units, high
// above 50, medium above 10, low otherwise.
func severityFor(variance decimal.Decimal) Severity {
	abs := variance.Abs()
	switch {
	case abs.GreaterThan(decimal.NewFromInt(100)):
		return SeverityCritical
	case abs.GreaterThan(decimal.NewFromInt(50)):
		return SeverityHigh
	case abs.GreaterThan(decimal.NewFromInt(10)):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Record compares WMS-reported and ledger quantities for one
// (SKU, location, period).
type Record struct {
	ID             string
	SKU            string
	Location       string
	Period         string
	WMSQuantity    decimal.Decimal
	ERPQuantity    decimal.Decimal
	Variance       decimal.Decimal
	VariancePct    decimal.Decimal
	Status         RecordStatus
	Severity       Severity
	ResolutionNote string
	CreatedAt      time.Time
}

// SnapshotLine is one reported quantity from the WMS snapshot.
type SnapshotLine struct {
	SKU      string
	Location string
	Quantity decimal.Decimal
}

// Snapshot is the periodic WMS inventory export.
type Snapshot struct {
	Period  string
	TakenAt time.Time
	Lines   []SnapshotLine
}

// Tolerance bounds variances still classified as matched. A zero bound is
// disabled; a variance is matched when it is inside either enabled bound
// (boundary inclusive).
type Tolerance struct {
	Absolute decimal.Decimal
	Percent  decimal.Decimal
}

func (t Tolerance) within(variance, erpQty decimal.Decimal) bool {
	abs := variance.Abs()
	if t.Absolute.Sign() > 0 && abs.LessThanOrEqual(t.Absolute) {
		return true
	}
	if t.Percent.Sign() > 0 && erpQty.Sign() != 0 {
		pct := abs.Div(erpQty.Abs()).Mul(decimal.NewFromInt(100))
		if pct.LessThanOrEqual(t.Percent) {
			return true
		}
	}
	return variance.IsZero()
}

// EventHint points at an unprocessed or rejected event whose quantity may
// explain a variance. Best-effort, not authoritative.
type EventHint struct {
	EventID  string
	SKU      string
	Location string
	Quantity decimal.Decimal
	Reason   string
}

// ErrInvalidStatusTransition indicates a record status change not allowed.
var ErrInvalidStatusTransition = errors.New("recon: status transition invalid")

// ValidateStatusTransition checks record lifecycle moves. Matched records are
// terminal; variances move to investigating or resolved, and resolved
// records may be reopened for investigation.
func ValidateStatusTransition(current, target RecordStatus) error {
	if current == target {
		return nil
	}
	switch current {
	case StatusVariance:
		if target == StatusInvestigating || target == StatusResolved {
			return nil
		}
	case StatusInvestigating:
		if target == StatusResolved {
			return nil
		}
	case StatusResolved:
		if target == StatusInvestigating {
			return nil
		}
	}
	return ErrInvalidStatusTransition
}
