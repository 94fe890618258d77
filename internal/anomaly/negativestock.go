package anomaly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/costing"
	"github.com/stockproof/stockproof/internal/ledger"
)

// NegativeStockConfig bands overdraft magnitude and controls cause analysis.
type NegativeStockConfig struct {
	// ModerateAt and SevereAt are positive magnitudes: an on-hand of
	// -ModerateAt or worse is MEDIUM, -SevereAt or worse is HIGH.
	ModerateAt decimal.Decimal
	SevereAt   decimal.Decimal
	// EscalateAfter bumps severity one band when the condition has stayed
	// open longer than this, measured in event time.
	EscalateAfter time.Duration
	// CauseWindow is how far back event history is read for cause hints.
	CauseWindow time.Duration
}

// DefaultNegativeStockConfig mirrors operational triage bands.
func DefaultNegativeStockConfig() NegativeStockConfig {
	return NegativeStockConfig{
		ModerateAt:    decimal.NewFromInt(10),
		SevereAt:      decimal.NewFromInt(50),
		EscalateAfter: 48 * time.Hour,
		CauseWindow:   7 * 24 * time.Hour,
	}
}

func (c NegativeStockConfig) severityFor(onHand decimal.Decimal) Severity {
	magnitude := onHand.Neg()
	switch {
	case magnitude.GreaterThanOrEqual(c.SevereAt):
		return SeverityHigh
	case magnitude.GreaterThanOrEqual(c.ModerateAt):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// historyPort is the slice of the ledger used for cause analysis.
type historyPort interface {
	History(ctx context.Context, sku, location string, since time.Time) ([]ledger.Event, error)
}

// detectNegativeStock emits a finding for every position with negative
// on-hand. Open findings for the same pair are re-used: a still-negative
// position reported last cycle produces no second finding unless its
// severity grew, in which case a superseding finding is emitted.
func detectNegativeStock(
	ctx context.Context,
	positions []ledger.Position,
	history historyPort,
	parked []costing.ParkedEvent,
	open map[string]Finding,
	cfg NegativeStockConfig,
	at time.Time,
) ([]Finding, error) {
	parkedPairs := make(map[string]int)
	for _, p := range parked {
		parkedPairs[p.SKU+"\x00"+p.Location]++
	}

	var findings []Finding
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pos.OnHand.Sign() >= 0 {
			continue
		}

		finding := Finding{
			ID:         uuid.NewString(),
			Type:       FindingNegativeStock,
			SKU:        pos.SKU,
			Location:   pos.Location,
			Severity:   cfg.severityFor(pos.OnHand),
			DetectedAt: at,
			Status:     StatusOpen,
			Evidence: map[string]string{
				"on_hand": pos.OnHand.String(),
			},
		}

		if prior, ok := open[finding.Key()]; ok {
			age := at.Sub(prior.DetectedAt)
			if cfg.EscalateAfter > 0 && age >= cfg.EscalateAfter {
				finding.Severity = escalate(finding.Severity)
				finding.Evidence["open_since"] = prior.DetectedAt.Format(time.RFC3339)
			}
			if !severityAbove(finding.Severity, prior.Severity) {
				continue
			}
			finding.Evidence["supersedes"] = prior.ID
		}

		causes, err := negativeStockCauses(ctx, history, pos, parkedPairs, cfg, at)
		if err != nil {
			return nil, err
		}
		finding.Evidence["causes"] = strings.Join(causes, "; ")
		findings = append(findings, finding)
	}
	return findings, nil
}

func severityAbove(a, b Severity) bool {
	rank := map[Severity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2}
	return rank[a] > rank[b]
}

// negativeStockCauses inspects recent event history for the usual suspects
// behind an overdraft. Best-effort hints for the operations team, not a
// diagnosis.
func negativeStockCauses(
	ctx context.Context,
	history historyPort,
	pos ledger.Position,
	parkedPairs map[string]int,
	cfg NegativeStockConfig,
	at time.Time,
) ([]string, error) {
	var causes []string

	since := at.Add(-cfg.CauseWindow)
	events, err := history.History(ctx, pos.SKU, pos.Location, since)
	if err != nil {
		return nil, fmt.Errorf("anomaly: event history for %s/%s: %w", pos.SKU, pos.Location, err)
	}

	var shipped decimal.Decimal
	receipts := 0
	negativeAdjustments := 0
	for _, event := range events {
		switch event.Type {
		case ledger.EventShipment:
			shipped = shipped.Add(event.Quantity.Abs())
		case ledger.EventReceipt, ledger.EventReturn:
			receipts++
		case ledger.EventAdjustment:
			if event.Quantity.Sign() < 0 {
				negativeAdjustments++
			}
		}
	}

	if shipped.Sign() > 0 {
		causes = append(causes, "over-shipment in window")
	}
	if receipts == 0 {
		causes = append(causes, "no receipts in past "+windowLabel(cfg.CauseWindow))
	}
	if negativeAdjustments > 0 {
		causes = append(causes, "recent negative adjustments")
	}
	if n := parkedPairs[pos.SKU+"\x00"+pos.Location]; n > 0 {
		causes = append(causes, fmt.Sprintf("%d parked events awaiting resolution", n))
	}
	if len(causes) == 0 {
		causes = append(causes, "unknown cause")
	}
	return causes, nil
}

// windowLabel renders a lookback duration for cause hints, in days when the
// window is a whole number of them.
func windowLabel(window time.Duration) string {
	if days := int(window / (24 * time.Hour)); days >= 1 && window == time.Duration(days)*24*time.Hour {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return window.String()
}
