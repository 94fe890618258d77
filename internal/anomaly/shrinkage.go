package anomaly

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/recon"
)

// ShrinkageConfig controls the persistence test.
type ShrinkageConfig struct {
	// Periods is how many consecutive periods a negative variance must
	// persist before it is classified shrinkage. Minimum 2: a one-off
	// variance is a reconciliation problem, not shrinkage.
	Periods int
}

// DefaultShrinkageConfig requires two consecutive periods.
func DefaultShrinkageConfig() ShrinkageConfig {
	return ShrinkageConfig{Periods: 2}
}

// detectShrinkage classifies sustained negative WMS-vs-ledger variances.
// periods is ordered most recent first; recordsByPeriod holds the stored
// reconciliation records for each. A pair qualifies when every one of the
// most recent cfg.Periods periods carries an unexplained negative variance
// (physical count below ledger) for it.
func detectShrinkage(periods []string, recordsByPeriod map[string][]recon.Record, cfg ShrinkageConfig, at time.Time) []Finding {
	if cfg.Periods < 2 {
		cfg.Periods = 2
	}
	if len(periods) < cfg.Periods {
		return nil
	}
	window := periods[:cfg.Periods]

	type streak struct {
		variances []decimal.Decimal
		hits      int
	}
	streaks := make(map[string]*streak)
	for _, period := range window {
		for _, record := range recordsByPeriod[period] {
			if !unexplainedLoss(record) {
				continue
			}
			key := record.SKU + "\x00" + record.Location
			entry, ok := streaks[key]
			if !ok {
				entry = &streak{}
				streaks[key] = entry
			}
			entry.hits++
			entry.variances = append(entry.variances, record.Variance)
		}
	}

	var findings []Finding
	for key, entry := range streaks {
		if entry.hits < cfg.Periods {
			continue
		}
		sku, location, _ := strings.Cut(key, "\x00")

		var total decimal.Decimal
		parts := make([]string, 0, len(entry.variances))
		for i, v := range entry.variances {
			total = total.Add(v)
			parts = append(parts, window[i]+"="+v.String())
		}

		findings = append(findings, Finding{
			ID:         uuid.NewString(),
			Type:       FindingShrinkage,
			SKU:        sku,
			Location:   location,
			RefID:      window[0],
			Severity:   shrinkageSeverity(total),
			DetectedAt: at,
			Status:     StatusOpen,
			Evidence: map[string]string{
				"periods":        strings.Join(window, ","),
				"variances":      strings.Join(parts, "; "),
				"total_variance": total.String(),
			},
		})
	}
	return findings
}

// unexplainedLoss reports whether a record is a negative variance with no
// probable-cause event attached by the matcher.
func unexplainedLoss(record recon.Record) bool {
	if record.Status == recon.StatusMatched {
		return false
	}
	if record.Variance.Sign() >= 0 {
		return false
	}
	return !strings.Contains(record.ResolutionNote, "probable cause")
}

func shrinkageSeverity(total decimal.Decimal) Severity {
	magnitude := total.Abs()
	switch {
	case magnitude.GreaterThan(decimal.NewFromInt(50)):
		return SeverityHigh
	case magnitude.GreaterThan(decimal.NewFromInt(10)):
		return SeverityMedium
	default:
		return SeverityLow
	}
}
