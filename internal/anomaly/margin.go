package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/costing"
)

// MarginConfig controls the statistical margin check.
type MarginConfig struct {
	// WindowSize bounds the trailing sample window per SKU.
	WindowSize int
	// ZThreshold flags margins deviating at least this many standard
	// deviations from the window mean.
	ZThreshold float64
	// MinSamples is the warm-up before any posting is judged.
	MinSamples int
}

// DefaultMarginConfig mirrors the scheduler defaults.
func DefaultMarginConfig() MarginConfig {
	return MarginConfig{WindowSize: 50, ZThreshold: 3, MinSamples: 5}
}

// marginWindow is a fixed-size ring buffer of realized margins for one SKU.
// Bounded so a long-running checker never recomputes from full history.
type marginWindow struct {
	samples []float64
	next    int
	full    bool
}

func newMarginWindow(size int) *marginWindow {
	if size < 2 {
		size = 2
	}
	return &marginWindow{samples: make([]float64, 0, size)}
}

func (w *marginWindow) add(v float64) {
	if !w.full && len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, v)
		if len(w.samples) == cap(w.samples) {
			w.full = true
		}
		return
	}
	w.samples[w.next] = v
	w.next = (w.next + 1) % cap(w.samples)
}

func (w *marginWindow) stats() (mean, stddev float64, n int) {
	n = len(w.samples)
	if n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range w.samples {
		sum += v
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, 0, n
	}
	var variance float64
	for _, v := range w.samples {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(n - 1)
	return mean, math.Sqrt(variance), n
}

// MarginChecker keeps a per-SKU trailing window of realized margins and
// flags postings whose margin is a statistical outlier. Not safe for
// concurrent use; the scan loop owns it.
type MarginChecker struct {
	cfg     MarginConfig
	windows map[string]*marginWindow
}

// NewMarginChecker builds a checker with empty windows.
func NewMarginChecker(cfg MarginConfig) *MarginChecker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultMarginConfig().WindowSize
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = DefaultMarginConfig().ZThreshold
	}
	if cfg.MinSamples < 3 {
		cfg.MinSamples = 3
	}
	return &MarginChecker{cfg: cfg, windows: make(map[string]*marginWindow)}
}

// Check computes the realized margin for one posting against the supplied
// sale price, compares it to the SKU's trailing window, then folds it into
// the window. The current posting never judges itself.
func (c *MarginChecker) Check(posting costing.Posting, salePrice decimal.Decimal, at time.Time) (Finding, bool) {
	if salePrice.Sign() <= 0 || posting.QuantityConsumed.Sign() <= 0 {
		return Finding{}, false
	}
	price, _ := salePrice.Float64()
	cost, _ := posting.UnitCostApplied.Float64()
	margin := (price - cost) / price

	window, ok := c.windows[posting.SKU]
	if !ok {
		window = newMarginWindow(c.cfg.WindowSize)
		c.windows[posting.SKU] = window
	}
	mean, stddev, n := window.stats()
	window.add(margin)

	if n < c.cfg.MinSamples || stddev == 0 {
		return Finding{}, false
	}
	z := math.Abs(margin-mean) / stddev
	if z < c.cfg.ZThreshold {
		return Finding{}, false
	}

	severity := SeverityMedium
	if z >= c.cfg.ZThreshold*1.5 {
		severity = SeverityHigh
	}
	return Finding{
		ID:         uuid.NewString(),
		Type:       FindingMarginOutlier,
		SKU:        posting.SKU,
		Location:   posting.Location,
		RefID:      posting.ID,
		Severity:   severity,
		DetectedAt: at,
		Status:     StatusOpen,
		Evidence: map[string]string{
			"posting_id":        posting.ID,
			"event_id":          posting.EventID,
			"sale_price":        salePrice.String(),
			"unit_cost_applied": posting.UnitCostApplied.String(),
			"margin":            fmt.Sprintf("%.4f", margin),
			"window_mean":       fmt.Sprintf("%.4f", mean),
			"window_stddev":     fmt.Sprintf("%.4f", stddev),
			"z_score":           fmt.Sprintf("%.2f", z),
			"window_samples":    fmt.Sprintf("%d", n),
		},
	}, true
}
