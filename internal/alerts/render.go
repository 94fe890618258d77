// Package alerts renders human-readable summaries of anomaly findings for
// delivery by external alert adapters.
package alerts

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/stockproof/stockproof/internal/anomaly"
)

// Summary aggregates one scan's findings for rendering.
type Summary struct {
	Total       int
	BySeverity  map[anomaly.Severity]int
	ByLocation  map[string]int
	TopFindings []anomaly.Finding
}

// Summarize folds findings into counts, keeping the highest-severity
// findings for the detail section.
func Summarize(findings []anomaly.Finding, topN int) Summary {
	s := Summary{
		Total:      len(findings),
		BySeverity: make(map[anomaly.Severity]int),
		ByLocation: make(map[string]int),
	}
	for _, f := range findings {
		s.BySeverity[f.Severity]++
		s.ByLocation[f.Location]++
	}
	ranked := make([]anomaly.Finding, len(findings))
	copy(ranked, findings)
	sort.SliceStable(ranked, func(i, j int) bool {
		return severityRank(ranked[i].Severity) > severityRank(ranked[j].Severity)
	})
	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	s.TopFindings = ranked
	return s
}

func severityRank(s anomaly.Severity) int {
	switch s {
	case anomaly.SeverityHigh:
		return 2
	case anomaly.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Renderer formats summaries with locale-aware number formatting.
type Renderer struct {
	printer *message.Printer
}

// NewRenderer builds a renderer for the given locale tag. Defaults to
// English when tag is zero.
func NewRenderer(tag language.Tag) *Renderer {
	if tag == (language.Tag{}) {
		tag = language.English
	}
	return &Renderer{printer: message.NewPrinter(tag)}
}

// Render produces the alert body for a scan summary. Returns the empty
// string when there is nothing to report so callers can skip delivery.
func (r *Renderer) Render(s Summary) string {
	if s.Total == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.printer.Sprintf("Detected %d anomaly findings\n\n", s.Total))

	b.WriteString("Severity breakdown:\n")
	for _, severity := range []anomaly.Severity{anomaly.SeverityHigh, anomaly.SeverityMedium, anomaly.SeverityLow} {
		if n := s.BySeverity[severity]; n > 0 {
			b.WriteString(r.printer.Sprintf("  - %s: %d\n", string(severity), n))
		}
	}

	if len(s.ByLocation) > 0 {
		b.WriteString("\nTop affected locations:\n")
		for _, lc := range topLocations(s.ByLocation, 5) {
			b.WriteString(r.printer.Sprintf("  - %s: %d findings\n", lc.location, lc.count))
		}
	}

	if len(s.TopFindings) > 0 {
		b.WriteString("\nLeading findings:\n")
		for _, f := range s.TopFindings {
			b.WriteString(r.printer.Sprintf("  - [%s] %s %s/%s", string(f.Severity), string(f.Type), f.SKU, f.Location))
			if causes := f.Evidence["causes"]; causes != "" {
				b.WriteString(r.printer.Sprintf(" (%s)", causes))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

type locationCount struct {
	location string
	count    int
}

func topLocations(byLocation map[string]int, n int) []locationCount {
	out := make([]locationCount, 0, len(byLocation))
	for location, count := range byLocation {
		out = append(out, locationCount{location: location, count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].location < out[j].location
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
