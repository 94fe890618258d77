package alerts

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/stockproof/stockproof/internal/anomaly"
)

func finding(t anomaly.FindingType, severity anomaly.Severity, sku, location string) anomaly.Finding {
	return anomaly.Finding{Type: t, Severity: severity, SKU: sku, Location: location, Status: anomaly.StatusOpen}
}

func TestRenderEmptyScanProducesNothing(t *testing.T) {
	r := NewRenderer(language.English)
	require.Empty(t, r.Render(Summarize(nil, 5)))
}

func TestRenderSummaryBody(t *testing.T) {
	findings := []anomaly.Finding{
		finding(anomaly.FindingNegativeStock, anomaly.SeverityHigh, "WIDGET", "DC1"),
		finding(anomaly.FindingNegativeStock, anomaly.SeverityLow, "GADGET", "DC1"),
		finding(anomaly.FindingShrinkage, anomaly.SeverityMedium, "SPROCKET", "DC2"),
	}
	summary := Summarize(findings, 2)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.ByLocation["DC1"])
	require.Len(t, summary.TopFindings, 2)
	require.Equal(t, anomaly.SeverityHigh, summary.TopFindings[0].Severity)

	body := NewRenderer(language.English).Render(summary)
	require.Contains(t, body, "Detected 3 anomaly findings")
	require.Contains(t, body, "HIGH: 1")
	require.Contains(t, body, "MEDIUM: 1")
	require.Contains(t, body, "DC1: 2 findings")
	require.Contains(t, body, "[HIGH] negative_stock WIDGET/DC1")
}

func TestTopLocationsOrderedAndCapped(t *testing.T) {
	byLocation := map[string]int{"A": 1, "B": 5, "C": 3, "D": 5, "E": 2, "F": 1}
	top := topLocations(byLocation, 5)
	require.Len(t, top, 5)
	require.Equal(t, "B", top[0].location)
	require.Equal(t, "D", top[1].location)
	require.Equal(t, "C", top[2].location)
}
