package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/stockproof/stockproof/internal/anomaly"
)

func TestNotifierPublishesRenderedAlert(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	sub := client.Subscribe(ctx, "stockproof:alerts")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	notifier := NewNotifier(client, language.English, "")
	findings := []anomaly.Finding{
		{Type: anomaly.FindingNegativeStock, SKU: "SKU-1", Location: "WH-A", Severity: anomaly.SeverityHigh},
		{Type: anomaly.FindingMarginOutlier, SKU: "SKU-2", Location: "WH-B", Severity: anomaly.SeverityMedium},
	}
	require.NoError(t, notifier.NotifyFindings(ctx, findings))

	select {
	case msg := <-sub.Channel():
		require.Contains(t, msg.Payload, "Detected 2 anomaly findings")
		require.Contains(t, msg.Payload, "HIGH: 1")
		require.Contains(t, msg.Payload, "WH-A")
	case <-time.After(2 * time.Second):
		t.Fatal("no alert published")
	}
}

func TestNotifierSkipsEmptyScan(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	notifier := NewNotifier(client, language.English, "")
	require.NoError(t, notifier.NotifyFindings(context.Background(), nil))
}
