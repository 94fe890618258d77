package alerts

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/language"

	"github.com/stockproof/stockproof/internal/anomaly"
)

// Notifier renders finding summaries and publishes them on a Redis channel
// for the on-call bridge to fan out.
type Notifier struct {
	client   *redis.Client
	renderer *Renderer
	channel  string
	topN     int
}

// NewNotifier builds a notifier. channel defaults to stockproof:alerts.
func NewNotifier(client *redis.Client, tag language.Tag, channel string) *Notifier {
	if channel == "" {
		channel = "stockproof:alerts"
	}
	return &Notifier{
		client:   client,
		renderer: NewRenderer(tag),
		channel:  channel,
		topN:     5,
	}
}

// NotifyFindings publishes one alert body for the scan's findings. A scan
// with nothing to report publishes nothing.
func (n *Notifier) NotifyFindings(ctx context.Context, findings []anomaly.Finding) error {
	body := n.renderer.Render(Summarize(findings, n.topN))
	if body == "" {
		return nil
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("alerts: publish to %s: %w", n.channel, err)
	}
	return nil
}
