package recon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newSnapshotSource(t *testing.T) *RedisSnapshotSource {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSnapshotSource(client)
}

func TestSnapshotRoundTrip(t *testing.T) {
	source := newSnapshotSource(t)
	ctx := context.Background()

	published := Snapshot{
		Period:  "2026-03",
		TakenAt: time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC),
		Lines: []SnapshotLine{
			{SKU: "WIDGET", Location: "DC1", Quantity: dec("105")},
			{SKU: "GADGET", Location: "DC2", Quantity: dec("0")},
		},
	}
	require.NoError(t, source.PublishSnapshot(ctx, published, 0))

	got, err := source.FetchSnapshot(ctx, "2026-03")
	require.NoError(t, err)
	require.Equal(t, "2026-03", got.Period)
	require.True(t, got.TakenAt.Equal(published.TakenAt))
	require.Len(t, got.Lines, 2)
	require.Equal(t, "WIDGET", got.Lines[0].SKU)
	require.True(t, got.Lines[0].Quantity.Equal(dec("105")))
}

func TestSnapshotMissingPeriod(t *testing.T) {
	source := newSnapshotSource(t)
	_, err := source.FetchSnapshot(context.Background(), "2026-01")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}
