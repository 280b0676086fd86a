package channel

import (
	"context"
	"testing"
	"time"

	"quoteflow/models"
)

func TestSendRawCountsDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.Quote{Symbol: "AAPL"}) {
		t.Fatalf("first send should succeed")
	}
	if c.SendRaw(ctx, models.Quote{Symbol: "AAPL"}) {
		t.Fatalf("second send should drop on a full buffer")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendAnnotatedAfterCancel(t *testing.T) {
	c := NewChannels(1, 1)
	c.SendAnnotated(context.Background(), models.AnnotatedQuote{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// buffer is full and the context is done; must return without blocking
	if c.SendAnnotated(ctx, models.AnnotatedQuote{}) {
		t.Fatalf("send should fail after cancellation")
	}
}

func TestMetricsReportingStops(t *testing.T) {
	c := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}
