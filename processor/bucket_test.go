package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/models"
)

// collector gathers forwarded quotes from a bucket's drain loop.
type collector struct {
	mu     sync.Mutex
	quotes []models.Quote
}

func (c *collector) forward(q models.Quote) {
	c.mu.Lock()
	c.quotes = append(c.quotes, q)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quotes)
}

func rawQuote(symbol string, seq int64) models.Quote {
	return models.Quote{Symbol: symbol, BidPrice: 100, AskPrice: 101, BidSize: seq, AskSize: 1, Timestamp: time.Now()}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestBucketAdmitsUpToThreshold(t *testing.T) {
	cfg := appconfig.LimiterConfig{IdleCapacity: 2, RefreshPerSecond: 0.2, DrainBatch: 2, DrainIntervalMs: 1000}
	b := NewBucket("AAPL", cfg, func(models.Quote) {})

	for i := 0; i < 10; i++ {
		b.Offer(rawQuote("AAPL", int64(i)))
	}

	admitted, dropped := b.Counts()
	if admitted != 2 || dropped != 8 {
		t.Fatalf("admitted %d dropped %d, want 2 and 8", admitted, dropped)
	}
	if b.PendingLen() != 2 {
		t.Fatalf("pending %d, want 2", b.PendingLen())
	}
}

func TestBucketDrainsInOrderAtBoundedRate(t *testing.T) {
	// quantum of 25ms, replenish far too slow to matter
	cfg := appconfig.LimiterConfig{IdleCapacity: 2, RefreshPerSecond: 0.01, DrainBatch: 2, DrainIntervalMs: 50}
	c := &collector{}
	b := NewBucket("AAPL", cfg, c.forward)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	b.Offer(rawQuote("AAPL", 1))
	b.Offer(rawQuote("AAPL", 2))
	b.Offer(rawQuote("AAPL", 3)) // over threshold, dropped

	waitFor(t, 2*time.Second, func() bool { return c.len() == 2 })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quotes[0].BidSize != 1 || c.quotes[1].BidSize != 2 {
		t.Fatalf("quotes forwarded out of order: %+v", c.quotes)
	}

	cancel()
	b.Stop()
}

func TestBucketThresholdFlooredAtIdleCapacity(t *testing.T) {
	cfg := appconfig.LimiterConfig{IdleCapacity: 2, RefreshPerSecond: 0.01, DrainBatch: 2, DrainIntervalMs: 40}
	b := NewBucket("AAPL", cfg, func(models.Quote) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	b.Offer(rawQuote("AAPL", 1))
	b.Offer(rawQuote("AAPL", 2))

	waitFor(t, 2*time.Second, func() bool { return b.PendingLen() == 0 })
	if got := b.Threshold(); got != cfg.IdleCapacity {
		t.Fatalf("threshold %d, want floor %d", got, cfg.IdleCapacity)
	}

	cancel()
	b.Stop()
}

func TestBucketReplenishGrowsWhileIdle(t *testing.T) {
	// replenish every 20ms, drain ticking but with nothing queued
	cfg := appconfig.LimiterConfig{IdleCapacity: 2, RefreshPerSecond: 50, DrainBatch: 1, DrainIntervalMs: 10000}
	b := NewBucket("AAPL", cfg, func(models.Quote) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return b.Threshold() >= 4 })

	cancel()
	b.Stop()
}

func TestBucketReplenishRespectsCap(t *testing.T) {
	cfg := appconfig.LimiterConfig{IdleCapacity: 2, RefreshPerSecond: 100, DrainBatch: 1, DrainIntervalMs: 10000, MaxThreshold: 3}
	b := NewBucket("AAPL", cfg, func(models.Quote) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return b.Threshold() == 3 })
	time.Sleep(100 * time.Millisecond)
	if got := b.Threshold(); got != 3 {
		t.Fatalf("threshold %d, want capped at 3", got)
	}

	cancel()
	b.Stop()
}

func TestBucketNoReplenishWhileQueueAtIdleCapacity(t *testing.T) {
	// 10 instant offers admit exactly idle_capacity; with nothing draining
	// the queue never falls below it, so the threshold must not grow
	cfg := appconfig.LimiterConfig{IdleCapacity: 2, RefreshPerSecond: 20, DrainBatch: 1, DrainIntervalMs: 60000}
	b := NewBucket("AAPL", cfg, func(models.Quote) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 10; i++ {
		b.Offer(rawQuote("AAPL", int64(i)))
	}
	if admitted, _ := b.Counts(); admitted != 2 {
		t.Fatalf("admitted %d immediately, want 2", admitted)
	}

	// queue (2) is not below idle capacity, so the threshold must not grow
	time.Sleep(120 * time.Millisecond)
	if b.Offer(rawQuote("AAPL", 99)) {
		t.Fatalf("offer must still be rejected while the queue fills the threshold")
	}

	cancel()
	b.Stop()
}

func TestBucketStopWithoutCancel(t *testing.T) {
	cfg := appconfig.LimiterConfig{IdleCapacity: 2, RefreshPerSecond: 1, DrainBatch: 2, DrainIntervalMs: 50}
	b := NewBucket("AAPL", cfg, func(models.Quote) {})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	b.Offer(rawQuote("AAPL", 1))

	// Stop must return on its own, without the context being cancelled.
	stopped := make(chan struct{})
	go func() {
		b.Stop()
		b.Stop() // second call must be a no-op
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return without context cancellation")
	}
}
