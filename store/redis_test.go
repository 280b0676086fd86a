package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	appconfig "quoteflow/config"
	"quoteflow/models"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), appconfig.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func sampleQuote(symbol string, bid float64) models.AnnotatedQuote {
	return models.AnnotatedQuote{
		Quote: models.Quote{
			Symbol:   symbol,
			BidPrice: bid, BidSize: 1,
			AskPrice: bid + 0.5, AskSize: 2,
			Timestamp: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC),
		},
		WindowStats: models.WindowStats{OneMinMA: bid + 0.25},
	}
}

func TestStoreOverwritesLatest(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, sampleQuote("AAPL", 100)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Store(ctx, sampleQuote("AAPL", 101)); err != nil {
		t.Fatalf("store: %v", err)
	}

	aq, err := s.Latest(ctx, "AAPL")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if aq.BidPrice != 101 || aq.WindowStats.OneMinMA != 101.25 {
		t.Fatalf("latest quote not overwritten: %+v", aq)
	}

	// The stored value is the wire payload, keyed by symbol.
	raw, err := mr.Get("ticker:AAPL")
	if err != nil {
		t.Fatalf("miniredis get: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatalf("unmarshal stored payload: %v", err)
	}
	if frame["ticker"] != "AAPL" {
		t.Fatalf("unexpected stored payload: %s", raw)
	}
}

func TestStorePublishesUpdates(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()}).Subscribe(ctx, "quote_updates")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.Store(ctx, sampleQuote("MSFT", 400)); err != nil {
		t.Fatalf("store: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var aq models.AnnotatedQuote
		if err := json.Unmarshal([]byte(msg.Payload), &aq); err != nil {
			t.Fatalf("unmarshal published payload: %v", err)
		}
		if aq.Symbol != "MSFT" {
			t.Fatalf("unexpected published quote: %+v", aq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message received")
	}
}

func TestLatestMissingSymbol(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Latest(context.Background(), "NFLX")
	if err == nil || !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil for missing symbol, got %v", err)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore(context.Background(), appconfig.RedisConfig{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected connection error")
	}
}
