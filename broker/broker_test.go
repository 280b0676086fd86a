package broker

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"quoteflow/models"
)

// fakeSub records deliveries and can be told to fail sends.
type fakeSub struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	fail   bool
	closed bool
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection reset")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeSub) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSub) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func quoteFor(symbol string) models.AnnotatedQuote {
	return models.AnnotatedQuote{
		Quote: models.Quote{
			Symbol:    symbol,
			BidPrice:  101.23,
			BidSize:   100,
			AskPrice:  101.30,
			AskSize:   50,
			Timestamp: time.Now(),
		},
	}
}

func TestPublishRoutesBySymbolAndAll(t *testing.T) {
	b := NewBroker()
	allSub := &fakeSub{id: "all"}
	aaplSub := &fakeSub{id: "aapl"}
	msftSub := &fakeSub{id: "msft"}

	b.ConnectAll(allSub)
	b.SubscribeSymbol(aaplSub, "AAPL")
	b.SubscribeSymbol(msftSub, "MSFT")

	b.Publish(quoteFor("AAPL"))

	if allSub.deliveries() != 1 {
		t.Fatalf("all-quotes subscriber got %d deliveries, want 1", allSub.deliveries())
	}
	if aaplSub.deliveries() != 1 {
		t.Fatalf("AAPL subscriber got %d deliveries, want 1", aaplSub.deliveries())
	}
	if msftSub.deliveries() != 0 {
		t.Fatalf("MSFT subscriber got %d deliveries, want 0", msftSub.deliveries())
	}
	if !strings.Contains(string(aaplSub.sent[0]), `"ticker":"AAPL"`) {
		t.Fatalf("unexpected payload: %s", aaplSub.sent[0])
	}
}

func TestPublishDeliversTwiceWhenDoublySubscribed(t *testing.T) {
	b := NewBroker()
	sub := &fakeSub{id: "both"}
	b.ConnectAll(sub)
	b.SubscribeSymbol(sub, "AAPL")

	b.Publish(quoteFor("AAPL"))

	// symbol routing is additive to the all-quotes stream, undeduplicated
	if sub.deliveries() != 2 {
		t.Fatalf("doubly subscribed handle got %d deliveries, want 2", sub.deliveries())
	}
}

func TestPublishIsolatesFailedSubscriber(t *testing.T) {
	b := NewBroker()
	healthy1 := &fakeSub{id: "h1"}
	broken := &fakeSub{id: "broken", fail: true}
	healthy2 := &fakeSub{id: "h2"}

	b.SubscribeSymbol(healthy1, "AAPL")
	b.SubscribeSymbol(broken, "AAPL")
	b.SubscribeSymbol(broken, "MSFT")
	b.ConnectAll(healthy2)

	b.Publish(quoteFor("AAPL"))

	if healthy1.deliveries() != 1 || healthy2.deliveries() != 1 {
		t.Fatalf("healthy subscribers must still receive the quote")
	}
	if !broken.closed {
		t.Fatalf("failed subscriber must be closed")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.subs["broken"]; ok {
		t.Fatalf("failed subscriber still registered")
	}
	if _, ok := b.bySymbol["AAPL"]["broken"]; ok {
		t.Fatalf("failed subscriber still in AAPL set")
	}
	if _, ok := b.bySymbol["MSFT"]; ok {
		t.Fatalf("MSFT set should be dropped once empty")
	}
	if _, ok := b.symbolsOf["broken"]; ok {
		t.Fatalf("inverse index still references failed subscriber")
	}
}

func TestDisconnectAllPurgesEveryIndex(t *testing.T) {
	b := NewBroker()
	sub := &fakeSub{id: "s"}
	b.ConnectAll(sub)
	b.SubscribeSymbol(sub, "AAPL")
	b.SubscribeSymbol(sub, "MSFT")

	b.DisconnectAll(sub)

	b.mu.RLock()
	if len(b.all) != 0 || len(b.bySymbol) != 0 || len(b.symbolsOf) != 0 || len(b.subs) != 0 {
		b.mu.RUnlock()
		t.Fatalf("residual index entries after disconnect: %+v %+v %+v", b.all, b.bySymbol, b.symbolsOf)
	}
	b.mu.RUnlock()

	if !sub.closed {
		t.Fatalf("disconnected subscriber must be closed")
	}

	// disconnecting again, or a handle never seen, must not panic
	b.DisconnectAll(sub)
	b.DisconnectAll(&fakeSub{id: "stranger"})
}

func TestUnsubscribeSymbolKeepsOtherSubscriptions(t *testing.T) {
	b := NewBroker()
	sub := &fakeSub{id: "s"}
	b.SubscribeSymbol(sub, "AAPL")
	b.SubscribeSymbol(sub, "MSFT")

	b.UnsubscribeSymbol(sub, "AAPL")

	b.Publish(quoteFor("AAPL"))
	b.Publish(quoteFor("MSFT"))

	if sub.deliveries() != 1 {
		t.Fatalf("got %d deliveries, want only the MSFT quote", sub.deliveries())
	}
}

func TestCloseAllReleasesSubscribers(t *testing.T) {
	b := NewBroker()
	s1 := &fakeSub{id: "a"}
	s2 := &fakeSub{id: "b"}
	b.ConnectAll(s1)
	b.SubscribeSymbol(s2, "AAPL")

	b.CloseAll()

	if !s1.closed || !s2.closed {
		t.Fatalf("all subscribers must be closed on shutdown")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("registry must be empty after CloseAll")
	}

	b.Publish(quoteFor("AAPL"))
	if s1.deliveries() != 0 || s2.deliveries() != 0 {
		t.Fatalf("no deliveries may happen after CloseAll")
	}
}
