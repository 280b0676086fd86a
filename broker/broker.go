package broker

import (
	"encoding/json"
	"sync"

	"quoteflow/logger"
	"quoteflow/models"
)

// Subscriber is a delivery endpoint for serialized annotated quotes. The
// broker has no transport dependency; the websocket layer (or a test)
// supplies the implementation. Send must be safe for concurrent use and
// returns an error when the underlying channel is closed or broken.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Broker owns the subscription index and fans each published quote out to
// the interested subscribers. A failed delivery disconnects that subscriber
// only; all other deliveries proceed.
type Broker struct {
	mu        sync.RWMutex
	subs      map[string]Subscriber          // every known handle, by ID
	all       map[string]struct{}            // IDs receiving the full stream
	bySymbol  map[string]map[string]struct{} // symbol -> subscriber IDs
	symbolsOf map[string]map[string]struct{} // subscriber ID -> symbols

	log *logger.Log
}

func NewBroker() *Broker {
	return &Broker{
		subs:      make(map[string]Subscriber),
		all:       make(map[string]struct{}),
		bySymbol:  make(map[string]map[string]struct{}),
		symbolsOf: make(map[string]map[string]struct{}),
		log:       logger.GetLogger(),
	}
}

// ConnectAll registers the subscriber for the full quote stream.
func (b *Broker) ConnectAll(s Subscriber) {
	b.mu.Lock()
	b.subs[s.ID()] = s
	b.all[s.ID()] = struct{}{}
	b.mu.Unlock()

	b.log.WithComponent("broker").WithFields(logger.Fields{"subscriber": s.ID()}).Debug("subscriber connected")
}

// DisconnectAll removes the subscriber from the all-quotes set, from every
// per-symbol set it belongs to, and from the inverse index, then closes its
// handle. Safe to call for a subscriber that was never registered, and safe
// to call twice.
func (b *Broker) DisconnectAll(s Subscriber) {
	id := s.ID()

	b.mu.Lock()
	delete(b.all, id)
	for symbol := range b.symbolsOf[id] {
		delete(b.bySymbol[symbol], id)
		if len(b.bySymbol[symbol]) == 0 {
			delete(b.bySymbol, symbol)
		}
	}
	delete(b.symbolsOf, id)
	_, known := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if known {
		if err := s.Close(); err != nil {
			b.log.WithComponent("broker").WithError(err).WithFields(logger.Fields{"subscriber": id}).Debug("close after disconnect")
		}
		b.log.WithComponent("broker").WithFields(logger.Fields{"subscriber": id}).Debug("subscriber disconnected")
	}
}

// SubscribeSymbol adds the subscriber to one symbol's set. Symbol routing is
// additive to the all-quotes stream: a handle in both receives the quote
// twice, undeduplicated.
func (b *Broker) SubscribeSymbol(s Subscriber, symbol string) {
	b.mu.Lock()
	b.subs[s.ID()] = s
	if b.bySymbol[symbol] == nil {
		b.bySymbol[symbol] = make(map[string]struct{})
	}
	b.bySymbol[symbol][s.ID()] = struct{}{}
	if b.symbolsOf[s.ID()] == nil {
		b.symbolsOf[s.ID()] = make(map[string]struct{})
	}
	b.symbolsOf[s.ID()][symbol] = struct{}{}
	b.mu.Unlock()

	b.log.WithComponent("broker").WithFields(logger.Fields{
		"subscriber": s.ID(),
		"symbol":     symbol,
	}).Debug("symbol subscription added")
}

// UnsubscribeSymbol removes the subscriber from one symbol's set, keeping
// the inverse index in sync.
func (b *Broker) UnsubscribeSymbol(s Subscriber, symbol string) {
	b.mu.Lock()
	id := s.ID()
	delete(b.bySymbol[symbol], id)
	if len(b.bySymbol[symbol]) == 0 {
		delete(b.bySymbol, symbol)
	}
	delete(b.symbolsOf[id], symbol)
	if len(b.symbolsOf[id]) == 0 {
		delete(b.symbolsOf, id)
	}
	b.mu.Unlock()
}

// Publish serializes the quote once and delivers it concurrently to the
// symbol's subscribers and to the all-quotes subscribers. The call returns
// when every delivery attempt has resolved. Send failures are isolated:
// the failing subscriber is disconnected and no error escapes.
func (b *Broker) Publish(aq models.AnnotatedQuote) {
	payload, err := json.Marshal(aq)
	if err != nil {
		b.log.WithComponent("broker").WithError(err).WithFields(logger.Fields{"symbol": aq.Symbol}).Error("failed to serialize quote")
		return
	}

	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.bySymbol[aq.Symbol])+len(b.all))
	for id := range b.bySymbol[aq.Symbol] {
		targets = append(targets, b.subs[id])
	}
	for id := range b.all {
		targets = append(targets, b.subs[id])
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []Subscriber
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			if err := s.Send(payload); err != nil {
				logger.IncrementDeliveryFailure()
				b.log.WithComponent("broker").WithError(err).WithFields(logger.Fields{
					"subscriber": s.ID(),
					"symbol":     aq.Symbol,
				}).Debug("delivery failed, dropping subscriber")
				failedMu.Lock()
				failed = append(failed, s)
				failedMu.Unlock()
				return
			}
			logger.IncrementDelivery(len(payload))
		}(s)
	}
	wg.Wait()

	for _, s := range failed {
		b.DisconnectAll(s)
	}
}

// CloseAll disconnects every subscriber, used during shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]Subscriber)
	b.all = make(map[string]struct{})
	b.bySymbol = make(map[string]map[string]struct{})
	b.symbolsOf = make(map[string]map[string]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	b.log.WithComponent("broker").WithFields(logger.Fields{"subscribers": len(subs)}).Info("all subscribers released")
}

// SubscriberCount reports how many distinct handles the broker knows about.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
