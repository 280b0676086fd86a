package processor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
)

// Publisher delivers an annotated quote to the current subscriber set.
type Publisher interface {
	Publish(aq models.AnnotatedQuote)
}

// LatestStore mirrors the most recent annotated quote per symbol into an
// external store. Failures are logged by the pipeline and never propagate.
type LatestStore interface {
	Store(ctx context.Context, aq models.AnnotatedQuote) error
}

// symbolState holds one symbol's admission bucket and rolling window. The
// window is touched only by the bucket's drain goroutine.
type symbolState struct {
	bucket *Bucket
	window *Window
}

// Pipeline binds the stages together: it validates raw quotes off the raw
// channel, paces total ingress, offers each quote to its symbol's bucket,
// and on drain annotates the quote with window stats and publishes it.
// Buckets and windows are created lazily on first sight of a symbol and
// live for the process lifetime.
type Pipeline struct {
	config    *appconfig.Config
	channels  *channel.Channels
	publisher Publisher
	store     LatestStore
	ingress   *rate.Limiter

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	symbolsMu sync.Mutex
	symbols   map[string]*symbolState

	statsMu   sync.Mutex
	received  int64
	rejected  int64
	published int64
}

// NewPipeline wires the pipeline to its collaborators. store may be nil.
func NewPipeline(cfg *appconfig.Config, channels *channel.Channels, publisher Publisher, store LatestStore) *Pipeline {
	burst := cfg.Ingress.Burst
	if burst < 1 {
		burst = 1
	}
	return &Pipeline{
		config:    cfg,
		channels:  channels,
		publisher: publisher,
		store:     store,
		ingress:   rate.NewLimiter(rate.Limit(cfg.Ingress.MaxUpdatesPerSecond), burst),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		symbols:   make(map[string]*symbolState),
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"idle_capacity":      p.config.Limiter.IdleCapacity,
		"refresh_per_second": p.config.Limiter.RefreshPerSecond,
		"drain_batch":        p.config.Limiter.DrainBatch,
		"drain_interval_ms":  p.config.Limiter.DrainIntervalMs,
		"window_seconds":     p.config.Window.DurationSeconds,
	}).Info("starting pipeline")

	p.wg.Add(1)
	go p.intakeWorker()

	log.Info("pipeline started successfully")
	return nil
}

// Stop halts intake and waits for every per-symbol loop to finish its
// current iteration. No quote is published after Stop returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("pipeline").Info("stopping pipeline")
	p.wg.Wait()

	p.symbolsMu.Lock()
	states := make([]*symbolState, 0, len(p.symbols))
	for _, st := range p.symbols {
		states = append(states, st)
	}
	p.symbolsMu.Unlock()

	for _, st := range states {
		st.bucket.Stop()
	}

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"symbols": len(states),
	}).Info("pipeline stopped")
}

func (p *Pipeline) intakeWorker() {
	defer p.wg.Done()

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"worker": "intake"})
	log.Info("starting intake worker")

	for {
		select {
		case <-p.ctx.Done():
			log.Info("intake worker stopped due to context cancellation")
			return
		case q, ok := <-p.channels.Raw:
			if !ok {
				log.Info("raw channel closed, intake worker stopping")
				return
			}
			p.onRawQuote(q)
		}
	}
}

// onRawQuote validates the quote, applies the global ingress pace, and
// offers it to the symbol's bucket. Rejection paths never crash the loop.
func (p *Pipeline) onRawQuote(q models.Quote) {
	if err := validateQuote(q); err != nil {
		p.statsMu.Lock()
		p.rejected++
		p.statsMu.Unlock()
		p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
			"symbol": q.Symbol,
		}).Warn("rejecting malformed quote")
		return
	}

	p.statsMu.Lock()
	p.received++
	p.statsMu.Unlock()

	if err := p.ingress.Wait(p.ctx); err != nil {
		return
	}

	p.stateFor(q.Symbol).bucket.Offer(q)
}

// stateFor returns the symbol's bucket/window pair, creating it and
// starting its background loops exactly once. Creation is guarded by a
// single lock so two concurrent callers cannot both observe "absent".
func (p *Pipeline) stateFor(symbol string) *symbolState {
	p.symbolsMu.Lock()
	defer p.symbolsMu.Unlock()

	if st, ok := p.symbols[symbol]; ok {
		return st
	}

	st := &symbolState{
		window: NewWindow(p.config.Window.Duration()),
	}
	st.bucket = NewBucket(symbol, p.config.Limiter, func(q models.Quote) {
		p.deliver(st, q)
	})
	p.symbols[symbol] = st

	if err := st.bucket.Start(p.ctx); err != nil {
		p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Error("failed to start bucket loops")
	} else {
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"symbol": symbol,
		}).Info("symbol state created")
	}

	return st
}

// deliver runs on the symbol's drain goroutine: annotate, publish, then
// mirror to the optional collaborators. Collaborator failures are logged
// and never reach the drain loop.
func (p *Pipeline) deliver(st *symbolState, q models.Quote) {
	aq := models.AnnotatedQuote{
		Quote:       q,
		WindowStats: st.window.Update(q),
	}

	p.publisher.Publish(aq)

	p.statsMu.Lock()
	p.published++
	p.statsMu.Unlock()

	if p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.store.Store(ctx, aq); err != nil {
			p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
				"symbol": q.Symbol,
			}).Warn("failed to mirror quote to store")
		}
		cancel()
	}

	p.channels.SendAnnotated(p.ctx, aq)
}

// Counts reports how many quotes were received, rejected, and published.
func (p *Pipeline) Counts() (received, rejected, published int64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.received, p.rejected, p.published
}

func validateQuote(q models.Quote) error {
	if q.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	for _, v := range []float64{q.BidPrice, q.AskPrice} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-numeric price")
		}
		if v < 0 {
			return fmt.Errorf("negative price")
		}
	}
	if q.BidSize < 0 || q.AskSize < 0 {
		return fmt.Errorf("negative size")
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}
