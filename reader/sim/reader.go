package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
)

// Reader generates synthetic quotes for the configured symbols, one round
// of all symbols per tick. It exists so the rest of the system can run
// without market credentials; the quotes are random, not a market model.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
	rng      *rand.Rand
}

// NewReader creates a synthetic quote source for the configured symbols.
func NewReader(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  symbols,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("sim reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	if len(r.symbols) == 0 {
		return fmt.Errorf("no symbols configured for the sim feed")
	}

	interval := r.config.Feed.SimInterval()
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	r.log.WithComponent("sim_reader").WithFields(logger.Fields{
		"symbols":  r.symbols,
		"interval": interval.String(),
	}).Info("starting sim quote reader")

	r.wg.Add(1)
	go r.generate(interval)
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.WithComponent("sim_reader").Info("stopping sim reader")
	r.wg.Wait()
	r.log.WithComponent("sim_reader").Info("sim reader stopped")
}

func (r *Reader) generate(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range r.symbols {
				q := r.randomQuote(sym)
				if !r.channels.SendRaw(r.ctx, q) && r.ctx.Err() == nil {
					r.log.WithComponent("sim_reader").Warn("raw channel full, dropping quote")
				}
			}
		}
	}
}

// randomQuote mirrors the shape of a live quote: bid uniform in [100,150),
// ask a little above it, sizes in whole lots.
func (r *Reader) randomQuote(symbol string) models.Quote {
	bid := round2(100 + r.rng.Float64()*50)
	ask := round2(bid + 0.01 + r.rng.Float64()*0.99)

	return models.Quote{
		Symbol:    symbol,
		BidPrice:  bid,
		BidSize:   int64(1 + r.rng.Intn(10)),
		AskPrice:  ask,
		AskSize:   int64(1 + r.rng.Intn(10)),
		Timestamp: time.Now(),
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
