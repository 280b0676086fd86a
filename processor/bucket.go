package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// Bucket is the per-symbol admission smoother: an inverted leaky bucket
// whose threshold grows while the symbol is quiet and is consumed by a
// fixed-rate drain. Offers above the current threshold are dropped
// silently; saturation is a smoothing outcome, not an error.
//
// One mutex guards the pending queue and the threshold together, so the
// offer, drain and replenish paths never observe them out of sync.
type Bucket struct {
	symbol  string
	cfg     appconfig.LimiterConfig
	forward func(models.Quote)

	mu        sync.Mutex
	pending   []models.Quote
	threshold int
	admitted  int64
	dropped   int64

	ctx     context.Context
	done    chan struct{}
	wg      *sync.WaitGroup
	running bool
	log     *logger.Log
}

// NewBucket creates a bucket for one symbol. forward is invoked from the
// drain goroutine, one quote at a time, in admission order.
func NewBucket(symbol string, cfg appconfig.LimiterConfig, forward func(models.Quote)) *Bucket {
	return &Bucket{
		symbol:    symbol,
		cfg:       cfg,
		forward:   forward,
		threshold: cfg.IdleCapacity,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

// Offer admits the quote iff the pending queue sits below the current
// threshold. It never blocks. The returned flag is informational only;
// rejection carries no error.
func (b *Bucket) Offer(q models.Quote) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.threshold {
		b.dropped++
		return false
	}
	b.pending = append(b.pending, q)
	b.admitted++
	return true
}

// Start launches the drain and replenish loops. Both run until the context
// is cancelled or Stop is called.
func (b *Bucket) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bucket for %s already running", b.symbol)
	}
	b.running = true
	b.ctx = ctx
	b.done = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(2)
	go b.drainLoop()
	go b.replenishLoop()
	return nil
}

// Stop signals both loops to exit and waits for them. It works with or
// without a prior context cancellation and is safe to call more than once.
func (b *Bucket) Stop() {
	b.mu.Lock()
	if b.running {
		b.running = false
		close(b.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// drainLoop pops at most one queued quote per quantum and hands it to the
// forward callback, bounding the forwarding rate at
// drain_batch/drain_interval regardless of the admission rate.
func (b *Bucket) drainLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.DrainQuantum())
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			if q, ok := b.pop(); ok {
				b.forward(q)
			}
		}
	}
}

// pop removes the queue head and decrements the threshold, floored at the
// idle capacity.
func (b *Bucket) pop() (models.Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return models.Quote{}, false
	}
	q := b.pending[0]
	b.pending = b.pending[1:]
	if b.threshold > b.cfg.IdleCapacity {
		b.threshold--
	}
	return q, true
}

// replenishLoop grows the threshold by one per period while the queue sits
// below the idle capacity, so a burst after a quiet stretch is admitted
// more generously. Growth stops at max_threshold when one is configured.
func (b *Bucket) replenishLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.RefreshPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.Lock()
			if len(b.pending) < b.cfg.IdleCapacity {
				if b.cfg.MaxThreshold == 0 || b.threshold < b.cfg.MaxThreshold {
					b.threshold++
				}
			}
			b.mu.Unlock()
		}
	}
}

// Threshold reports the instantaneous admission allowance.
func (b *Bucket) Threshold() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold
}

// PendingLen reports the current queue depth.
func (b *Bucket) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Counts returns how many offers were admitted and dropped so far.
func (b *Bucket) Counts() (admitted, dropped int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admitted, b.dropped
}
