package processor

import (
	"math"
	"time"

	"quoteflow/models"
)

// sample is one mid-price observation inside the rolling window.
type sample struct {
	ts  time.Time
	mid float64
}

// Window maintains the trailing moving average and 2-sigma bands of the
// mid-price for a single symbol. It is owned by that symbol's drain
// goroutine and performs no locking of its own.
type Window struct {
	duration time.Duration
	samples  []sample
	sum      float64
	stats    models.WindowStats

	// now is swapped out by tests to pin the eviction boundary.
	now func() time.Time
}

func NewWindow(duration time.Duration) *Window {
	return &Window{
		duration: duration,
		now:      time.Now,
	}
}

// Update folds a quote into the window and returns the refreshed stats.
// Unpriced quotes contribute no sample, but stale samples are still evicted
// before the stats are recomputed.
func (w *Window) Update(q models.Quote) models.WindowStats {
	if q.Priced() {
		mid := q.MidPrice()
		w.samples = append(w.samples, sample{ts: q.Timestamp, mid: mid})
		w.sum += mid
	}

	w.evict()
	w.recompute()
	return w.stats
}

// Stats returns the most recently computed window statistics. A window that
// has never seen a priced sample reports the zero value.
func (w *Window) Stats() models.WindowStats {
	return w.stats
}

// Len reports the number of samples currently inside the window.
func (w *Window) Len() int {
	return len(w.samples)
}

// evict drops every sample older than now minus the window duration,
// keeping the running sum consistent with the surviving samples.
func (w *Window) evict() {
	cutoff := w.now().Add(-w.duration)
	for len(w.samples) > 0 && w.samples[0].ts.Before(cutoff) {
		w.sum -= w.samples[0].mid
		w.samples = w.samples[1:]
	}
}

func (w *Window) recompute() {
	n := len(w.samples)
	if n == 0 {
		w.sum = 0
		w.stats = models.WindowStats{}
		return
	}

	mean := w.sum / float64(n)

	var sqDiff float64
	for _, s := range w.samples {
		d := s.mid - mean
		sqDiff += d * d
	}
	// population standard deviation over the current window contents
	stddev := math.Sqrt(sqDiff / float64(n))

	w.stats = models.WindowStats{
		OneMinMA:         mean,
		HigherBand2Sigma: mean + 2*stddev,
		LowerBand2Sigma:  mean - 2*stddev,
	}
}
