package models

import (
	"time"
)

// Quote is a single raw market quote for one symbol as delivered by the
// upstream feed. Quotes are passed by value and never mutated after
// construction.
type Quote struct {
	Symbol    string    `json:"ticker"`
	BidPrice  float64   `json:"bid_price"`
	BidSize   int64     `json:"bid_qty"`
	AskPrice  float64   `json:"ask_price"`
	AskSize   int64     `json:"ask_qty"`
	Timestamp time.Time `json:"timestamp"`
}

// Priced reports whether both sides of the quote carry a non-zero price.
// A quote with a zero bid or ask is excluded from analytics but is still
// forwarded to subscribers.
func (q Quote) Priced() bool {
	return q.BidPrice > 0 && q.AskPrice > 0
}

// MidPrice returns the average of bid and ask price.
func (q Quote) MidPrice() float64 {
	return (q.AskPrice + q.BidPrice) / 2
}

// WindowStats carries the trailing one-minute analytics for a symbol. The
// zero value means the window holds no samples yet.
type WindowStats struct {
	OneMinMA         float64 `json:"one_min_ma"`
	HigherBand2Sigma float64 `json:"higher_band_2_sigma"`
	LowerBand2Sigma  float64 `json:"lower_band_2_sigma"`
}

// AnnotatedQuote is a quote enriched with the rolling window statistics for
// its symbol. This is the shape delivered to subscribers and archived.
type AnnotatedQuote struct {
	Quote
	WindowStats WindowStats `json:"window_stats"`
}
