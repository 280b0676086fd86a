package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestQuotePriced(t *testing.T) {
	q := Quote{Symbol: "AAPL", BidPrice: 101.23, AskPrice: 101.30}
	if !q.Priced() {
		t.Fatalf("expected quote to be priced")
	}
	if got, want := q.MidPrice(), (101.23+101.30)/2; got != want {
		t.Fatalf("mid price %f, want %f", got, want)
	}

	q.AskPrice = 0
	if q.Priced() {
		t.Fatalf("quote with zero ask must be unpriced")
	}
}

func TestAnnotatedQuoteWireFormat(t *testing.T) {
	ts := time.Date(2024, 1, 1, 9, 30, 0, 0, time.FixedZone("EST", -5*3600))
	aq := AnnotatedQuote{
		Quote: Quote{
			Symbol:    "AAPL",
			BidPrice:  101.23,
			BidSize:   100,
			AskPrice:  101.30,
			AskSize:   50,
			Timestamp: ts,
		},
		WindowStats: WindowStats{OneMinMA: 101.27, HigherBand2Sigma: 101.40, LowerBand2Sigma: 101.14},
	}

	data, err := json.Marshal(aq)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload := string(data)
	for _, key := range []string{
		`"ticker":"AAPL"`,
		`"bid_price":101.23`,
		`"bid_qty":100`,
		`"ask_price":101.3`,
		`"ask_qty":50`,
		`"timestamp":"2024-01-01T09:30:00-05:00"`,
		`"one_min_ma":101.27`,
		`"higher_band_2_sigma":101.4`,
		`"lower_band_2_sigma":101.14`,
	} {
		if !strings.Contains(payload, key) {
			t.Fatalf("payload missing %s: %s", key, payload)
		}
	}

	var out AnnotatedQuote
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Symbol != aq.Symbol || !out.Timestamp.Equal(ts) || out.WindowStats != aq.WindowStats {
		t.Fatalf("round trip mismatch: %+v != %+v", out, aq)
	}
}
