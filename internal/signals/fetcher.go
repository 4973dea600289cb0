// Package signals implements the pluggable signal fetchers of §4.2 (C2):
// technical, sentiment, on-chain, cross-exchange lead, and multi-timeframe.
// Each fetcher produces a bounded, timestamped domain.Signal and degrades
// to a zero-confidence neutral reading on any internal failure rather than
// propagating an error — the scorer is the single place that decides what
// a missing signal means for a symbol.
package signals

import (
	"context"

	"github.com/osiristrader/agent/internal/domain"
)

// Fetcher produces one domain.Signal for a symbol given the current
// market context. Implementations must never panic and must never block
// past the context deadline.
type Fetcher interface {
	Source() domain.SignalSource
	Score(ctx context.Context, symbol string, mc MarketContext) domain.Signal
}

// MarketContext bundles the per-cycle data fetchers need so the Scan
// phase can fetch candles once and hand them to every fetcher, rather
// than each fetcher hitting the exchange independently.
type MarketContext struct {
	// Candles maps timeframe -> closed candles, oldest first.
	Candles map[domain.Timeframe][]domain.Candle
	Ticker  domain.Ticker
}

// Closes extracts the close-price series for a timeframe, or an empty
// slice if that timeframe was not fetched this cycle.
func (mc MarketContext) Closes(tf domain.Timeframe) []float64 {
	candles := mc.Candles[tf]
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
