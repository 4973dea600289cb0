package signals

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
)

// CrossExchangeFetcher compares the primary venue's price to a reference
// venue's, emitting a bounded score plus a boolean lead direction: if the
// reference venue is already trading at a different price, that is read
// as a short-lived lead signal (§4.2, §1's single reference-price lead
// signal non-goal boundary).
type CrossExchangeFetcher struct {
	reference exchange.Client
	log       zerolog.Logger
}

// NewCrossExchangeFetcher constructs a fetcher comparing against
// reference. reference may be nil, in which case the fetcher is always
// neutral (no reference venue configured).
func NewCrossExchangeFetcher(reference exchange.Client, log zerolog.Logger) *CrossExchangeFetcher {
	return &CrossExchangeFetcher{reference: reference, log: log.With().Str("component", "signals.cross_exchange").Logger()}
}

func (f *CrossExchangeFetcher) Source() domain.SignalSource { return domain.SourceCrossExchange }

func (f *CrossExchangeFetcher) Score(ctx context.Context, symbol string, mc MarketContext) domain.Signal {
	if f.reference == nil || mc.Ticker.Price == 0 {
		return domain.Neutral(domain.SourceCrossExchange, symbol, time.Now().UTC())
	}

	tickers, err := f.reference.GetTicker(ctx, []string{symbol})
	if err != nil {
		f.log.Debug().Err(err).Str("symbol", symbol).Msg("reference venue unavailable")
		return domain.Neutral(domain.SourceCrossExchange, symbol, time.Now().UTC())
	}
	ref, ok := tickers[symbol]
	if !ok || ref.Price == 0 {
		return domain.Neutral(domain.SourceCrossExchange, symbol, time.Now().UTC())
	}

	// Leads positive: reference venue is already trading higher than here,
	// read as upward pressure about to arrive on the primary venue.
	diffPct := (ref.Price - mc.Ticker.Price) / mc.Ticker.Price
	score := clamp01to100(50 + diffPct*1000)

	// Confidence is fixed once the reference venue answers — the
	// directional reading (lead up or down) doesn't change how much
	// weight a cross-exchange read deserves.
	const confidenceWhenAnswered = 0.8

	v := diffPct
	return domain.Signal{
		Source:       domain.SourceCrossExchange,
		Symbol:       symbol,
		Score:        score,
		Confidence:   confidenceWhenAnswered,
		GeneratedAt:  time.Now().UTC(),
		NumericValue: &v,
	}
}

var _ Fetcher = (*CrossExchangeFetcher)(nil)
