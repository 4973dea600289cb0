package signals

import (
	"context"
	"time"

	"github.com/osiristrader/agent/internal/domain"
)

// multiframeTimeframes are the four frames whose alignment is checked,
// per §4.2: "confirms alignment of technical signals across
// 1m/5m/15m/1h".
var multiframeTimeframes = []domain.Timeframe{
	domain.Timeframe1m, domain.Timeframe5m, domain.Timeframe15m, domain.Timeframe1h,
}

// MultiTimeframeFetcher scores 100 when the short-horizon momentum
// direction (price above its 20-period SMA) agrees across all four
// timeframes, scaling down proportionally to the number that disagree.
type MultiTimeframeFetcher struct{}

// NewMultiTimeframeFetcher constructs the fetcher. It has no external
// dependencies: it only reads candles already present in MarketContext.
func NewMultiTimeframeFetcher() *MultiTimeframeFetcher {
	return &MultiTimeframeFetcher{}
}

func (f *MultiTimeframeFetcher) Source() domain.SignalSource { return domain.SourceMultiTimeframe }

func (f *MultiTimeframeFetcher) Score(ctx context.Context, symbol string, mc MarketContext) domain.Signal {
	var considered, bullish int

	for _, tf := range multiframeTimeframes {
		closes := mc.Closes(tf)
		if len(closes) < 20 {
			continue
		}
		sma := lastSMA(closes, 20)
		if sma == nil {
			continue
		}
		considered++
		if closes[len(closes)-1] > *sma {
			bullish++
		}
	}

	if considered == 0 {
		return domain.Neutral(domain.SourceMultiTimeframe, symbol, time.Now().UTC())
	}

	// Alignment can be unanimously bullish or unanimously bearish; either
	// extreme scores 100, pure disagreement scores 50.
	agreement := float64(bullish) / float64(considered)
	if agreement < 0.5 {
		agreement = 1 - agreement
	}
	score := 50 + (agreement-0.5)*100

	return domain.Signal{
		Source:      domain.SourceMultiTimeframe,
		Symbol:      symbol,
		Score:       clamp01to100(score),
		Confidence:  float64(considered) / float64(len(multiframeTimeframes)),
		GeneratedAt: time.Now().UTC(),
	}
}

var _ Fetcher = (*MultiTimeframeFetcher)(nil)
