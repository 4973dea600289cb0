package signals

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
)

// SentimentSource is one pluggable external sentiment/social provider
// (§1's "abstracted as pluggable signal sources that return a bounded
// numeric score with confidence"). The out-of-scope boundary means the
// agent never talks to a concrete social-media or news API directly —
// only through this narrow interface.
type SentimentSource interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (score float64, healthy bool)
}

// SentimentFetcher aggregates one or more SentimentSource providers. Its
// confidence reflects the fraction of configured sources that answered
// healthily this cycle, per §4.2.
type SentimentFetcher struct {
	sources []SentimentSource
	log     zerolog.Logger
}

// NewSentimentFetcher constructs an aggregator over the given sources.
func NewSentimentFetcher(sources []SentimentSource, log zerolog.Logger) *SentimentFetcher {
	return &SentimentFetcher{sources: sources, log: log.With().Str("component", "signals.sentiment").Logger()}
}

func (f *SentimentFetcher) Source() domain.SignalSource { return domain.SourceSentiment }

func (f *SentimentFetcher) Score(ctx context.Context, symbol string, mc MarketContext) domain.Signal {
	if len(f.sources) == 0 {
		return domain.Neutral(domain.SourceSentiment, symbol, time.Now().UTC())
	}

	type result struct {
		score   float64
		healthy bool
	}
	results := make([]result, len(f.sources))

	var wg sync.WaitGroup
	for i, src := range f.sources {
		wg.Add(1)
		go func(i int, src SentimentSource) {
			defer wg.Done()
			score, healthy := src.Fetch(ctx, symbol)
			results[i] = result{score: score, healthy: healthy}
			if !healthy {
				f.log.Debug().Str("source", src.Name()).Str("symbol", symbol).Msg("sentiment source unhealthy")
			}
		}(i, src)
	}
	wg.Wait()

	var sum float64
	var healthyCount int
	for _, r := range results {
		if r.healthy {
			sum += r.score
			healthyCount++
		}
	}

	if healthyCount == 0 {
		return domain.Neutral(domain.SourceSentiment, symbol, time.Now().UTC())
	}

	return domain.Signal{
		Source:      domain.SourceSentiment,
		Symbol:      symbol,
		Score:       clamp01to100(sum / float64(healthyCount)),
		Confidence:  float64(healthyCount) / float64(len(f.sources)),
		GeneratedAt: time.Now().UTC(),
	}
}

var _ Fetcher = (*SentimentFetcher)(nil)
