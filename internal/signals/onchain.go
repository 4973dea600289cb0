package signals

import (
	"context"
	"time"

	"github.com/osiristrader/agent/internal/domain"
)

// OnChainBucket is a discrete on-chain/whale-activity reading bucketed
// into a coarse score, per §4.2's "discrete signals bucketed into [0,100]".
type OnChainBucket string

const (
	BucketHeavyAccumulation OnChainBucket = "heavy_accumulation"
	BucketAccumulation      OnChainBucket = "accumulation"
	BucketNeutral           OnChainBucket = "neutral"
	BucketDistribution      OnChainBucket = "distribution"
	BucketHeavyDistribution OnChainBucket = "heavy_distribution"
)

var bucketScores = map[OnChainBucket]float64{
	BucketHeavyAccumulation: 90,
	BucketAccumulation:      70,
	BucketNeutral:           50,
	BucketDistribution:      30,
	BucketHeavyDistribution: 10,
}

// OnChainSource is the pluggable whale/flow data provider (out-of-scope
// collaborator per §1). It returns a discrete bucket rather than a raw
// numeric so the fetcher doesn't depend on any one provider's units.
type OnChainSource interface {
	Classify(ctx context.Context, symbol string) (bucket OnChainBucket, ok bool)
}

// OnChainFetcher converts a provider's discrete classification into a
// bounded signal.
type OnChainFetcher struct {
	source OnChainSource
}

// NewOnChainFetcher constructs a fetcher over the given provider. source
// may be nil, in which case the fetcher always returns a neutral signal
// (no on-chain provider configured).
func NewOnChainFetcher(source OnChainSource) *OnChainFetcher {
	return &OnChainFetcher{source: source}
}

func (f *OnChainFetcher) Source() domain.SignalSource { return domain.SourceOnChain }

func (f *OnChainFetcher) Score(ctx context.Context, symbol string, mc MarketContext) domain.Signal {
	if f.source == nil {
		return domain.Neutral(domain.SourceOnChain, symbol, time.Now().UTC())
	}

	bucket, ok := f.source.Classify(ctx, symbol)
	if !ok {
		return domain.Neutral(domain.SourceOnChain, symbol, time.Now().UTC())
	}

	score, known := bucketScores[bucket]
	if !known {
		return domain.Neutral(domain.SourceOnChain, symbol, time.Now().UTC())
	}

	return domain.Signal{
		Source:      domain.SourceOnChain,
		Symbol:      symbol,
		Score:       score,
		Confidence:  1,
		GeneratedAt: time.Now().UTC(),
	}
}

var _ Fetcher = (*OnChainFetcher)(nil)
