// Package scoring implements the Unified Scorer (§4.4, C4): it combines
// per-symbol signals with regime-adaptive weights into a composite score
// and a discrete tier, then clamps that tier against the learning
// memory's historical win rate for the (regime, symbol) bucket.
package scoring

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/signals"
)

// topK is the number of opportunities the scorer returns per cycle,
// per §4.4.
const topK = 25

// signalTTL is the maximum age a signal may have before the scorer
// rejects it as stale, per §4.2.
const signalTTL = 60 * time.Second

// estimatedTakeProfitPct and estimatedStopLossPct seed Opportunity's
// ProjectedTP/ProjectedSL display fields at scoring time, before the
// tier- and ATR-aware figures risk.Sizer.Size actually opens the
// position with are known. They mirror config's STOP_LOSS_PCT/
// TAKE_PROFIT_PCT defaults (§4.5's STANDARD tier) purely so a scored
// opportunity that's never sized still carries a plausible estimate.
const (
	estimatedTakeProfitPct = 0.015
	estimatedStopLossPct   = 0.05
)

// LearningLookup is the narrow read interface the scorer needs from C11,
// kept separate to avoid an import cycle between scoring and learning.
type LearningLookup interface {
	WinRate(regime domain.Regime, strategy domain.StrategyTag, symbol string) (rate float64, trades int)
}

// Weights holds the base composite weights from §4.4, before any
// regime-adaptive shift is applied.
type Weights struct {
	Technical    float64
	Intelligence float64
	Multiframe   float64
	Volume       float64
	Sentiment    float64
}

// DefaultWeights returns the §4.4 base weights:
// 0.40 technical, 0.30 intelligence, 0.15 multiframe, 0.10 volume, 0.05 sentiment.
func DefaultWeights() Weights {
	return Weights{Technical: 0.40, Intelligence: 0.30, Multiframe: 0.15, Volume: 0.10, Sentiment: 0.05}
}

// forRegime applies the §4.4 regime-adaptive shift.
func (w Weights) forRegime(regime domain.Regime) Weights {
	switch regime {
	case domain.RegimeVolatile, domain.RegimeStrongBear:
		w.Technical -= 0.10
		w.Multiframe += 0.05
		w.Sentiment += 0.05
	case domain.RegimeStrongBull:
		w.Multiframe += 0.05
		w.Sentiment -= 0.05
	}
	return w
}

// Scorer computes per-cycle opportunities from fetched signals.
type Scorer struct {
	fetchers []signals.Fetcher
	weights  Weights
	learning LearningLookup
	log      zerolog.Logger
}

// New constructs a Scorer. learning may be nil, in which case tier
// clamping is skipped entirely (no learning history available yet, e.g.
// on a fresh install).
func New(fetchers []signals.Fetcher, learning LearningLookup, log zerolog.Logger) *Scorer {
	return &Scorer{
		fetchers: fetchers,
		weights:  DefaultWeights(),
		learning: learning,
		log:      log.With().Str("component", "scoring").Logger(),
	}
}

// Score computes and ranks opportunities for the given candidates under
// the given regime, returning at most topK sorted by composite
// descending.
func (s *Scorer) Score(ctx context.Context, regime domain.RegimeReading, candidates []SymbolCandidate) []domain.Opportunity {
	weights := s.weights.forRegime(regime.Regime)
	now := time.Now().UTC()

	opportunities := make([]domain.Opportunity, 0, len(candidates))
	for _, c := range candidates {
		opp := s.scoreOne(ctx, c, weights, regime, now)
		if opp.Tier == domain.TierSkip {
			continue
		}
		opportunities = append(opportunities, opp)
	}

	sort.Slice(opportunities, func(i, j int) bool {
		a, b := opportunities[i], opportunities[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.TechnicalSubscore != b.TechnicalSubscore {
			return a.TechnicalSubscore > b.TechnicalSubscore
		}
		return a.Volume24h > b.Volume24h
	})

	if len(opportunities) > topK {
		opportunities = opportunities[:topK]
	}
	return opportunities
}

// SymbolCandidate is the per-symbol input the Agent Loop's ScanPhase
// assembles before handing candidates to the scorer.
type SymbolCandidate struct {
	Symbol    string
	MC        signals.MarketContext
	Volume24h float64
}

func (s *Scorer) scoreOne(ctx context.Context, c SymbolCandidate, weights Weights, regime domain.RegimeReading, now time.Time) domain.Opportunity {
	subscores := make(map[domain.SignalSource]domain.Signal, len(s.fetchers))
	for _, f := range s.fetchers {
		sig := f.Score(ctx, c.Symbol, c.MC)
		if sig.Stale(now, signalTTL) {
			sig = domain.Neutral(f.Source(), c.Symbol, now)
		}
		subscores[f.Source()] = sig
	}

	technical := subscores[domain.SourceTechnical].Score
	multiframe := subscores[domain.SourceMultiTimeframe].Score
	sentiment := subscores[domain.SourceSentiment].Score
	intelligence := blendIntelligence(subscores[domain.SourceOnChain], subscores[domain.SourceCrossExchange])
	volume := volumeSubscore(c.Volume24h)

	composite := weights.Technical*technical +
		weights.Intelligence*intelligence +
		weights.Multiframe*multiframe +
		weights.Volume*volume +
		weights.Sentiment*sentiment

	tier := tierFor(composite)
	tier = s.clampTier(tier, regime.Regime, c.Symbol)

	entry := entryPriceFor(c.MC)

	return domain.Opportunity{
		Symbol:            c.Symbol,
		Composite:         composite,
		TechnicalSubscore: technical,
		IntelligenceSub:   intelligence,
		MultiframeSub:     multiframe,
		VolumeSub:         volume,
		SentimentSub:      sentiment,
		Tier:              tier,
		SuggestedEntry:    entry,
		ProjectedTP:       entry * (1 + estimatedTakeProfitPct),
		ProjectedSL:       entry * (1 - estimatedStopLossPct),
		Volume24h:         c.Volume24h,
		ComputedAt:        now,
		Rationale:         rationaleFor(tier, technical, intelligence, multiframe),
	}
}

// entryPriceFor picks the suggested entry price for a scored
// opportunity: the live ticker price if the exchange returned one this
// cycle, falling back to the most recent closed candle across whichever
// timeframe the scan phase fetched, so a momentarily stale ticker never
// sizes a position off a zero price.
func entryPriceFor(mc signals.MarketContext) float64 {
	if mc.Ticker.Price > 0 {
		return mc.Ticker.Price
	}
	for _, candles := range mc.Candles {
		if len(candles) > 0 {
			if close := candles[len(candles)-1].Close; close > 0 {
				return close
			}
		}
	}
	return 0
}

// blendIntelligence combines the on-chain and cross-exchange-lead
// signals into the single "intelligence" composite input. §4.4 names
// "intelligence" as one composite term but §4.2 defines on-chain and
// cross-exchange as two separate fetchers; averaging them, weighted by
// each signal's own confidence, is the scorer's resolution of that gap.
func blendIntelligence(onchain, crossExchange domain.Signal) float64 {
	totalWeight := onchain.Confidence + crossExchange.Confidence
	if totalWeight == 0 {
		return 50
	}
	return (onchain.Score*onchain.Confidence + crossExchange.Score*crossExchange.Confidence) / totalWeight
}

// volumeSubscore maps 24h volume onto [0,100] via a log scale so a
// two-order-of-magnitude spread in volume doesn't collapse into a single
// saturated bucket. $10k volume scores near 0, $10M scores near 100.
func volumeSubscore(volume24h float64) float64 {
	if volume24h <= 0 {
		return 0
	}
	const lowLog, highLog = 4.0, 7.0 // log10(10_000), log10(10_000_000)
	logV := math.Log10(volume24h)
	score := (logV - lowLog) / (highLog - lowLog) * 100
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func tierFor(composite float64) domain.Tier {
	switch {
	case composite >= 95:
		return domain.TierGod
	case composite >= 90:
		return domain.TierHighConfidence
	case composite >= 85:
		return domain.TierStrongSetup
	case composite >= 80:
		return domain.TierGood
	case composite >= 70:
		return domain.TierStandard
	default:
		return domain.TierSkip
	}
}

// tierOrder lists tiers from worst to best so demote/promote can step
// one position in either direction.
var tierOrder = []domain.Tier{
	domain.TierSkip, domain.TierStandard, domain.TierGood, domain.TierStrongSetup, domain.TierHighConfidence, domain.TierGod,
}

func demote(t domain.Tier) domain.Tier {
	for i, v := range tierOrder {
		if v == t && i > 0 {
			return tierOrder[i-1]
		}
	}
	return t
}

func promote(t domain.Tier) domain.Tier {
	for i, v := range tierOrder {
		if v == t && i < len(tierOrder)-1 {
			return tierOrder[i+1]
		}
	}
	return t
}

// clampTier applies §4.11's learning-driven adjustment: demote one tier
// if the (regime, symbol) bucket's win-rate is below 0.30 over at least 5
// trades; promote one tier (capped at GOD_TIER) if win-rate is at least
// 0.70 over at least 10 trades.
func (s *Scorer) clampTier(tier domain.Tier, regime domain.Regime, symbol string) domain.Tier {
	if s.learning == nil || tier == domain.TierSkip {
		return tier
	}
	rate, trades := s.learning.WinRate(regime, domain.StrategyAny, symbol)
	switch {
	case trades >= 5 && rate < 0.30:
		return demote(tier)
	case trades >= 10 && rate >= 0.70:
		return promote(tier)
	default:
		return tier
	}
}

func rationaleFor(tier domain.Tier, technical, intelligence, multiframe float64) string {
	switch {
	case technical >= 70 && multiframe >= 70:
		return "technical and multi-timeframe alignment"
	case intelligence >= 70:
		return "intelligence-led setup"
	case tier == domain.TierSkip:
		return "below admission threshold"
	default:
		return "standard composite setup"
	}
}
