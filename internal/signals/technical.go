package signals

import (
	"context"
	"time"

	"github.com/osiristrader/agent/internal/domain"
)

// technicalWeights implements the fixed weighting from §4.2: RSI 0.10,
// MACD 0.15, BB 0.10, MA 0.15, OBV 0.10, STOCH 0.10, VWAP 0.10, ATR 0.05,
// Volume 0.15.
const (
	weightRSI    = 0.10
	weightMACD   = 0.15
	weightBB     = 0.10
	weightMA     = 0.15
	weightOBV    = 0.10
	weightStoch  = 0.10
	weightVWAP   = 0.10
	weightATR    = 0.05
	weightVolume = 0.15
)

// TechnicalFetcher computes RSI(14), MACD(12,26,9), Bollinger(20,2),
// MA(20/50), ATR(14), OBV, Stochastic(14,3), and VWAP from the primary
// timeframe's candles and combines them into a single [0,100] subscore.
type TechnicalFetcher struct {
	primary domain.Timeframe
}

// NewTechnicalFetcher constructs a fetcher reading candles from the given
// primary timeframe (§4.2 does not mandate one; 1h is the agent's base
// scan interval per §6 defaults).
func NewTechnicalFetcher(primary domain.Timeframe) *TechnicalFetcher {
	return &TechnicalFetcher{primary: primary}
}

func (f *TechnicalFetcher) Source() domain.SignalSource { return domain.SourceTechnical }

func (f *TechnicalFetcher) Score(ctx context.Context, symbol string, mc MarketContext) domain.Signal {
	candles := mc.Candles[f.primary]
	if len(candles) < 26 {
		return domain.Neutral(domain.SourceTechnical, symbol, time.Now().UTC())
	}

	closes := mc.Closes(f.primary)
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	var weightedSum, weightTotal float64
	contribute := func(weight float64, value *float64) {
		if value == nil {
			return
		}
		weightedSum += weight * clamp01to100(*value)
		weightTotal += weight
	}

	if rsi := lastRSI(closes, 14); rsi != nil {
		// RSI directly maps to [0,100] already.
		contribute(weightRSI, rsi)
	}

	if macd := lastMACD(closes, 12, 26, 9); macd != nil {
		// Histogram sign/direction mapped onto [0,100] around a neutral 50.
		v := 50 + clampSigned(macd.Hist*500, -50, 50)
		contribute(weightMACD, &v)
	}

	if bb := lastBollingerPosition(closes, 20, 2, 2); bb != nil {
		v := *bb * 100
		contribute(weightBB, &v)
	}

	if ma20, ma50 := lastSMA(closes, 20), lastSMA(closes, 50); ma20 != nil && ma50 != nil {
		// Price above both MAs and MA20 above MA50 is bullish; scaled into [0,100].
		price := closes[len(closes)-1]
		score := 50.0
		if price > *ma20 {
			score += 15
		} else {
			score -= 15
		}
		if *ma20 > *ma50 {
			score += 15
		} else {
			score -= 15
		}
		contribute(weightMA, &score)
	}

	if obv := lastOBV(closes, volumes); obv != nil && len(closes) >= 2 {
		// OBV direction over the recent window: rising OBV is bullish.
		obvPrev := lastOBV(closes[:len(closes)-1], volumes[:len(volumes)-1])
		score := 50.0
		if obvPrev != nil {
			if *obv > *obvPrev {
				score = 70
			} else if *obv < *obvPrev {
				score = 30
			}
		}
		contribute(weightOBV, &score)
	}

	if stoch := lastStochastic(highs, lows, closes, 14, 3); stoch != nil {
		contribute(weightStoch, &stoch.K)
	}

	if vwap := lastVWAP(highs, lows, closes, volumes); vwap != nil && *vwap != 0 {
		price := closes[len(closes)-1]
		dist := (price - *vwap) / *vwap
		v := 50 + clampSigned(dist*1000, -50, 50)
		contribute(weightVWAP, &v)
	}

	if atr := lastATR(highs, lows, closes, 14); atr != nil && closes[len(closes)-1] != 0 {
		// Lower relative ATR (less noise) scores slightly higher; this is a
		// minor tilt, not a directional signal, hence the small weight.
		relATR := *atr / closes[len(closes)-1]
		v := clamp01to100(100 - relATR*1000)
		contribute(weightATR, &v)
	}

	if volScore := volumeContribution(volumes); volScore != nil {
		contribute(weightVolume, volScore)
	}

	if weightTotal == 0 {
		return domain.Neutral(domain.SourceTechnical, symbol, time.Now().UTC())
	}

	composite := weightedSum / weightTotal
	confidence := weightTotal / (weightRSI + weightMACD + weightBB + weightMA + weightOBV + weightStoch + weightVWAP + weightATR + weightVolume)

	return domain.Signal{
		Source:      domain.SourceTechnical,
		Symbol:      symbol,
		Score:       clamp01to100(composite),
		Confidence:  confidence,
		GeneratedAt: time.Now().UTC(),
	}
}

// volumeContribution scores current volume relative to its recent mean:
// above-average volume is treated as confirming conviction.
func volumeContribution(volumes []float64) *float64 {
	if len(volumes) < 2 {
		return nil
	}
	current := volumes[len(volumes)-1]
	baseline := mean(volumes[:len(volumes)-1])
	if baseline == 0 {
		return nil
	}
	ratio := current / baseline
	v := clamp01to100(50 + (ratio-1)*50)
	return &v
}

func clampSigned(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
