package signals

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/osiristrader/agent/internal/domain"
)

// This file wraps go-talib/gonum indicator calculations in the same
// nil-on-insufficient-data style the formulas packages in the retrieved
// pack use: return a pointer to the latest value, or nil if there isn't
// enough history to compute one.

func isNaN(f float64) bool { return math.IsNaN(f) }

// ATR computes the latest ATR(period) from a closed-candle series,
// exported so the Risk & Sizing component (C5) can derive its
// volatility-scaled stop-loss width without duplicating the indicator.
func ATR(candles []domain.Candle, period int) (float64, bool) {
	if len(candles) <= period {
		return 0, false
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	v := lastATR(highs, lows, closes, period)
	if v == nil {
		return 0, false
	}
	return *v, true
}

func lastRSI(closes []float64, period int) *float64 {
	if len(closes) <= period {
		return nil
	}
	out := talib.Rsi(closes, period)
	if len(out) == 0 || isNaN(out[len(out)-1]) {
		return nil
	}
	v := out[len(out)-1]
	return &v
}

type macdResult struct {
	MACD   float64
	Signal float64
	Hist   float64
}

func lastMACD(closes []float64, fast, slow, signal int) *macdResult {
	if len(closes) < slow+signal {
		return nil
	}
	macd, sig, hist := talib.Macd(closes, fast, slow, signal)
	n := len(macd)
	if n == 0 || isNaN(macd[n-1]) || isNaN(sig[n-1]) {
		return nil
	}
	return &macdResult{MACD: macd[n-1], Signal: sig[n-1], Hist: hist[n-1]}
}

func lastBollingerPosition(closes []float64, period int, devUp, devDown float64) *float64 {
	if len(closes) < period {
		return nil
	}
	upper, _, lower := talib.BBands(closes, period, devUp, devDown, 0)
	n := len(upper)
	if n == 0 || isNaN(upper[n-1]) || isNaN(lower[n-1]) {
		return nil
	}
	width := upper[n-1] - lower[n-1]
	if width == 0 {
		v := 0.5
		return &v
	}
	price := closes[len(closes)-1]
	pos := (price - lower[n-1]) / width
	if pos < 0 {
		pos = 0
	}
	if pos > 1 {
		pos = 1
	}
	return &pos
}

func lastSMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	out := talib.Sma(closes, period)
	if len(out) == 0 || isNaN(out[len(out)-1]) {
		return nil
	}
	v := out[len(out)-1]
	return &v
}

func lastATR(high, low, close []float64, period int) *float64 {
	if len(close) <= period {
		return nil
	}
	out := talib.Atr(high, low, close, period)
	if len(out) == 0 || isNaN(out[len(out)-1]) {
		return nil
	}
	v := out[len(out)-1]
	return &v
}

func lastOBV(close, volume []float64) *float64 {
	if len(close) == 0 || len(close) != len(volume) {
		return nil
	}
	out := talib.Obv(close, volume)
	if len(out) == 0 || isNaN(out[len(out)-1]) {
		return nil
	}
	v := out[len(out)-1]
	return &v
}

type stochResult struct {
	K float64
	D float64
}

func lastStochastic(high, low, close []float64, kPeriod, dPeriod int) *stochResult {
	if len(close) < kPeriod+dPeriod {
		return nil
	}
	k, d := talib.Stoch(high, low, close, kPeriod, dPeriod, talib.SMA, dPeriod, talib.SMA)
	n := len(k)
	if n == 0 || isNaN(k[n-1]) || isNaN(d[n-1]) {
		return nil
	}
	return &stochResult{K: k[n-1], D: d[n-1]}
}

func lastVWAP(high, low, close, volume []float64) *float64 {
	if len(close) == 0 || len(close) != len(volume) {
		return nil
	}
	var pvSum, vSum float64
	for i := range close {
		typical := (high[i] + low[i] + close[i]) / 3
		pvSum += typical * volume[i]
		vSum += volume[i]
	}
	if vSum == 0 {
		return nil
	}
	v := pvSum / vSum
	return &v
}

// mean is a thin gonum wrapper kept distinct from the talib wrappers above
// since the volume-contribution calculation compares against a plain
// statistical baseline, not an indicator series.
func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

func stdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// clamp01to100 clamps a contribution score into the [0, 100] range every
// fetcher must return.
func clamp01to100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
