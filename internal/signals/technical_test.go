package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
)

func makeTrendingCandles(n int, start, step float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	price := start
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		candles[i] = domain.Candle{
			Symbol:    "BTC-USDT",
			Timeframe: domain.Timeframe1h,
			OpenTime:  now.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price * 1.01,
			Low:       price * 0.99,
			Close:     price,
			Volume:    1000 + float64(i)*10,
		}
		price += step
	}
	return candles
}

func TestTechnicalFetcher_NeutralOnInsufficientData(t *testing.T) {
	f := NewTechnicalFetcher(domain.Timeframe1h)
	mc := MarketContext{Candles: map[domain.Timeframe][]domain.Candle{
		domain.Timeframe1h: makeTrendingCandles(5, 100, 1),
	}}
	sig := f.Score(context.Background(), "BTC-USDT", mc)
	assert.Equal(t, 0.0, sig.Confidence)
	assert.Equal(t, 50.0, sig.Score)
}

func TestTechnicalFetcher_UptrendScoresAboveNeutral(t *testing.T) {
	f := NewTechnicalFetcher(domain.Timeframe1h)
	mc := MarketContext{Candles: map[domain.Timeframe][]domain.Candle{
		domain.Timeframe1h: makeTrendingCandles(60, 100, 1),
	}}
	sig := f.Score(context.Background(), "BTC-USDT", mc)
	require.Greater(t, sig.Confidence, 0.0)
	assert.Greater(t, sig.Score, 50.0, "a sustained uptrend should score above neutral")
	assert.LessOrEqual(t, sig.Score, 100.0)
}

func TestTechnicalFetcher_DowntrendScoresBelowNeutral(t *testing.T) {
	f := NewTechnicalFetcher(domain.Timeframe1h)
	mc := MarketContext{Candles: map[domain.Timeframe][]domain.Candle{
		domain.Timeframe1h: makeTrendingCandles(60, 200, -1),
	}}
	sig := f.Score(context.Background(), "BTC-USDT", mc)
	require.Greater(t, sig.Confidence, 0.0)
	assert.Less(t, sig.Score, 50.0, "a sustained downtrend should score below neutral")
	assert.GreaterOrEqual(t, sig.Score, 0.0)
}

func TestMultiTimeframeFetcher_UnanimousAlignmentScoresHigh(t *testing.T) {
	f := NewMultiTimeframeFetcher()
	mc := MarketContext{Candles: map[domain.Timeframe][]domain.Candle{
		domain.Timeframe1m:  makeTrendingCandles(30, 100, 1),
		domain.Timeframe5m:  makeTrendingCandles(30, 100, 1),
		domain.Timeframe15m: makeTrendingCandles(30, 100, 1),
		domain.Timeframe1h:  makeTrendingCandles(30, 100, 1),
	}}
	sig := f.Score(context.Background(), "BTC-USDT", mc)
	assert.Equal(t, 100.0, sig.Score)
	assert.Equal(t, 1.0, sig.Confidence)
}

func TestMultiTimeframeFetcher_NeutralWithoutEnoughHistory(t *testing.T) {
	f := NewMultiTimeframeFetcher()
	mc := MarketContext{Candles: map[domain.Timeframe][]domain.Candle{}}
	sig := f.Score(context.Background(), "BTC-USDT", mc)
	assert.Equal(t, 0.0, sig.Confidence)
}
