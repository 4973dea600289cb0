package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
)

type fakeTickerClient struct {
	exchange.Client
	prices map[string]float64
}

func (f *fakeTickerClient) GetTicker(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	out := map[string]domain.Ticker{}
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = domain.Ticker{Symbol: s, Price: p}
		}
	}
	return out, nil
}

type fakeQuality struct {
	scores map[string]float64
}

func (f *fakeQuality) CurrentQuality(symbol string) (float64, bool) {
	v, ok := f.scores[symbol]
	return v, ok
}

func testConfig() Config {
	return Config{
		MinProfitBuffer:    0.01,
		TrailingActivation: 0.01,
		RecycleMinGainPct:  0.005,
		RecycleMaxGainPct:  0.010,
		RecycleQualityDrop: 15,
		DecayTimeout:       2 * time.Hour,
		DecayMaxGainPct:    0.005,
	}
}

func TestEvaluate_StopLossBreach(t *testing.T) {
	client := &fakeTickerClient{prices: map[string]float64{"BTC-USDT": 9.20}}
	m := New(client, testConfig(), nil, zerolog.Nop())

	pos := domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10, CurrentSL: 9.5, CurrentTP: 11}
	_, actions, err := m.Evaluate(context.Background(), []domain.Position{pos})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.StrategyStopLoss, actions[0].Reason)
}

func TestEvaluate_TakeProfitRequiresProfitBuffer(t *testing.T) {
	client := &fakeTickerClient{prices: map[string]float64{"BTC-USDT": 11.0}}
	cfg := testConfig()
	cfg.MinProfitBuffer = 1000 // unreachable buffer
	m := New(client, cfg, nil, zerolog.Nop())

	pos := domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10, CurrentSL: 9.5, CurrentTP: 11}
	_, actions, err := m.Evaluate(context.Background(), []domain.Position{pos})
	require.NoError(t, err)
	assert.Empty(t, actions, "take profit should not fire when it can't clear the minimum profit buffer")
}

func TestEvaluate_TakeProfitFiresWhenBufferCleared(t *testing.T) {
	client := &fakeTickerClient{prices: map[string]float64{"BTC-USDT": 11.0}}
	m := New(client, testConfig(), nil, zerolog.Nop())

	pos := domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10, CurrentSL: 9.5, CurrentTP: 11}
	_, actions, err := m.Evaluate(context.Background(), []domain.Position{pos})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.StrategyTakeProfit, actions[0].Reason)
}

func TestEvaluate_AdvancesTrailingStopAboveActivation(t *testing.T) {
	client := &fakeTickerClient{prices: map[string]float64{"BTC-USDT": 10.25}} // +2.5% gain
	m := New(client, testConfig(), nil, zerolog.Nop())

	pos := domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10, CurrentSL: 9.0, CurrentTP: 20}
	updated, actions, err := m.Evaluate(context.Background(), []domain.Position{pos})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTrail, actions[0].Kind)
	assert.Greater(t, updated[0].CurrentSL, 9.0)
}

func TestEvaluate_RecycleProfitOnQualityDecay(t *testing.T) {
	client := &fakeTickerClient{prices: map[string]float64{"BTC-USDT": 10.06}} // +0.6% gain, within recycle band
	quality := &fakeQuality{scores: map[string]float64{"BTC-USDT": 40}}
	m := New(client, testConfig(), quality, zerolog.Nop())

	pos := domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10, CurrentSL: 9.0, CurrentTP: 20, EntryQuality: 80}
	_, actions, err := m.Evaluate(context.Background(), []domain.Position{pos})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.StrategyRecycleProfit, actions[0].Reason)
}

func TestEvaluate_AlphaDecayOnStaleSmallGain(t *testing.T) {
	client := &fakeTickerClient{prices: map[string]float64{"BTC-USDT": 10.01}}
	m := New(client, testConfig(), nil, zerolog.Nop())

	pos := domain.Position{
		Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10,
		CurrentSL: 9.0, CurrentTP: 20, OpenedAt: time.Now().UTC().Add(-3 * time.Hour),
	}
	_, actions, err := m.Evaluate(context.Background(), []domain.Position{pos})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.StrategyAlphaDecay, actions[0].Reason)
}

func TestEvaluate_ClosesOrderedBeforeTrailsByPriority(t *testing.T) {
	client := &fakeTickerClient{prices: map[string]float64{
		"AAA-USDT": 9.0,   // stop loss breach
		"BBB-USDT": 10.25, // trailing advance
	}}
	m := New(client, testConfig(), nil, zerolog.Nop())

	positions := []domain.Position{
		{Symbol: "BBB-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10, CurrentSL: 9.0, CurrentTP: 20},
		{Symbol: "AAA-USDT", Quantity: 1, EntryPrice: 10, CurrentPrice: 10, CurrentSL: 9.5, CurrentTP: 20},
	}
	_, actions, err := m.Evaluate(context.Background(), positions)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionClose, actions[0].Kind, "closes must be ordered before trails")
	assert.Equal(t, ActionTrail, actions[1].Kind)
}
