package learning

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
)

func TestRecordClose_AndWinRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.msgpack")
	m, err := New(path, zerolog.Nop())
	require.NoError(t, err)

	m.RecordClose(domain.RegimeBull, domain.StrategyTakeProfit, "BTC-USDT", true, 5)
	m.RecordClose(domain.RegimeBull, domain.StrategyTakeProfit, "BTC-USDT", false, -2)

	rate, trades := m.WinRate(domain.RegimeBull, domain.StrategyAny, "BTC-USDT")
	assert.Equal(t, 2, trades)
	assert.InDelta(t, 0.5, rate, 1e-9)
}

func TestWinRate_UnknownBucketReturnsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.msgpack")
	m, err := New(path, zerolog.Nop())
	require.NoError(t, err)

	rate, trades := m.WinRate(domain.RegimeBull, domain.StrategyAny, "ETH-USDT")
	assert.Equal(t, 0, trades)
	assert.Equal(t, 0.0, rate)
}

func TestAvoid_TrueBelowThresholdWithEnoughTrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.msgpack")
	m, err := New(path, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		m.RecordClose(domain.RegimeNormal, domain.StrategyStopLoss, "DOGE-USDT", false, -1)
	}
	for i := 0; i < 2; i++ {
		m.RecordClose(domain.RegimeNormal, domain.StrategyTakeProfit, "DOGE-USDT", true, 1)
	}

	assert.True(t, m.Avoid("DOGE-USDT"))
}

func TestAvoid_FalseWithTooFewTrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.msgpack")
	m, err := New(path, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m.RecordClose(domain.RegimeNormal, domain.StrategyStopLoss, "DOGE-USDT", false, -1)
	}
	assert.False(t, m.Avoid("DOGE-USDT"), "should not avoid below the minimum trade count")
}

func TestBestStrategies_OrderedByWinRateDescending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.msgpack")
	m, err := New(path, zerolog.Nop())
	require.NoError(t, err)

	m.RecordClose(domain.RegimeBull, domain.StrategyTakeProfit, "BTC-USDT", true, 1)
	m.RecordClose(domain.RegimeBull, domain.StrategyStopLoss, "ETH-USDT", false, -1)
	m.RecordClose(domain.RegimeBull, domain.StrategyStopLoss, "ETH-USDT", false, -1)

	best := m.BestStrategies(domain.RegimeBull)
	require.Len(t, best, 2)
	assert.Equal(t, domain.StrategyTakeProfit, best[0].Key.Strategy)
}

func TestNew_HydratesFromDurableSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.msgpack")
	m1, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	m1.RecordClose(domain.RegimeBull, domain.StrategyTakeProfit, "BTC-USDT", true, 1)

	m2, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	rate, trades := m2.WinRate(domain.RegimeBull, domain.StrategyAny, "BTC-USDT")
	assert.Equal(t, 1, trades)
	assert.Equal(t, 1.0, rate)
}
