package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
)

func sampleTrade(id, symbol string) domain.TradeRecord {
	return domain.TradeRecord{
		ID:        id,
		Symbol:    symbol,
		Side:      domain.SideSell,
		Quantity:  1,
		Price:     100,
		Fees:      0.1,
		Timestamp: time.Now().UTC(),
		Reason:    domain.StrategyTakeProfit,
	}
}

func TestAppend_AndAll_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	l, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, l.Append(sampleTrade("t1", "BTC-USDT")))
	require.NoError(t, l.Append(sampleTrade("t2", "ETH-USDT")))

	all, err := l.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t1", all[0].ID)
	assert.Equal(t, "t2", all[1].ID)
}

func TestAll_MissingFileReturnsEmptyNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	l, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	all, err := l.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestForSymbol_FiltersBySymbol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	l, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, l.Append(sampleTrade("t1", "BTC-USDT")))
	require.NoError(t, l.Append(sampleTrade("t2", "ETH-USDT")))
	require.NoError(t, l.Append(sampleTrade("t3", "BTC-USDT")))

	btc, err := l.ForSymbol("BTC-USDT")
	require.NoError(t, err)
	assert.Len(t, btc, 2)
}

func TestExists_DetectsDuplicateTradeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	l, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, l.Append(sampleTrade("t1", "BTC-USDT")))

	ok, err := l.Exists("t1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Exists("nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppend_IsDurableAcrossNewInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	l1, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l1.Append(sampleTrade("t1", "BTC-USDT")))

	l2, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)
	all, err := l2.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
