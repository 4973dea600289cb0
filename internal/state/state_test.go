package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
)

func TestNew_NoSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, s.Positions())
	assert.Empty(t, s.PendingBuys())
}

func TestRecordPendingBuy_AndHasPendingBuy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	s.RecordPendingBuy(domain.PendingBuy{Symbol: "BTC-USDT", OrderID: "1", PlacedAt: time.Now().UTC()})
	assert.True(t, s.HasPendingBuy("BTC-USDT"))
	assert.False(t, s.HasPosition("BTC-USDT"))
}

func TestOpenPosition_ClearsPendingBuy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	s.RecordPendingBuy(domain.PendingBuy{Symbol: "BTC-USDT", OrderID: "1"})
	s.OpenPosition(domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 100})

	assert.True(t, s.HasPosition("BTC-USDT"))
	assert.False(t, s.HasPendingBuy("BTC-USDT"), "fill confirmation should supersede the pending buy")
}

func TestClosePosition_RemovesAndReturnsPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	s.OpenPosition(domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 100})
	pos, ok := s.ClosePosition("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT", pos.Symbol)
	assert.False(t, s.HasPosition("BTC-USDT"))

	_, ok = s.ClosePosition("BTC-USDT")
	assert.False(t, ok, "closing a symbol with no open position should report false")
}

func TestPersist_VersionIncrementsOnEachMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	v0 := s.Version()
	s.OpenPosition(domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 100})
	v1 := s.Version()
	assert.Greater(t, v1, v0)
}

func TestNew_HydratesFromDurableSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s1, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)
	s1.OpenPosition(domain.Position{Symbol: "ETH-USDT", Quantity: 2, EntryPrice: 2000})

	s2, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)
	pos, ok := s2.Position("ETH-USDT")
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.Quantity)
}

func TestSetCapitalAwareness_AndRetrieve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	ca := domain.CapitalAwareness{QuoteAvailable: 100, QuoteLocked: 20, HoldingsValue: 50}
	ca.Recompute()
	s.SetCapitalAwareness(ca)

	assert.Equal(t, 170.0, s.CapitalAwareness().TotalAssets)
}

func TestSetDailyCounters_AndSetMode_PersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s1, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	s1.SetDailyCounters(domain.DailyCounters{Date: "2026-07-30", TradeCount: 3, WinCount: 2, LossCount: 1})
	s1.SetLastRegime(domain.RegimeBull)
	s1.SetMode(domain.ModeObserving)

	s2, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "2026-07-30", s2.DailyCounters().Date)
	assert.Equal(t, 3, s2.DailyCounters().TradeCount)
	assert.Equal(t, domain.RegimeBull, s2.LastRegime())
	assert.Equal(t, domain.ModeObserving, s2.Mode())
}

func TestReplaceAll_OverwritesEntireState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.msgpack")
	s, err := New(path, nil, zerolog.Nop())
	require.NoError(t, err)

	s.OpenPosition(domain.Position{Symbol: "BTC-USDT", Quantity: 1, EntryPrice: 100})
	s.ReplaceAll(map[string]domain.Position{
		"ETH-USDT": {Symbol: "ETH-USDT", Quantity: 1, EntryPrice: 2000},
	}, map[string]domain.PendingBuy{})

	assert.False(t, s.HasPosition("BTC-USDT"))
	assert.True(t, s.HasPosition("ETH-USDT"))
}
