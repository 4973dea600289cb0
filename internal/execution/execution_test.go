package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
)

type fakeState struct {
	mu       sync.Mutex
	positions map[string]bool
	pendings map[string]domain.PendingBuy
}

func newFakeState() *fakeState {
	return &fakeState{positions: map[string]bool{}, pendings: map[string]domain.PendingBuy{}}
}

func (s *fakeState) HasPosition(symbol string) bool { return s.positions[symbol] }
func (s *fakeState) HasPendingBuy(symbol string) bool {
	_, ok := s.pendings[symbol]
	return ok
}
func (s *fakeState) RecordPendingBuy(pb domain.PendingBuy) { s.pendings[pb.Symbol] = pb }
func (s *fakeState) RemovePendingBuy(symbol string)        { delete(s.pendings, symbol) }
func (s *fakeState) PendingBuys() []domain.PendingBuy {
	out := make([]domain.PendingBuy, 0, len(s.pendings))
	for _, pb := range s.pendings {
		out = append(out, pb)
	}
	return out
}

type fakeExchange struct {
	exchange.Client
	placeErr error
	orderID  string
	cancelled []string
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, typ domain.OrderType, qty, price float64) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return f.orderID, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func btcRules() domain.Symbol {
	return domain.Symbol{Key: "BTC-USDT", Tick: 0.01, Lot: 0.0001, MinNotional: 5}
}

func TestOpen_RejectsWhenPositionExists(t *testing.T) {
	state := newFakeState()
	state.positions["BTC-USDT"] = true
	e := New(&fakeExchange{orderID: "1"}, state, 2*time.Minute, zerolog.Nop())

	_, err := e.Open(context.Background(), "BTC-USDT", btcRules(), 0.001, 50000, 50, 51000, 49000)
	require.Error(t, err)
}

func TestOpen_RejectsWhenPendingBuyExists(t *testing.T) {
	state := newFakeState()
	state.pendings["BTC-USDT"] = domain.PendingBuy{Symbol: "BTC-USDT"}
	e := New(&fakeExchange{orderID: "1"}, state, 2*time.Minute, zerolog.Nop())

	_, err := e.Open(context.Background(), "BTC-USDT", btcRules(), 0.001, 50000, 50, 51000, 49000)
	require.Error(t, err)
}

func TestOpen_RecordsPendingBeforeNetworkCallAndFillsOrderID(t *testing.T) {
	state := newFakeState()
	e := New(&fakeExchange{orderID: "exch-123"}, state, 2*time.Minute, zerolog.Nop())

	pb, err := e.Open(context.Background(), "BTC-USDT", btcRules(), 0.001, 50000, 50, 51000, 49000)
	require.NoError(t, err)
	assert.Equal(t, "exch-123", pb.OrderID)
	assert.Equal(t, 51000.0, pb.TakeProfit)
	assert.Equal(t, 49000.0, pb.StopLoss)
	assert.True(t, state.HasPendingBuy("BTC-USDT"))
}

func TestOpen_RemovesPendingOnNetworkFailure(t *testing.T) {
	state := newFakeState()
	e := New(&fakeExchange{placeErr: &domain.ExchangeError{Kind: domain.ErrKindRateLimited, Err: assert.AnError}}, state, 2*time.Minute, zerolog.Nop())

	_, err := e.Open(context.Background(), "BTC-USDT", btcRules(), 0.001, 50000, 50, 51000, 49000)
	require.Error(t, err)
	assert.False(t, state.HasPendingBuy("BTC-USDT"), "pending entry must be rolled back on network failure")
}

func TestOpen_BelowMinimumWhenQuantityRoundsToZero(t *testing.T) {
	state := newFakeState()
	e := New(&fakeExchange{orderID: "1"}, state, 2*time.Minute, zerolog.Nop())

	_, err := e.Open(context.Background(), "BTC-USDT", btcRules(), 0.00001, 50000, 50, 51000, 49000)
	require.Error(t, err)
}

func TestClose_UsesLimitMakerForTakeProfit(t *testing.T) {
	state := newFakeState()
	exch := &fakeExchange{orderID: "1"}
	e := New(exch, state, 2*time.Minute, zerolog.Nop())

	pos := domain.Position{Symbol: "BTC-USDT", Quantity: 0.001, CurrentTP: 51000, CurrentPrice: 50500}
	rec, err := e.Close(context.Background(), pos, domain.StrategyTakeProfit)
	require.NoError(t, err)
	assert.Equal(t, 51000.0, rec.Price)
}

func TestClose_UsesMarketForStopLoss(t *testing.T) {
	state := newFakeState()
	exch := &fakeExchange{orderID: "1"}
	e := New(exch, state, 2*time.Minute, zerolog.Nop())

	pos := domain.Position{Symbol: "BTC-USDT", Quantity: 0.001, CurrentSL: 48000, CurrentPrice: 49500}
	rec, err := e.Close(context.Background(), pos, domain.StrategyStopLoss)
	require.NoError(t, err)
	assert.Equal(t, 49500.0, rec.Price, "stop loss close should market-exit at current price")
}

func TestCancelStalePending_CancelsOlderThanTTL(t *testing.T) {
	state := newFakeState()
	state.pendings["BTC-USDT"] = domain.PendingBuy{Symbol: "BTC-USDT", OrderID: "old-1", PlacedAt: time.Now().UTC().Add(-5 * time.Minute)}
	state.pendings["ETH-USDT"] = domain.PendingBuy{Symbol: "ETH-USDT", OrderID: "new-1", PlacedAt: time.Now().UTC()}

	exch := &fakeExchange{}
	e := New(exch, state, 2*time.Minute, zerolog.Nop())
	e.CancelStalePending(context.Background())

	assert.False(t, state.HasPendingBuy("BTC-USDT"))
	assert.True(t, state.HasPendingBuy("ETH-USDT"))
	assert.Contains(t, exch.cancelled, "old-1")
}
