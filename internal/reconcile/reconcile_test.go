package reconcile

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

type fakeState struct {
	positions   map[string]domain.Position
	pendingBuys map[string]domain.PendingBuy
}

func newFakeState() *fakeState {
	return &fakeState{positions: map[string]domain.Position{}, pendingBuys: map[string]domain.PendingBuy{}}
}

func (s *fakeState) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}
func (s *fakeState) PendingBuys() []domain.PendingBuy {
	out := make([]domain.PendingBuy, 0, len(s.pendingBuys))
	for _, pb := range s.pendingBuys {
		out = append(out, pb)
	}
	return out
}
func (s *fakeState) OpenPosition(pos domain.Position) { s.positions[pos.Symbol] = pos }
func (s *fakeState) ClosePosition(symbol string) (domain.Position, bool) {
	p, ok := s.positions[symbol]
	delete(s.positions, symbol)
	return p, ok
}
func (s *fakeState) RemovePendingBuy(symbol string) { delete(s.pendingBuys, symbol) }
func (s *fakeState) RecordPendingBuy(pb domain.PendingBuy) { s.pendingBuys[pb.Symbol] = pb }

type fakeLedger struct {
	bySymbol map[string][]domain.TradeRecord
}

func (l *fakeLedger) ForSymbol(symbol string) ([]domain.TradeRecord, error) {
	return l.bySymbol[symbol], nil
}

type fakeRules struct {
	symbols []domain.Symbol
}

func (r *fakeRules) All() []domain.Symbol { return r.symbols }

type fakeClient struct {
	exchange.Client
	balances   map[string]domain.Balance
	openOrders []domain.Order
	tickers    map[string]domain.Ticker
}

func (f *fakeClient) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	return f.balances, nil
}
func (f *fakeClient) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return f.openOrders, nil
}
func (f *fakeClient) GetTicker(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	return f.tickers, nil
}

func btcSymbol() domain.Symbol {
	return domain.Symbol{Key: "BTC-USDT", Base: "BTC", Quote: "USDT"}
}

func TestRun_ClearsDustPosition(t *testing.T) {
	state := newFakeState()
	state.positions["BTC-USDT"] = domain.Position{Symbol: "BTC-USDT", Quantity: 0.001, EntryPrice: 50000, CurrentPrice: 50000}

	client := &fakeClient{
		balances: map[string]domain.Balance{"BTC": {Asset: "BTC", Free: 0.00001}}, // tiny residual
		tickers:  map[string]domain.Ticker{"BTC-USDT": {Symbol: "BTC-USDT", Price: 50000}},
	}
	r := New(client, state, &fakeLedger{}, &fakeRules{symbols: []domain.Symbol{btcSymbol()}}, "USDT", zerolog.Nop())

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ClearedDust)
	assert.False(t, func() bool { _, ok := state.positions["BTC-USDT"]; return ok }())
}

func TestRun_AdoptsUntrackedLiveHolding(t *testing.T) {
	state := newFakeState()
	client := &fakeClient{
		balances: map[string]domain.Balance{"BTC": {Asset: "BTC", Free: 0.01}},
		tickers:  map[string]domain.Ticker{"BTC-USDT": {Symbol: "BTC-USDT", Price: 50000}},
	}
	r := New(client, state, &fakeLedger{}, &fakeRules{symbols: []domain.Symbol{btcSymbol()}}, "USDT", zerolog.Nop())

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AdoptedPositions)
	_, ok := state.positions["BTC-USDT"]
	assert.True(t, ok)
}

func TestRun_ReconstructsEntryFromLedgerFIFO(t *testing.T) {
	state := newFakeState()
	state.positions["BTC-USDT"] = domain.Position{Symbol: "BTC-USDT", Quantity: 0.01, EntryPrice: 0, CurrentPrice: 50000}

	client := &fakeClient{
		balances: map[string]domain.Balance{"BTC": {Asset: "BTC", Free: 0.01}},
		tickers:  map[string]domain.Ticker{"BTC-USDT": {Symbol: "BTC-USDT", Price: 50000}},
	}
	ledger := &fakeLedger{bySymbol: map[string][]domain.TradeRecord{
		"BTC-USDT": {{ID: "t1", Symbol: "BTC-USDT", Side: domain.SideBuy, Price: 48000, Timestamp: time.Now().Add(-time.Hour)}},
	}}
	r := New(client, state, ledger, &fakeRules{symbols: []domain.Symbol{btcSymbol()}}, "USDT", zerolog.Nop())

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 48000.0, state.positions["BTC-USDT"].EntryPrice)
}

func TestRun_DropsStalePendingBuy(t *testing.T) {
	state := newFakeState()
	state.pendingBuys["BTC-USDT"] = domain.PendingBuy{Symbol: "BTC-USDT", OrderID: "gone"}

	client := &fakeClient{balances: map[string]domain.Balance{}, tickers: map[string]domain.Ticker{}}
	r := New(client, state, &fakeLedger{}, &fakeRules{}, "USDT", zerolog.Nop())

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DroppedPendings)
	assert.Empty(t, state.pendingBuys)
}

func TestRun_CriticalOnBalanceFetchFailureTwiceRequestsRestart(t *testing.T) {
	state := newFakeState()
	client := &failingClient{}
	r := New(client, state, &fakeLedger{}, &fakeRules{}, "USDT", zerolog.Nop())

	report1, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, report1.Level)
	assert.False(t, report1.RestartRequested)

	report2, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report2.RestartRequested)
}

type failingClient struct {
	exchange.Client
}

func (f *failingClient) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	return nil, assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "exchange unavailable" }
