package universe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
	"github.com/osiristrader/agent/internal/xerrors"
)

type fakeClient struct {
	exchange.Client
	symbols []domain.Symbol
	err     error
}

func (f *fakeClient) GetSymbols(ctx context.Context) ([]domain.Symbol, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.symbols, nil
}

func testLog() zerolog.Logger {
	return zerolog.Nop()
}

func TestRefresh_FiltersIneligibleSymbols(t *testing.T) {
	client := &fakeClient{symbols: []domain.Symbol{
		{Key: "BTC-USDT", Base: "BTC", Quote: "USDT", Tick: 0.01, Lot: 0.0001, Active: true},
		{Key: "ETH-USD", Base: "ETH", Quote: "USD", Tick: 0.01, Lot: 0.001, Active: true},  // wrong quote
		{Key: "SOL-USDT", Base: "SOL", Quote: "USDT", Tick: 0.01, Lot: 0.01, Active: false}, // inactive
		{Key: "USDC-USDT", Base: "USDC", Quote: "USDT", Tick: 0.0001, Lot: 1, Active: true}, // stablecoin base
		{Key: "1000SATS-USDT", Base: "1000", Quote: "USDT", Tick: 0.01, Lot: 1, Active: true}, // numeric base
	}}

	u := New(client, Config{QuoteCurrency: "USDT"}, testLog())
	err := u.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, u.Len())
	_, err = u.Rules("BTC-USDT")
	assert.NoError(t, err)
	_, err = u.Rules("ETH-USD")
	assert.Error(t, err)
}

func TestRefresh_HonorsIgnoreSet(t *testing.T) {
	client := &fakeClient{symbols: []domain.Symbol{
		{Key: "DOGE-USDT", Base: "DOGE", Quote: "USDT", Tick: 0.00001, Lot: 1, Active: true},
	}}
	u := New(client, Config{QuoteCurrency: "USDT", IgnoredBases: []string{"doge"}}, testLog())
	require.NoError(t, u.Refresh(context.Background()))
	assert.Equal(t, 0, u.Len())
}

func TestRules_UnknownSymbolError(t *testing.T) {
	u := New(&fakeClient{}, Config{QuoteCurrency: "USDT"}, testLog())
	_, err := u.Rules("NOPE-USDT")
	require.Error(t, err)
	var xerr *xerrors.Error
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, xerrors.KindUnknownSymbol, xerr.Kind)
}

func TestRefresh_DegradedOnUpstreamFailure(t *testing.T) {
	good := &fakeClient{symbols: []domain.Symbol{
		{Key: "BTC-USDT", Base: "BTC", Quote: "USDT", Tick: 0.01, Lot: 0.0001, Active: true},
	}}
	u := New(good, Config{QuoteCurrency: "USDT"}, testLog())
	require.NoError(t, u.Refresh(context.Background()))
	require.False(t, u.Degraded())

	u.client = &fakeClient{err: errors.New("connection refused")}
	err := u.Refresh(context.Background())
	require.Error(t, err)

	assert.True(t, u.Degraded())
	assert.Equal(t, 1, u.Len(), "previous cache must be retained on failed refresh")
	_, rerr := u.Rules("BTC-USDT")
	assert.NoError(t, rerr)
}

func TestRefresh_MergeWithPreserve(t *testing.T) {
	client := &fakeClient{symbols: []domain.Symbol{
		{Key: "BTC-USDT", Base: "BTC", Quote: "USDT", Tick: 0.01, Lot: 0.0001, Active: true},
	}}
	u := New(client, Config{QuoteCurrency: "USDT"}, testLog())
	require.NoError(t, u.Refresh(context.Background()))

	// Second refresh omits tick/lot for the same symbol; prior values must
	// survive rather than being zeroed out.
	client.symbols = []domain.Symbol{
		{Key: "BTC-USDT", Base: "BTC", Quote: "USDT", Tick: 0, Lot: 0, Active: true},
	}
	require.NoError(t, u.Refresh(context.Background()))

	rules, err := u.Rules("BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 0.01, rules.Tick)
	assert.Equal(t, 0.0001, rules.Lot)
}

func TestRefresh_DropsSymbolMissingTickWithNoPriorValue(t *testing.T) {
	client := &fakeClient{symbols: []domain.Symbol{
		{Key: "NEW-USDT", Base: "NEW", Quote: "USDT", Tick: 0, Lot: 0.01, Active: true},
	}}
	u := New(client, Config{QuoteCurrency: "USDT"}, testLog())
	require.NoError(t, u.Refresh(context.Background()))
	assert.Equal(t, 0, u.Len())
}

func TestNew_HydratesFromDurableSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "universe.msgpack")

	client := &fakeClient{symbols: []domain.Symbol{
		{Key: "BTC-USDT", Base: "BTC", Quote: "USDT", Tick: 0.01, Lot: 0.0001, Active: true, RefreshedAt: time.Now().UTC()},
	}}
	u1 := New(client, Config{QuoteCurrency: "USDT", SnapshotPath: path}, testLog())
	require.NoError(t, u1.Refresh(context.Background()))

	u2 := New(&fakeClient{err: errors.New("exchange unreachable at startup")}, Config{QuoteCurrency: "USDT", SnapshotPath: path}, testLog())
	assert.Equal(t, 1, u2.Len(), "should hydrate from durable snapshot before any refresh")
}
