// Package exchange defines the narrow exchange-client contract every
// component consumes (§6) and provides two concrete implementations: a
// REST+WebSocket client against a real venue, and a paper-trading client
// that simulates fills locally.
package exchange

import (
	"context"
	"time"

	"github.com/osiristrader/agent/internal/domain"
)

// Client is the exchange-agnostic contract components depend on. No
// component imports a concrete exchange implementation directly.
type Client interface {
	GetSymbols(ctx context.Context) ([]domain.Symbol, error)
	GetTicker(ctx context.Context, symbols []string) (map[string]domain.Ticker, error)
	GetCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, n int) ([]domain.Candle, error)
	GetBalances(ctx context.Context) (map[string]domain.Balance, error)
	GetOpenOrders(ctx context.Context) ([]domain.Order, error)
	GetClosedOrders(ctx context.Context, since time.Time) ([]domain.FilledOrder, error)
	PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, typ domain.OrderType, qty, price float64) (string, error)
	CancelOrder(ctx context.Context, id string) error
}
