package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
)

// PaperClient wraps a real Client for market data but simulates order
// placement and fills locally, so the agent can run end-to-end against
// live prices without touching real capital (§6 PaperTrading mode).
//
// Fills are immediate and assumed to execute at the requested price for
// LIMIT_MAKER orders and at the last known ticker price for MARKET orders;
// this is a simplification of real maker/taker fill behavior, acceptable
// since paper mode exists to validate the agent's decision logic, not
// exchange microstructure.
type PaperClient struct {
	market Client
	log    zerolog.Logger

	mu          sync.Mutex
	balances    map[string]domain.Balance
	openOrders  map[string]domain.Order
	closedOrders []domain.FilledOrder
}

// NewPaperClient constructs a simulated-execution client. startingBalances
// seeds the paper wallet (e.g. {"USDT": 10000}).
func NewPaperClient(market Client, startingBalances map[string]float64, log zerolog.Logger) *PaperClient {
	balances := make(map[string]domain.Balance, len(startingBalances))
	for asset, free := range startingBalances {
		balances[asset] = domain.Balance{Asset: asset, Free: free}
	}
	return &PaperClient{
		market:     market,
		log:        log.With().Str("component", "exchange.paper").Logger(),
		balances:   balances,
		openOrders: make(map[string]domain.Order),
	}
}

func (p *PaperClient) GetSymbols(ctx context.Context) ([]domain.Symbol, error) {
	return p.market.GetSymbols(ctx)
}

func (p *PaperClient) GetTicker(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	return p.market.GetTicker(ctx, symbols)
}

func (p *PaperClient) GetCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, n int) ([]domain.Candle, error) {
	return p.market.GetCandles(ctx, symbol, timeframe, n)
}

func (p *PaperClient) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

func (p *PaperClient) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Order, 0, len(p.openOrders))
	for _, o := range p.openOrders {
		out = append(out, o)
	}
	return out, nil
}

func (p *PaperClient) GetClosedOrders(ctx context.Context, since time.Time) ([]domain.FilledOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.FilledOrder, 0, len(p.closedOrders))
	for _, o := range p.closedOrders {
		if !o.ExecutedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *PaperClient) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, typ domain.OrderType, qty, price float64) (string, error) {
	fillPrice := price
	if typ == domain.OrderTypeMarket {
		tickers, err := p.market.GetTicker(ctx, []string{symbol})
		if err != nil {
			return "", err
		}
		t, ok := tickers[symbol]
		if !ok {
			return "", &domain.ExchangeError{Kind: domain.ErrKindUnknownSymbol, Symbol: symbol, Err: fmt.Errorf("no ticker")}
		}
		fillPrice = t.Price
	}

	orderID := uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()

	const feeRate = 0.001 // 10 bps, a representative spot maker/taker fee
	fee := qty * fillPrice * feeRate

	p.closedOrders = append(p.closedOrders, domain.FilledOrder{
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      fillPrice,
		Fees:       fee,
		ExecutedAt: time.Now().UTC(),
	})

	p.log.Debug().Str("symbol", symbol).Str("side", string(side)).Float64("qty", qty).Float64("price", fillPrice).Msg("paper fill")

	return orderID, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.openOrders[id]; !ok {
		return &domain.ExchangeError{Kind: domain.ErrKindUnknownSymbol, Err: fmt.Errorf("order %s not open", id)}
	}
	delete(p.openOrders, id)
	return nil
}

var _ Client = (*PaperClient)(nil)
