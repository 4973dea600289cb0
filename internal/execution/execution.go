// Package execution implements the Execution Engine (§4.6, C6): order
// placement with exchange-rule normalization, duplicate-order
// suppression, and close-reason-driven order typing.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
	"github.com/osiristrader/agent/internal/xerrors"
)

// StateStore is the narrow slice of C8's contract the engine needs:
// duplicate-order suppression and pending-buy bookkeeping. Kept as an
// interface to avoid execution importing state directly.
type StateStore interface {
	HasPosition(symbol string) bool
	HasPendingBuy(symbol string) bool
	RecordPendingBuy(pb domain.PendingBuy)
	RemovePendingBuy(symbol string)
	PendingBuys() []domain.PendingBuy
}

// Engine places and cancels orders against the exchange, enforcing the
// pre-conditions and error taxonomy of §4.6.
type Engine struct {
	client     exchange.Client
	state      StateStore
	staleTTL   time.Duration
	log        zerolog.Logger
}

// New constructs an Engine. staleTTL is the PendingBuy time-to-live
// before cancel_stale_pending() reaps it (default 2 minutes per §4.6).
func New(client exchange.Client, state StateStore, staleTTL time.Duration, log zerolog.Logger) *Engine {
	return &Engine{client: client, state: state, staleTTL: staleTTL, log: log.With().Str("component", "execution").Logger()}
}

// Open places an entry order for a sized opportunity, per §4.6's
// pre-condition/normalization/duplicate-suppression contract. tp and sl are
// the risk.Sizer-computed take-profit/stop-loss for this entry; they ride
// along on the recorded PendingBuy so the Reconciler can recover them if it
// has to adopt the fill before the agent loop observes it (§4.10 step 3).
func (e *Engine) Open(ctx context.Context, symbol string, rules domain.Symbol, quantity, price, reservedNotional, tp, sl float64) (domain.PendingBuy, error) {
	if e.state.HasPosition(symbol) {
		return domain.PendingBuy{}, xerrors.New(xerrors.KindDuplicateInFlight, "execution.open", fmt.Errorf("position already open for %s", symbol))
	}
	if e.state.HasPendingBuy(symbol) {
		return domain.PendingBuy{}, xerrors.New(xerrors.KindDuplicateInFlight, "execution.open", fmt.Errorf("pending buy already in flight for %s", symbol))
	}

	qty := roundDownToLot(quantity, rules.Lot)
	if qty <= 0 {
		return domain.PendingBuy{}, xerrors.New(xerrors.KindBelowMinimum, "execution.open", fmt.Errorf("quantity rounds to zero for %s", symbol))
	}

	normPrice := roundToTick(price, rules.Tick)
	notional := qty * normPrice
	if notional < rules.MinNotional {
		// Bump up by one lot increment before giving up, per §4.6.
		qty += rules.Lot
		notional = qty * normPrice
		if notional < rules.MinNotional {
			return domain.PendingBuy{}, xerrors.New(xerrors.KindBelowMinimum, "execution.open", fmt.Errorf("notional %.8f below min_notional %.8f even after one lot bump", notional, rules.MinNotional))
		}
	}

	pending := domain.PendingBuy{
		Symbol:           symbol,
		OrderID:          "", // filled in after the exchange call succeeds
		ReservedNotional: notional,
		PlacedAt:         time.Now().UTC(),
		TakeProfit:       tp,
		StopLoss:         sl,
	}
	// Recorded before the network call so a crash mid-call still leaves a
	// trace the Reconciler can clean up (§4.6).
	e.state.RecordPendingBuy(pending)

	orderID, err := e.client.PlaceOrder(ctx, symbol, domain.OrderSideBuy, domain.OrderTypeLimitMaker, qty, normPrice)
	if err != nil {
		e.state.RemovePendingBuy(symbol)
		return domain.PendingBuy{}, mapExchangeError(err, "execution.open")
	}

	pending.OrderID = orderID
	e.state.RecordPendingBuy(pending)
	return pending, nil
}

// Close places an exit order for an open position. TAKE_PROFIT and
// RECYCLE_PROFIT use LIMIT_MAKER orders at the position's current TP;
// STOP_LOSS, ALPHA_DECAY, and any other reason use MARKET orders, per
// §4.6.
func (e *Engine) Close(ctx context.Context, pos domain.Position, reason domain.StrategyTag) (domain.TradeRecord, error) {
	orderType := domain.OrderTypeMarket
	price := pos.CurrentPrice
	switch reason {
	case domain.StrategyTakeProfit, domain.StrategyRecycleProfit:
		orderType = domain.OrderTypeLimitMaker
		price = pos.CurrentTP
	}

	_, err := e.client.PlaceOrder(ctx, pos.Symbol, domain.OrderSideSell, orderType, pos.Quantity, price)
	if err != nil {
		return domain.TradeRecord{}, mapExchangeError(err, "execution.close")
	}

	return domain.TradeRecord{
		ID:         uuid.NewString(),
		Symbol:     pos.Symbol,
		Side:       domain.SideSell,
		Quantity:   pos.Quantity,
		Price:      price,
		Timestamp:  time.Now().UTC(),
		Reason:     reason,
		FillSource: domain.FillSourceActive,
	}, nil
}

// CancelStalePending cancels every PendingBuy older than the configured
// TTL and releases its reserved notional.
func (e *Engine) CancelStalePending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.staleTTL)
	for _, pb := range e.state.PendingBuys() {
		if pb.PlacedAt.After(cutoff) {
			continue
		}
		if pb.OrderID != "" {
			if err := e.client.CancelOrder(ctx, pb.OrderID); err != nil {
				e.log.Warn().Err(err).Str("symbol", pb.Symbol).Msg("failed to cancel stale pending order")
				continue
			}
		}
		e.state.RemovePendingBuy(pb.Symbol)
		e.log.Info().Str("symbol", pb.Symbol).Msg("cancelled stale pending buy")
	}
}

// mapExchangeError converts a domain.ExchangeError into the §7 error
// taxonomy the rest of the agent reasons about.
func mapExchangeError(err error, op string) error {
	exchErr, ok := err.(*domain.ExchangeError)
	if !ok {
		return xerrors.New(xerrors.KindTransientTransport, op, err)
	}
	switch exchErr.Kind {
	case domain.ErrKindRateLimited:
		return xerrors.New(xerrors.KindRateLimited, op, err)
	case domain.ErrKindInsufficientBalance:
		return xerrors.New(xerrors.KindInsufficientBalance, op, err)
	case domain.ErrKindPriceIncrementInvalid:
		return xerrors.New(xerrors.KindPriceIncrementInvalid, op, err)
	case domain.ErrKindUnknownSymbol:
		return xerrors.New(xerrors.KindUnknownSymbol, op, err)
	case domain.ErrKindExchangeUnavailable:
		return xerrors.New(xerrors.KindExchangeUnavailable, op, err)
	default:
		return xerrors.New(xerrors.KindTransientTransport, op, err)
	}
}

func roundDownToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	units := float64(int64(qty / lot))
	return units * lot
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	units := float64(int64(price/tick + 0.5))
	return units * tick
}
