// Package reconcile implements the Reconciler (§4.10, C10): it converges
// in-memory state, the durable state snapshot, the trade ledger, and live
// exchange truth into one consistent view, at startup and every N cycles.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
)

// dustThresholdUSD is the quote-currency value below which a residual
// base balance is treated as dust rather than a live holding (§4.10 step
// 2).
const dustThresholdUSD = 1.0

// StateStore is the narrow slice of C8's contract the reconciler needs to
// converge state against exchange truth.
type StateStore interface {
	Positions() []domain.Position
	PendingBuys() []domain.PendingBuy
	OpenPosition(pos domain.Position)
	ClosePosition(symbol string) (domain.Position, bool)
	RemovePendingBuy(symbol string)
	RecordPendingBuy(pb domain.PendingBuy)
}

// LedgerReader is the narrow slice of C9's contract the reconciler needs
// for FIFO entry-price reconstruction.
type LedgerReader interface {
	ForSymbol(symbol string) ([]domain.TradeRecord, error)
}

// RulesLookup is the narrow slice of C1's contract the reconciler needs:
// the full symbol set, to map base assets found in exchange balances back
// to a tradable symbol.
type RulesLookup interface {
	All() []domain.Symbol
}

// Level is the reconciler's structured report severity.
type Level string

const (
	LevelOK       Level = "OK"
	LevelWarn     Level = "WARN"
	LevelCritical Level = "CRITICAL"
)

// Report is the structured outcome of one reconciliation pass.
type Report struct {
	Level            Level
	Findings         []string
	ClearedDust      int
	AdoptedPositions int
	DroppedPendings  int
	AdoptedPendings  int
	Capital          domain.CapitalAwareness
	ComputedAt       time.Time
	RestartRequested bool
}

// Reconciler converges state against exchange ground truth.
type Reconciler struct {
	client        exchange.Client
	state         StateStore
	ledger        LedgerReader
	rules         RulesLookup
	quoteCurrency string
	log           zerolog.Logger

	consecutiveCritical int
}

// New constructs a Reconciler.
func New(client exchange.Client, state StateStore, ledger LedgerReader, rules RulesLookup, quoteCurrency string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		client:        client,
		state:         state,
		ledger:        ledger,
		rules:         rules,
		quoteCurrency: quoteCurrency,
		log:           log.With().Str("component", "reconcile").Logger(),
	}
}

// Run performs one reconciliation pass per the §4.10 procedure.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{Level: LevelOK, ComputedAt: time.Now().UTC()}

	balances, err := r.client.GetBalances(ctx)
	if err != nil {
		report.Level = LevelCritical
		report.Findings = append(report.Findings, fmt.Sprintf("failed to fetch live balances: %v", err))
		r.trackCritical(&report)
		return report, nil
	}

	openOrders, err := r.client.GetOpenOrders(ctx)
	if err != nil {
		report.Level = LevelCritical
		report.Findings = append(report.Findings, fmt.Sprintf("failed to fetch open orders: %v", err))
		r.trackCritical(&report)
		return report, nil
	}

	baseToSymbol := r.baseIndex()
	positions := r.state.Positions()

	tickerSymbols := make(map[string]bool)
	for _, p := range positions {
		tickerSymbols[p.Symbol] = true
	}
	for base, sym := range baseToSymbol {
		if bal, ok := balances[base]; ok && bal.Free+bal.Locked > 0 {
			tickerSymbols[sym.Key] = true
		}
	}
	symbolList := make([]string, 0, len(tickerSymbols))
	for s := range tickerSymbols {
		symbolList = append(symbolList, s)
	}
	sort.Strings(symbolList)

	var tickers map[string]domain.Ticker
	if len(symbolList) > 0 {
		tickers, err = r.client.GetTicker(ctx, symbolList)
		if err != nil {
			report.Level = LevelWarn
			report.Findings = append(report.Findings, fmt.Sprintf("failed to fetch tickers for valuation: %v", err))
			tickers = map[string]domain.Ticker{}
		}
	}

	// Step 2: each existing position against live balance.
	trackedBases := map[string]bool{}
	for _, p := range positions {
		sym, ok := r.lookupRules(p.Symbol, baseToSymbol)
		if !ok {
			report.Findings = append(report.Findings, fmt.Sprintf("position %s has no known exchange rules, skipping", p.Symbol))
			report.Level = escalate(report.Level, LevelWarn)
			continue
		}
		trackedBases[sym.Base] = true

		bal := balances[sym.Base]
		liveQty := bal.Free + bal.Locked
		price := tickers[p.Symbol].Price
		if price == 0 {
			price = p.CurrentPrice
		}
		value := liveQty * price

		if value < dustThresholdUSD {
			if _, ok := r.state.ClosePosition(p.Symbol); ok {
				report.ClearedDust++
				report.Findings = append(report.Findings, fmt.Sprintf("cleared dust position %s (live value $%.4f)", p.Symbol, value))
				report.Level = escalate(report.Level, LevelWarn)
			}
			continue
		}

		if p.EntryPrice == 0 {
			if entry, ok := r.reconstructEntry(p.Symbol); ok {
				p.EntryPrice = entry
				r.state.OpenPosition(p)
				report.Findings = append(report.Findings, fmt.Sprintf("reconstructed entry price for %s from ledger FIFO: %.8f", p.Symbol, entry))
				report.Level = escalate(report.Level, LevelWarn)
			}
		}
	}

	// Step 3: live balances with no tracked Position become adopted
	// Positions with a synthetic entry.
	for base, sym := range baseToSymbol {
		if trackedBases[base] {
			continue
		}
		bal := balances[base]
		liveQty := bal.Free + bal.Locked
		price := tickers[sym.Key].Price
		if liveQty*price < dustThresholdUSD {
			continue
		}

		entry, ok := r.reconstructEntry(sym.Key)
		if !ok {
			entry = price // ledger silent: adopt at current price, per §4.10 step 3
		}

		// Recover the TP/SL the Risk & Sizing component computed for this
		// entry (§4.5) from the matching PendingBuy, if the Execution
		// Engine recorded one for this symbol before the fill was
		// observed. Only a synthetic order the agent loop never placed
		// (e.g. a manually-deposited holding) falls back to entry==TP==SL.
		tp, sl := entry, entry
		for _, pb := range r.state.PendingBuys() {
			if pb.Symbol != sym.Key {
				continue
			}
			if pb.TakeProfit > 0 {
				tp = pb.TakeProfit
			}
			if pb.StopLoss > 0 {
				sl = pb.StopLoss
			}
			break
		}

		r.state.OpenPosition(domain.Position{
			Symbol:       sym.Key,
			Quantity:     liveQty,
			EntryPrice:   entry,
			CurrentPrice: price,
			CurrentTP:    tp,
			CurrentSL:    sl,
			OpenedAt:     time.Now().UTC(),
			Mode:         domain.RegimeUnknown,
			Strategy:     domain.StrategyHistorySync,
		})
		report.AdoptedPositions++
		report.Findings = append(report.Findings, fmt.Sprintf("adopted untracked live holding %s (qty %.8f)", sym.Key, liveQty))
		report.Level = escalate(report.Level, LevelWarn)
	}

	// Step 4 & 5: pending buys vs live open orders.
	openByID := map[string]domain.Order{}
	for _, o := range openOrders {
		openByID[o.OrderID] = o
	}
	for _, pb := range r.state.PendingBuys() {
		if pb.OrderID == "" {
			continue // mid-placement; leave it, next pass will see the fill or absence
		}
		if _, ok := openByID[pb.OrderID]; !ok {
			r.state.RemovePendingBuy(pb.Symbol)
			report.DroppedPendings++
			report.Findings = append(report.Findings, fmt.Sprintf("dropped stale pending buy %s (order %s no longer open)", pb.Symbol, pb.OrderID))
			report.Level = escalate(report.Level, LevelWarn)
		}
	}

	trackedOrderIDs := map[string]bool{}
	for _, pb := range r.state.PendingBuys() {
		trackedOrderIDs[pb.OrderID] = true
	}
	for _, o := range openOrders {
		if o.Side != domain.OrderSideBuy || trackedOrderIDs[o.OrderID] {
			continue
		}
		r.state.RecordPendingBuy(domain.PendingBuy{
			Symbol:           o.Symbol,
			OrderID:          o.OrderID,
			ReservedNotional: o.Quantity * o.Price,
			PlacedAt:         o.PlacedAt,
		})
		report.AdoptedPendings++
		report.Findings = append(report.Findings, fmt.Sprintf("adopted untracked open buy order %s on %s", o.OrderID, o.Symbol))
		report.Level = escalate(report.Level, LevelWarn)
	}

	// Step 6: recompute capital awareness from authoritative numbers.
	report.Capital = r.capitalAwareness(balances, r.state.Positions(), r.state.PendingBuys(), tickers)

	if report.Level != LevelCritical {
		r.consecutiveCritical = 0
	}
	return report, nil
}

func (r *Reconciler) trackCritical(report *Report) {
	r.consecutiveCritical++
	if r.consecutiveCritical >= 2 {
		report.RestartRequested = true
		r.log.Error().Int("consecutive_critical", r.consecutiveCritical).Msg("two consecutive CRITICAL reconciliation reports, requesting restart")
	}
}

func (r *Reconciler) baseIndex() map[string]domain.Symbol {
	idx := map[string]domain.Symbol{}
	for _, sym := range r.rules.All() {
		if sym.Quote != r.quoteCurrency {
			continue
		}
		idx[sym.Base] = sym
	}
	return idx
}

func (r *Reconciler) lookupRules(symbol string, baseToSymbol map[string]domain.Symbol) (domain.Symbol, bool) {
	for _, sym := range baseToSymbol {
		if sym.Key == symbol {
			return sym, true
		}
	}
	return domain.Symbol{}, false
}

// reconstructEntry finds the most recent buy-side trade for symbol in the
// ledger and returns its price, per §4.10 step 2's FIFO reconstruction.
func (r *Reconciler) reconstructEntry(symbol string) (float64, bool) {
	trades, err := r.ledger.ForSymbol(symbol)
	if err != nil || len(trades) == 0 {
		return 0, false
	}
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].Side == domain.SideBuy {
			return trades[i].Price, true
		}
	}
	return 0, false
}

func (r *Reconciler) capitalAwareness(balances map[string]domain.Balance, positions []domain.Position, pendingBuys []domain.PendingBuy, tickers map[string]domain.Ticker) domain.CapitalAwareness {
	quote := balances[r.quoteCurrency]
	var holdingsValue float64
	for _, p := range positions {
		price := tickers[p.Symbol].Price
		if price == 0 {
			price = p.CurrentPrice
		}
		holdingsValue += p.Quantity * price
	}
	var locked float64
	for _, pb := range pendingBuys {
		locked += pb.ReservedNotional
	}
	ca := domain.CapitalAwareness{
		QuoteAvailable: quote.Free,
		QuoteLocked:    locked,
		HoldingsValue:  holdingsValue,
		ComputedAt:     time.Now().UTC(),
	}
	ca.Recompute()
	return ca
}

func escalate(current, candidate Level) Level {
	rank := map[Level]int{LevelOK: 0, LevelWarn: 1, LevelCritical: 2}
	if rank[candidate] > rank[current] {
		return candidate
	}
	return current
}
