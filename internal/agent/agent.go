// Package agent implements the Agent Loop (§4.12, C12): the fixed
// eleven-phase cycle that wires every other component together into one
// autonomous spot-trading process. Phase order is deterministic and never
// varies cycle to cycle; only the sleep duration between cycles adapts to
// the detected regime.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
	"github.com/osiristrader/agent/internal/execution"
	"github.com/osiristrader/agent/internal/ledger"
	"github.com/osiristrader/agent/internal/learning"
	"github.com/osiristrader/agent/internal/monitor"
	"github.com/osiristrader/agent/internal/reconcile"
	"github.com/osiristrader/agent/internal/regime"
	"github.com/osiristrader/agent/internal/risk"
	"github.com/osiristrader/agent/internal/scoring"
	"github.com/osiristrader/agent/internal/signals"
	"github.com/osiristrader/agent/internal/state"
	"github.com/osiristrader/agent/internal/universe"
	"github.com/osiristrader/agent/internal/xerrors"
)

// Config holds the agent loop's own tunables, sourced from application
// config. Sub-component configs (risk.Config, monitor.Config, ...) are
// constructed and wired in separately by the caller.
type Config struct {
	QuoteCurrency        string
	MaxTotalPositions    int
	DailyLossLimit       float64
	ConsecutiveLossLimit int
	FeeRate              float64

	NominalCycle time.Duration
	MinCycle     time.Duration
	MaxCycle     time.Duration
	PhaseBudget  time.Duration

	ScanWorkerPoolSize int

	ReconcileEveryNCycles int
	UniverseRefreshEvery  int // cycles between universe.Refresh() calls

	PrimaryTimeframe domain.Timeframe
	ScanTimeframes   []domain.Timeframe
	CandleLookback   int
	ATRPeriod        int
	RegimeSampleSize int
}

// Deps bundles every component the loop orchestrates. Monitor is wired in
// afterward via SetMonitor since monitor.New needs a QualityLookup that
// only the Agent can supply (see Quality()).
type Deps struct {
	Client     exchange.Client
	Universe   *universe.Universe
	Detector   *regime.Detector
	Fetchers   []signals.Fetcher
	Scorer     *scoring.Scorer
	Sizer      *risk.Sizer
	Engine     *execution.Engine
	State      *state.Store
	Ledger     *ledger.Ledger
	Reconciler *reconcile.Reconciler
	Learning   *learning.Memory
}

// Agent owns the fixed cycle and every piece of per-cycle scratch state
// (last regime, last reconcile report, consecutive loss streak).
type Agent struct {
	cfg Config
	d   Deps
	log zerolog.Logger

	monitor *monitor.Monitor
	quality *qualityCache

	// mu guards the four fields below, which Run's single goroutine
	// mutates every cycle and Status reads concurrently from the status
	// probe's HTTP handler goroutine.
	mu               sync.RWMutex
	cycleCount       int
	consecutiveLoss  int
	lastReconcile    reconcile.Report
	lastCycleAt      time.Time
	restartRequested bool
}

// New constructs an Agent. Call SetMonitor before Run.
func New(cfg Config, d Deps, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		d:       d,
		log:     log.With().Str("component", "agent").Logger(),
		quality: newQualityCache(),
	}
}

// Quality exposes the agent's live opportunity-quality cache as a
// monitor.QualityLookup, so the caller can construct the Monitor with it
// before calling SetMonitor.
func (a *Agent) Quality() monitor.QualityLookup { return a.quality }

// SetMonitor wires the Position Monitor in after construction, breaking
// the New(monitor) <-> monitor.New(agent) construction cycle.
func (a *Agent) SetMonitor(m *monitor.Monitor) { a.monitor = m }

// qualityCache is the agent's live view of the most recent cycle's
// opportunity composite scores, keyed by symbol. Implements
// monitor.QualityLookup.
type qualityCache struct {
	mu sync.RWMutex
	m  map[string]float64
}

func newQualityCache() *qualityCache {
	return &qualityCache{m: map[string]float64{}}
}

func (q *qualityCache) CurrentQuality(symbol string) (float64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	v, ok := q.m[symbol]
	return v, ok
}

func (q *qualityCache) replace(opportunities []domain.Opportunity) {
	next := make(map[string]float64, len(opportunities))
	for _, o := range opportunities {
		next[o.Symbol] = o.Composite
	}
	q.mu.Lock()
	q.m = next
	q.mu.Unlock()
}

// cycleState carries intermediate per-cycle results between phases
// without mutating any component's own state until the phase that owns
// that mutation runs (§5: "no phase may observe mutation from another
// phase").
type cycleState struct {
	tickers       map[string]domain.Ticker
	regime        domain.RegimeReading
	candidates    []scoring.SymbolCandidate
	opportunities []domain.Opportunity
	candlesBySym  map[string]map[domain.Timeframe][]domain.Candle
	mode          domain.AgentMode
}

// Run drives the fixed cycle until ctx is canceled, sleeping between
// cycles to honor the interval bounds. On cancellation it finishes the
// in-flight cycle's PersistPhase before returning, per §5's graceful
// shutdown contract.
func (a *Agent) Run(ctx context.Context) error {
	if a.monitor == nil {
		return fmt.Errorf("agent: SetMonitor must be called before Run")
	}

	for {
		cycleStart := time.Now()
		a.runCycle(ctx)
		a.mu.Lock()
		a.cycleCount++
		a.lastCycleAt = cycleStart
		restart := a.restartRequested
		a.mu.Unlock()

		if restart {
			// PersistPhase already ran as part of this cycle's runCycle, so
			// durable state is consistent before the process exits; the
			// supervisor is expected to restart us into a clean reconcile.
			return xerrors.New(xerrors.KindFatalReconciliation, "agent.run", fmt.Errorf("two consecutive CRITICAL reconciliation reports"))
		}

		if ctx.Err() != nil {
			a.log.Info().Msg("context canceled, agent loop exiting after graceful persist")
			return ctx.Err()
		}

		sleep := a.sleepDuration()
		elapsed := time.Since(cycleStart)
		if elapsed < sleep {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep - elapsed):
			}
		}
	}
}

// sleepDuration picks the inter-cycle sleep per §4.12: nominal by
// default, lowered to MinCycle in STRONG_BULL (the fastest-moving regime
// worth reacting to quickly), raised to MaxCycle in FLAT or STRONG_BEAR.
// domain.Regime has no PERFECT_STORM constant alongside STRONG_BULL, so
// the lower bound applies to STRONG_BULL alone.
func (a *Agent) sleepDuration() time.Duration {
	switch a.d.State.LastRegime() {
	case domain.RegimeStrongBull:
		return a.cfg.MinCycle
	case domain.RegimeFlat, domain.RegimeStrongBear:
		return a.cfg.MaxCycle
	default:
		return a.cfg.NominalCycle
	}
}

func (a *Agent) runCycle(ctx context.Context) {
	cs := &cycleState{}

	a.phase(ctx, "housekeeping", func(pctx context.Context) error { return a.housekeepingPhase(pctx) })
	a.phase(ctx, "awareness", func(pctx context.Context) error { return a.awarenessPhase(pctx, cs) })
	a.phase(ctx, "learning", func(pctx context.Context) error { return a.learningPhase(pctx) })
	a.phase(ctx, "detection", func(pctx context.Context) error { return a.detectionPhase(pctx, cs) })
	a.phase(ctx, "scan", func(pctx context.Context) error { return a.scanPhase(pctx, cs) })
	a.phase(ctx, "score", func(pctx context.Context) error { return a.scorePhase(pctx, cs) })
	a.phase(ctx, "decide", func(pctx context.Context) error { return a.decidePhase(pctx, cs) })
	a.phase(ctx, "execute", func(pctx context.Context) error { return a.executePhase(pctx, cs) })
	a.phase(ctx, "monitor", func(pctx context.Context) error { return a.monitorPhase(pctx) })
	a.phase(ctx, "persist", func(pctx context.Context) error { return a.persistPhase(pctx) })
}

// phase runs fn under the configured hard budget; a timeout or error is
// logged, not propagated — the cycle always proceeds so PersistPhase
// keeps durable state consistent even after a degraded phase (§5).
func (a *Agent) phase(ctx context.Context, name string, fn func(context.Context) error) {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.PhaseBudget)
	defer cancel()

	if err := fn(pctx); err != nil {
		a.log.Warn().Err(err).Str("phase", name).Msg("phase returned an error, proceeding to next phase")
	}
}

// 1. HousekeepingPhase — reconcile if due, refresh symbol rules if due,
// clean stale pendings, reset daily counters at the day boundary.
func (a *Agent) housekeepingPhase(ctx context.Context) error {
	today := time.Now().UTC().Format("2006-01-02")
	daily := a.d.State.DailyCounters()
	if daily.Date != today {
		a.d.State.SetDailyCounters(domain.DailyCounters{Date: today})
		a.mu.Lock()
		a.consecutiveLoss = 0
		a.mu.Unlock()
	}

	cycle := a.cycle()
	if a.cfg.UniverseRefreshEvery > 0 && cycle%a.cfg.UniverseRefreshEvery == 0 {
		if err := a.d.Universe.Refresh(ctx); err != nil {
			a.log.Warn().Err(err).Msg("universe refresh failed, retaining previous rule cache")
		}
	}

	if a.cfg.ReconcileEveryNCycles > 0 && cycle%a.cfg.ReconcileEveryNCycles == 0 {
		report, err := a.d.Reconciler.Run(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		a.mu.Lock()
		a.lastReconcile = report
		if report.RestartRequested {
			a.restartRequested = true
		}
		a.mu.Unlock()
		if len(report.Findings) > 0 {
			a.log.Info().Str("level", string(report.Level)).Strs("findings", report.Findings).Msg("reconciliation pass complete")
		}
		if report.RestartRequested {
			a.log.Error().Err(xerrors.New(xerrors.KindFatalReconciliation, "agent.housekeeping", fmt.Errorf("reconciler requested a restart"))).Msg("fatal reconciliation failure, agent loop will exit after this cycle")
		}
	}

	a.d.Engine.CancelStalePending(ctx)
	return nil
}

// 2. AwarenessPhase — fetch balances, recompute CapitalAwareness.
func (a *Agent) awarenessPhase(ctx context.Context, cs *cycleState) error {
	balances, err := a.d.Client.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}

	positions := a.d.State.Positions()
	pendings := a.d.State.PendingBuys()

	symbolSet := map[string]bool{}
	for _, p := range positions {
		symbolSet[p.Symbol] = true
	}
	if len(symbolSet) > 0 {
		symbols := make([]string, 0, len(symbolSet))
		for s := range symbolSet {
			symbols = append(symbols, s)
		}
		tickers, err := a.d.Client.GetTicker(ctx, symbols)
		if err != nil {
			return fmt.Errorf("fetch tickers for awareness: %w", err)
		}
		cs.tickers = tickers
	}

	var holdingsValue float64
	for _, p := range positions {
		price := p.CurrentPrice
		if cs.tickers != nil {
			if t, ok := cs.tickers[p.Symbol]; ok {
				price = t.Price
			}
		}
		holdingsValue += p.Quantity * price
	}
	var locked float64
	for _, pb := range pendings {
		locked += pb.ReservedNotional
	}

	ca := domain.CapitalAwareness{
		QuoteAvailable: balances[a.cfg.QuoteCurrency].Free,
		QuoteLocked:    locked,
		HoldingsValue:  holdingsValue,
		ComputedAt:     time.Now().UTC(),
	}
	ca.Recompute()
	a.d.State.SetCapitalAwareness(ca)
	return nil
}

// 3. LearningPhase — fold any closes from a prior monitor phase into
// Learning Memory. Closes are recorded synchronously within the same
// cycle's MonitorPhase, so in this architecture LearningPhase's only
// remaining job is to make the just-updated counters' win-rate
// guardrails visible to ScorePhase, which it already is by construction
// (both read through the same *learning.Memory instance).
func (a *Agent) learningPhase(ctx context.Context) error {
	return nil
}

// 4. DetectionPhase — classify the market regime from the top symbols by
// 24h volume.
func (a *Agent) detectionPhase(ctx context.Context, cs *cycleState) error {
	all := a.d.Universe.All()
	if len(all) == 0 {
		cs.regime = domain.RegimeReading{Regime: domain.RegimeUnknown, ComputedAt: time.Now().UTC()}
		return nil
	}

	keys := make([]string, len(all))
	for i, s := range all {
		keys[i] = s.Key
	}
	tickers, err := a.d.Client.GetTicker(ctx, keys)
	if err != nil {
		return fmt.Errorf("fetch tickers for regime sample: %w", err)
	}

	sample := topByVolume(tickers, a.cfg.RegimeSampleSize)
	reading, err := a.d.Detector.Detect(ctx, sample)
	if err != nil {
		return fmt.Errorf("detect regime: %w", err)
	}
	cs.regime = reading
	a.d.State.SetLastRegime(reading.Regime)

	if cs.tickers == nil {
		cs.tickers = tickers
	} else {
		for k, v := range tickers {
			cs.tickers[k] = v
		}
	}
	return nil
}

func topByVolume(tickers map[string]domain.Ticker, n int) []string {
	all := make([]domain.Ticker, 0, len(tickers))
	for _, t := range tickers {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Volume24h > all[j].Volume24h })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, t := range all {
		out[i] = t.Symbol
	}
	return out
}

// 5. ScanPhase — pull candles for every eligible symbol across the
// configured timeframes, fanned out over a bounded worker pool (§5).
func (a *Agent) scanPhase(ctx context.Context, cs *cycleState) error {
	symbols := a.d.Universe.All()
	cs.candlesBySym = make(map[string]map[domain.Timeframe][]domain.Candle, len(symbols))

	type result struct {
		symbol  string
		candles map[domain.Timeframe][]domain.Candle
	}

	sem := make(chan struct{}, a.cfg.ScanWorkerPoolSize)
	results := make(chan result, len(symbols))
	var wg sync.WaitGroup

	for _, sym := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			perTF := make(map[domain.Timeframe][]domain.Candle, len(a.cfg.ScanTimeframes))
			for _, tf := range a.cfg.ScanTimeframes {
				candles, err := a.d.Client.GetCandles(ctx, symbol, tf, a.cfg.CandleLookback)
				if err != nil {
					a.log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("candle fetch failed")
					continue
				}
				perTF[tf] = candles
			}
			results <- result{symbol: symbol, candles: perTF}
		}(sym.Key)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		cs.candlesBySym[r.symbol] = r.candles
	}

	candidates := make([]scoring.SymbolCandidate, 0, len(symbols))
	for _, sym := range symbols {
		candles := cs.candlesBySym[sym.Key]
		if len(candles) == 0 {
			continue
		}
		mc := signals.MarketContext{Candles: candles}
		if cs.tickers != nil {
			mc.Ticker = cs.tickers[sym.Key]
		}
		candidates = append(candidates, scoring.SymbolCandidate{
			Symbol:    sym.Key,
			MC:        mc,
			Volume24h: mc.Ticker.Volume24h,
		})
	}
	cs.candidates = candidates
	return nil
}

// 6. ScorePhase — compute ranked opportunities and publish them to the
// quality cache the Position Monitor reads from.
func (a *Agent) scorePhase(ctx context.Context, cs *cycleState) error {
	cs.opportunities = a.d.Scorer.Score(ctx, cs.regime, cs.candidates)
	a.quality.replace(cs.opportunities)
	return nil
}

// 7. DecidePhase — admission control / circuit breaker.
func (a *Agent) decidePhase(ctx context.Context, cs *cycleState) error {
	daily := a.d.State.DailyCounters()
	a.mu.RLock()
	consecutiveLoss := a.consecutiveLoss
	reconcileLevel := a.lastReconcile.Level
	a.mu.RUnlock()
	tripped := daily.RealizedPnL < -a.cfg.DailyLossLimit ||
		consecutiveLoss >= a.cfg.ConsecutiveLossLimit ||
		reconcileLevel == reconcile.LevelCritical

	mode := domain.ModeTrading
	if tripped {
		mode = domain.ModeObserving
	}
	cs.mode = mode
	a.d.State.SetMode(mode)
	return nil
}

// 8. ExecutePhase — open new positions for the best admitted
// opportunities, honoring max concurrency, no-duplicate, and learning's
// avoid() guardrail.
func (a *Agent) executePhase(ctx context.Context, cs *cycleState) error {
	if cs.mode == domain.ModeObserving {
		return nil
	}

	for _, opp := range cs.opportunities {
		if len(a.d.State.Positions()) >= a.cfg.MaxTotalPositions {
			break
		}
		if a.d.State.HasPosition(opp.Symbol) || a.d.State.HasPendingBuy(opp.Symbol) {
			continue
		}
		if a.d.Learning.Avoid(opp.Symbol) {
			continue
		}

		rules, err := a.d.Universe.Rules(opp.Symbol)
		if err != nil {
			continue
		}

		candles := cs.candlesBySym[opp.Symbol][a.cfg.PrimaryTimeframe]
		atr, ok := signals.ATR(candles, a.cfg.ATRPeriod)
		if !ok {
			continue
		}
		vol := volBucketFor(cs.regime.Volatility)

		capital := a.d.State.CapitalAwareness()
		available := capital.QuoteAvailable - capital.QuoteLocked
		if available <= 0 {
			break
		}

		sizing := a.d.Sizer.Size(opp, opp.SuggestedEntry, atr, cs.regime.Regime, vol, rules, available)
		if sizing.Rejected {
			a.log.Debug().Str("symbol", opp.Symbol).Str("reason", sizing.RejectReason).Msg("sizing rejected opportunity")
			continue
		}

		// Open places a LIMIT_MAKER buy and records the PendingBuy itself
		// (§4.6); it does not confirm a fill. The position only appears
		// once the Reconciler observes the resulting balance and adopts
		// it (§4.10 step 3), so this phase never calls OpenPosition
		// directly — doing so would race the exchange's actual fill.
		_, err = a.d.Engine.Open(ctx, opp.Symbol, rules, sizing.Quantity, sizing.EntryPrice, sizing.Notional, sizing.TakeProfit, sizing.StopLoss)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("failed to open position")
			continue
		}

		// Ledgered up front at the intended price so the Reconciler's
		// FIFO entry-price reconstruction has a record to work from once
		// the fill is observed, even though no Position exists yet.
		_ = a.d.Ledger.Append(domain.TradeRecord{
			ID:         uuid.NewString(),
			Symbol:     opp.Symbol,
			Side:       domain.SideBuy,
			Quantity:   sizing.Quantity,
			Price:      sizing.EntryPrice,
			Fees:       sizing.Notional * a.cfg.FeeRate,
			Timestamp:  time.Now().UTC(),
			Reason:     domain.StrategyActiveEntry,
			FillSource: domain.FillSourceActive,
		})
	}
	return nil
}

// 9. MonitorPhase — evaluate every open position, fire closes in
// priority order.
func (a *Agent) monitorPhase(ctx context.Context) error {
	positions := a.d.State.Positions()
	updated, actions, err := a.monitor.Evaluate(ctx, positions)
	if err != nil {
		return fmt.Errorf("evaluate positions: %w", err)
	}

	bySymbol := make(map[string]domain.Position, len(updated))
	for _, p := range updated {
		bySymbol[p.Symbol] = p
		a.d.State.UpdatePosition(p)
	}

	for _, act := range actions {
		pos, ok := bySymbol[act.Symbol]
		if !ok || act.Kind != monitor.ActionClose {
			continue
		}

		trade, err := a.d.Engine.Close(ctx, pos, act.Reason)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", act.Symbol).Msg("failed to place close order")
			continue
		}
		trade.RealizedPnL = (trade.Price-pos.EntryPrice)*pos.Quantity - pos.EntryFee - trade.Fees

		// Ledger append precedes state removal, per §5's crash-safety
		// ordering guarantee.
		if err := a.d.Ledger.Append(trade); err != nil {
			a.log.Error().Err(err).Str("symbol", act.Symbol).Msg("failed to append close to ledger")
		}
		a.d.State.ClosePosition(act.Symbol)

		won := trade.RealizedPnL > 0
		a.d.Learning.RecordClose(pos.Mode, act.Reason, act.Symbol, won, trade.RealizedPnL)

		daily := a.d.State.DailyCounters()
		daily.TradeCount++
		daily.RealizedPnL += trade.RealizedPnL
		daily.FeesPaid += trade.Fees
		a.mu.Lock()
		if won {
			daily.WinCount++
			a.consecutiveLoss = 0
		} else {
			daily.LossCount++
			a.consecutiveLoss++
		}
		a.mu.Unlock()
		a.d.State.SetDailyCounters(daily)
	}
	return nil
}

// 10. PersistPhase — the State Store and Learning Memory already persist
// atomically on every mutating call (§4.8, §4.11), so this phase's job is
// the final confirmation write plus a structured summary log line rather
// than a distinct flush.
func (a *Agent) persistPhase(ctx context.Context) error {
	a.log.Info().
		Int("cycle", a.cycle()).
		Int("open_positions", len(a.d.State.Positions())).
		Str("regime", string(a.d.State.LastRegime())).
		Str("mode", string(a.d.State.Mode())).
		Msg("cycle complete")
	return nil
}

func (a *Agent) cycle() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cycleCount
}

// Status is a point-in-time snapshot of the loop's own health, consumed
// by the runtime-status HTTP probe (server.StatusProvider).
type Status struct {
	CycleCount       int
	ConsecutiveLoss  int
	LastCycleAt      time.Time
	LastReconcile    reconcile.Report
	Mode             domain.AgentMode
	Regime           domain.Regime
	OpenPositions    int
	DailyRealizedPnL float64
}

// Status returns a consistent snapshot of the loop's own bookkeeping plus
// whatever the State Store currently holds. Safe to call concurrently
// with Run.
func (a *Agent) Status() Status {
	a.mu.RLock()
	s := Status{
		CycleCount:      a.cycleCount,
		ConsecutiveLoss: a.consecutiveLoss,
		LastCycleAt:     a.lastCycleAt,
		LastReconcile:   a.lastReconcile,
	}
	a.mu.RUnlock()

	s.Mode = a.d.State.Mode()
	s.Regime = a.d.State.LastRegime()
	s.OpenPositions = len(a.d.State.Positions())
	s.DailyRealizedPnL = a.d.State.DailyCounters().RealizedPnL
	return s
}

func volBucketFor(volatility float64) risk.VolBucket {
	switch {
	case volatility < 0.02:
		return risk.VolLow
	case volatility > 0.08:
		return risk.VolHigh
	default:
		return risk.VolNormal
	}
}
