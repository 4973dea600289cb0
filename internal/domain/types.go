// Package domain holds the core entity types shared across the agent's
// components (§3 of the design). Fields are typed records rather than
// dynamic maps; JSON tags give the human-inspectable on-disk shape, the
// binary snapshot format (msgpack) uses the same struct.
package domain

import "time"

// Symbol describes a tradable instrument and the exchange-enforced
// discretization rules that every order against it must respect.
type Symbol struct {
	Key         string    `json:"key" msgpack:"key"` // e.g. "BTC-USDT"
	Base        string    `json:"base" msgpack:"base"`
	Quote       string    `json:"quote" msgpack:"quote"`
	Tick        float64   `json:"tick" msgpack:"tick"`
	Lot         float64   `json:"lot" msgpack:"lot"`
	MinNotional float64   `json:"min_notional" msgpack:"min_notional"`
	Active      bool      `json:"active" msgpack:"active"`
	RefreshedAt time.Time `json:"refreshed_at" msgpack:"refreshed_at"`
}

// Timeframe is a candle interval identifier, e.g. "1m", "5m", "15m", "1h".
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// Candle is an immutable OHLCV bar once closed.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SignalSource identifies a signal fetcher.
type SignalSource string

const (
	SourceTechnical      SignalSource = "technical"
	SourceSentiment      SignalSource = "sentiment"
	SourceOnChain        SignalSource = "onchain"
	SourceCrossExchange  SignalSource = "cross_exchange"
	SourceMultiTimeframe SignalSource = "multi_timeframe"
)

// Signal is a bounded, timestamped score produced by a fetcher (C2).
type Signal struct {
	Source       SignalSource `json:"source"`
	Symbol       string       `json:"symbol"`
	Score        float64      `json:"score"`      // [0, 100]
	Confidence   float64      `json:"confidence"` // [0, 1]
	GeneratedAt  time.Time    `json:"generated_at"`
	NumericValue *float64     `json:"numeric_value,omitempty"` // optional raw payload (e.g. RSI value)
}

// Neutral returns a zero-confidence neutral signal, the documented failure
// mode for a fetcher that cannot compute a real score this cycle.
func Neutral(source SignalSource, symbol string, at time.Time) Signal {
	return Signal{Source: source, Symbol: symbol, Score: 50, Confidence: 0, GeneratedAt: at}
}

// Stale reports whether the signal is older than ttl relative to now.
func (s Signal) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.GeneratedAt) > ttl
}

// Regime is the classified market mood (C3).
type Regime string

const (
	RegimeStrongBull Regime = "STRONG_BULL"
	RegimeBull       Regime = "BULL"
	RegimeNormal     Regime = "NORMAL"
	RegimeVolatile   Regime = "VOLATILE"
	RegimeFlat       Regime = "FLAT"
	RegimeBear       Regime = "BEAR"
	RegimeStrongBear Regime = "STRONG_BEAR"
	RegimeUnknown    Regime = "UNKNOWN"
)

// RegimeReading carries the classified regime plus its diagnostic scalars.
type RegimeReading struct {
	Regime      Regime    `json:"regime"`
	Momentum    float64   `json:"momentum"`
	Volatility  float64   `json:"volatility"`
	Consistency float64   `json:"consistency"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Tier is a discrete opportunity quality band (C4), driving sizing.
type Tier string

const (
	TierGod             Tier = "GOD_TIER"
	TierHighConfidence  Tier = "HIGH_CONFIDENCE"
	TierStrongSetup     Tier = "STRONG_SETUP"
	TierGood            Tier = "GOOD"
	TierStandard        Tier = "STANDARD"
	TierSkip            Tier = "SKIP"
)

// Opportunity is a transient per-cycle scoring output (C4).
type Opportunity struct {
	Symbol             string    `json:"symbol"`
	Composite          float64   `json:"composite"`
	TechnicalSubscore  float64   `json:"technical_subscore"`
	IntelligenceSub    float64   `json:"intelligence_subscore"`
	MultiframeSub      float64   `json:"multiframe_subscore"`
	VolumeSub          float64   `json:"volume_subscore"`
	SentimentSub       float64   `json:"sentiment_subscore"`
	Tier               Tier      `json:"tier"`
	SuggestedEntry     float64   `json:"suggested_entry"`
	ProjectedTP        float64   `json:"projected_tp"`
	ProjectedSL        float64   `json:"projected_sl"`
	Notional           float64   `json:"notional"`
	Rationale          string    `json:"rationale"`
	Volume24h          float64   `json:"volume_24h"`
	ComputedAt         time.Time `json:"computed_at"`
}

// StrategyTag enumerates the reasons a position is closed or a trade
// bucket is attributed to, replacing the duck-typed "strategy" tags.
type StrategyTag string

const (
	StrategyTakeProfit    StrategyTag = "take_profit"
	StrategyStopLoss      StrategyTag = "stop_loss"
	StrategyRecycleProfit StrategyTag = "recycle_profit"
	StrategyAlphaDecay    StrategyTag = "alpha_decay"
	StrategyHistorySync   StrategyTag = "history_sync"

	// StrategyActiveEntry tags a position opened directly by the agent
	// loop, as opposed to one the reconciler adopted from an untracked
	// live holding (StrategyHistorySync).
	StrategyActiveEntry StrategyTag = "active_entry"

	// StrategyAny is a synthetic bucket key aggregating all exit reasons
	// under one regime, used by the scorer's tier-clamp lookup (§4.11)
	// since an opportunity has no exit reason yet at scoring time.
	StrategyAny StrategyTag = "any"
)

// Position is a live holding (§3). Quantity, entry, SL/TP are mutated in
// place by the owning State Store under single-writer discipline; readers
// only ever see immutable snapshots.
type Position struct {
	Symbol         string      `json:"symbol"`
	Quantity       float64     `json:"quantity"`
	EntryPrice     float64     `json:"entry_price"`
	EntryFee       float64     `json:"entry_fee"`
	CurrentPrice   float64     `json:"current_price"`
	CurrentTP      float64     `json:"current_tp"`
	CurrentSL      float64     `json:"current_sl"`
	TrailingHWM    float64     `json:"trailing_hwm"`
	OpenedAt       time.Time   `json:"opened_at"`
	Mode           Regime      `json:"mode"` // regime at entry
	Strategy       StrategyTag `json:"strategy"`
	RealizedPnL    float64     `json:"realized_pnl"` // zero until close
	EntryQuality   float64     `json:"entry_quality"` // composite score at open, for recycle-profit decay comparison
}

// UnrealizedPnL returns (current - entry) * quantity.
func (p Position) UnrealizedPnL() float64 {
	return (p.CurrentPrice - p.EntryPrice) * p.Quantity
}

// UnrealizedGainPct returns the fractional unrealized gain relative to entry.
func (p Position) UnrealizedGainPct() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice
}

// PendingBuy is an in-flight entry order awaiting a fill (§3).
type PendingBuy struct {
	Symbol           string    `json:"symbol"`
	OrderID          string    `json:"order_id"`
	ReservedNotional float64   `json:"reserved_notional"`
	PlacedAt         time.Time `json:"placed_at"`

	// TakeProfit and StopLoss carry the sizing the Risk & Sizing
	// component computed for this entry (§4.5) through to the moment the
	// Reconciler adopts the filled position (§4.10 step 3). Zero on a
	// PendingBuy the Reconciler itself synthesizes for an untracked open
	// order it discovers live on the exchange, in which case adoption
	// falls back to the entry price.
	TakeProfit float64 `json:"take_profit,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
}

// TradeSide is buy or sell.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// FillSource distinguishes trades the agent itself placed from trades
// discovered via history sync / reconciliation.
type FillSource string

const (
	FillSourceActive  FillSource = "active"
	FillSourceHistory FillSource = "history"
)

// TradeRecord is an immutable, append-only ledger entry (C9).
type TradeRecord struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        TradeSide   `json:"side"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price"`
	Fees        float64     `json:"fees"`
	Timestamp   time.Time   `json:"timestamp"`
	Reason      StrategyTag `json:"reason"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"` // sells only
	FillSource  FillSource  `json:"fill_source"`
}

// DailyCounters tracks same-day trading activity, reset at a configured
// day boundary.
type DailyCounters struct {
	Date        string  `json:"date"` // YYYY-MM-DD, agent-local day boundary
	TradeCount  int     `json:"trade_count"`
	WinCount    int     `json:"win_count"`
	LossCount   int     `json:"loss_count"`
	RealizedPnL float64 `json:"realized_pnl"`
	FeesPaid    float64 `json:"fees_paid"`
}

// CapitalAwareness is recomputed each cycle from authoritative sources.
type CapitalAwareness struct {
	QuoteAvailable float64   `json:"quote_available"`
	QuoteLocked    float64   `json:"quote_locked"` // reserved in pending buys
	HoldingsValue  float64   `json:"holdings_value"`
	TotalAssets    float64   `json:"total_assets"` // available + locked + holdings
	ComputedAt     time.Time `json:"computed_at"`
}

// Recompute sets TotalAssets from the other three fields — the only place
// TotalAssets is ever derived, so it can never silently drift.
func (c *CapitalAwareness) Recompute() {
	c.TotalAssets = c.QuoteAvailable + c.QuoteLocked + c.HoldingsValue
}

// LearningKey identifies a learning-memory bucket.
type LearningKey struct {
	Regime   Regime      `json:"regime"`
	Strategy StrategyTag `json:"strategy"`
	Symbol   string      `json:"symbol,omitempty"` // empty for the (regime,strategy)-only bucket
}

// LearningEntry is a monotonic outcome counter owned by C11.
type LearningEntry struct {
	Key         LearningKey `json:"key"`
	Trades      int         `json:"trades"`
	Wins        int         `json:"wins"`
	Losses      int         `json:"losses"`
	RealizedPnL float64     `json:"realized_pnl"`
	LastUpdated time.Time   `json:"last_updated"`
}

// WinRate returns wins/trades, or 0 if no trades recorded.
func (l LearningEntry) WinRate() float64 {
	if l.Trades == 0 {
		return 0
	}
	return float64(l.Wins) / float64(l.Trades)
}

// AgentMode is the circuit-breaker-controlled operating mode surfaced in
// the persisted state snapshot and the runtime-status probe.
type AgentMode string

const (
	ModeTrading   AgentMode = "TRADING"
	ModeObserving AgentMode = "OBSERVING" // circuit breaker tripped: monitor/close only
)

// Health is the degradation status surfaced by the runtime-status probe.
type Health string

const (
	HealthOK       Health = "OK"
	HealthDegraded Health = "DEGRADED"
	HealthCritical Health = "CRITICAL"
)
