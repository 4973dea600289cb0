// Package risk implements the Risk & Sizing component (§4.5, C5): given a
// scored opportunity, the current regime, and available capital, it
// derives the entry notional, TP/SL prices, and trailing-stop behavior.
package risk

import (
	"fmt"

	"github.com/osiristrader/agent/internal/domain"
)

// Config holds the sizing/risk tunables read from application config.
type Config struct {
	MinCapitalPerTrade float64
	MaxCapitalPerTrade float64
	MinStopLossPct     float64
	MaxStopLossPct     float64
	MinProfitBuffer    float64
	FeeRate            float64
}

// tierMultiplier is the §4.4 sizing multiplier table.
var tierMultiplier = map[domain.Tier]float64{
	domain.TierGod:            4.0,
	domain.TierHighConfidence: 3.0,
	domain.TierStrongSetup:    2.0,
	domain.TierGood:           1.5,
	domain.TierStandard:       1.0,
}

// tierTakeProfitPct is the §4.5 per-tier take-profit percentage table.
var tierTakeProfitPct = map[domain.Tier]float64{
	domain.TierStandard:       0.015,
	domain.TierGood:           0.020,
	domain.TierStrongSetup:    0.025,
	domain.TierHighConfidence: 0.025,
	domain.TierGod:            0.030,
}

// regimeMultiplier is the §4.5 regime capital multiplier table.
var regimeMultiplier = map[domain.Regime]float64{
	domain.RegimeStrongBull: 1.25,
	domain.RegimeBull:       1.10,
	domain.RegimeNormal:     1.00,
	domain.RegimeVolatile:   0.75,
	domain.RegimeBear:       0.50,
	domain.RegimeStrongBear: 0.0, // no new entries
	domain.RegimeFlat:       0.75,
	domain.RegimeUnknown:    0.50,
}

// atrMultiplier is the §4.5 volatility-regime ATR multiplier used in SL
// sizing, keyed by a coarse realized-volatility bucket the caller derives
// from the regime reading (low/normal/high).
type VolBucket string

const (
	VolLow    VolBucket = "low"
	VolNormal VolBucket = "normal"
	VolHigh   VolBucket = "high"
)

var atrMultiplier = map[VolBucket]float64{
	VolLow:    1.0,
	VolNormal: 1.5,
	VolHigh:   2.0,
}

// Sizing is the full sizing output for one opportunity (§4.5).
type Sizing struct {
	Notional    float64
	Quantity    float64
	EntryPrice  float64
	TakeProfit  float64
	StopLoss    float64
	StopLossPct float64
	Rejected    bool
	RejectReason string
}

// Sizer derives Sizing from an Opportunity, current ATR, tick/lot rules,
// and available capital.
type Sizer struct {
	cfg Config
}

// New constructs a Sizer.
func New(cfg Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size computes the full entry sizing for an opportunity. entry is the
// suggested entry price; atr is the current ATR(14) for the symbol;
// regime is the current market regime (drives the capital multiplier);
// vol is the realized-volatility bucket driving the ATR multiplier;
// rules is the exchange's tick/lot/min-notional rule set;
// capitalAvailable is quote-currency capital free to deploy this cycle.
func (s *Sizer) Size(opp domain.Opportunity, entry, atr float64, regime domain.Regime, vol VolBucket, rules domain.Symbol, capitalAvailable float64) Sizing {
	if entry <= 0 {
		return Sizing{Rejected: true, RejectReason: "entry price must be positive"}
	}

	regimeMult, ok := regimeMultiplier[regime]
	if !ok {
		regimeMult = regimeMultiplier[domain.RegimeUnknown]
	}
	if regimeMult == 0 {
		return Sizing{Rejected: true, RejectReason: "no new entries in this regime"}
	}

	tierMult := tierMultiplier[opp.Tier]
	if tierMult == 0 {
		return Sizing{Rejected: true, RejectReason: "tier does not admit a position"}
	}

	const basePct = 1.0 // base_pct folds into Min/MaxCapitalPerTrade bounds directly, not a separate fraction
	notional := basePct * tierMult * regimeMult * s.cfg.MinCapitalPerTrade
	if notional < s.cfg.MinCapitalPerTrade {
		notional = s.cfg.MinCapitalPerTrade
	}
	if notional > s.cfg.MaxCapitalPerTrade {
		notional = s.cfg.MaxCapitalPerTrade
	}
	if notional > capitalAvailable {
		notional = capitalAvailable
	}

	if notional < rules.MinNotional {
		return Sizing{Rejected: true, RejectReason: fmt.Sprintf("notional %.4f below exchange min_notional %.4f", notional, rules.MinNotional)}
	}

	qty := roundToLot(notional/entry, rules.Lot)
	if qty <= 0 {
		return Sizing{Rejected: true, RejectReason: "rounded quantity is zero"}
	}

	tpPct, ok := tierTakeProfitPct[opp.Tier]
	if !ok {
		tpPct = tierTakeProfitPct[domain.TierStandard]
	}
	tp := roundToTick(entry*(1+tpPct), rules.Tick)

	slPct := clampF(atr*atrMultiplier[vol]/entry, s.cfg.MinStopLossPct, s.cfg.MaxStopLossPct)
	sl := roundToTick(entry*(1-slPct), rules.Tick)

	expectedFees := qty*entry*s.cfg.FeeRate + qty*tp*s.cfg.FeeRate
	projectedProfit := qty * (tp - entry)
	if projectedProfit < s.cfg.MinProfitBuffer+expectedFees {
		return Sizing{Rejected: true, RejectReason: "projected profit does not clear fees plus minimum buffer"}
	}

	return Sizing{
		Notional:    notional,
		Quantity:    qty,
		EntryPrice:  entry,
		TakeProfit:  tp,
		StopLoss:    sl,
		StopLossPct: slPct,
	}
}

// TrailingStop computes the updated trailing stop-loss given the current
// unrealized gain percentage, per §4.5: once gain ≥ +1%, raise SL to
// entry + 50% of gain at +2%, 70% at +3%. SL never ratchets downward.
func TrailingStop(entry, currentSL, gainPct float64) float64 {
	if gainPct < 0.01 {
		return currentSL
	}

	var captureRatio float64
	switch {
	case gainPct >= 0.03:
		captureRatio = 0.70
	case gainPct >= 0.02:
		captureRatio = 0.50
	default:
		// Between +1% and +2%: trail begins but no fixed capture ratio is
		// specified, so hold at breakeven until a named threshold is hit.
		captureRatio = 0.0
	}

	candidate := entry + entry*gainPct*captureRatio
	if candidate > currentSL {
		return candidate
	}
	return currentSL
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return roundTo(price, tick)
}

func roundToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	return roundTo(qty, lot)
}

func roundTo(v, step float64) float64 {
	units := v / step
	rounded := float64(int64(units))
	if units-float64(int64(units)) >= 0.5 {
		rounded++
	}
	return rounded * step
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
