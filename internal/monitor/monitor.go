// Package monitor implements the Position Monitor (§4.7, C7): each cycle
// it refreshes live prices for open positions and decides, in a fixed
// priority order, which ones should be closed or trailed.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
	"github.com/osiristrader/agent/internal/risk"
)

// QualityLookup supplies the current composite score for a symbol so the
// monitor can detect "decaying alpha" against the quality the position was
// opened at. Kept as a narrow interface to avoid importing scoring
// directly (the scorer runs earlier in the same cycle and hands its
// results down, it does not need to import monitor back).
type QualityLookup interface {
	CurrentQuality(symbol string) (composite float64, ok bool)
}

// Config holds the monitor's tunables, sourced from application config.
type Config struct {
	MinProfitBuffer      float64
	TrailingActivation    float64 // unrealized gain fraction at which trailing begins, e.g. 0.01
	RecycleMinGainPct     float64
	RecycleMaxGainPct     float64
	RecycleQualityDrop    float64
	DecayTimeout          time.Duration // default 2h
	DecayMaxGainPct       float64       // default 0.005
}

// Action is an enqueued close or trail decision for one position.
type Action struct {
	Symbol   string
	Kind     ActionKind
	Reason   domain.StrategyTag
	NewSL    float64 // only meaningful when Kind == ActionTrail
}

// ActionKind distinguishes a close from an in-place SL advance.
type ActionKind string

const (
	ActionClose ActionKind = "close"
	ActionTrail ActionKind = "trail"
)

// closePriority orders enqueued closes deterministically within a cycle,
// per §4.7: STOP_LOSS > TAKE_PROFIT > RECYCLE_PROFIT > ALPHA_DECAY.
var closePriority = map[domain.StrategyTag]int{
	domain.StrategyStopLoss:      0,
	domain.StrategyTakeProfit:    1,
	domain.StrategyRecycleProfit: 2,
	domain.StrategyAlphaDecay:    3,
}

// Monitor evaluates open positions each cycle against the exit-trigger
// decision tree of §4.7.
type Monitor struct {
	client  exchange.Client
	cfg     Config
	quality QualityLookup
	log     zerolog.Logger
}

// New constructs a Monitor. quality may be nil, in which case the
// recycle-profit trigger never fires (no quality signal to compare
// against).
func New(client exchange.Client, cfg Config, quality QualityLookup, log zerolog.Logger) *Monitor {
	return &Monitor{client: client, cfg: cfg, quality: quality, log: log.With().Str("component", "monitor").Logger()}
}

// Evaluate refreshes prices for every open position via one batched
// ticker call, then walks the §4.7 decision tree for each, returning the
// updated positions (new CurrentPrice, and CurrentSL where trailing
// advanced) alongside the deterministically ordered actions to execute.
func (m *Monitor) Evaluate(ctx context.Context, positions []domain.Position) ([]domain.Position, []Action, error) {
	if len(positions) == 0 {
		return positions, nil, nil
	}

	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Symbol
	}

	tickers, err := m.client.GetTicker(ctx, symbols)
	if err != nil {
		return positions, nil, fmt.Errorf("monitor: refresh tickers: %w", err)
	}

	updated := make([]domain.Position, len(positions))
	var actions []Action

	for i, p := range positions {
		t, ok := tickers[p.Symbol]
		if !ok {
			// No fresh price this cycle; carry the position through
			// unchanged rather than evaluating triggers against stale data.
			updated[i] = p
			continue
		}
		p.CurrentPrice = t.Price
		p.TrailingHWM = maxF(p.TrailingHWM, p.CurrentPrice)

		gainPct := p.UnrealizedGainPct()

		switch {
		case p.CurrentPrice <= p.CurrentSL:
			actions = append(actions, Action{Symbol: p.Symbol, Kind: ActionClose, Reason: domain.StrategyStopLoss})

		case p.CurrentPrice >= p.CurrentTP && m.clearsProfitBuffer(p):
			actions = append(actions, Action{Symbol: p.Symbol, Kind: ActionClose, Reason: domain.StrategyTakeProfit})

		case gainPct > m.cfg.TrailingActivation:
			newSL := risk.TrailingStop(p.EntryPrice, p.CurrentSL, gainPct)
			if newSL > p.CurrentSL {
				p.CurrentSL = newSL
				actions = append(actions, Action{Symbol: p.Symbol, Kind: ActionTrail, NewSL: newSL})
			}

		case m.qualityDecayed(p) && gainPct >= m.cfg.RecycleMinGainPct && gainPct <= m.cfg.RecycleMaxGainPct:
			actions = append(actions, Action{Symbol: p.Symbol, Kind: ActionClose, Reason: domain.StrategyRecycleProfit})

		case time.Since(p.OpenedAt) > m.cfg.DecayTimeout && gainPct < m.cfg.DecayMaxGainPct:
			actions = append(actions, Action{Symbol: p.Symbol, Kind: ActionClose, Reason: domain.StrategyAlphaDecay})
		}

		updated[i] = p
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Kind != actions[j].Kind {
			return actions[i].Kind == ActionClose // closes execute before trails
		}
		if actions[i].Kind == ActionTrail {
			return actions[i].Symbol < actions[j].Symbol
		}
		pi, pj := closePriority[actions[i].Reason], closePriority[actions[j].Reason]
		if pi != pj {
			return pi < pj
		}
		return actions[i].Symbol < actions[j].Symbol
	})

	return updated, actions, nil
}

// clearsProfitBuffer reports whether closing now at TP nets at least
// MinProfitBuffer over the entry fee already paid — a TAKE_PROFIT that
// wouldn't clear it is left open rather than crystallizing a near-zero
// gain (§4.7 step 4).
func (m *Monitor) clearsProfitBuffer(p domain.Position) bool {
	projected := (p.CurrentTP-p.EntryPrice)*p.Quantity - p.EntryFee
	return projected >= m.cfg.MinProfitBuffer
}

// qualityDecayed reports whether the symbol's current composite score has
// dropped by at least RecycleQualityDrop points since the position was
// opened.
func (m *Monitor) qualityDecayed(p domain.Position) bool {
	if m.quality == nil || p.EntryQuality == 0 {
		return false
	}
	current, ok := m.quality.CurrentQuality(p.Symbol)
	if !ok {
		return false
	}
	return p.EntryQuality-current >= m.cfg.RecycleQualityDrop
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
