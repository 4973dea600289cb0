// Package learning implements Learning Memory (§4.11, C11): durable
// bucketed win-rate counters, updated on every position close and
// consulted by the scorer's tier-clamp guardrail.
package learning

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/durable"
)

// avoidMinTrades and avoidWinRateBelow implement the §4.11 avoid() rule:
// a symbol with a win-rate below 0.25 over at least 10 trades should be
// avoided outright, independent of the scorer's own tier-clamp.
const (
	avoidMinTrades    = 10
	avoidWinRateBelow = 0.25
)

type snapshot struct {
	Entries map[string]domain.LearningEntry `msgpack:"entries" json:"entries"`
}

// Memory owns the bucketed outcome counters, durable via the same
// atomic-write primitive as the State Store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]domain.LearningEntry
	version int
	path    string
	log     zerolog.Logger
}

// New constructs a Memory, hydrating from the durable snapshot at path if
// one exists.
func New(path string, log zerolog.Logger) (*Memory, error) {
	m := &Memory{
		entries: map[string]domain.LearningEntry{},
		path:    path,
		log:     log.With().Str("component", "learning").Logger(),
	}

	env, err := durable.ReadMsgpack[snapshot](path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	m.version = env.Version
	if env.Payload.Entries != nil {
		m.entries = env.Payload.Entries
	}
	return m, nil
}

// RecordClose increments the (regime, strategy, symbol), (regime,
// strategy, "") and (regime, StrategyAny, symbol) buckets for one closed
// position. The scorer's tier-clamp reads the (regime, StrategyAny,
// symbol) bucket since it runs pre-entry, before any real exit reason
// exists (§4.4's resolution of that ordering gap, mirrored here).
func (m *Memory) RecordClose(regime domain.Regime, strategy domain.StrategyTag, symbol string, won bool, realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := []domain.LearningKey{
		{Regime: regime, Strategy: strategy, Symbol: symbol},
		{Regime: regime, Strategy: strategy},
		{Regime: regime, Strategy: domain.StrategyAny, Symbol: symbol},
	}
	for _, key := range keys {
		m.bumpLocked(key, won, realizedPnL)
	}
	m.persistLocked()
}

func (m *Memory) bumpLocked(key domain.LearningKey, won bool, realizedPnL float64) {
	k := bucketKey(key)
	entry := m.entries[k]
	entry.Key = key
	entry.Trades++
	if won {
		entry.Wins++
	} else {
		entry.Losses++
	}
	entry.RealizedPnL += realizedPnL
	entry.LastUpdated = time.Now().UTC()
	m.entries[k] = entry
}

// WinRate implements scoring.LearningLookup.
func (m *Memory) WinRate(regime domain.Regime, strategy domain.StrategyTag, symbol string) (float64, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[bucketKey(domain.LearningKey{Regime: regime, Strategy: strategy, Symbol: symbol})]
	if !ok {
		return 0, 0
	}
	return entry.WinRate(), entry.Trades
}

// BestStrategies returns the strategies with a recorded bucket under
// regime, ordered by win rate descending, per §4.11's best_strategies().
func (m *Memory) BestStrategies(regime domain.Regime) []domain.LearningEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.LearningEntry
	for _, e := range m.entries {
		if e.Key.Regime == regime && e.Key.Symbol == "" && e.Key.Strategy != domain.StrategyAny {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WinRate() > out[j].WinRate() })
	return out
}

// Avoid reports whether symbol's all-regime win rate has fallen below
// avoidWinRateBelow over at least avoidMinTrades trades, per §4.11's
// avoid(). Aggregates across regimes since the rule is symbol-scoped, not
// regime-scoped.
func (m *Memory) Avoid(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var trades, wins int
	for _, e := range m.entries {
		if e.Key.Symbol == symbol && e.Key.Strategy == domain.StrategyAny {
			trades += e.Trades
			wins += e.Wins
		}
	}
	if trades < avoidMinTrades {
		return false
	}
	return float64(wins)/float64(trades) < avoidWinRateBelow
}

func (m *Memory) persistLocked() {
	m.version++
	snap := snapshot{Entries: m.entries}
	if err := durable.WriteMsgpack(m.path, m.version, snap); err != nil {
		m.log.Error().Err(err).Msg("failed to persist learning memory snapshot")
		return
	}
	if err := durable.WriteJSONMirror(m.path+".json", m.version, snap); err != nil {
		m.log.Warn().Err(err).Msg("failed to write json mirror of learning memory snapshot")
	}
}

func bucketKey(k domain.LearningKey) string {
	return string(k.Regime) + "|" + string(k.Strategy) + "|" + k.Symbol
}
