// Package state implements the State Store (§4.8, C8): the single
// authoritative in-memory structure of open positions and in-flight
// pending buys, durably mirrored via atomic write-then-rename on every
// mutating transition.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/durable"
)

// snapshot is the on-disk payload shape, msgpack- and JSON-mirrored.
type snapshot struct {
	Positions   map[string]domain.Position   `msgpack:"positions" json:"positions"`
	PendingBuys map[string]domain.PendingBuy `msgpack:"pending_buys" json:"pending_buys"`
	Capital     domain.CapitalAwareness      `msgpack:"capital_awareness" json:"capital_awareness"`
	Daily       domain.DailyCounters         `msgpack:"daily_counters" json:"daily_counters"`
	LastRegime  domain.Regime                `msgpack:"last_regime" json:"last_regime"`
	Mode        domain.AgentMode             `msgpack:"agent_mode" json:"agent_mode"`
}

// Store is the single authoritative structure of live positions and
// pending buys. Writes are serialized through the agent loop's single
// goroutine (§5); reads hand back immutable snapshots so callers never
// observe a structure mid-mutation.
type Store struct {
	mu          sync.RWMutex
	positions   map[string]domain.Position
	pendingBuys map[string]domain.PendingBuy
	capital     domain.CapitalAwareness
	daily       domain.DailyCounters
	lastRegime  domain.Regime
	mode        domain.AgentMode
	version     int

	path string
	db   *sql.DB // optional relational mirror for reconciliation cross-checks
	log  zerolog.Logger
}

// New constructs a Store, hydrating from the durable snapshot at path if
// one exists. A missing file is not an error — it means a fresh agent
// with no prior state. db is the optional positions-table mirror
// (internal/database, "state" profile); pass nil to skip mirroring.
func New(path string, db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		positions:   map[string]domain.Position{},
		pendingBuys: map[string]domain.PendingBuy{},
		path:        path,
		db:          db,
		log:         log.With().Str("component", "state").Logger(),
	}

	env, err := durable.ReadMsgpack[snapshot](path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("state: hydrate snapshot: %w", err)
	}

	s.version = env.Version
	if env.Payload.Positions != nil {
		s.positions = env.Payload.Positions
	}
	if env.Payload.PendingBuys != nil {
		s.pendingBuys = env.Payload.PendingBuys
	}
	s.capital = env.Payload.Capital
	s.daily = env.Payload.Daily
	s.lastRegime = env.Payload.LastRegime
	s.mode = env.Payload.Mode
	s.log.Info().Int("positions", len(s.positions)).Int("pending_buys", len(s.pendingBuys)).Int("version", s.version).Msg("hydrated state store from durable snapshot")
	return s, nil
}

// HasPosition reports whether symbol currently has an open position.
// Part of execution.StateStore.
func (s *Store) HasPosition(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[symbol]
	return ok
}

// HasPendingBuy reports whether symbol has an in-flight pending buy.
// Part of execution.StateStore.
func (s *Store) HasPendingBuy(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pendingBuys[symbol]
	return ok
}

// RecordPendingBuy records (or updates) a pending buy and persists. Part
// of execution.StateStore.
func (s *Store) RecordPendingBuy(pb domain.PendingBuy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingBuys[pb.Symbol] = pb
	s.persistLocked()
}

// RemovePendingBuy removes a pending buy (fill confirmed, failed, or
// reaped as stale) and persists. Part of execution.StateStore.
func (s *Store) RemovePendingBuy(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingBuys, symbol)
	s.persistLocked()
}

// PendingBuys returns a snapshot slice of all in-flight pending buys.
// Part of execution.StateStore.
func (s *Store) PendingBuys() []domain.PendingBuy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PendingBuy, 0, len(s.pendingBuys))
	for _, pb := range s.pendingBuys {
		out = append(out, pb)
	}
	return out
}

// OpenPosition records a newly opened position and persists, replacing
// any pending buy for the same symbol (the fill confirmation supersedes
// it).
func (s *Store) OpenPosition(pos domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Symbol] = pos
	delete(s.pendingBuys, pos.Symbol)
	s.persistLocked()
}

// UpdatePosition overwrites an existing position's mutable fields
// (current price, SL, trailing high-water mark) and persists. No-op if
// the symbol has no open position (it may have just been closed
// concurrently by the agent loop's own sequential processing).
func (s *Store) UpdatePosition(pos domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.Symbol]; !ok {
		return
	}
	s.positions[pos.Symbol] = pos
	s.persistLocked()
}

// ClosePosition removes a position (close confirmed by the exchange) and
// persists.
func (s *Store) ClosePosition(symbol string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	delete(s.positions, symbol)
	s.persistLocked()
	return pos, true
}

// Position returns a snapshot of one position, if open.
func (s *Store) Position(symbol string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// Positions returns a snapshot slice of every open position. Safe to
// range over without holding the store's lock — callers get their own
// copy.
func (s *Store) Positions() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// Version returns the current monotonic snapshot version, used by the
// reconciler to detect whether it is comparing against a stale read.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// CapitalAwareness returns the last computed capital snapshot.
func (s *Store) CapitalAwareness() domain.CapitalAwareness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capital
}

// SetCapitalAwareness updates the capital snapshot and persists. Called by
// the agent loop's awareness phase on every cycle.
func (s *Store) SetCapitalAwareness(ca domain.CapitalAwareness) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capital = ca
	s.persistLocked()
}

// DailyCounters returns the current same-day trading counters.
func (s *Store) DailyCounters() domain.DailyCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daily
}

// SetDailyCounters overwrites the same-day trading counters and persists.
func (s *Store) SetDailyCounters(d domain.DailyCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = d
	s.persistLocked()
}

// LastRegime returns the most recently detected market regime.
func (s *Store) LastRegime() domain.Regime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRegime
}

// SetLastRegime records the most recently detected market regime and
// persists.
func (s *Store) SetLastRegime(r domain.Regime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRegime = r
	s.persistLocked()
}

// Mode returns the current circuit-breaker-controlled agent mode.
func (s *Store) Mode() domain.AgentMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode records the current agent mode and persists.
func (s *Store) SetMode(m domain.AgentMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	s.persistLocked()
}

// ReplaceAll atomically overwrites the entire position and pending-buy
// sets. Used exclusively by the reconciler (§4.10) when it must force
// state back into agreement with exchange ground truth.
func (s *Store) ReplaceAll(positions map[string]domain.Position, pendingBuys map[string]domain.PendingBuy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
	s.pendingBuys = pendingBuys
	s.persistLocked()
}

// persistLocked serializes the current state and writes it atomically.
// Caller must hold s.mu. A persistence failure is logged but not
// returned — in-memory state remains authoritative for the remainder of
// this cycle, and the next mutation will retry the write.
func (s *Store) persistLocked() {
	s.version++
	snap := snapshot{
		Positions:   s.positions,
		PendingBuys: s.pendingBuys,
		Capital:     s.capital,
		Daily:       s.daily,
		LastRegime:  s.lastRegime,
		Mode:        s.mode,
	}
	if err := durable.WriteMsgpack(s.path, s.version, snap); err != nil {
		s.log.Error().Err(err).Int("version", s.version).Msg("failed to persist state snapshot")
		return
	}
	if err := durable.WriteJSONMirror(s.path+".json", s.version, snap); err != nil {
		s.log.Warn().Err(err).Msg("failed to write json mirror of state snapshot")
	}
	s.mirrorToSQLLocked()
}

// mirrorToSQLLocked replaces the positions table contents with the
// current in-memory set. Best-effort: the durable msgpack file remains
// authoritative, this is only a queryable cross-check surface for the
// reconciler. Caller must hold s.mu.
func (s *Store) mirrorToSQLLocked() {
	if s.db == nil {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to begin sql mirror transaction")
		return
	}
	if _, err := tx.Exec("DELETE FROM positions"); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear sql positions mirror")
		_ = tx.Rollback()
		return
	}
	for _, p := range s.positions {
		_, err := tx.Exec(`INSERT INTO positions
			(symbol, quantity, entry_price, entry_fee, current_price, current_tp, current_sl, trailing_hwm, opened_at, mode, strategy, realized_pnl)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Symbol, p.Quantity, p.EntryPrice, p.EntryFee, p.CurrentPrice, p.CurrentTP, p.CurrentSL, p.TrailingHWM, p.OpenedAt, p.Mode, p.Strategy, p.RealizedPnL)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("failed to mirror position to sql")
			_ = tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.log.Warn().Err(err).Msg("failed to commit sql positions mirror")
	}
}
