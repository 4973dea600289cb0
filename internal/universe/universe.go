// Package universe maintains the current set of tradable symbols and their
// exchange-enforced rules (tick, lot, min-notional), per §4.1 (C1). It is
// the root dependency for every downstream component: nothing scans,
// scores, or sizes a symbol the universe has not admitted.
package universe

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/durable"
	"github.com/osiristrader/agent/internal/exchange"
	"github.com/osiristrader/agent/internal/xerrors"
)

// stableBases are well-known stablecoin tickers excluded as trade bases —
// the agent trades *into* the quote stablecoin, never treats another
// stablecoin as a speculative base.
var stableBases = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "DAI": true, "TUSD": true,
	"FDUSD": true, "USDP": true, "GUSD": true, "PYUSD": true,
}

var numericBase = regexp.MustCompile(`^[0-9]+$`)

// Universe holds the current eligible-symbol snapshot plus their rules,
// refreshed from the exchange on a schedule the Agent Loop controls
// (HousekeepingPhase). Reads are lock-free snapshots; refresh replaces the
// whole map atomically under a brief write lock (§5 copy-on-write).
type Universe struct {
	client       exchange.Client
	quoteCurrency string
	ignoredBases map[string]bool
	snapshotPath string
	log          zerolog.Logger

	mu       sync.RWMutex
	symbols  map[string]domain.Symbol // key: Symbol.Key
	degraded bool
	version  int
}

// Config controls universe construction.
type Config struct {
	QuoteCurrency string
	IgnoredBases  []string
	SnapshotPath  string // durable rule-cache file, e.g. "<data_dir>/universe.msgpack"
}

// New constructs a Universe. It attempts to hydrate from the durable
// snapshot so the agent has a usable symbol set even before the first
// successful refresh.
func New(client exchange.Client, cfg Config, log zerolog.Logger) *Universe {
	ignored := make(map[string]bool, len(cfg.IgnoredBases))
	for _, b := range cfg.IgnoredBases {
		ignored[strings.ToUpper(b)] = true
	}

	u := &Universe{
		client:        client,
		quoteCurrency: strings.ToUpper(cfg.QuoteCurrency),
		ignoredBases:  ignored,
		snapshotPath:  cfg.SnapshotPath,
		log:           log.With().Str("component", "universe").Logger(),
		symbols:       make(map[string]domain.Symbol),
	}

	if env, err := durable.ReadMsgpack[map[string]domain.Symbol](cfg.SnapshotPath); err == nil {
		u.symbols = env.Payload
		u.version = env.Version
		u.log.Info().Int("symbols", len(u.symbols)).Msg("hydrated universe from durable snapshot")
	}

	return u
}

// eligible reports whether a raw exchange symbol passes the admission
// filter: active, quote match, not in the ignore set, base is not a
// stablecoin or purely numeric.
func (u *Universe) eligible(s domain.Symbol) bool {
	if !s.Active {
		return false
	}
	if strings.ToUpper(s.Quote) != u.quoteCurrency {
		return false
	}
	base := strings.ToUpper(s.Base)
	if u.ignoredBases[base] {
		return false
	}
	if stableBases[base] {
		return false
	}
	if numericBase.MatchString(base) {
		return false
	}
	return true
}

// Refresh pulls the full symbol list from the exchange and replaces the
// cached set atomically. On failure, the previous cache is retained and
// Degraded() reports true until the next successful refresh.
//
// Rule refresh policy is merge-with-preserve: a refreshed symbol missing
// tick or lot inherits the previously cached value for that field rather
// than losing it; if no previous value exists, the symbol is dropped as
// TransientTransport rather than admitted with zero rules.
func (u *Universe) Refresh(ctx context.Context) error {
	fetched, err := u.client.GetSymbols(ctx)
	if err != nil {
		u.mu.Lock()
		u.degraded = true
		u.mu.Unlock()
		u.log.Warn().Err(err).Msg("universe refresh failed, retaining previous cache")
		return xerrors.New(xerrors.KindTransientTransport, "universe.refresh", err)
	}

	u.mu.RLock()
	prev := u.symbols
	u.mu.RUnlock()

	next := make(map[string]domain.Symbol, len(fetched))
	for _, s := range fetched {
		if !u.eligible(s) {
			continue
		}

		if s.Tick == 0 || s.Lot == 0 {
			old, hadPrior := prev[s.Key]
			if !hadPrior || old.Tick == 0 || old.Lot == 0 {
				u.log.Warn().Str("symbol", s.Key).Msg("symbol missing tick/lot with no prior value, dropping")
				continue
			}
			if s.Tick == 0 {
				s.Tick = old.Tick
			}
			if s.Lot == 0 {
				s.Lot = old.Lot
			}
		}

		next[s.Key] = s
	}

	u.mu.Lock()
	u.symbols = next
	u.degraded = false
	u.version++
	version := u.version
	u.mu.Unlock()

	if u.snapshotPath != "" {
		if err := durable.WriteMsgpack(u.snapshotPath, version, next); err != nil {
			u.log.Error().Err(err).Msg("failed to persist universe snapshot")
		}
	}

	u.log.Info().Int("symbols", len(next)).Msg("universe refreshed")
	return nil
}

// Rules returns the tick/lot/min-notional rules for symbol, or
// UnknownSymbol if it is not currently eligible.
func (u *Universe) Rules(symbol string) (domain.Symbol, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.symbols[symbol]
	if !ok {
		return domain.Symbol{}, xerrors.New(xerrors.KindUnknownSymbol, "universe.rules", fmt.Errorf("symbol %s not in universe", symbol))
	}
	return s, nil
}

// All returns a snapshot slice of currently eligible symbols. The
// returned slice is owned by the caller; mutating it does not affect the
// universe's internal state.
func (u *Universe) All() []domain.Symbol {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]domain.Symbol, 0, len(u.symbols))
	for _, s := range u.symbols {
		out = append(out, s)
	}
	return out
}

// Degraded reports whether the last refresh attempt failed and the cache
// is stale relative to the exchange.
func (u *Universe) Degraded() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.degraded
}

// Len returns the number of currently eligible symbols.
func (u *Universe) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.symbols)
}

// LastRefreshedAt returns the most recent RefreshedAt across all cached
// symbols, or the zero time if the universe has never been populated.
func (u *Universe) LastRefreshedAt() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var latest time.Time
	for _, s := range u.symbols {
		if s.RefreshedAt.After(latest) {
			latest = s.RefreshedAt
		}
	}
	return latest
}
