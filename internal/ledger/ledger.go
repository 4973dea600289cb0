// Package ledger implements the Trade Ledger (§4.9, C9): an append-only,
// durable record of every completed trade. The JSON-lines file is the
// source of truth for historical performance; the sqlite companion table
// is a derived, queryable mirror used by the reconciler.
package ledger

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/osiristrader/agent/internal/domain"
)

// Ledger appends TradeRecords to a JSON-lines file and mirrors them into
// the relational "trades" table for query access (by the reconciler,
// the learning package, and any future reporting surface).
type Ledger struct {
	mu   sync.Mutex
	path string
	db   *sql.DB // optional relational mirror
	log  zerolog.Logger
}

// New constructs a Ledger appending to path (a .jsonl file). db is the
// optional sqlite mirror (ledger DatabaseProfile); pass nil to skip it.
func New(path string, db *sql.DB, log zerolog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	return &Ledger{path: path, db: db, log: log.With().Str("component", "ledger").Logger()}, nil
}

// Append commits a TradeRecord. Per §4.9, this must happen before the
// corresponding Position is removed from the State Store — callers are
// responsible for that ordering; Append itself only guarantees the
// record lands durably before it returns.
func (l *Ledger) Append(rec domain.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("ledger: open for append: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal trade record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: write trade record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("ledger: fsync trade record: %w", err)
	}

	if l.db != nil {
		if err := l.mirrorToSQL(rec); err != nil {
			// The jsonl append already succeeded and is authoritative;
			// the sql mirror is best-effort and logged, not fatal.
			l.log.Warn().Err(err).Str("trade_id", rec.ID).Msg("failed to mirror trade record to sql")
		}
	}

	return nil
}

func (l *Ledger) mirrorToSQL(rec domain.TradeRecord) error {
	_, err := l.db.Exec(`INSERT OR IGNORE INTO trades
		(id, symbol, side, quantity, price, fees, timestamp, reason, realized_pnl, fill_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, rec.Side, rec.Quantity, rec.Price, rec.Fees, rec.Timestamp, rec.Reason, rec.RealizedPnL, rec.FillSource)
	return err
}

// All reads every trade record from the jsonl file, in append order. Used
// at startup for learning-memory replay and by the reconciler for FIFO
// entry reconstruction.
func (l *Ledger) All() ([]domain.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open for read: %w", err)
	}
	defer f.Close()

	var out []domain.TradeRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec domain.TradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			l.log.Warn().Err(err).Msg("skipping corrupt ledger line")
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan: %w", err)
	}
	return out, nil
}

// ForSymbol returns every recorded trade for one symbol, in append order.
// Used by the reconciler's FIFO entry-reconstruction pass.
func (l *Ledger) ForSymbol(symbol string) ([]domain.TradeRecord, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	var out []domain.TradeRecord
	for _, rec := range all {
		if rec.Symbol == symbol {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Exists reports whether a trade id has already been recorded, the
// dedupe key learning-memory replay uses to stay idempotent per trade.
func (l *Ledger) Exists(id string) (bool, error) {
	all, err := l.All()
	if err != nil {
		return false, err
	}
	for _, rec := range all {
		if rec.ID == id {
			return true, nil
		}
	}
	return false, nil
}
