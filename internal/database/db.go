// Package database opens and tunes the three embedded SQLite databases
// this agent keeps on disk (cache.db, state.db, ledger.db), each under a
// different durability/throughput profile matched to what actually reads
// and writes it.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// DatabaseProfile picks the durability/throughput tradeoff for one of the
// agent's three SQLite files.
type DatabaseProfile string

const (
	// ProfileLedger backs ledger.db, the append-only trade record C9
	// treats as the audit trail of record: every write fsyncs, and
	// auto_vacuum stays off so a VACUUM is never silently triggered
	// mid-write by incremental reclaim.
	ProfileLedger DatabaseProfile = "ledger"
	// ProfileCache backs cache.db, the Regime Detector's rolling price
	// sample window (C3): rebuilt from exchange data every restart, so a
	// lost write costs nothing and durability is traded for throughput.
	ProfileCache DatabaseProfile = "cache"
	// ProfileStandard backs state.db, the State Store's relational
	// mirror kept only for the Reconciler's cross-checks (§4.10) — not
	// the source of truth (the msgpack snapshot is), so NORMAL
	// synchronous is durable enough without the ledger's full fsync
	// cost.
	ProfileStandard DatabaseProfile = "standard"
)

// DB wraps one SQLite connection with the profile it was opened under.
type DB struct {
	conn    *sql.DB
	path    string
	profile DatabaseProfile
	name    string
}

// Config holds database configuration
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string // Friendly name for logging (e.g., "state", "ledger")
}

// New opens a SQLite connection under cfg.Profile's PRAGMAs and pool
// limits, creating the containing directory if needed.
func New(cfg Config) (*DB, error) {
	if strings.HasPrefix(cfg.Path, "file:") {
		// file: URIs (in-memory test databases) skip filepath handling.
	} else {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", buildConnectionString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}
	configureConnectionPool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

// buildConnectionString creates SQLite connection string with profile-specific PRAGMAs
func buildConnectionString(path string, profile DatabaseProfile) string {
	connStr := path + "?_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileLedger:
		connStr += "&_pragma=synchronous(FULL)" // every trade record fsyncs before Append returns
		connStr += "&_pragma=auto_vacuum(NONE)" // append-only: never shrink, never pause mid-write to reclaim

	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"   // rebuildable from the exchange on restart, fsync buys nothing
		connStr += "&_pragma=auto_vacuum(FULL)"  // rolling window constantly evicts old rows, reclaim eagerly
		connStr += "&_pragma=temp_store(MEMORY)"

	case ProfileStandard:
		connStr += "&_pragma=synchronous(NORMAL)"      // durable across a crash, not against a power loss mid-fsync
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)" // mirror table churns with every position open/close
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-16000)" // 16MB: three small single-writer databases, not a shared server pool

	return connStr
}

// configureConnectionPool sizes each profile's pool for a single agent
// process driving one cycle at a time, not a multi-tenant web server —
// modernc.org/sqlite serializes writers per file regardless, so a large
// pool only buys concurrent readers.
func configureConnectionPool(conn *sql.DB, profile DatabaseProfile) {
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	switch profile {
	case ProfileLedger:
		// Single writer (ledger.Append), occasional FIFO-reconstruction
		// reads from the Reconciler.
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
	case ProfileCache:
		// Regime Detector reads/writes once per cycle from the Agent
		// Loop's single goroutine; headroom only for the housekeeping
		// scheduler's concurrent reconcile backstop.
		conn.SetMaxOpenConns(6)
		conn.SetMaxIdleConns(2)
	default:
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
	}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection
// Used by repositories to execute queries
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the database name for logging
func (db *DB) Name() string {
	return db.name
}

// Profile returns the database profile
func (db *DB) Profile() DatabaseProfile {
	return db.profile
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Migrate applies the schema embedded in the binary for this database
// name. This is the single source of truth for each database's schema.
func (db *DB) Migrate() error {
	schemaFiles := map[string]string{
		"ledger": "ledger_schema.sql",
		"state":  "state_schema.sql",
		"cache":  "cache_schema.sql",
	}

	schemaFile, ok := schemaFiles[db.name]
	if !ok {
		return nil
	}

	content, err := schemaFS.ReadFile("schemas/" + schemaFile)
	if err != nil {
		return nil // schema file doesn't exist, tables may already exist
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema %s: %w", schemaFile, err)
	}

	if _, err := tx.Exec(string(content)); err != nil {
		_ = tx.Rollback()

		errStr := err.Error()
		if strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists") {
			_ = tx.Commit()
			return nil
		}
		return fmt.Errorf("failed to execute schema %s for %s: %w", schemaFile, db.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema %s for %s: %w", schemaFile, db.name, err)
	}
	return nil
}

// Stats reports the on-disk footprint of one database, surfaced by
// Maintain for the nightly housekeeping log line.
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	PageSize      int64
	FreelistCount int64
}

// Maintain runs the nightly maintenance pass the housekeeping scheduler
// drives for every database (§11): an integrity check, a WAL checkpoint
// to keep the -wal file from growing unbounded, and — for every profile
// except the ledger's append-only, auto_vacuum(NONE) file, where a VACUUM
// would contradict "never shrink" — a VACUUM to reclaim space fragmented
// by the day's position churn. Returns the post-maintenance Stats for the
// caller to log.
func (db *DB) Maintain(ctx context.Context) (*Stats, error) {
	if err := db.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("health check failed for %s: %w", db.name, err)
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}

	if db.profile != ProfileLedger {
		if _, err := db.conn.Exec("VACUUM"); err != nil {
			return nil, fmt.Errorf("vacuum failed for %s: %w", db.name, err)
		}
	}

	return db.getStats()
}

// HealthCheck pings the connection and runs SQLite's integrity_check
// PRAGMA; used by Maintain and directly by the runtime-status probe's
// degraded-mode classification.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}

	var integrityResult string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check query failed for %s: %w", db.name, err)
	}
	if integrityResult != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, integrityResult)
	}
	return nil
}

func (db *DB) getStats() (*Stats, error) {
	stats := &Stats{}

	if fileInfo, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fileInfo.Size()
	}
	if fileInfo, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fileInfo.Size()
	}

	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA freelist_count").Scan(&stats.FreelistCount); err != nil {
		return nil, fmt.Errorf("failed to get freelist count: %w", err)
	}

	return stats, nil
}
