// Package storage provides persistent storage for reconstructed balance
// history using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the ledger engine.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ledger.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Monitored accounts (scheduler's work list)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS monitored_accounts (
		account_id TEXT PRIMARY KEY,
		dirty INTEGER NOT NULL DEFAULT 0,
		last_cycle_at INTEGER,
		last_success_at INTEGER,
		last_error TEXT,

		-- Passthrough bookkeeping owned by an external subscription-accounting
		-- collaborator. Never interpreted here, only carried across cursor
		-- advances so we don't clobber it.
		credits_reset_at INTEGER,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_monitored_accounts_dirty ON monitored_accounts(dirty);

	-- =========================================================================
	-- Balance changes (the reconstructed ledger itself)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS balance_changes (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		token_id TEXT NOT NULL,

		block_height INTEGER NOT NULL,
		block_hash TEXT NOT NULL,
		block_time INTEGER NOT NULL,

		-- Arbitrary precision decimal strings (base-10, no exponent) so that
		-- amounts exceeding 64 bits round-trip exactly through SQLite.
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,

		-- Sum type: "account:<id>" | "snapshot" | "staking_snapshot" |
		-- "staking_reward" | "not_registered" | "unresolved_boundary" | "unknown".
		counterparty TEXT NOT NULL,

		-- "transfer" | "snapshot" | "staking_reward" | "mint" | "burn" | ...
		change_kind TEXT NOT NULL,

		-- Provenance: which algorithm produced this row, for debugging gap
		-- fills after the fact.
		source TEXT NOT NULL,

		created_at INTEGER NOT NULL,

		UNIQUE(account_id, token_id, block_height, block_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_balance_changes_account_token_height
		ON balance_changes(account_id, token_id, block_height);
	CREATE INDEX IF NOT EXISTS idx_balance_changes_account_time
		ON balance_changes(account_id, block_time);

	-- =========================================================================
	-- Counterparties (FT/MT metadata cache, stamped with last refresh time)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS counterparties (
		token_id TEXT PRIMARY KEY,
		standard TEXT NOT NULL,
		symbol TEXT,
		decimals INTEGER,
		last_refreshed_at INTEGER
	);

	-- =========================================================================
	-- Detected swaps (advisory cross-reference, read-only to the core)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS detected_swaps (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		deposit_balance_change_id TEXT,
		withdrawal_balance_change_id TEXT,
		detected_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_detected_swaps_account ON detected_swaps(account_id);

	-- =========================================================================
	-- Pipeline run log (audit trail of scheduler attempts; adapted from the
	-- message outbox's retry/backoff bookkeeping)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		retry_count INTEGER DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_account ON pipeline_runs(account_id, started_at);

	-- =========================================================================
	-- Block timestamp cache (not read or written by internal/blockcache)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS block_headers (
		height INTEGER PRIMARY KEY,
		hash TEXT NOT NULL,
		time INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases. These are
// ALTER TABLE statements that add columns to existing tables. Errors are
// ignored since the column may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE monitored_accounts ADD COLUMN credits_reset_at INTEGER",
		"ALTER TABLE balance_changes ADD COLUMN source TEXT NOT NULL DEFAULT 'unknown'",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
