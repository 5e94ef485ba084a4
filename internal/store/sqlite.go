package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BarCache = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements BarCache and RunStore backed by a single SQLite
// database file. Writes are serialized through one connection; the database
// runs in WAL mode so readers in other processes are not blocked.
type SQLiteStore struct {
	db *sql.DB
}

const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ohlcv (
		exchange  TEXT    NOT NULL,
		symbol    TEXT    NOT NULL,
		timeframe TEXT    NOT NULL,
		ts_ms     INTEGER NOT NULL,
		open      REAL    NOT NULL,
		high      REAL    NOT NULL,
		low       REAL    NOT NULL,
		close     REAL    NOT NULL,
		volume    REAL    NOT NULL DEFAULT 0,
		PRIMARY KEY (exchange, symbol, timeframe, ts_ms)
	)`,
	`CREATE TABLE IF NOT EXISTS symbols (
		exchange   TEXT    NOT NULL,
		symbol     TEXT    NOT NULL,
		fetched_at INTEGER NOT NULL,
		PRIMARY KEY (exchange, symbol)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_symbols_exchange ON symbols (exchange)`,
	`CREATE TABLE IF NOT EXISTS history_limit (
		exchange  TEXT    NOT NULL,
		symbol    TEXT    NOT NULL,
		timeframe TEXT    NOT NULL,
		oldest_ts INTEGER NOT NULL,
		reached   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (exchange, symbol, timeframe)
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_runs (
		run_id         TEXT PRIMARY KEY,
		created_at     INTEGER NOT NULL,
		strategy_id    TEXT NOT NULL,
		strategy_name  TEXT,
		strategy_path  TEXT,
		exchange       TEXT,
		symbol         TEXT,
		timeframe      TEXT,
		start_ts       INTEGER,
		end_ts         INTEGER,
		warmup_bars    INTEGER,
		initial_cash   REAL,
		leverage       REAL,
		commission_bps REAL,
		slippage_bps   REAL,
		status         TEXT,
		params_json    TEXT,
		error_text     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_orders (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id       TEXT NOT NULL,
		submitted_ts INTEGER,
		fill_ts      INTEGER,
		side         TEXT,
		size         REAL,
		fill_price   REAL,
		fee          REAL,
		status       TEXT,
		reason       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL,
		side        TEXT,
		size        REAL,
		entry_ts    INTEGER,
		entry_price REAL,
		exit_ts     INTEGER,
		exit_price  REAL,
		pnl         REAL,
		fee_total   REAL,
		bars_held   INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_equity (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id        TEXT NOT NULL,
		ts            INTEGER,
		equity        REAL,
		drawdown      REAL,
		position_size REAL,
		price         REAL
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_messages (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id  TEXT NOT NULL,
		ts      INTEGER,
		level   TEXT,
		message TEXT,
		bar_ts  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_runs_lookup ON strategy_runs (strategy_id, symbol, timeframe, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_equity_run_ts ON strategy_equity (run_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_orders_run_ts ON strategy_orders (run_id, submitted_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_trades_run_ts ON strategy_trades (run_id, entry_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_msgs_run_ts ON strategy_messages (run_id, ts)`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
