package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"barreplay/internal/domain"
)

// CachedRange returns the stored [min, max] timestamps of a series.
func (s *SQLiteStore) CachedRange(ctx context.Context, key domain.SeriesKey) (int64, int64, bool, error) {
	var minTS, maxTS sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts_ms), MAX(ts_ms) FROM ohlcv WHERE exchange=? AND symbol=? AND timeframe=?`,
		key.Exchange, key.Symbol, key.Timeframe,
	).Scan(&minTS, &maxTS)
	if err != nil {
		return 0, 0, false, fmt.Errorf("cached range %s: %w", key, err)
	}
	if !minTS.Valid || !maxTS.Valid {
		return 0, 0, false, nil
	}
	return minTS.Int64, maxTS.Int64, true, nil
}

// LoadBars returns the bars of a series within [start, end], ascending.
func (s *SQLiteStore) LoadBars(ctx context.Context, key domain.SeriesKey, start, end int64) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts_ms, open, high, low, close, volume FROM ohlcv
		 WHERE exchange=? AND symbol=? AND timeframe=? AND ts_ms BETWEEN ? AND ?
		 ORDER BY ts_ms ASC`,
		key.Exchange, key.Symbol, key.Timeframe, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("loading bars %s: %w", key, err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning bar %s: %w", key, err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// StoreBars upserts the valid bars in one transaction. Re-storing a
// timestamp overwrites the previous row.
func (s *SQLiteStore) StoreBars(ctx context.Context, key domain.SeriesKey, bars []domain.Bar) (int, error) {
	valid := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Valid() {
			valid = append(valid, b)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO ohlcv (exchange, symbol, timeframe, ts_ms, open, high, low, close, volume)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, b := range valid {
			if _, err := stmt.ExecContext(ctx, key.Exchange, key.Symbol, key.Timeframe,
				b.TS, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storing bars %s: %w", key, err)
	}
	return len(valid), nil
}

// StoreRows parses rows with domain.BarFromRow, drops malformed ones, and
// upserts the rest.
func (s *SQLiteStore) StoreRows(ctx context.Context, key domain.SeriesKey, rows [][]any) (int, error) {
	bars := make([]domain.Bar, 0, len(rows))
	for _, r := range rows {
		b, err := domain.BarFromRow(r)
		if err != nil {
			continue
		}
		bars = append(bars, b)
	}
	return s.StoreBars(ctx, key, bars)
}

// HistoryLimit returns the history-limit marker of a series.
func (s *SQLiteStore) HistoryLimit(ctx context.Context, key domain.SeriesKey) (HistoryLimit, error) {
	var hl HistoryLimit
	var reached int
	err := s.db.QueryRowContext(ctx,
		`SELECT oldest_ts, reached FROM history_limit WHERE exchange=? AND symbol=? AND timeframe=?`,
		key.Exchange, key.Symbol, key.Timeframe,
	).Scan(&hl.OldestTS, &reached)
	if err == sql.ErrNoRows {
		return HistoryLimit{}, nil
	}
	if err != nil {
		return HistoryLimit{}, fmt.Errorf("history limit %s: %w", key, err)
	}
	hl.Reached = reached != 0
	hl.Known = true
	return hl, nil
}

// SetHistoryLimit records a history boundary. An unreached marker is simply
// overwritten; a reached marker only ever moves earlier and stays reached.
func (s *SQLiteStore) SetHistoryLimit(ctx context.Context, key domain.SeriesKey, oldestTS int64, reached bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history_limit (exchange, symbol, timeframe, oldest_ts, reached)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (exchange, symbol, timeframe) DO UPDATE SET
		   oldest_ts = CASE
		     WHEN history_limit.reached = 0 THEN excluded.oldest_ts
		     WHEN excluded.reached = 1 AND excluded.oldest_ts < history_limit.oldest_ts THEN excluded.oldest_ts
		     ELSE history_limit.oldest_ts
		   END,
		   reached = MAX(history_limit.reached, excluded.reached)`,
		key.Exchange, key.Symbol, key.Timeframe, oldestTS, boolInt(reached),
	)
	if err != nil {
		return fmt.Errorf("setting history limit %s: %w", key, err)
	}
	return nil
}

// Symbols returns the cached symbols of an exchange in ascending order.
func (s *SQLiteStore) Symbols(ctx context.Context, exchange string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol FROM symbols WHERE exchange=? ORDER BY symbol ASC`, exchange)
	if err != nil {
		return nil, fmt.Errorf("listing symbols for %s: %w", exchange, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// StoreSymbols upserts the symbol directory of an exchange.
func (s *SQLiteStore) StoreSymbols(ctx context.Context, exchange string, symbols []string, fetchedAt time.Time) error {
	if len(symbols) == 0 {
		return nil
	}
	at := fetchedAt.Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO symbols (exchange, symbol, fetched_at) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sym := range symbols {
			if _, err := stmt.ExecContext(ctx, exchange, sym, at); err != nil {
				return fmt.Errorf("storing symbol %s: %w", sym, err)
			}
		}
		return nil
	})
}

// LastSymbolFetch returns the most recent fetch time of an exchange's
// symbol directory.
func (s *SQLiteStore) LastSymbolFetch(ctx context.Context, exchange string) (time.Time, bool, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(fetched_at) FROM symbols WHERE exchange=?`, exchange).Scan(&at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last symbol fetch for %s: %w", exchange, err)
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(at.Int64, 0), true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
