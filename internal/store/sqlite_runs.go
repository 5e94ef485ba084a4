package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"barreplay/internal/domain"
)

const runColumns = `run_id, created_at, strategy_id, strategy_name, strategy_path, exchange, symbol,
	timeframe, start_ts, end_ts, warmup_bars, initial_cash, leverage, commission_bps, slippage_bps,
	status, params_json, error_text`

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *RunRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strategy_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.CreatedAt.UnixMilli(), r.StrategyID, r.StrategyName, r.StrategyPath, r.Exchange,
		r.Symbol, r.Timeframe, r.StartTS, r.EndTS, r.WarmupBars, r.InitialCash, r.Leverage,
		r.CommissionBps, r.SlippageBps, string(r.Status), r.ParamsJSON, nullString(r.ErrorText),
	)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", r.RunID, err)
	}
	return nil
}

// UpdateRunStatus sets the status and error text of a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategy_runs SET status=?, error_text=? WHERE run_id=?`,
		string(status), nullString(errText), runID)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// SaveResult writes all output records of a run in a single transaction.
func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, res *domain.BacktestResult) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertOrders(ctx, tx, runID, res.Orders); err != nil {
			return err
		}
		if err := insertTrades(ctx, tx, runID, res.Trades); err != nil {
			return err
		}
		if err := insertEquity(ctx, tx, runID, res.Points()); err != nil {
			return err
		}
		return insertMessages(ctx, tx, runID, res.Logs)
	})
	if err != nil {
		return fmt.Errorf("saving result of run %s: %w", runID, err)
	}
	return nil
}

func insertOrders(ctx context.Context, tx *sql.Tx, runID string, orders []domain.Order) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO strategy_orders (run_id, submitted_ts, fill_ts, side, size, fill_price, fee, status, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, o := range orders {
		var fillTS, fillPrice, fee any
		if o.Filled() {
			fillTS, fillPrice, fee = o.FillTS, o.FillPrice, o.Fee
		}
		if _, err := stmt.ExecContext(ctx, runID, o.SubmittedTS, fillTS, string(o.Side), o.Size,
			fillPrice, fee, string(o.Status), nullString(o.Reason)); err != nil {
			return fmt.Errorf("inserting order: %w", err)
		}
	}
	return nil
}

func insertTrades(ctx context.Context, tx *sql.Tx, runID string, trades []domain.Trade) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO strategy_trades (run_id, side, size, entry_ts, entry_price, exit_ts, exit_price, pnl, fee_total, bars_held)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, runID, string(t.Side), t.Size, t.EntryTS, t.EntryPrice,
			t.ExitTS, t.ExitPrice, t.PnL, t.FeeTotal, t.BarsHeld); err != nil {
			return fmt.Errorf("inserting trade: %w", err)
		}
	}
	return nil
}

func insertEquity(ctx context.Context, tx *sql.Tx, runID string, points []domain.EquityPoint) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO strategy_equity (run_id, ts, equity, drawdown, position_size, price)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.TS, p.Equity, p.Drawdown, p.PositionSize, p.Price); err != nil {
			return fmt.Errorf("inserting equity point: %w", err)
		}
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, runID string, logs []domain.LogMessage) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO strategy_messages (run_id, ts, level, message, bar_ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range logs {
		if _, err := stmt.ExecContext(ctx, runID, m.TS, m.Level, m.Text, m.BarTS); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}
	return nil
}

// GetRun returns the run with the given ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM strategy_runs WHERE run_id=?`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return r, nil
}

// LatestRun returns the newest run of a strategy on a symbol and timeframe.
func (s *SQLiteStore) LatestRun(ctx context.Context, strategyID, symbol, timeframe string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM strategy_runs
		 WHERE strategy_id=? AND symbol=? AND timeframe=?
		 ORDER BY created_at DESC LIMIT 1`,
		strategyID, symbol, timeframe)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("latest run of %s on %s/%s: %w", strategyID, symbol, timeframe, err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM strategy_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r                       RunRecord
		createdAt               int64
		name, path, exchange    sql.NullString
		status, params, errText sql.NullString
	)
	err := row.Scan(&r.RunID, &createdAt, &r.StrategyID, &name, &path, &exchange, &r.Symbol,
		&r.Timeframe, &r.StartTS, &r.EndTS, &r.WarmupBars, &r.InitialCash, &r.Leverage,
		&r.CommissionBps, &r.SlippageBps, &status, &params, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	r.StrategyName = name.String
	r.StrategyPath = path.String
	r.Exchange = exchange.String
	r.Status = domain.RunStatus(status.String)
	r.ParamsJSON = params.String
	r.ErrorText = errText.String
	return &r, nil
}

// LoadResult reassembles the output records of a run. Each table is read
// and closed before the next query since the store holds one connection.
func (s *SQLiteStore) LoadResult(ctx context.Context, runID string) (*domain.BacktestResult, error) {
	res := &domain.BacktestResult{}

	err := s.each(ctx, func(rows *sql.Rows) error {
		var o domain.Order
		var fillTS sql.NullInt64
		var fillPrice, fee sql.NullFloat64
		var side, status string
		var reason sql.NullString
		if err := rows.Scan(&o.SubmittedTS, &fillTS, &side, &o.Size, &fillPrice, &fee, &status, &reason); err != nil {
			return err
		}
		o.Side, o.Status = domain.Side(side), domain.OrderStatus(status)
		o.FillTS, o.FillPrice, o.Fee, o.Reason = fillTS.Int64, fillPrice.Float64, fee.Float64, reason.String
		res.Orders = append(res.Orders, o)
		return nil
	}, `SELECT submitted_ts, fill_ts, side, size, fill_price, fee, status, reason
		FROM strategy_orders WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading orders of %s: %w", runID, err)
	}

	err = s.each(ctx, func(rows *sql.Rows) error {
		var t domain.Trade
		var side string
		if err := rows.Scan(&side, &t.Size, &t.EntryTS, &t.EntryPrice, &t.ExitTS, &t.ExitPrice,
			&t.PnL, &t.FeeTotal, &t.BarsHeld); err != nil {
			return err
		}
		t.Side = domain.PositionSide(side)
		res.Trades = append(res.Trades, t)
		return nil
	}, `SELECT side, size, entry_ts, entry_price, exit_ts, exit_price, pnl, fee_total, bars_held
		FROM strategy_trades WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading trades of %s: %w", runID, err)
	}

	err = s.each(ctx, func(rows *sql.Rows) error {
		var p domain.EquityPoint
		if err := rows.Scan(&p.TS, &p.Equity, &p.Drawdown, &p.PositionSize, &p.Price); err != nil {
			return err
		}
		res.AppendPoint(p)
		return nil
	}, `SELECT ts, equity, drawdown, position_size, price
		FROM strategy_equity WHERE run_id=? ORDER BY ts, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading equity of %s: %w", runID, err)
	}

	err = s.each(ctx, func(rows *sql.Rows) error {
		var m domain.LogMessage
		if err := rows.Scan(&m.TS, &m.Level, &m.Text, &m.BarTS); err != nil {
			return err
		}
		res.Logs = append(res.Logs, m)
		return nil
	}, `SELECT ts, level, message, bar_ts FROM strategy_messages WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading messages of %s: %w", runID, err)
	}
	return res, nil
}

// each runs query and calls scan for every row, closing the result set
// before returning.
func (s *SQLiteStore) each(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
