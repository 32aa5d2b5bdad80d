// Package store persists the day's output: a SQLite trade journal with
// daily summaries and an event archive, plus JSON artifacts written to the
// data directory for offline review.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// Journal is the SQLite-backed trade journal.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the journal database at dbPath. WAL mode
// keeps the report command readable while the engine writes.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	-- Closed trades, one row per position.
	CREATE TABLE IF NOT EXISTS trades (
		position_id TEXT PRIMARY KEY,
		trade_date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		underlying TEXT NOT NULL,
		strike REAL NOT NULL,
		option_type TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		entry_time DATETIME NOT NULL,
		exit_price REAL NOT NULL,
		exit_time DATETIME NOT NULL,
		exit_reason TEXT NOT NULL,
		secondary_reasons TEXT,
		gross_pnl REAL NOT NULL,
		brokerage REAL NOT NULL,
		net_pnl REAL NOT NULL,
		duration_ns INTEGER NOT NULL,
		high_water REAL NOT NULL,
		low_water REAL NOT NULL,
		vix_entry REAL,
		vix_exit REAL,
		entry_reason TEXT,
		is_paper INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date);
	CREATE INDEX IF NOT EXISTS idx_trades_underlying ON trades(underlying);

	-- One row per trading day, rewritten at EOD.
	CREATE TABLE IF NOT EXISTS daily_summary (
		trade_date TEXT PRIMARY KEY,
		trades INTEGER NOT NULL,
		wins INTEGER NOT NULL,
		losses INTEGER NOT NULL,
		gross_pnl REAL NOT NULL,
		brokerage REAL NOT NULL,
		net_pnl REAL NOT NULL,
		net_pnl_pct REAL NOT NULL,
		win_rate REAL NOT NULL,
		profit_factor REAL NOT NULL,
		max_drawdown REAL NOT NULL,
		largest_win REAL NOT NULL,
		largest_loss REAL NOT NULL,
		capital REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Long-term copy of the event log, deduplicated by idempotency key.
	CREATE TABLE IF NOT EXISTS events_archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events_archive(kind);
	`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveTrade inserts one closed trade. The trade date is derived from the
// exit time in the given location so rows group by exchange trading day.
func (j *Journal) SaveTrade(ctx context.Context, trade models.Trade, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	secondary, _ := json.Marshal(trade.SecondaryReasons)
	isPaper := 0
	if trade.IsPaper {
		isPaper = 1
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades (position_id, trade_date, symbol, underlying, strike, option_type, side, quantity,
			entry_price, entry_time, exit_price, exit_time, exit_reason, secondary_reasons,
			gross_pnl, brokerage, net_pnl, duration_ns, high_water, low_water, vix_entry, vix_exit, entry_reason, is_paper)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.PositionID, trade.ExitTime.In(loc).Format("2006-01-02"), trade.Symbol, trade.Underlying, trade.Strike,
		string(trade.OptionType), string(trade.Side), trade.Quantity,
		trade.EntryPrice, trade.EntryTime, trade.ExitPrice, trade.ExitTime, string(trade.ExitReason), string(secondary),
		trade.GrossPnL, trade.Brokerage, trade.NetPnL, trade.Duration.Nanoseconds(),
		trade.HighWater, trade.LowWater, trade.VixEntry, trade.VixExit, trade.EntryReason, isPaper)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// SaveTrades inserts a batch of trades in one transaction.
func (j *Journal) SaveTrades(ctx context.Context, trades []models.Trade, loc *time.Location) error {
	if len(trades) == 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO trades (position_id, trade_date, symbol, underlying, strike, option_type, side, quantity,
			entry_price, entry_time, exit_price, exit_time, exit_reason, secondary_reasons,
			gross_pnl, brokerage, net_pnl, duration_ns, high_water, low_water, vix_entry, vix_exit, entry_reason, is_paper)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, trade := range trades {
		secondary, _ := json.Marshal(trade.SecondaryReasons)
		isPaper := 0
		if trade.IsPaper {
			isPaper = 1
		}
		_, err := stmt.ExecContext(ctx, trade.PositionID, trade.ExitTime.In(loc).Format("2006-01-02"), trade.Symbol,
			trade.Underlying, trade.Strike, string(trade.OptionType), string(trade.Side), trade.Quantity,
			trade.EntryPrice, trade.EntryTime, trade.ExitPrice, trade.ExitTime, string(trade.ExitReason), string(secondary),
			trade.GrossPnL, trade.Brokerage, trade.NetPnL, trade.Duration.Nanoseconds(),
			trade.HighWater, trade.LowWater, trade.VixEntry, trade.VixExit, trade.EntryReason, isPaper)
		if err != nil {
			return fmt.Errorf("failed to insert trade %s: %w", trade.PositionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TradeFilter narrows Trades queries. Zero values mean no constraint.
type TradeFilter struct {
	Date       string // trading day, 2006-01-02
	Underlying string
	ExitReason string
	IsPaper    *bool
	Limit      int
}

// Trades returns journal rows matching the filter, newest exit first.
func (j *Journal) Trades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := `SELECT position_id, symbol, underlying, strike, option_type, side, quantity,
		entry_price, entry_time, exit_price, exit_time, exit_reason, secondary_reasons,
		gross_pnl, brokerage, net_pnl, duration_ns, high_water, low_water, vix_entry, vix_exit, entry_reason, is_paper
		FROM trades WHERE 1=1`
	args := []interface{}{}

	if filter.Date != "" {
		query += " AND trade_date = ?"
		args = append(args, filter.Date)
	}
	if filter.Underlying != "" {
		query += " AND underlying = ?"
		args = append(args, filter.Underlying)
	}
	if filter.ExitReason != "" {
		query += " AND exit_reason = ?"
		args = append(args, filter.ExitReason)
	}
	if filter.IsPaper != nil {
		isPaper := 0
		if *filter.IsPaper {
			isPaper = 1
		}
		query += " AND is_paper = ?"
		args = append(args, isPaper)
	}

	query += " ORDER BY exit_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var optionType, side, exitReason, secondaryJSON string
		var durationNs int64
		var isPaper int

		if err := rows.Scan(&t.PositionID, &t.Symbol, &t.Underlying, &t.Strike, &optionType, &side, &t.Quantity,
			&t.EntryPrice, &t.EntryTime, &t.ExitPrice, &t.ExitTime, &exitReason, &secondaryJSON,
			&t.GrossPnL, &t.Brokerage, &t.NetPnL, &durationNs, &t.HighWater, &t.LowWater,
			&t.VixEntry, &t.VixExit, &t.EntryReason, &isPaper); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		t.OptionType = models.OptionType(optionType)
		t.Side = models.OrderSide(side)
		t.ExitReason = models.ExitReason(exitReason)
		t.Duration = time.Duration(durationNs)
		t.IsPaper = isPaper == 1
		if secondaryJSON != "" && secondaryJSON != "null" {
			json.Unmarshal([]byte(secondaryJSON), &t.SecondaryReasons)
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// DailySummary is one journal row per trading day.
type DailySummary struct {
	Date         string  `json:"date"`
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	GrossPnL     float64 `json:"gross_pnl"`
	Brokerage    float64 `json:"brokerage"`
	NetPnL       float64 `json:"net_pnl"`
	NetPnLPct    float64 `json:"net_pnl_pct"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
	Capital      float64 `json:"capital"`
}

// SaveDailySummary upserts the day's summary row.
func (j *Journal) SaveDailySummary(ctx context.Context, s DailySummary) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_summary (trade_date, trades, wins, losses, gross_pnl, brokerage, net_pnl,
			net_pnl_pct, win_rate, profit_factor, max_drawdown, largest_win, largest_loss, capital)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Date, s.Trades, s.Wins, s.Losses, s.GrossPnL, s.Brokerage, s.NetPnL,
		s.NetPnLPct, s.WinRate, s.ProfitFactor, s.MaxDrawdown, s.LargestWin, s.LargestLoss, s.Capital)
	if err != nil {
		return fmt.Errorf("failed to save daily summary: %w", err)
	}
	return nil
}

// GetDailySummary returns the summary for one trading day, or nil when the
// day has no row.
func (j *Journal) GetDailySummary(ctx context.Context, date string) (*DailySummary, error) {
	var s DailySummary
	err := j.db.QueryRowContext(ctx, `
		SELECT trade_date, trades, wins, losses, gross_pnl, brokerage, net_pnl,
			net_pnl_pct, win_rate, profit_factor, max_drawdown, largest_win, largest_loss, capital
		FROM daily_summary WHERE trade_date = ?
	`, date).Scan(&s.Date, &s.Trades, &s.Wins, &s.Losses, &s.GrossPnL, &s.Brokerage, &s.NetPnL,
		&s.NetPnLPct, &s.WinRate, &s.ProfitFactor, &s.MaxDrawdown, &s.LargestWin, &s.LargestLoss, &s.Capital)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily summary: %w", err)
	}
	return &s, nil
}

// ArchiveEvents copies bus events into the long-term archive. Rows are
// deduplicated on idempotency key, so replaying a log is harmless.
func (j *Journal) ArchiveEvents(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events_archive (kind, timestamp, timestamp_ms, idempotency_key, payload)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		payload, _ := json.Marshal(e.Payload)
		if _, err := stmt.ExecContext(ctx, string(e.Kind), e.Timestamp, e.TimestampMS, e.IdempotencyKey, string(payload)); err != nil {
			return fmt.Errorf("failed to archive event %s: %w", e.IdempotencyKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ArchivedEventCount returns the number of archived events, optionally
// restricted to one kind.
func (j *Journal) ArchivedEventCount(ctx context.Context, kind string) (int, error) {
	query := "SELECT COUNT(*) FROM events_archive"
	args := []interface{}{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	var n int
	if err := j.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
