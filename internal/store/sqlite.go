package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/lp-rebalancer/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Amounts are TEXT
// holding decimal strings; timestamps are unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS position_records (
  position_id TEXT PRIMARY KEY,
  out_of_range_since INTEGER,
  last_rewards_collected INTEGER,
  previous_price TEXT NOT NULL DEFAULT '0',
  previous_owed_fees_token_a TEXT NOT NULL DEFAULT '0',
  previous_owed_fees_token_b TEXT NOT NULL DEFAULT '0',
  previous_owed_fees_total_usd TEXT NOT NULL DEFAULT '0',
  redeposit_attempts_remaining INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS position_history (
  id TEXT PRIMARY KEY,
  seq INTEGER NOT NULL,
  position_id TEXT NOT NULL,
  entered_price_usd TEXT NOT NULL,
  liquidity_at_open TEXT NOT NULL,
  closed_price_usd TEXT,
  liquidity_at_close TEXT,
  received_fees_token_a TEXT NOT NULL DEFAULT '0',
  received_fees_token_b TEXT NOT NULL DEFAULT '0',
  closed INTEGER,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_position_history_position ON position_history(position_id, seq);

CREATE TABLE IF NOT EXISTS properties (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deficit_history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  symbol TEXT NOT NULL,
  amount TEXT NOT NULL,
  reason TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deficit_history_symbol ON deficit_history(symbol);

CREATE TABLE IF NOT EXISTS profit_history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  position_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  amount TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_profit_history_symbol ON profit_history(symbol);

CREATE TABLE IF NOT EXISTS stats (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  token_a_balance TEXT NOT NULL,
  token_b_balance TEXT NOT NULL,
  total_usd_balance TEXT NOT NULL,
  token_a_price_usd TEXT NOT NULL,
  profit_taken_token_a TEXT NOT NULL,
  profit_taken_token_b TEXT NOT NULL,
  fees_received_token_a TEXT NOT NULL,
  fees_received_token_b TEXT NOT NULL,
  total_positions INTEGER NOT NULL,
  deficits_token_a TEXT NOT NULL,
  deficits_token_b TEXT NOT NULL,
  avg_position_time_hours TEXT NOT NULL,
  daily_percent_ema TEXT NOT NULL,
  total_liquidity TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`)
	return err
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func sqlNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

// --- Position records ---

const liteRecordColumns = `position_id, out_of_range_since, last_rewards_collected,
  previous_price, previous_owed_fees_token_a, previous_owed_fees_token_b,
  previous_owed_fees_total_usd, redeposit_attempts_remaining, created_at, updated_at`

func scanLiteRecord(row scanner) (*model.PositionRecord, error) {
	var r model.PositionRecord
	var oor, collected sql.NullInt64
	var price, owedA, owedB, owedUSD string
	var created, updated int64
	if err := row.Scan(&r.PositionID, &oor, &collected, &price, &owedA, &owedB, &owedUSD,
		&r.RedepositAttemptsRemaining, &created, &updated); err != nil {
		return nil, err
	}
	r.OutOfRangeSince = timePtr(oor)
	r.LastRewardsCollected = timePtr(collected)
	r.PreviousPrice = dec(price)
	r.PreviousOwedFeesTokenA = dec(owedA)
	r.PreviousOwedFeesTokenB = dec(owedB)
	r.PreviousOwedFeesTotalUSD = dec(owedUSD)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, r *model.PositionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO position_records (`+liteRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PositionID, nullMillis(r.OutOfRangeSince), nullMillis(r.LastRewardsCollected),
		r.PreviousPrice.String(), r.PreviousOwedFeesTokenA.String(),
		r.PreviousOwedFeesTokenB.String(), r.PreviousOwedFeesTotalUSD.String(),
		r.RedepositAttemptsRemaining, toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create record %s: %w", r.PositionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, positionID string) (*model.PositionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+liteRecordColumns+` FROM position_records WHERE position_id = ?`, positionID)
	r, err := scanLiteRecord(row)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", positionID, sqlNotFound(err))
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context) ([]model.PositionRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+liteRecordColumns+` FROM position_records ORDER BY created_at, position_id`)
}

func (s *SQLiteStore) ListRedepositPending(ctx context.Context) ([]model.PositionRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+liteRecordColumns+` FROM position_records
		 WHERE redeposit_attempts_remaining > 0 ORDER BY created_at, position_id`)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string) ([]model.PositionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PositionRecord
	for rows.Next() {
		r, err := scanLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, r *model.PositionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE position_records
		 SET out_of_range_since = ?, last_rewards_collected = ?, previous_price = ?,
		     previous_owed_fees_token_a = ?, previous_owed_fees_token_b = ?,
		     previous_owed_fees_total_usd = ?, redeposit_attempts_remaining = ?, updated_at = ?
		 WHERE position_id = ?`,
		nullMillis(r.OutOfRangeSince), nullMillis(r.LastRewardsCollected), r.PreviousPrice.String(),
		r.PreviousOwedFeesTokenA.String(), r.PreviousOwedFeesTokenB.String(),
		r.PreviousOwedFeesTotalUSD.String(), r.RedepositAttemptsRemaining, toMillis(r.UpdatedAt),
		r.PositionID,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", r.PositionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update record %s: %w", r.PositionID, model.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, positionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM position_records WHERE position_id = ?`, positionID)
	return err
}

// --- Position history ---

const liteHistoryColumns = `id, position_id, entered_price_usd, liquidity_at_open,
  closed_price_usd, liquidity_at_close, received_fees_token_a, received_fees_token_b,
  closed, created_at`

func scanLiteHistory(row scanner) (*model.PositionHistory, error) {
	var h model.PositionHistory
	var entered, liqOpen, feesA, feesB string
	var closedPrice, liqClose sql.NullString
	var closed sql.NullInt64
	var created int64
	if err := row.Scan(&h.ID, &h.PositionID, &entered, &liqOpen, &closedPrice, &liqClose,
		&feesA, &feesB, &closed, &created); err != nil {
		return nil, err
	}
	h.EnteredPriceUSD = dec(entered)
	h.LiquidityAtOpen = dec(liqOpen)
	if closedPrice.Valid {
		h.ClosedPriceUSD = nullDec(&closedPrice.String)
	}
	if liqClose.Valid {
		h.LiquidityAtClose = nullDec(&liqClose.String)
	}
	h.ReceivedFeesTokenA = dec(feesA)
	h.ReceivedFeesTokenB = dec(feesB)
	h.Closed = timePtr(closed)
	h.CreatedAt = fromMillis(created)
	return &h, nil
}

func (s *SQLiteStore) CreateHistory(ctx context.Context, h *model.PositionHistory) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO position_history (seq, `+liteHistoryColumns+`)
		 VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM position_history), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.PositionID, h.EnteredPriceUSD.String(), h.LiquidityAtOpen.String(),
		nullDecArg(h.ClosedPriceUSD), nullDecArg(h.LiquidityAtClose),
		h.ReceivedFeesTokenA.String(), h.ReceivedFeesTokenB.String(),
		nullMillis(h.Closed), toMillis(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create history %s: %w", h.PositionID, err)
	}
	return nil
}

func (s *SQLiteStore) LatestHistory(ctx context.Context, positionID string) (*model.PositionHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+liteHistoryColumns+` FROM position_history
		 WHERE position_id = ? ORDER BY seq DESC LIMIT 1`, positionID)
	h, err := scanLiteHistory(row)
	if err != nil {
		return nil, fmt.Errorf("latest history %s: %w", positionID, sqlNotFound(err))
	}
	return h, nil
}

func (s *SQLiteStore) UpdateHistory(ctx context.Context, h *model.PositionHistory) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE position_history
		 SET closed_price_usd = ?, liquidity_at_close = ?,
		     received_fees_token_a = ?, received_fees_token_b = ?, closed = ?
		 WHERE id = ?`,
		nullDecArg(h.ClosedPriceUSD), nullDecArg(h.LiquidityAtClose),
		h.ReceivedFeesTokenA.String(), h.ReceivedFeesTokenB.String(), nullMillis(h.Closed),
		h.ID,
	)
	if err != nil {
		return fmt.Errorf("update history %s: %w", h.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update history %s: %w", h.ID, model.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, positionID string) ([]model.PositionHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteHistoryColumns+` FROM position_history WHERE position_id = ? ORDER BY seq`,
		positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PositionHistory
	for rows.Next() {
		h, err := scanLiteHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountHistory(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM position_history`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) AverageHoldTime(ctx context.Context) (time.Duration, error) {
	var ms sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(closed - created_at) FROM position_history WHERE closed IS NOT NULL`).Scan(&ms)
	if err != nil || !ms.Valid {
		return 0, err
	}
	return time.Duration(ms.Float64 * float64(time.Millisecond)), nil
}

// --- Properties ---

func (s *SQLiteStore) GetProperty(ctx context.Context, key string) (*model.Property, error) {
	var p model.Property
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM properties WHERE key = ?`, key).
		Scan(&p.Key, &p.Value, &updated)
	if err != nil {
		return nil, fmt.Errorf("get property %s: %w", key, sqlNotFound(err))
	}
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (s *SQLiteStore) SetProperty(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set property %s: %w", key, err)
	}
	return nil
}

// --- Audit logs ---

func (s *SQLiteStore) InsertDeficit(ctx context.Context, e *model.DeficitEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deficit_history (id, symbol, amount, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Symbol, e.Amount.String(), e.Reason, toMillis(e.CreatedAt))
	return err
}

func (s *SQLiteStore) ListDeficits(ctx context.Context, symbol string) ([]model.DeficitEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, amount, reason, created_at FROM deficit_history
		 WHERE symbol = ? ORDER BY seq`, strings.ToUpper(symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeficitEntry
	for rows.Next() {
		var e model.DeficitEntry
		var amount string
		var created int64
		if err := rows.Scan(&e.ID, &e.Symbol, &amount, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertProfit(ctx context.Context, e *model.ProfitEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profit_history (id, position_id, symbol, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.PositionID, e.Symbol, e.Amount.String(), toMillis(e.CreatedAt))
	return err
}

func (s *SQLiteStore) ListProfits(ctx context.Context, symbol string) ([]model.ProfitEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position_id, symbol, amount, created_at FROM profit_history
		 WHERE symbol = ? ORDER BY seq`, strings.ToUpper(symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProfitEntry
	for rows.Next() {
		var e model.ProfitEntry
		var amount string
		var created int64
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Symbol, &amount, &created); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Stats ---

func (s *SQLiteStore) InsertStat(ctx context.Context, st *model.Stat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats (id, token_a_balance, token_b_balance, total_usd_balance, token_a_price_usd,
		   profit_taken_token_a, profit_taken_token_b, fees_received_token_a, fees_received_token_b,
		   total_positions, deficits_token_a, deficits_token_b, avg_position_time_hours,
		   daily_percent_ema, total_liquidity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TokenABalance.String(), st.TokenBBalance.String(), st.TotalUSDBalance.String(),
		st.TokenAPriceUSD.String(), st.ProfitTakenTokenA.String(), st.ProfitTakenTokenB.String(),
		st.FeesReceivedTokenA.String(), st.FeesReceivedTokenB.String(), st.TotalPositions,
		st.DeficitsTokenA.String(), st.DeficitsTokenB.String(), st.AvgPositionTimeHours.String(),
		st.DailyPercentEMA.String(), st.TotalLiquidity.String(), toMillis(st.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) LatestStat(ctx context.Context) (*model.Stat, error) {
	var st model.Stat
	var v [13]string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, token_a_balance, token_b_balance, total_usd_balance, token_a_price_usd,
		        profit_taken_token_a, profit_taken_token_b, fees_received_token_a,
		        fees_received_token_b, total_positions, deficits_token_a, deficits_token_b,
		        avg_position_time_hours, daily_percent_ema, total_liquidity, created_at
		 FROM stats ORDER BY seq DESC LIMIT 1`).
		Scan(&st.ID, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7],
			&st.TotalPositions, &v[8], &v[9], &v[10], &v[11], &v[12], &created)
	if err != nil {
		return nil, fmt.Errorf("latest stat: %w", sqlNotFound(err))
	}
	fillStat(&st, v)
	st.CreatedAt = fromMillis(created)
	return &st, nil
}

var _ Store = (*SQLiteStore)(nil)
