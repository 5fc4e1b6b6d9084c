package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lp-rebalancer/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

// --- Position records ---

const pgRecordColumns = `position_id, out_of_range_since, last_rewards_collected,
	previous_price::TEXT, previous_owed_fees_token_a::TEXT,
	previous_owed_fees_token_b::TEXT, previous_owed_fees_total_usd::TEXT,
	redeposit_attempts_remaining, created_at, updated_at`

func scanPgRecord(row scanner) (*model.PositionRecord, error) {
	var r model.PositionRecord
	var price, owedA, owedB, owedUSD string
	if err := row.Scan(&r.PositionID, &r.OutOfRangeSince, &r.LastRewardsCollected,
		&price, &owedA, &owedB, &owedUSD,
		&r.RedepositAttemptsRemaining, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.PreviousPrice = dec(price)
	r.PreviousOwedFeesTokenA = dec(owedA)
	r.PreviousOwedFeesTokenB = dec(owedB)
	r.PreviousOwedFeesTotalUSD = dec(owedUSD)
	return &r, nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, r *model.PositionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_records (position_id, out_of_range_since, last_rewards_collected,
		        previous_price, previous_owed_fees_token_a, previous_owed_fees_token_b,
		        previous_owed_fees_total_usd, redeposit_attempts_remaining, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		r.PositionID, r.OutOfRangeSince, r.LastRewardsCollected,
		r.PreviousPrice.String(), r.PreviousOwedFeesTokenA.String(),
		r.PreviousOwedFeesTokenB.String(), r.PreviousOwedFeesTotalUSD.String(),
		r.RedepositAttemptsRemaining, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create record %s: %w", r.PositionID, err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, positionID string) (*model.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM position_records WHERE position_id = $1`, positionID)
	r, err := scanPgRecord(row)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", positionID, notFound(err))
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context) ([]model.PositionRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+pgRecordColumns+` FROM position_records ORDER BY created_at, position_id`)
}

func (s *PostgresStore) ListRedepositPending(ctx context.Context) ([]model.PositionRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+pgRecordColumns+` FROM position_records
		 WHERE redeposit_attempts_remaining > 0 ORDER BY created_at, position_id`)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PositionRecord
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, r *model.PositionRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE position_records
		 SET out_of_range_since = $2, last_rewards_collected = $3,
		     previous_price = $4::NUMERIC, previous_owed_fees_token_a = $5::NUMERIC,
		     previous_owed_fees_token_b = $6::NUMERIC, previous_owed_fees_total_usd = $7::NUMERIC,
		     redeposit_attempts_remaining = $8, updated_at = $9
		 WHERE position_id = $1`,
		r.PositionID, r.OutOfRangeSince, r.LastRewardsCollected,
		r.PreviousPrice.String(), r.PreviousOwedFeesTokenA.String(),
		r.PreviousOwedFeesTokenB.String(), r.PreviousOwedFeesTotalUSD.String(),
		r.RedepositAttemptsRemaining, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", r.PositionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update record %s: %w", r.PositionID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM position_records WHERE position_id = $1`, positionID)
	return err
}

// --- Position history ---

const pgHistoryColumns = `id, position_id, entered_price_usd::TEXT, liquidity_at_open::TEXT,
	closed_price_usd::TEXT, liquidity_at_close::TEXT,
	received_fees_token_a::TEXT, received_fees_token_b::TEXT, closed, created_at`

func scanPgHistory(row scanner) (*model.PositionHistory, error) {
	var h model.PositionHistory
	var entered, liqOpen, feesA, feesB string
	var closedPrice, liqClose *string
	if err := row.Scan(&h.ID, &h.PositionID, &entered, &liqOpen,
		&closedPrice, &liqClose, &feesA, &feesB, &h.Closed, &h.CreatedAt); err != nil {
		return nil, err
	}
	h.EnteredPriceUSD = dec(entered)
	h.LiquidityAtOpen = dec(liqOpen)
	h.ClosedPriceUSD = nullDec(closedPrice)
	h.LiquidityAtClose = nullDec(liqClose)
	h.ReceivedFeesTokenA = dec(feesA)
	h.ReceivedFeesTokenB = dec(feesB)
	return &h, nil
}

func (s *PostgresStore) CreateHistory(ctx context.Context, h *model.PositionHistory) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_history (id, position_id, entered_price_usd, liquidity_at_open,
		        closed_price_usd, liquidity_at_close, received_fees_token_a, received_fees_token_b,
		        closed, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		h.ID, h.PositionID, h.EnteredPriceUSD.String(), h.LiquidityAtOpen.String(),
		nullDecArg(h.ClosedPriceUSD), nullDecArg(h.LiquidityAtClose),
		h.ReceivedFeesTokenA.String(), h.ReceivedFeesTokenB.String(),
		h.Closed, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create history %s: %w", h.PositionID, err)
	}
	return nil
}

func (s *PostgresStore) LatestHistory(ctx context.Context, positionID string) (*model.PositionHistory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgHistoryColumns+` FROM position_history
		 WHERE position_id = $1 ORDER BY created_at DESC LIMIT 1`, positionID)
	h, err := scanPgHistory(row)
	if err != nil {
		return nil, fmt.Errorf("latest history %s: %w", positionID, notFound(err))
	}
	return h, nil
}

func (s *PostgresStore) UpdateHistory(ctx context.Context, h *model.PositionHistory) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE position_history
		 SET closed_price_usd = $2::NUMERIC, liquidity_at_close = $3::NUMERIC,
		     received_fees_token_a = $4::NUMERIC, received_fees_token_b = $5::NUMERIC,
		     closed = $6
		 WHERE id = $1`,
		h.ID, nullDecArg(h.ClosedPriceUSD), nullDecArg(h.LiquidityAtClose),
		h.ReceivedFeesTokenA.String(), h.ReceivedFeesTokenB.String(), h.Closed,
	)
	if err != nil {
		return fmt.Errorf("update history %s: %w", h.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update history %s: %w", h.ID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, positionID string) ([]model.PositionHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgHistoryColumns+` FROM position_history
		 WHERE position_id = $1 ORDER BY created_at`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PositionHistory
	for rows.Next() {
		h, err := scanPgHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountHistory(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM position_history`).Scan(&n)
	return n, err
}

func (s *PostgresStore) AverageHoldTime(ctx context.Context) (time.Duration, error) {
	var secs string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(EXTRACT(EPOCH FROM closed - created_at)), 0)::TEXT
		 FROM position_history WHERE closed IS NOT NULL`).Scan(&secs)
	if err != nil {
		return 0, err
	}
	return time.Duration(dec(secs).Mul(decimal.NewFromInt(int64(time.Second))).IntPart()), nil
}

// --- Properties ---

func (s *PostgresStore) GetProperty(ctx context.Context, key string) (*model.Property, error) {
	var p model.Property
	err := s.pool.QueryRow(ctx,
		`SELECT key, value, updated_at FROM properties WHERE key = $1`, key).
		Scan(&p.Key, &p.Value, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get property %s: %w", key, notFound(err))
	}
	return &p, nil
}

func (s *PostgresStore) SetProperty(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO properties (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("set property %s: %w", key, err)
	}
	return nil
}

// --- Audit logs ---

func (s *PostgresStore) InsertDeficit(ctx context.Context, e *model.DeficitEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deficit_history (id, symbol, amount, reason, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		e.ID, e.Symbol, e.Amount.String(), e.Reason, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListDeficits(ctx context.Context, symbol string) ([]model.DeficitEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, amount::TEXT, reason, created_at
		 FROM deficit_history WHERE symbol = UPPER($1) ORDER BY created_at`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeficitEntry
	for rows.Next() {
		var e model.DeficitEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.Symbol, &amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertProfit(ctx context.Context, e *model.ProfitEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profit_history (id, position_id, symbol, amount, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		e.ID, e.PositionID, e.Symbol, e.Amount.String(), e.CreatedAt)
	return err
}

func (s *PostgresStore) ListProfits(ctx context.Context, symbol string) ([]model.ProfitEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, symbol, amount::TEXT, created_at
		 FROM profit_history WHERE symbol = UPPER($1) ORDER BY created_at`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProfitEntry
	for rows.Next() {
		var e model.ProfitEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Symbol, &amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Stats ---

func (s *PostgresStore) InsertStat(ctx context.Context, st *model.Stat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stats (id, token_a_balance, token_b_balance, total_usd_balance, token_a_price_usd,
		        profit_taken_token_a, profit_taken_token_b, fees_received_token_a, fees_received_token_b,
		        total_positions, deficits_token_a, deficits_token_b, avg_position_time_hours,
		        daily_percent_ema, total_liquidity, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16)`,
		st.ID, st.TokenABalance.String(), st.TokenBBalance.String(), st.TotalUSDBalance.String(),
		st.TokenAPriceUSD.String(), st.ProfitTakenTokenA.String(), st.ProfitTakenTokenB.String(),
		st.FeesReceivedTokenA.String(), st.FeesReceivedTokenB.String(), st.TotalPositions,
		st.DeficitsTokenA.String(), st.DeficitsTokenB.String(), st.AvgPositionTimeHours.String(),
		st.DailyPercentEMA.String(), st.TotalLiquidity.String(), st.CreatedAt,
	)
	return err
}

func (s *PostgresStore) LatestStat(ctx context.Context) (*model.Stat, error) {
	var st model.Stat
	var v [13]string
	err := s.pool.QueryRow(ctx,
		`SELECT id, token_a_balance::TEXT, token_b_balance::TEXT, total_usd_balance::TEXT,
		        token_a_price_usd::TEXT, profit_taken_token_a::TEXT, profit_taken_token_b::TEXT,
		        fees_received_token_a::TEXT, fees_received_token_b::TEXT, total_positions,
		        deficits_token_a::TEXT, deficits_token_b::TEXT, avg_position_time_hours::TEXT,
		        daily_percent_ema::TEXT, total_liquidity::TEXT, created_at
		 FROM stats ORDER BY created_at DESC LIMIT 1`).
		Scan(&st.ID, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7],
			&st.TotalPositions, &v[8], &v[9], &v[10], &v[11], &v[12], &st.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("latest stat: %w", notFound(err))
	}
	fillStat(&st, v)
	return &st, nil
}

// fillStat assigns the decimal columns of a stats row in schema order.
func fillStat(st *model.Stat, v [13]string) {
	st.TokenABalance = dec(v[0])
	st.TokenBBalance = dec(v[1])
	st.TotalUSDBalance = dec(v[2])
	st.TokenAPriceUSD = dec(v[3])
	st.ProfitTakenTokenA = dec(v[4])
	st.ProfitTakenTokenB = dec(v[5])
	st.FeesReceivedTokenA = dec(v[6])
	st.FeesReceivedTokenB = dec(v[7])
	st.DeficitsTokenA = dec(v[8])
	st.DeficitsTokenB = dec(v[9])
	st.AvgPositionTimeHours = dec(v[10])
	st.DailyPercentEMA = dec(v[11])
	st.TotalLiquidity = dec(v[12])
}

var _ Store = (*PostgresStore)(nil)
