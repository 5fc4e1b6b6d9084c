package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/liquidity"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/notify"
)

// Scheduler markers kept in the property table.
const (
	PropNextTimeToSaveStats = "NextTimeToSaveStats"
	PropLastHeartbeatAlert  = "LastHeartbeatAlert"
	PropLastPercentEma      = "LastPercentEma"
)

// emaPeriods is the smoothing window of the daily fee percent EMA, in
// heartbeat samples.
const emaPeriods = 24

var emaAlpha = decimal.NewFromInt(2).Div(decimal.NewFromInt(emaPeriods + 1))

// maybeSaveStats writes an hourly snapshot once NextTimeToSaveStats has
// passed.
func (e *Engine) maybeSaveStats(ctx context.Context, positions []model.Position) error {
	now := e.now()
	next, ok, err := e.timeProperty(ctx, PropNextTimeToSaveStats)
	if err != nil {
		return err
	}
	if ok && now.Before(next) {
		return nil
	}

	stat, err := e.BuildStat(ctx, positions)
	if err != nil {
		return fmt.Errorf("build stat: %w", err)
	}
	if err := e.store.InsertStat(ctx, stat); err != nil {
		return fmt.Errorf("insert stat: %w", err)
	}
	e.logger.Info("stats saved",
		zap.Stringer("total_usd", stat.TotalUSDBalance),
		zap.Int("total_positions", stat.TotalPositions),
	)

	next = now.UTC().Truncate(time.Hour).Add(time.Hour)
	return e.store.SetProperty(ctx, PropNextTimeToSaveStats, next.Format(time.RFC3339))
}

// BuildStat computes a snapshot of balances, profits and deficits. Open
// positions count as if they were withdrawn now, and their owed fees as
// if they were collected now.
func (e *Engine) BuildStat(ctx context.Context, positions []model.Position) (*model.Stat, error) {
	base, quote := e.cfg.Base, e.cfg.Quote

	price, err := e.basePrice(ctx, positions)
	if err != nil {
		return nil, err
	}

	balBase, balQuote, err := e.spendablePair(ctx, base, quote)
	if err != nil {
		return nil, err
	}
	owedBase, owedQuote := decimal.Zero, decimal.Zero
	totalLiquidity := decimal.Zero
	for i := range positions {
		pos := &positions[i]
		b, q := pos.BaseQuote(quote, pos.Amount0, pos.Amount1)
		balBase, balQuote = balBase.Add(b), balQuote.Add(q)
		ob, oq := pos.BaseQuote(quote, pos.TokensOwed0, pos.TokensOwed1)
		owedBase, owedQuote = owedBase.Add(ob), owedQuote.Add(oq)
		totalLiquidity = totalLiquidity.Add(pos.Liquidity)
	}

	baseBook, err := e.ledger.Snapshot(ctx, base.Symbol)
	if err != nil {
		return nil, err
	}
	quoteBook, err := e.ledger.Snapshot(ctx, quote.Symbol)
	if err != nil {
		return nil, err
	}

	count, err := e.store.CountHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}
	avg, err := e.store.AverageHoldTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("average hold time: %w", err)
	}
	ema, _, err := e.percentEMA(ctx)
	if err != nil {
		return nil, err
	}

	return &model.Stat{
		ID:                   newID(),
		TokenABalance:        balBase,
		TokenBBalance:        balQuote,
		TotalUSDBalance:      balBase.Mul(price).Add(balQuote),
		TokenAPriceUSD:       price,
		ProfitTakenTokenA:    baseBook.CumulativeHoldings.Add(e.simulatedTake(owedBase, baseBook.Deficit)),
		ProfitTakenTokenB:    quoteBook.CumulativeHoldings.Add(e.simulatedTake(owedQuote, quoteBook.Deficit)),
		FeesReceivedTokenA:   baseBook.CumulativeFeesReceived.Add(owedBase),
		FeesReceivedTokenB:   quoteBook.CumulativeFeesReceived.Add(owedQuote),
		TotalPositions:       count,
		DeficitsTokenA:       baseBook.CumulativeDeficit,
		DeficitsTokenB:       quoteBook.CumulativeDeficit,
		AvgPositionTimeHours: decimal.NewFromFloat(avg.Hours()).Round(4),
		DailyPercentEMA:      ema,
		TotalLiquidity:       totalLiquidity,
		CreatedAt:            e.now(),
	}, nil
}

// simulatedTake is the holdings share owed fees would produce against the
// current deficit of their own token.
func (e *Engine) simulatedTake(owed, deficit decimal.Decimal) decimal.Decimal {
	profit := decimal.Max(decimal.Zero, owed.Sub(deficit))
	return ledger.SplitProfit(profit, e.cfg.TakeProfitPercent)
}

// basePrice returns quote per base, from an open position when there is
// one and from the pool otherwise.
func (e *Engine) basePrice(ctx context.Context, positions []model.Position) (decimal.Decimal, error) {
	if len(positions) > 0 {
		return positions[0].QuotePrice(e.cfg.Quote), nil
	}
	addr, err := e.pools.Address(ctx, chain.PoolKey{TokenA: e.cfg.Base, TokenB: e.cfg.Quote, Fee: e.cfg.Fee})
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool address: %w", err)
	}
	pool, err := e.chain.PoolState(ctx, addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool state: %w", err)
	}
	price := liquidity.PriceFromSqrtX96(pool.SqrtPriceX96, pool.Token0.Decimals, pool.Token1.Decimals)
	p := model.Position{Token0: pool.Token0, Token1: pool.Token1, Price: price}
	return p.QuotePrice(e.cfg.Quote), nil
}

// maybeHeartbeat reports every open position once per heartbeat interval
// and feeds the daily fee percent EMA.
func (e *Engine) maybeHeartbeat(ctx context.Context, positions []model.Position) error {
	now := e.now()
	last, ok, err := e.timeProperty(ctx, PropLastHeartbeatAlert)
	if err != nil {
		return err
	}
	if ok && now.Sub(last) < e.cfg.HeartbeatInterval {
		return nil
	}

	total, samples := decimal.Zero, 0
	for i := range positions {
		perDay, ok, err := e.heartbeat(ctx, &positions[i], now)
		if err != nil {
			if model.IsFatal(err) {
				return err
			}
			e.logger.Warn("heartbeat failed", zap.String("position_id", positions[i].ID), zap.Error(err))
			continue
		}
		if ok {
			total = total.Add(perDay)
			samples++
		}
	}

	if samples > 0 {
		if err := e.updatePercentEMA(ctx, total.Div(decimal.NewFromInt(int64(samples))), now); err != nil {
			return err
		}
	}
	return e.store.SetProperty(ctx, PropLastHeartbeatAlert, now.UTC().Format(time.RFC3339))
}

// heartbeat reports one position and returns its estimated fee percent per
// day. ok is false when the position is not tracked.
func (e *Engine) heartbeat(ctx context.Context, pos *model.Position, now time.Time) (decimal.Decimal, bool, error) {
	rec, err := e.store.GetRecord(ctx, pos.ID)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	hist, err := e.store.LatestHistory(ctx, pos.ID)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	price := pos.QuotePrice(e.cfg.Quote)
	movement := decimal.Zero
	if rec.PreviousPrice.IsPositive() {
		movement = price.Sub(rec.PreviousPrice).Div(rec.PreviousPrice).Mul(hundred)
	}

	owed := pos.OwedValue(e.cfg.Quote)
	feePercent := decimal.Zero
	if hist.EnteredPriceUSD.IsPositive() {
		feePercent = owed.Div(hist.EnteredPriceUSD).Mul(hundred)
	}

	since := rec.CreatedAt
	if rec.LastRewardsCollected != nil {
		since = *rec.LastRewardsCollected
	}
	perDay := decimal.Zero
	if hours := now.Sub(since).Hours(); hours > 0 {
		perDay = feePercent.Div(decimal.NewFromFloat(hours)).Mul(decimal.NewFromInt(24))
	}

	owedBase, owedQuote := pos.BaseQuote(e.cfg.Quote, pos.TokensOwed0, pos.TokensOwed1)
	state := "in range"
	if pos.OutOfRange() {
		state = "out of range"
	}
	e.notify.Send(ctx, notify.Message{
		Kind:       notify.KindHeartbeat,
		PositionID: pos.ID,
		Text: fmt.Sprintf("Position [%s] %s: price %s (%s%%), fees %s %s (%s%%, ~%s%%/day)",
			pos.ID, state,
			price.StringFixed(4), movement.StringFixed(2),
			owed.StringFixed(2), e.cfg.Quote.Symbol,
			feePercent.StringFixed(3), perDay.StringFixed(3)),
		Fields: map[string]string{
			"price":           price.String(),
			"price_change":    movement.StringFixed(4),
			"owed_base":       owedBase.String(),
			"owed_quote":      owedQuote.String(),
			"fees_percent":    feePercent.StringFixed(6),
			"percent_per_day": perDay.StringFixed(6),
		},
	})

	rec.PreviousPrice = price
	rec.PreviousOwedFeesTokenA = owedBase
	rec.PreviousOwedFeesTokenB = owedQuote
	rec.PreviousOwedFeesTotalUSD = owed
	rec.UpdatedAt = now
	if err := e.store.UpdateRecord(ctx, rec); err != nil {
		return decimal.Zero, false, fmt.Errorf("update record: %w", err)
	}
	return perDay, true, nil
}

// percentEMA reads the daily fee percent EMA. ok is false before the first
// sample.
func (e *Engine) percentEMA(ctx context.Context) (decimal.Decimal, bool, error) {
	p, err := e.store.GetProperty(ctx, PropLastPercentEma)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	_, raw, found := strings.Cut(p.Value, "|")
	if !found {
		raw = p.Value
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse %s %q: %w", PropLastPercentEma, p.Value, err)
	}
	return v, true, nil
}

// PercentEMA returns the current daily fee percent EMA.
func (e *Engine) PercentEMA(ctx context.Context) (decimal.Decimal, error) {
	v, _, err := e.percentEMA(ctx)
	return v, err
}

func (e *Engine) updatePercentEMA(ctx context.Context, sample decimal.Decimal, now time.Time) error {
	prev, ok, err := e.percentEMA(ctx)
	if err != nil {
		return err
	}
	next := sample
	if ok {
		next = sample.Mul(emaAlpha).Add(prev.Mul(decimal.NewFromInt(1).Sub(emaAlpha)))
	}
	next = next.Round(8)
	return e.store.SetProperty(ctx, PropLastPercentEma, now.UTC().Format(time.RFC3339)+"|"+next.String())
}

func (e *Engine) timeProperty(ctx context.Context, key string) (time.Time, bool, error) {
	p, err := e.store.GetProperty(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339, p.Value)
	if err != nil {
		e.logger.Warn("ignoring malformed time property", zap.String("key", key), zap.String("value", p.Value))
		return time.Time{}, false, nil
	}
	return t, true, nil
}
