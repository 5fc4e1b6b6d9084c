package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/metrics"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/notify"
)

// settlement is the outcome of booking collected fees.
type settlement struct {
	FeesBase   decimal.Decimal
	FeesQuote  decimal.Decimal
	TakenBase  decimal.Decimal
	TakenQuote decimal.Decimal
}

// Collect harvests the owed fees of pos and books them. It reports whether
// any fee was owed; nothing is submitted when none was.
func (e *Engine) Collect(ctx context.Context, pos model.Position) (bool, error) {
	if !pos.HasOwedFees() {
		e.logger.Debug("nothing to collect", zap.String("position_id", pos.ID))
		return false, nil
	}

	mined, err := e.executeMined(ctx, "collect", "collected rewards "+pos.ID, func(ctx context.Context) (common.Hash, error) {
		return e.chain.Collect(ctx, pos.ID)
	})
	if !mined {
		return false, fmt.Errorf("collect %s: %w", pos.ID, err)
	}
	metrics.PositionEvents.WithLabelValues("collect").Inc()

	// The fees left the position; book them even if the gas was not.
	var bookErr error
	if err != nil {
		bookErr = fmt.Errorf("collect %s: %w", pos.ID, err)
	}

	rec, err := e.store.GetRecord(ctx, pos.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return true, errors.Join(bookErr, fmt.Errorf("load record: %w", err))
	}
	hist, err := e.latestHistory(ctx, pos.ID)
	if err != nil {
		return true, errors.Join(bookErr, err)
	}

	s, err := e.settle(ctx, &pos, rec, hist)
	if err != nil {
		return true, errors.Join(bookErr, err)
	}

	e.notify.Send(ctx, notify.Message{
		Kind:       notify.KindRewardsCollected,
		PositionID: pos.ID,
		Text: fmt.Sprintf("Claimed rewards [%s]: %s %s + %s %s, worth %s %s",
			pos.ID,
			s.FeesBase, e.cfg.Base.Symbol,
			s.FeesQuote, e.cfg.Quote.Symbol,
			pos.OwedValue(e.cfg.Quote).StringFixed(2), e.cfg.Quote.Symbol),
		Fields: settlementFields(s),
	})
	return true, errors.Join(bookErr, e.maintainGas(ctx))
}

// Close collects, withdraws and burns pos. It reports whether the
// position was closed on chain; bookkeeping failures after a successful
// close are returned alongside true.
func (e *Engine) Close(ctx context.Context, pos model.Position, rec *model.PositionRecord) (bool, error) {
	e.logger.Info("closing position",
		zap.String("position_id", pos.ID),
		zap.Int32("tick", pos.TickCurrent),
		zap.Int32("lower", pos.TickLower),
		zap.Int32("upper", pos.TickUpper),
	)

	mined, err := e.executeMined(ctx, "close", "closed position "+pos.ID, func(ctx context.Context) (common.Hash, error) {
		return e.chain.Close(ctx, chain.CloseParams{PositionID: pos.ID, SlippagePercent: e.cfg.WithdrawSlippage})
	})
	if !mined {
		metrics.PositionEvents.WithLabelValues("close_failed").Inc()
		return false, fmt.Errorf("close %s: %w", pos.ID, err)
	}
	metrics.PositionEvents.WithLabelValues("close").Inc()

	// The position is burned; settle and retire it even if the gas was
	// not booked.
	var bookErr error
	if err != nil {
		bookErr = fmt.Errorf("close %s: %w", pos.ID, err)
	}

	hist, err := e.latestHistory(ctx, pos.ID)
	if err != nil {
		return true, errors.Join(bookErr, err)
	}
	s, err := e.settle(ctx, &pos, nil, hist)
	if err != nil {
		return true, errors.Join(bookErr, err)
	}
	if err := e.retire(ctx, pos.ID, &pos); err != nil {
		return true, errors.Join(bookErr, fmt.Errorf("retire %s: %w", pos.ID, err))
	}

	var since string
	if rec != nil && rec.OutOfRangeSince != nil {
		since = rec.OutOfRangeSince.UTC().Format("2006-01-02 15:04:05")
	}
	fields := settlementFields(s)
	fields["value"] = pos.StakeValue(e.cfg.Quote).String()
	fields["out_of_range_since"] = since
	e.notify.Send(ctx, notify.Message{
		Kind:       notify.KindPositionClosed,
		PositionID: pos.ID,
		Text: fmt.Sprintf("Closed Position [%s]: %s %s withdrawn at %s",
			pos.ID,
			pos.StakeValue(e.cfg.Quote).StringFixed(2), e.cfg.Quote.Symbol,
			pos.QuotePrice(e.cfg.Quote).StringFixed(4)),
		Fields: fields,
	})
	return true, errors.Join(bookErr, e.maintainGas(ctx))
}

// settle books the owed fees of pos after a collect or close. The record,
// when given, is stamped as harvested. Fees first pay back the deficit of
// their token; the take-profit share of what remains moves to holdings.
func (e *Engine) settle(ctx context.Context, pos *model.Position, rec *model.PositionRecord, hist *model.PositionHistory) (settlement, error) {
	owedBase, owedQuote := pos.BaseQuote(e.cfg.Quote, pos.TokensOwed0, pos.TokensOwed1)
	s := settlement{FeesBase: owedBase, FeesQuote: owedQuote}
	now := e.now()

	if rec != nil {
		rec.LastRewardsCollected = &now
		rec.PreviousOwedFeesTokenA = decimal.Zero
		rec.PreviousOwedFeesTokenB = decimal.Zero
		rec.PreviousOwedFeesTotalUSD = decimal.Zero
		rec.UpdatedAt = now
		if err := e.store.UpdateRecord(ctx, rec); err != nil {
			return s, fmt.Errorf("update record: %w", err)
		}
	}

	if hist != nil {
		hist.ReceivedFeesTokenA = hist.ReceivedFeesTokenA.Add(owedBase)
		hist.ReceivedFeesTokenB = hist.ReceivedFeesTokenB.Add(owedQuote)
		if err := e.store.UpdateHistory(ctx, hist); err != nil {
			return s, fmt.Errorf("update history: %w", err)
		}
	}

	var err error
	if s.TakenBase, err = e.bookFees(ctx, e.cfg.Base.Symbol, owedBase, pos.ID); err != nil {
		return s, err
	}
	if s.TakenQuote, err = e.bookFees(ctx, e.cfg.Quote.Symbol, owedQuote, pos.ID); err != nil {
		return s, err
	}

	e.logger.Info("fees settled",
		zap.String("position_id", pos.ID),
		zap.Stringer("fees_base", owedBase),
		zap.Stringer("fees_quote", owedQuote),
		zap.Stringer("profit_taken_base", s.TakenBase),
		zap.Stringer("profit_taken_quote", s.TakenQuote),
	)
	return s, nil
}

// bookFees runs the fee waterfall for one token and returns the amount
// moved into holdings.
func (e *Engine) bookFees(ctx context.Context, symbol string, fees decimal.Decimal, positionID string) (decimal.Decimal, error) {
	if err := e.ledger.AddCumulativeFeesReceived(ctx, symbol, fees); err != nil {
		return decimal.Zero, fmt.Errorf("fees received %s: %w", symbol, err)
	}
	profit, err := e.ledger.Payback(ctx, symbol, fees)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payback %s: %w", symbol, err)
	}
	taken := ledger.SplitProfit(profit, e.cfg.TakeProfitPercent)
	if err := e.ledger.AddHoldings(ctx, symbol, taken, positionID); err != nil {
		return decimal.Zero, fmt.Errorf("holdings %s: %w", symbol, err)
	}
	return taken, nil
}

func (e *Engine) latestHistory(ctx context.Context, id string) (*model.PositionHistory, error) {
	hist, err := e.store.LatestHistory(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		e.logger.Warn("position has no history", zap.String("position_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return hist, nil
}

func settlementFields(s settlement) map[string]string {
	return map[string]string{
		"fees_base":          s.FeesBase.String(),
		"fees_quote":         s.FeesQuote.String(),
		"profit_taken_base":  s.TakenBase.String(),
		"profit_taken_quote": s.TakenQuote.String(),
	}
}
