package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/liquidity"
	"github.com/atmx/lp-rebalancer/internal/metrics"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/notify"
)

var hundred = decimal.NewFromInt(100)

// MintOrIncrease deposits the spendable balances of the pair. With a nil
// prev a new position is minted around the current price; otherwise the
// balances are added to prev within its existing range.
//
// Missing funds are reported as model.ErrInsufficientFunds and nothing is
// submitted.
func (e *Engine) MintOrIncrease(ctx context.Context, prev *model.Position) error {
	if err := e.wrapExcessNative(ctx); err != nil {
		if model.IsFatal(err) {
			return err
		}
		e.logger.Warn("failed to wrap excess native", zap.Error(err))
	}

	addr, err := e.pools.Address(ctx, chain.PoolKey{TokenA: e.cfg.Base, TokenB: e.cfg.Quote, Fee: e.cfg.Fee})
	if err != nil {
		return fmt.Errorf("pool address: %w", err)
	}
	pool, err := e.chain.PoolState(ctx, addr)
	if err != nil {
		return fmt.Errorf("pool state: %w", err)
	}
	token0, token1 := pool.Token0, pool.Token1
	price := liquidity.PriceFromSqrtX96(pool.SqrtPriceX96, token0.Decimals, token1.Decimals)

	var lower, upper int32
	if prev != nil {
		lower, upper = prev.TickLower, prev.TickUpper
	} else {
		lower, upper, err = liquidity.RangeAround(price, e.cfg.RangePercent, pool.TickSpacing, token0.Decimals, token1.Decimals)
		if err != nil {
			return fmt.Errorf("range: %w", err)
		}
	}

	bal0, bal1, err := e.spendablePair(ctx, token0, token1)
	if err != nil {
		return err
	}
	value := e.valueInQuote(token0, token1, price, bal0, bal1)
	if !bal0.IsPositive() && !bal1.IsPositive() {
		return fmt.Errorf("%w: nothing spendable", model.ErrInsufficientFunds)
	}
	if value.LessThan(e.cfg.MinDepositUSD) {
		return fmt.Errorf("%w: spendable value %s %s below minimum deposit %s",
			model.ErrInsufficientFunds, value.StringFixed(2), e.cfg.Quote.Symbol, e.cfg.MinDepositUSD)
	}

	plan, err := liquidity.Calculate(liquidity.Request{
		TokenA:       token0,
		TokenB:       token1,
		BalanceA:     bal0,
		BalanceB:     bal1,
		TickLower:    lower,
		TickUpper:    upper,
		SqrtPriceX96: pool.SqrtPriceX96,
	})
	if err != nil {
		return fmt.Errorf("ratio: %w", err)
	}

	if plan.NeedsSwap() {
		if err := e.swap(ctx, plan); err != nil {
			return err
		}
		bal0, bal1, err = e.spendablePair(ctx, token0, token1)
		if err != nil {
			return err
		}
	}
	if !bal0.IsPositive() || !bal1.IsPositive() {
		return fmt.Errorf("%w: %s %s, %s %s after balancing",
			model.ErrInsufficientFunds, bal0, token0.Symbol, bal1, token1.Symbol)
	}

	if prev != nil {
		return e.increase(ctx, prev, bal0, bal1)
	}
	return e.mint(ctx, token0, token1, lower, upper, bal0, bal1)
}

// swap executes the balancing swap of plan through the best fee tier.
func (e *Engine) swap(ctx context.Context, plan liquidity.Plan) error {
	quote, err := liquidity.SelectFeeTier(ctx, e.chain, plan.TokenIn, plan.TokenOut, plan.AmountIn, liquidity.AllFeeTiers)
	if err != nil {
		return err
	}
	minOut := quote.AmountOut.Mul(hundred.Sub(e.cfg.SwapSlippage)).Div(hundred).RoundFloor(plan.TokenOut.Decimals)

	e.logger.Info("swapping to balance deposit",
		zap.String("in", plan.TokenIn.Symbol),
		zap.String("out", plan.TokenOut.Symbol),
		zap.Stringer("amount_in", plan.AmountIn),
		zap.Stringer("quoted_out", quote.AmountOut),
		zap.Uint32("fee", uint32(quote.Fee)),
	)

	reason := fmt.Sprintf("swap %s %s for %s", plan.AmountIn, plan.TokenIn.Symbol, plan.TokenOut.Symbol)
	err = e.execute(ctx, "swap", reason, func(ctx context.Context) (common.Hash, error) {
		return e.chain.Swap(ctx, chain.SwapParams{
			TokenIn:          plan.TokenIn,
			TokenOut:         plan.TokenOut,
			Fee:              uint32(quote.Fee),
			AmountIn:         plan.AmountIn,
			AmountOutMinimum: minOut,
		})
	})
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	metrics.PositionEvents.WithLabelValues("swap").Inc()
	return e.chargeSwapFee(ctx, plan.TokenIn, plan.AmountIn, quote.Fee, "fee on "+reason)
}

func (e *Engine) mint(ctx context.Context, token0, token1 model.Token, lower, upper int32, amount0, amount1 decimal.Decimal) error {
	before, err := e.chain.PositionIDs(ctx)
	if err != nil {
		return fmt.Errorf("position ids: %w", err)
	}

	e.logger.Info("minting position",
		zap.Int32("lower", lower),
		zap.Int32("upper", upper),
		zap.Stringer("amount0", amount0),
		zap.Stringer("amount1", amount1),
	)
	err = e.execute(ctx, "mint", "minted position", func(ctx context.Context) (common.Hash, error) {
		return e.chain.Mint(ctx, chain.MintParams{
			Token0:          token0,
			Token1:          token1,
			Fee:             e.cfg.Fee,
			TickLower:       lower,
			TickUpper:       upper,
			Amount0Desired:  amount0,
			Amount1Desired:  amount1,
			SlippagePercent: e.cfg.DepositSlippage,
		})
	})
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	metrics.PositionEvents.WithLabelValues("mint").Inc()

	after, err := e.chain.PositionIDs(ctx)
	if err != nil {
		return fmt.Errorf("position ids: %w", err)
	}
	seen := make(map[string]bool, len(before))
	for _, id := range before {
		seen[id] = true
	}
	var id string
	for _, candidate := range after {
		if !seen[candidate] {
			id = candidate
		}
	}
	if id == "" {
		return fmt.Errorf("minted position not found among %d ids: %w", len(after), model.ErrStaleData)
	}

	pos, err := e.chain.Position(ctx, id)
	if err != nil {
		return fmt.Errorf("read minted position %s: %w", id, err)
	}
	if err := e.track(ctx, pos); err != nil {
		return fmt.Errorf("track %s: %w", id, err)
	}

	e.notify.Send(ctx, notify.Message{
		Kind:       notify.KindNewPosition,
		PositionID: id,
		Text: fmt.Sprintf("New Position [%s]: %s %s, range %s - %s",
			id, pos.StakeValue(e.cfg.Quote).StringFixed(2), e.cfg.Quote.Symbol,
			priceInQuote(pos, pos.LowerPrice, e.cfg.Quote).StringFixed(4),
			priceInQuote(pos, pos.UpperPrice, e.cfg.Quote).StringFixed(4)),
		Fields: map[string]string{
			"liquidity": pos.Liquidity.String(),
			"price":     pos.QuotePrice(e.cfg.Quote).String(),
			"value":     pos.StakeValue(e.cfg.Quote).String(),
		},
	})
	return nil
}

func (e *Engine) increase(ctx context.Context, pos *model.Position, amount0, amount1 decimal.Decimal) error {
	e.logger.Info("increasing position",
		zap.String("position_id", pos.ID),
		zap.Stringer("amount0", amount0),
		zap.Stringer("amount1", amount1),
	)
	err := e.execute(ctx, "increase", "increased position "+pos.ID, func(ctx context.Context) (common.Hash, error) {
		return e.chain.Increase(ctx, chain.IncreaseParams{
			PositionID:      pos.ID,
			Amount0Desired:  amount0,
			Amount1Desired:  amount1,
			SlippagePercent: e.cfg.DepositSlippage,
		})
	})
	if err != nil {
		return fmt.Errorf("increase %s: %w", pos.ID, err)
	}
	metrics.PositionEvents.WithLabelValues("increase").Inc()

	rec, err := e.store.GetRecord(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	rec.RedepositAttemptsRemaining = 0
	rec.UpdatedAt = e.now()
	if err := e.store.UpdateRecord(ctx, rec); err != nil {
		return err
	}

	added := e.valueInQuote(pos.Token0, pos.Token1, pos.Price, amount0, amount1)
	e.notify.Send(ctx, notify.Message{
		Kind:       notify.KindPositionIncreased,
		PositionID: pos.ID,
		Text:       fmt.Sprintf("Position Increased [%s]: added %s %s", pos.ID, added.StringFixed(2), e.cfg.Quote.Symbol),
		Fields: map[string]string{
			"amount0": amount0.String(),
			"amount1": amount1.String(),
		},
	})
	return nil
}

// priceInQuote converts a token1-per-token0 price of pos into quote per
// base.
func priceInQuote(pos *model.Position, price decimal.Decimal, quote model.Token) decimal.Decimal {
	p := model.Position{Token0: pos.Token0, Token1: pos.Token1, Price: price}
	return p.QuotePrice(quote)
}
