package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/liquidity"
	"github.com/atmx/lp-rebalancer/internal/model"
)

func newID() string {
	return uuid.New().String()
}

// execute submits one transaction through the tx service, which charges
// its gas to the wrapped native symbol.
func (e *Engine) execute(ctx context.Context, kind, reason string, submit func(context.Context) (common.Hash, error)) error {
	_, err := e.tx.Execute(ctx, kind, reason, submit)
	return err
}

// executeMined is execute for transactions whose on-chain effect must be
// booked even when charging their gas failed. mined is true whenever the
// transaction succeeded on chain.
func (e *Engine) executeMined(ctx context.Context, kind, reason string, submit func(context.Context) (common.Hash, error)) (mined bool, err error) {
	r, err := e.tx.Execute(ctx, kind, reason, submit)
	return r != nil && r.Succeeded(), err
}

// spendable returns the wallet balance of token minus the profit held for
// it, floored at zero.
func (e *Engine) spendable(ctx context.Context, token model.Token, wallet decimal.Decimal) (decimal.Decimal, error) {
	held, err := e.ledger.Holdings(ctx, token.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("holdings %s: %w", token.Symbol, err)
	}
	adjusted := wallet.Sub(held)
	if adjusted.IsNegative() {
		return decimal.Zero, nil
	}
	return adjusted, nil
}

// spendablePair reads the adjusted balances of two tokens.
func (e *Engine) spendablePair(ctx context.Context, a, b model.Token) (decimal.Decimal, decimal.Decimal, error) {
	bal, err := e.chain.Balances(ctx, a, b)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("balances: %w", err)
	}
	adjA, err := e.spendable(ctx, a, bal.Of(a))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	adjB, err := e.spendable(ctx, b, bal.Of(b))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return adjA, adjB, nil
}

// wrapExcessNative wraps every native unit above the maximum reserve so it
// can be deposited.
func (e *Engine) wrapExcessNative(ctx context.Context) error {
	bal, err := e.chain.Balances(ctx)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	excess := bal.Native.Sub(e.cfg.GasMaxReserve)
	if !excess.IsPositive() {
		return nil
	}

	e.logger.Info("wrapping excess native", zap.Stringer("amount", excess), zap.Stringer("native", bal.Native))
	return e.execute(ctx, "wrap", fmt.Sprintf("wrapped %s native", excess), func(ctx context.Context) (common.Hash, error) {
		return e.chain.Wrap(ctx, excess)
	})
}

// topUpNative unwraps spendable wrapped native when the gas reserve falls
// below its minimum.
func (e *Engine) topUpNative(ctx context.Context) error {
	bal, err := e.chain.Balances(ctx, e.cfg.WrappedNative)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	if bal.Native.GreaterThanOrEqual(e.cfg.GasMinReserve) {
		return nil
	}

	available, err := e.spendable(ctx, e.cfg.WrappedNative, bal.Of(e.cfg.WrappedNative))
	if err != nil {
		return err
	}
	amount := decimal.Min(e.cfg.GasMaxReserve.Sub(bal.Native), available)
	if !amount.IsPositive() {
		e.logger.Warn("gas reserve low and nothing to unwrap",
			zap.Stringer("native", bal.Native),
			zap.Stringer("wrapped_available", available),
		)
		return nil
	}

	e.logger.Info("unwrapping to refill gas reserve", zap.Stringer("amount", amount), zap.Stringer("native", bal.Native))
	return e.execute(ctx, "unwrap", fmt.Sprintf("unwrapped %s %s", amount, e.cfg.WrappedNative.Symbol), func(ctx context.Context) (common.Hash, error) {
		return e.chain.Unwrap(ctx, amount)
	})
}

// maintainGas refills the gas reserve after a close or collect. Only fatal
// failures are returned.
func (e *Engine) maintainGas(ctx context.Context) error {
	if err := e.topUpNative(ctx); err != nil {
		if model.IsFatal(err) {
			return err
		}
		e.logger.Warn("failed to refill gas reserve", zap.Error(err))
	}
	return nil
}

// chargeSwapFee books the pool fee of a swap as a deficit of the input
// token.
func (e *Engine) chargeSwapFee(ctx context.Context, tokenIn model.Token, amountIn decimal.Decimal, fee liquidity.FeeTier, reason string) error {
	cost := fee.SwapCost(amountIn)
	if !cost.IsPositive() {
		return nil
	}
	return e.ledger.AddDeficit(ctx, tokenIn.Symbol, cost, reason)
}

// valueInQuote values token0/token1 amounts at price (token1 per token0).
func (e *Engine) valueInQuote(token0, token1 model.Token, price, amount0, amount1 decimal.Decimal) decimal.Decimal {
	p := model.Position{Token0: token0, Token1: token1, Price: price}
	return p.ValueInQuote(e.cfg.Quote, amount0, amount1)
}

var _ chain.GasLedger = (*ledger.Account)(nil)
