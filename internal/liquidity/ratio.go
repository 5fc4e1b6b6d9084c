// Package liquidity sizes the balancing swap that precedes opening or
// increasing a concentrated-liquidity position.
//
// A position over [lower, upper) holds token0 and token1 in a ratio fixed by
// where the current price sits inside the range. Given wallet balances of
// both tokens, Calculate works out which token to sell and how much so that
// the post-swap balances match that ratio:
//
//	optimal   = Δx(P → upper) / Δy(lower → P)   for unit liquidity
//	amountIn  = (in − optimal·out) / (optimal·price + 1)
//
// The linear solution ignores the swap's own price impact. Outside the range
// the optimal ratio degenerates to 0:1 and the whole balance of the wrong
// token is sold.
//
// Square roots and logarithms run in float64; every result is converted to
// decimal before it leaves the package.
package liquidity

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/lp-rebalancer/internal/model"
)

var (
	// ErrInvalidRatioState is returned when the balancing equation yields a
	// negative amount. It indicates a caller bug and is never clamped.
	ErrInvalidRatioState = fmt.Errorf("liquidity: negative swap amount: %w", model.ErrInvariantViolation)

	// ErrInvalidRange is returned for an empty or inverted tick range.
	ErrInvalidRange = errors.New("liquidity: invalid price range")

	// ErrInvalidPrice is returned for a non-positive pool price.
	ErrInvalidPrice = errors.New("liquidity: pool price must be positive")

	// ErrNegativeBalance is returned when a balance is below zero.
	ErrNegativeBalance = errors.New("liquidity: balances must not be negative")

	// RatioScale is the number of decimal places kept for prices and ratios.
	RatioScale int32 = 18
)

// Request describes the balances to rebalance and the target range.
// TokenA/TokenB may be given in either order.
type Request struct {
	TokenA       model.Token
	TokenB       model.Token
	BalanceA     decimal.Decimal
	BalanceB     decimal.Decimal
	TickLower    int32
	TickUpper    int32
	SqrtPriceX96 decimal.Decimal
}

// Plan is the swap needed before depositing.
type Plan struct {
	TokenIn      model.Token
	TokenOut     model.Token
	AmountIn     decimal.Decimal
	OptimalRatio decimal.Decimal // token-in units per token-out unit
	ZeroForOne   bool
	InRange      bool
}

// NeedsSwap reports whether any amount has to be swapped.
func (p Plan) NeedsSwap() bool {
	return p.AmountIn.IsPositive()
}

// Calculate returns the balancing swap for req.
func Calculate(req Request) (Plan, error) {
	if req.TickLower >= req.TickUpper {
		return Plan{}, ErrInvalidRange
	}
	if !req.SqrtPriceX96.IsPositive() {
		return Plan{}, ErrInvalidPrice
	}
	if req.BalanceA.IsNegative() || req.BalanceB.IsNegative() {
		return Plan{}, ErrNegativeBalance
	}

	token0, token1 := req.TokenA, req.TokenB
	balance0, balance1 := req.BalanceA, req.BalanceB
	if token1.SortsBefore(token0) {
		token0, token1 = token1, token0
		balance0, balance1 = balance1, balance0
	}

	price := PriceFromSqrtX96(req.SqrtPriceX96, token0.Decimals, token1.Decimals)
	if !price.IsPositive() {
		return Plan{}, ErrInvalidPrice
	}

	sqrtP := math.Sqrt(price.InexactFloat64())
	sqrtL := math.Sqrt(PriceAtTick(req.TickLower, token0.Decimals, token1.Decimals).InexactFloat64())
	sqrtU := math.Sqrt(PriceAtTick(req.TickUpper, token0.Decimals, token1.Decimals).InexactFloat64())

	var zeroForOne, inRange bool
	ratio := decimal.Zero

	switch {
	case sqrtP >= sqrtU:
		// Above the range the position is all token1.
		zeroForOne = true
	case sqrtP <= sqrtL:
		// Below the range the position is all token0.
		zeroForOne = false
	default:
		inRange = true
		delta0 := (sqrtU - sqrtP) / (sqrtP * sqrtU)
		delta1 := sqrtP - sqrtL
		optimal := decimal.NewFromFloat(delta0 / delta1)

		switch {
		case balance1.IsZero():
			zeroForOne = balance0.IsPositive()
		default:
			zeroForOne = balance0.DivRound(balance1, RatioScale).GreaterThan(optimal)
		}

		if zeroForOne {
			ratio = optimal
		} else {
			ratio = decimal.NewFromFloat(delta1 / delta0)
		}
	}

	plan := Plan{
		OptimalRatio: ratio.Round(RatioScale),
		ZeroForOne:   zeroForOne,
		InRange:      inRange,
	}

	var in, out, rate decimal.Decimal
	if zeroForOne {
		plan.TokenIn, plan.TokenOut = token0, token1
		in, out, rate = balance0, balance1, price
	} else {
		plan.TokenIn, plan.TokenOut = token1, token0
		in, out, rate = balance1, balance0, decimal.NewFromInt(1).DivRound(price, RatioScale)
	}

	amount, err := AmountToSwap(ratio, rate, in, out)
	if err != nil {
		return Plan{}, err
	}
	plan.AmountIn = amount.RoundFloor(plan.TokenIn.Decimals)
	return plan, nil
}

// AmountToSwap solves (in − ratio·out) / (ratio·price + 1). price is the
// value of one input token in output tokens.
func AmountToSwap(ratio, price, in, out decimal.Decimal) (decimal.Decimal, error) {
	numerator := in.Sub(ratio.Mul(out))
	denominator := ratio.Mul(price).Add(decimal.NewFromInt(1))
	amount := numerator.DivRound(denominator, RatioScale)
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidRatioState
	}
	return amount, nil
}
