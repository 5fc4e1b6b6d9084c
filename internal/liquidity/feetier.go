package liquidity

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lp-rebalancer/internal/model"
)

// ErrRoutingFailure is returned when no candidate tier produced a quote.
var ErrRoutingFailure = fmt.Errorf("liquidity: no fee tier produced a quote: %w", model.ErrRoutingFailure)

// FeeTier is a pool fee in hundredths of a basis point.
type FeeTier uint32

const (
	FeeLowest FeeTier = 100
	FeeLow    FeeTier = 500
	FeeMedium FeeTier = 3000
	FeeHigh   FeeTier = 10000
)

// AllFeeTiers lists the candidate tiers in quoting order.
var AllFeeTiers = []FeeTier{FeeLowest, FeeLow, FeeMedium, FeeHigh}

var feeDenominator = decimal.NewFromInt(1_000_000)

// SwapCost is the fee charged on amountIn.
func (f FeeTier) SwapCost(amountIn decimal.Decimal) decimal.Decimal {
	return amountIn.Mul(decimal.NewFromInt(int64(f))).Div(feeDenominator)
}

// Quoter quotes an exact-input swap through the pool of one fee tier.
type Quoter interface {
	QuoteExactInput(ctx context.Context, tokenIn, tokenOut model.Token, fee FeeTier, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// Quote is the best output found for a swap.
type Quote struct {
	Fee       FeeTier
	AmountOut decimal.Decimal
}

// SelectFeeTier quotes amountIn across tiers and returns the tier with the
// highest output. A failing or empty quote only removes that tier. If every
// tier fails the joined causes are wrapped in ErrRoutingFailure.
func SelectFeeTier(ctx context.Context, q Quoter, tokenIn, tokenOut model.Token, amountIn decimal.Decimal, tiers []FeeTier) (Quote, error) {
	if len(tiers) == 0 {
		tiers = AllFeeTiers
	}

	var best Quote
	found := false
	var failures []error

	for _, fee := range tiers {
		out, err := q.QuoteExactInput(ctx, tokenIn, tokenOut, fee, amountIn)
		if err != nil {
			failures = append(failures, fmt.Errorf("fee %d: %w", fee, err))
			continue
		}
		if !out.IsPositive() {
			failures = append(failures, fmt.Errorf("fee %d: empty quote", fee))
			continue
		}
		if !found || out.GreaterThan(best.AmountOut) {
			best = Quote{Fee: fee, AmountOut: out}
			found = true
		}
	}

	if !found {
		return Quote{}, fmt.Errorf("%w: %w", ErrRoutingFailure, errors.Join(failures...))
	}
	return best, nil
}
