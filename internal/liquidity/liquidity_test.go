package liquidity

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lp-rebalancer/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	usdc = model.NewToken("usdc", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 6)
	weth = model.NewToken("weth", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", 18)
)

// poolPrice is WETH per USDC for an ETH price of 3500 USDC. USDC sorts
// first, so it is token0.
var poolPrice = decimal.NewFromInt(1).DivRound(decimal.NewFromInt(3500), 24)

func sqrtX96(t *testing.T, price decimal.Decimal) decimal.Decimal {
	t.Helper()
	return SqrtX96FromPrice(price, usdc.Decimals, weth.Decimals)
}

func tickAt(price decimal.Decimal) int32 {
	return TickAtPrice(price, usdc.Decimals, weth.Decimals)
}

// --- Tick math ---

func TestPriceAtTick_ZeroIsParity(t *testing.T) {
	assert.True(t, PriceAtTick(0, 18, 18).Equal(d(1)))
}

func TestPriceFromSqrtX96_RoundTrip(t *testing.T) {
	sqrt := sqrtX96(t, poolPrice)
	got := PriceFromSqrtX96(sqrt, usdc.Decimals, weth.Decimals)

	diff := got.Sub(poolPrice).Abs().Div(poolPrice)
	assert.True(t, diff.LessThan(d(1e-9)), "round trip drift %s", diff)
}

func TestTickAtPrice_BracketsPrice(t *testing.T) {
	tick := tickAt(poolPrice)
	assert.True(t, PriceAtTick(tick, usdc.Decimals, weth.Decimals).LessThanOrEqual(poolPrice.Mul(d(1.0000001))))
	assert.True(t, PriceAtTick(tick+1, usdc.Decimals, weth.Decimals).GreaterThan(poolPrice))
}

func TestNearestUsableTick(t *testing.T) {
	tests := []struct {
		tick, spacing, want int32
	}{
		{17, 10, 20},
		{14, 10, 10},
		{-17, 10, -20},
		{0, 60, 0},
		{MaxTick, 60, 887220},
		{MinTick, 60, -887220},
		{5, 0, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NearestUsableTick(tt.tick, tt.spacing), "tick=%d spacing=%d", tt.tick, tt.spacing)
	}
}

func TestRangeAround_SurroundsPrice(t *testing.T) {
	lower, upper, err := RangeAround(poolPrice, d(10), 10, usdc.Decimals, weth.Decimals)
	require.NoError(t, err)

	current := tickAt(poolPrice)
	assert.Less(t, lower, current)
	assert.Greater(t, upper, current)
	assert.Zero(t, lower%10)
	assert.Zero(t, upper%10)

	// About ±5% around the price, i.e. roughly 500 ticks either side.
	assert.InDelta(t, 513, current-lower, 15)
	assert.InDelta(t, 488, upper-current, 15)
}

func TestRangeAround_RejectsBadInput(t *testing.T) {
	_, _, err := RangeAround(poolPrice, d(0), 10, 6, 18)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, _, err = RangeAround(poolPrice, d(250), 10, 6, 18)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, _, err = RangeAround(decimal.Zero, d(10), 10, 6, 18)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

// --- Ratio calculation ---

func TestCalculate_RangeBelowPriceSwapsQuoteIntoBase(t *testing.T) {
	// Range entirely below the current price: the position is single-sided
	// and all 7000 of the quote balance must be sold.
	req := Request{
		TokenA:       weth,
		TokenB:       usdc,
		BalanceA:     decimal.Zero,
		BalanceB:     d(7000),
		TickLower:    tickAt(poolPrice.Mul(d(0.5))),
		TickUpper:    tickAt(poolPrice.Mul(d(0.8))),
		SqrtPriceX96: sqrtX96(t, poolPrice),
	}

	plan, err := Calculate(req)
	require.NoError(t, err)

	assert.True(t, plan.TokenIn.Equal(usdc), "expected quote to be sold, got %s", plan.TokenIn.Symbol)
	assert.True(t, plan.TokenOut.Equal(weth))
	assert.True(t, plan.AmountIn.IsPositive())
	assert.True(t, plan.AmountIn.Equal(d(7000)), "amount %s", plan.AmountIn)
	assert.True(t, plan.OptimalRatio.IsZero())
	assert.False(t, plan.InRange)
}

func TestCalculate_RangeAbovePriceSellsToken1(t *testing.T) {
	req := Request{
		TokenA:       usdc,
		TokenB:       weth,
		BalanceA:     d(100),
		BalanceB:     d(2),
		TickLower:    tickAt(poolPrice.Mul(d(1.2))),
		TickUpper:    tickAt(poolPrice.Mul(d(1.5))),
		SqrtPriceX96: sqrtX96(t, poolPrice),
	}

	plan, err := Calculate(req)
	require.NoError(t, err)

	assert.False(t, plan.ZeroForOne)
	assert.True(t, plan.TokenIn.Equal(weth))
	assert.True(t, plan.AmountIn.Equal(d(2)))
	assert.True(t, plan.OptimalRatio.IsZero())
}

func TestCalculate_InRangeBalancesToOptimalRatio(t *testing.T) {
	req := Request{
		TokenA:       usdc,
		TokenB:       weth,
		BalanceA:     d(10000),
		BalanceB:     decimal.Zero,
		TickLower:    tickAt(poolPrice.Mul(d(0.9))),
		TickUpper:    tickAt(poolPrice.Mul(d(1.1))),
		SqrtPriceX96: sqrtX96(t, poolPrice),
	}

	plan, err := Calculate(req)
	require.NoError(t, err)
	require.True(t, plan.InRange)
	require.True(t, plan.ZeroForOne)
	require.True(t, plan.TokenIn.Equal(usdc))
	require.True(t, plan.AmountIn.IsPositive())
	require.True(t, plan.AmountIn.LessThan(d(10000)))

	// Roughly half the value is swapped for a symmetric range.
	assert.InDelta(t, 5000, plan.AmountIn.InexactFloat64(), 300)

	// After the swap the balances sit at the optimal ratio.
	left := d(10000).Sub(plan.AmountIn)
	received := plan.AmountIn.Mul(PriceFromSqrtX96(req.SqrtPriceX96, 6, 18))
	got := left.Div(received)
	rel := got.Sub(plan.OptimalRatio).Abs().Div(plan.OptimalRatio)
	assert.True(t, rel.LessThan(d(1e-6)), "ratio %s vs optimal %s", got, plan.OptimalRatio)
}

func TestCalculate_TokenOrderDoesNotMatter(t *testing.T) {
	base := Request{
		TokenA:       weth,
		TokenB:       usdc,
		BalanceA:     d(3),
		BalanceB:     d(1000),
		TickLower:    tickAt(poolPrice.Mul(d(0.9))),
		TickUpper:    tickAt(poolPrice.Mul(d(1.1))),
		SqrtPriceX96: sqrtX96(t, poolPrice),
	}
	flipped := base
	flipped.TokenA, flipped.TokenB = base.TokenB, base.TokenA
	flipped.BalanceA, flipped.BalanceB = base.BalanceB, base.BalanceA

	a, err := Calculate(base)
	require.NoError(t, err)
	b, err := Calculate(flipped)
	require.NoError(t, err)

	assert.Equal(t, a.ZeroForOne, b.ZeroForOne)
	assert.True(t, a.TokenIn.Equal(b.TokenIn))
	assert.True(t, a.AmountIn.Equal(b.AmountIn))
	// 3 WETH is worth more than the USDC side, so WETH is sold.
	assert.True(t, a.TokenIn.Equal(weth))
}

func TestCalculate_RejectsInvalidInput(t *testing.T) {
	good := Request{
		TokenA: usdc, TokenB: weth,
		BalanceA: d(1), BalanceB: d(1),
		TickLower: -100, TickUpper: 100,
		SqrtPriceX96: sqrtX96(t, poolPrice),
	}

	inverted := good
	inverted.TickLower, inverted.TickUpper = 100, -100
	_, err := Calculate(inverted)
	assert.ErrorIs(t, err, ErrInvalidRange)

	noPrice := good
	noPrice.SqrtPriceX96 = decimal.Zero
	_, err = Calculate(noPrice)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	negative := good
	negative.BalanceA = d(-1)
	_, err = Calculate(negative)
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestAmountToSwap_NegativeIsInvariantViolation(t *testing.T) {
	_, err := AmountToSwap(d(2), d(1), d(1), d(10))
	require.ErrorIs(t, err, ErrInvalidRatioState)
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
}

func TestAmountToSwap_Formula(t *testing.T) {
	// (100 − 0.5·40) / (0.5·2 + 1) = 80 / 2 = 40
	got, err := AmountToSwap(d(0.5), d(2), d(100), d(40))
	require.NoError(t, err)
	assert.True(t, got.Equal(d(40)), "got %s", got)
}

// --- Fee tier selection ---

type stubQuoter struct {
	quotes map[FeeTier]decimal.Decimal
	errs   map[FeeTier]error
	calls  []FeeTier
}

func (s *stubQuoter) QuoteExactInput(_ context.Context, _, _ model.Token, fee FeeTier, _ decimal.Decimal) (decimal.Decimal, error) {
	s.calls = append(s.calls, fee)
	if err, ok := s.errs[fee]; ok {
		return decimal.Zero, err
	}
	return s.quotes[fee], nil
}

func TestSelectFeeTier_PicksHighestOutput(t *testing.T) {
	q := &stubQuoter{quotes: map[FeeTier]decimal.Decimal{
		FeeLowest: d(0.9),
		FeeLow:    d(1.2),
		FeeMedium: d(1.1),
		FeeHigh:   d(1.0),
	}}

	best, err := SelectFeeTier(context.Background(), q, usdc, weth, d(3500), nil)
	require.NoError(t, err)
	assert.Equal(t, FeeLow, best.Fee)
	assert.True(t, best.AmountOut.Equal(d(1.2)))
	assert.Equal(t, AllFeeTiers, q.calls)
}

func TestSelectFeeTier_SkipsFailingTiers(t *testing.T) {
	q := &stubQuoter{
		quotes: map[FeeTier]decimal.Decimal{FeeMedium: d(0.8), FeeHigh: decimal.Zero},
		errs: map[FeeTier]error{
			FeeLowest: errors.New("no pool"),
			FeeLow:    errors.New("execution reverted"),
		},
	}

	best, err := SelectFeeTier(context.Background(), q, usdc, weth, d(3500), nil)
	require.NoError(t, err)
	assert.Equal(t, FeeMedium, best.Fee)
}

func TestSelectFeeTier_AllFailIsRoutingFailure(t *testing.T) {
	q := &stubQuoter{errs: map[FeeTier]error{
		FeeLowest: errors.New("a"),
		FeeLow:    errors.New("b"),
		FeeMedium: errors.New("c"),
		FeeHigh:   errors.New("d"),
	}}

	_, err := SelectFeeTier(context.Background(), q, usdc, weth, d(1), nil)
	require.ErrorIs(t, err, ErrRoutingFailure)
	assert.ErrorIs(t, err, model.ErrRoutingFailure)
}

func TestFeeTier_SwapCost(t *testing.T) {
	assert.True(t, FeeMedium.SwapCost(d(1000)).Equal(d(3)))
	assert.True(t, FeeLow.SwapCost(d(2)).Equal(d(0.001)))
}
