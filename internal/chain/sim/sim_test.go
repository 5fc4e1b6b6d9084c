package sim_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/chain/sim"
	"github.com/atmx/lp-rebalancer/internal/liquidity"
	"github.com/atmx/lp-rebalancer/internal/model"
)

var (
	usdc = model.NewToken("USDC", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 6)
	weth = model.NewToken("WETH", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", 18)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newChain prices WETH at 2000 USDC (USDC is token0, so 0.0005 WETH per USDC).
func newChain(t *testing.T) *sim.Chain {
	t.Helper()
	c := sim.New(sim.Config{
		TokenA:        weth,
		TokenB:        usdc,
		Fee:           3000,
		Price:         d("0.0005"),
		WrappedNative: weth,
	})
	c.FundNative(d("1"))
	c.Fund(usdc, d("2000"))
	c.Fund(weth, d("1"))
	return c
}

func mint(t *testing.T, c *sim.Chain) string {
	t.Helper()
	ctx := context.Background()
	lower, upper, err := liquidity.RangeAround(c.Price(), d("10"), 60, 6, 18)
	require.NoError(t, err)

	_, err = c.Mint(ctx, chain.MintParams{
		Token0:         usdc,
		Token1:         weth,
		Fee:            3000,
		TickLower:      lower,
		TickUpper:      upper,
		Amount0Desired: d("2000"),
		Amount1Desired: d("1"),
	})
	require.NoError(t, err)

	ids, err := c.PositionIDs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	return ids[len(ids)-1]
}

func TestTokensAreCanonicallyOrdered(t *testing.T) {
	c := newChain(t)
	t0, t1 := c.Tokens()
	assert.Equal(t, "USDC", t0.Symbol)
	assert.Equal(t, "WETH", t1.Symbol)
}

func TestMint_DepositsWithinBalancesAndInRange(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	id := mint(t, c)

	pos, err := c.Position(ctx, id)
	require.NoError(t, err)
	assert.False(t, pos.OutOfRange())
	assert.True(t, pos.Liquidity.IsPositive())
	assert.True(t, pos.Amount0.IsPositive())
	assert.True(t, pos.Amount1.IsPositive())

	bal, err := c.Balances(ctx, usdc, weth)
	require.NoError(t, err)
	assert.False(t, bal.Of(usdc).IsNegative())
	assert.False(t, bal.Of(weth).IsNegative())

	// Value is conserved up to rounding.
	total := pos.Amount0.Add(bal.Of(usdc))
	assert.True(t, total.LessThanOrEqual(d("2000")), "usdc %s", total)
	assert.True(t, total.GreaterThan(d("1999.99")), "usdc %s", total)

	// Gas was paid from the native balance.
	assert.True(t, bal.Native.LessThan(d("1")))
}

func TestPosition_BecomesSingleSidedOutOfRange(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	id := mint(t, c)

	// WETH rallies to 4000 USDC: price in WETH per USDC halves, the tick
	// drops below the range and the position is all token0 (USDC).
	c.SetPrice(d("0.00025"))
	pos, err := c.Position(ctx, id)
	require.NoError(t, err)
	assert.True(t, pos.OutOfRange())
	assert.True(t, pos.TickCurrent < pos.TickLower)
	assert.True(t, pos.Amount1.IsZero())
	assert.True(t, pos.Amount0.IsPositive())
}

func TestClose_ReturnsLiquidityAndFees(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	id := mint(t, c)
	require.NoError(t, c.AccrueFees(id, d("3"), d("0.001")))

	before, err := c.Balances(ctx, usdc, weth)
	require.NoError(t, err)
	pos, err := c.Position(ctx, id)
	require.NoError(t, err)

	_, err = c.Close(ctx, chain.CloseParams{PositionID: id})
	require.NoError(t, err)

	after, err := c.Balances(ctx, usdc, weth)
	require.NoError(t, err)
	assert.True(t, after.Of(usdc).Equal(before.Of(usdc).Add(pos.Amount0).Add(d("3"))))
	assert.True(t, after.Of(weth).Equal(before.Of(weth).Add(pos.Amount1).Add(d("0.001"))))

	_, err = c.Position(ctx, id)
	assert.ErrorIs(t, err, chain.ErrPositionNotFound)
	ids, err := c.PositionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCollect_ZeroesOwed(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	id := mint(t, c)
	require.NoError(t, c.AccrueFees(id, d("1.5"), decimal.Zero))

	_, err := c.Collect(ctx, id)
	require.NoError(t, err)
	pos, err := c.Position(ctx, id)
	require.NoError(t, err)
	assert.False(t, pos.HasOwedFees())
}

func TestSwap_AppliesTierFeeAndMinimum(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()

	out, err := c.QuoteExactInput(ctx, usdc, weth, liquidity.FeeMedium, d("1000"))
	require.NoError(t, err)
	assert.True(t, out.Equal(d("0.4985")), "quote %s", out)

	_, err = c.Swap(ctx, chain.SwapParams{TokenIn: usdc, TokenOut: weth, Fee: 3000, AmountIn: d("1000"), AmountOutMinimum: d("0.5")})
	assert.ErrorIs(t, err, sim.ErrSlippage)

	_, err = c.Swap(ctx, chain.SwapParams{TokenIn: usdc, TokenOut: weth, Fee: 3000, AmountIn: d("1000"), AmountOutMinimum: d("0.49")})
	require.NoError(t, err)
	bal, err := c.Balances(ctx, usdc, weth)
	require.NoError(t, err)
	assert.True(t, bal.Of(usdc).Equal(d("1000")))
	assert.True(t, bal.Of(weth).Equal(d("1.4985")))
}

func TestDisabledTierFailsQuote(t *testing.T) {
	c := newChain(t)
	c.DisableFeeTier(liquidity.FeeLowest)

	q, err := liquidity.SelectFeeTier(context.Background(), c, usdc, weth, d("100"), nil)
	require.NoError(t, err)
	assert.Equal(t, liquidity.FeeLow, q.Fee)
}

func TestRevertKeepsStateButBurnsGas(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	c.RevertNext(sim.KindWrap)

	hash, err := c.Wrap(ctx, d("0.1"))
	require.NoError(t, err)

	r, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.False(t, r.Succeeded())

	bal, err := c.Balances(ctx, weth)
	require.NoError(t, err)
	assert.True(t, bal.Of(weth).Equal(d("1")))
	assert.True(t, bal.Native.Equal(d("1").Sub(r.GasCost())))
}

func TestReceiptPendingUntilConfirmAfter(t *testing.T) {
	c := sim.New(sim.Config{TokenA: usdc, TokenB: weth, Fee: 3000, Price: d("0.0005"), WrappedNative: weth, ConfirmAfter: 2})
	c.FundNative(d("1"))
	ctx := context.Background()

	hash, err := c.Wrap(ctx, d("0.1"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.Receipt(ctx, hash)
		assert.ErrorIs(t, err, chain.ErrReceiptNotFound)
	}
	r, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, r.Succeeded())
}

func TestFailNextAndInsufficientGas(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()

	boom := errors.New("nonce too low")
	c.FailNext(sim.KindTransfer, boom)
	_, err := c.Transfer(ctx, usdc, weth.Address, d("1"))
	assert.ErrorIs(t, err, boom)

	_, err = c.Transfer(ctx, usdc, weth.Address, d("5000"))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	empty := sim.New(sim.Config{TokenA: usdc, TokenB: weth, Fee: 3000, Price: d("0.0005"), WrappedNative: weth})
	empty.Fund(usdc, d("10"))
	_, err = empty.Transfer(ctx, usdc, weth.Address, d("1"))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
}

func TestSetPriceNotifiesSubscribers(t *testing.T) {
	c := newChain(t)
	var ticks []int32
	c.Subscribe(func(tick int32) { ticks = append(ticks, tick) })

	c.SetPrice(d("0.00025"))
	require.Len(t, ticks, 1)
	assert.Equal(t, c.Tick(), ticks[0])
}

func TestPoolLookups(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()

	addr, err := c.PoolAddress(ctx, chain.PoolKey{TokenA: weth, TokenB: usdc, Fee: 3000})
	require.NoError(t, err)

	state, err := c.PoolState(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(3000), state.Fee)
	assert.Equal(t, int32(60), state.TickSpacing)
	assert.Equal(t, c.Tick(), state.Tick)

	price := liquidity.PriceFromSqrtX96(state.SqrtPriceX96, 6, 18)
	assert.InDelta(t, 0.0005, price.InexactFloat64(), 1e-9)

	other := model.NewToken("DAI", "0x6B175474E89094C44Da98b954EedeAC495271d0F", 18)
	_, err = c.PoolAddress(ctx, chain.PoolKey{TokenA: other, TokenB: usdc, Fee: 3000})
	assert.ErrorIs(t, err, chain.ErrPoolNotFound)
}
