package ledger_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func setup(t *testing.T) (*ledger.Account, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return ledger.NewAccount(st, zap.NewNop()), st
}

func TestAddDeficit_AccumulatesCurrentAndCumulative(t *testing.T) {
	acct, st := setup(t)
	ctx := context.Background()

	require.NoError(t, acct.AddDeficit(ctx, "weth", d(0.001), "mint gas"))
	require.NoError(t, acct.AddDeficit(ctx, "WETH", d(0.002), "swap gas"))

	cur, err := acct.Deficit(ctx, "weth")
	require.NoError(t, err)
	assert.True(t, cur.Equal(d(0.003)), "current %s", cur)

	cum, err := acct.CumulativeDeficit(ctx, "weth")
	require.NoError(t, err)
	assert.True(t, cum.Equal(d(0.003)))

	// Keys are upper-cased.
	p, err := st.GetProperty(ctx, "CurrentDeficit-WETH")
	require.NoError(t, err)
	assert.Equal(t, "0.003", p.Value)

	rows, err := st.ListDeficits(ctx, "WETH")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "mint gas", rows[0].Reason)
	assert.Equal(t, "WETH", rows[0].Symbol)
}

func TestAddDeficit_RejectsNonPositive(t *testing.T) {
	acct, _ := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, acct.AddDeficit(ctx, "weth", decimal.Zero, "x"), ledger.ErrNonPositiveAmount)
	assert.ErrorIs(t, acct.AddDeficit(ctx, "weth", d(-1), "x"), ledger.ErrNonPositiveAmount)
}

func TestPayback_SplitsCreditsIntoRepaymentAndProfit(t *testing.T) {
	tests := []struct {
		name        string
		deficit     float64
		credits     float64
		wantProfit  float64
		wantDeficit float64
	}{
		{"credits exceed deficit", 5, 8, 3, 0},
		{"credits below deficit", 5, 2, 0, 3},
		{"exact repayment", 5, 5, 0, 0},
		{"no deficit", 0, 4, 4, 0},
		{"zero credits", 5, 0, 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct, _ := setup(t)
			ctx := context.Background()
			if tt.deficit > 0 {
				require.NoError(t, acct.AddDeficit(ctx, "usdc", d(tt.deficit), "seed"))
			}

			profit, err := acct.Payback(ctx, "usdc", d(tt.credits))
			require.NoError(t, err)
			assert.True(t, profit.Equal(d(tt.wantProfit)), "profit %s", profit)

			left, err := acct.Deficit(ctx, "usdc")
			require.NoError(t, err)
			assert.True(t, left.Equal(d(tt.wantDeficit)), "deficit %s", left)

			// profit = max(0, credits − deficit); deficit' = max(0, deficit − credits)
			assert.False(t, left.IsNegative())
		})
	}
}

func TestPayback_RejectsNegativeCredits(t *testing.T) {
	acct, _ := setup(t)
	_, err := acct.Payback(context.Background(), "usdc", d(-1))
	assert.ErrorIs(t, err, ledger.ErrNegativeCredits)
}

func TestPayback_CumulativeDeficitUntouched(t *testing.T) {
	acct, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, acct.AddDeficit(ctx, "usdc", d(5), "seed"))

	_, err := acct.Payback(ctx, "usdc", d(10))
	require.NoError(t, err)

	cum, err := acct.CumulativeDeficit(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, cum.Equal(d(5)))
}

func TestAddHoldings_WritesProfitHistory(t *testing.T) {
	acct, st := setup(t)
	ctx := context.Background()

	require.NoError(t, acct.AddHoldings(ctx, "usdc", d(1.5), "42"))
	require.NoError(t, acct.AddHoldings(ctx, "usdc", d(2.5), "43"))
	require.NoError(t, acct.AddHoldings(ctx, "usdc", decimal.Zero, "44"))
	require.NoError(t, acct.AddHoldings(ctx, "usdc", d(-3), "45"))

	held, err := acct.Holdings(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, held.Equal(d(4)))

	rows, err := st.ListProfits(ctx, "usdc")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "42", rows[0].PositionID)
}

func TestSubtractHoldings_NeverExceedsRecorded(t *testing.T) {
	acct, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, acct.AddHoldings(ctx, "weth", d(1), "1"))

	err := acct.SubtractHoldings(ctx, "weth", d(1.5))
	require.ErrorIs(t, err, ledger.ErrInsufficientHoldings)
	assert.ErrorIs(t, err, model.ErrInvariantViolation)

	// State unchanged.
	held, err := acct.Holdings(ctx, "weth")
	require.NoError(t, err)
	assert.True(t, held.Equal(d(1)))

	require.NoError(t, acct.SubtractHoldings(ctx, "weth", d(0.4)))
	held, err = acct.Holdings(ctx, "weth")
	require.NoError(t, err)
	assert.True(t, held.Equal(d(0.6)))

	// Cumulative is a lifetime counter.
	cum, err := acct.CumulativeHoldings(ctx, "weth")
	require.NoError(t, err)
	assert.True(t, cum.Equal(d(1)))

	assert.ErrorIs(t, acct.SubtractHoldings(ctx, "weth", decimal.Zero), ledger.ErrNonPositiveAmount)
}

func TestProfitHistoryNeverExceedsCumulativeHoldings(t *testing.T) {
	acct, st := setup(t)
	ctx := context.Background()

	amounts := []float64{0.25, 1, 0, 3.75, -2, 0.5}
	for i, a := range amounts {
		require.NoError(t, acct.AddHoldings(ctx, "usdc", d(a), string(rune('a'+i))))
	}
	require.NoError(t, acct.SubtractHoldings(ctx, "usdc", d(2)))

	rows, err := st.ListProfits(ctx, "usdc")
	require.NoError(t, err)
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}

	cum, err := acct.CumulativeHoldings(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, sum.Equal(cum), "sum %s cumulative %s", sum, cum)
}

func TestDeficit_NeverNegativeAcrossMixedSequence(t *testing.T) {
	acct, _ := setup(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	want, cumulative := decimal.Zero, decimal.Zero
	for i := 0; i < 200; i++ {
		amount := decimal.NewFromInt(rng.Int63n(1000) + 1).Shift(-2)
		if rng.Intn(2) == 0 {
			require.NoError(t, acct.AddDeficit(ctx, "weth", amount, "gas"))
			want = want.Add(amount)
			cumulative = cumulative.Add(amount)
		} else {
			profit, err := acct.Payback(ctx, "weth", amount)
			require.NoError(t, err)
			wantProfit := decimal.Max(decimal.Zero, amount.Sub(want))
			require.True(t, profit.Equal(wantProfit), "step %d: profit %s, want %s", i, profit, wantProfit)
			want = decimal.Max(decimal.Zero, want.Sub(amount))
		}

		got, err := acct.Deficit(ctx, "weth")
		require.NoError(t, err)
		require.False(t, got.IsNegative(), "step %d: deficit %s", i, got)
		require.True(t, got.Equal(want), "step %d: deficit %s, want %s", i, got, want)
	}

	cum, err := acct.CumulativeDeficit(ctx, "weth")
	require.NoError(t, err)
	assert.True(t, cum.Equal(cumulative), "cumulative %s, want %s", cum, cumulative)
}

func TestCumulativeFeesReceived(t *testing.T) {
	acct, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, acct.AddCumulativeFeesReceived(ctx, "usdc", d(10)))
	require.NoError(t, acct.AddCumulativeFeesReceived(ctx, "USDC", d(2.5)))
	require.NoError(t, acct.AddCumulativeFeesReceived(ctx, "usdc", decimal.Zero))

	total, err := acct.CumulativeFeesReceived(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, total.Equal(d(12.5)))

	snap, err := acct.Snapshot(ctx, "usdc")
	require.NoError(t, err)
	assert.Equal(t, "USDC", snap.Symbol)
	assert.True(t, snap.CumulativeFeesReceived.Equal(d(12.5)))
	assert.True(t, snap.Deficit.IsZero())
}

func TestSplitProfit(t *testing.T) {
	assert.True(t, ledger.SplitProfit(d(10), d(50)).Equal(d(5)))
	assert.True(t, ledger.SplitProfit(d(3), d(100)).Equal(d(3)))
	assert.True(t, ledger.SplitProfit(d(3), decimal.Zero).IsZero())
	assert.True(t, ledger.SplitProfit(d(-1), d(50)).IsZero())
}
