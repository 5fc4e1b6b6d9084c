// Package sim is an in-memory concentrated-liquidity chain. It implements
// every collaborator in internal/chain against a single pool whose price
// is set by the caller, so the rebalancer can paper trade and be tested
// end to end without a node.
//
// Positions follow the constant-liquidity curve: amounts are derived from
// the position's liquidity and the current price on every read, so a
// position becomes single-sided once the price leaves its range. Swaps
// execute at the current price minus the tier fee and do not move it.
// Slippage bounds on mint, increase and close are accepted but not
// enforced; the swap minimum output is.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/liquidity"
	"github.com/atmx/lp-rebalancer/internal/model"
)

// Transaction kinds, used for gas accounting and failure injection.
const (
	KindMint     = "mint"
	KindIncrease = "increase"
	KindCollect  = "collect"
	KindClose    = "close"
	KindSwap     = "swap"
	KindWrap     = "wrap"
	KindUnwrap   = "unwrap"
	KindTransfer = "transfer"
)

var gasUsed = map[string]uint64{
	KindMint:     500_000,
	KindIncrease: 350_000,
	KindCollect:  180_000,
	KindClose:    400_000,
	KindSwap:     160_000,
	KindWrap:     45_000,
	KindUnwrap:   40_000,
	KindTransfer: 65_000,
}

var (
	// ErrSlippage is returned when a swap would output less than its
	// minimum.
	ErrSlippage = errors.New("sim: too little received")

	// ErrZeroLiquidity is returned when a deposit yields no liquidity.
	ErrZeroLiquidity = errors.New("sim: zero liquidity")

	// ErrUnknownToken is returned for tokens outside the simulated pair.
	ErrUnknownToken = errors.New("sim: unknown token")
)

// Config describes the simulated pool and wallet.
type Config struct {
	// TokenA and TokenB may be given in either order.
	TokenA model.Token
	TokenB model.Token

	// Fee is the tier of the pool positions are opened in.
	Fee uint32

	// TickSpacing defaults to the spacing of the fee tier.
	TickSpacing int32

	// Price is token1 per token0 after canonical ordering.
	Price decimal.Decimal

	// WrappedNative is the ERC-20 wrapper of the gas coin. It must be
	// one of the pair.
	WrappedNative model.Token

	// GasPrice in wei. Defaults to 0.1 gwei.
	GasPrice *big.Int

	// ConfirmAfter is how many receipt lookups report pending before a
	// receipt appears.
	ConfirmAfter int
}

// Transfer records a token transfer out of the wallet.
type Transfer struct {
	Token  model.Token
	To     common.Address
	Amount decimal.Decimal
}

type position struct {
	id        string
	tickLower int32
	tickUpper int32
	liquidity decimal.Decimal
	owed0     decimal.Decimal
	owed1     decimal.Decimal
}

type pendingTx struct {
	receipt *chain.Receipt
	polls   int
}

// Chain is the simulated chain. It is safe for concurrent use.
type Chain struct {
	cfg    Config
	token0 model.Token
	token1 model.Token

	mu        sync.Mutex
	price     decimal.Decimal
	native    decimal.Decimal
	balances  map[common.Address]decimal.Decimal
	positions map[string]*position
	nextID    int64
	nonce     uint64
	block     uint64
	txs       map[common.Hash]*pendingTx
	failNext  map[string]error
	revert    map[string]bool
	stalled   bool
	disabled  map[liquidity.FeeTier]bool
	transfers []Transfer
	listeners []func(tick int32)
}

// New creates a simulated chain with an empty wallet.
func New(cfg Config) *Chain {
	t0, t1 := cfg.TokenA, cfg.TokenB
	if t1.SortsBefore(t0) {
		t0, t1 = t1, t0
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = big.NewInt(100_000_000)
	}
	if cfg.TickSpacing <= 0 {
		cfg.TickSpacing = TickSpacing(cfg.Fee)
	}
	return &Chain{
		cfg:       cfg,
		token0:    t0,
		token1:    t1,
		price:     cfg.Price,
		native:    decimal.Zero,
		balances:  make(map[common.Address]decimal.Decimal),
		positions: make(map[string]*position),
		nextID:    1,
		txs:       make(map[common.Hash]*pendingTx),
		failNext:  make(map[string]error),
		revert:    make(map[string]bool),
		disabled:  make(map[liquidity.FeeTier]bool),
	}
}

// TickSpacing returns the canonical spacing of a fee tier.
func TickSpacing(fee uint32) int32 {
	switch liquidity.FeeTier(fee) {
	case liquidity.FeeLowest:
		return 1
	case liquidity.FeeLow:
		return 10
	case liquidity.FeeMedium:
		return 60
	case liquidity.FeeHigh:
		return 200
	default:
		return 60
	}
}

// --- Test and paper-trading controls ---

// Fund credits token to the wallet.
func (c *Chain) Fund(token model.Token, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[token.Address] = c.balances[token.Address].Add(amount)
}

// FundNative credits the gas coin.
func (c *Chain) FundNative(amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native = c.native.Add(amount)
}

// SetPrice moves the pool price and notifies subscribers with the new
// tick.
func (c *Chain) SetPrice(price decimal.Decimal) {
	c.mu.Lock()
	c.price = price
	tick := c.tickLocked()
	listeners := append([]func(int32){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(tick)
	}
}

// Price returns token1 per token0.
func (c *Chain) Price() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price
}

// Tick returns the current pool tick.
func (c *Chain) Tick() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked()
}

// Subscribe registers fn to be called after every price change.
func (c *Chain) Subscribe(fn func(tick int32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// AccrueFees adds uncollected fees to a position.
func (c *Chain) AccrueFees(id string, owed0, owed1 decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", chain.ErrPositionNotFound, id)
	}
	p.owed0 = p.owed0.Add(owed0)
	p.owed1 = p.owed1.Add(owed1)
	return nil
}

// FailNext makes the next submission of kind fail with err.
func (c *Chain) FailNext(kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[kind] = err
}

// RevertNext makes the next transaction of kind revert on chain.
func (c *Chain) RevertNext(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revert[kind] = true
}

// StallReceipts makes every receipt lookup report pending.
func (c *Chain) StallReceipts(stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = stalled
}

// DisableFeeTier makes quotes and swaps through fee fail.
func (c *Chain) DisableFeeTier(fee liquidity.FeeTier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[fee] = true
}

// Transfers returns every outgoing transfer so far.
func (c *Chain) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.transfers...)
}

// Submitted returns how many transactions have been accepted so far.
func (c *Chain) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.nonce)
}

// Tokens returns the pair in pool order.
func (c *Chain) Tokens() (model.Token, model.Token) {
	return c.token0, c.token1
}

// --- chain.Reader ---

func (c *Chain) PositionIDs(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.positions))
	for id := range c.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseInt(ids[i], 10, 64)
		b, _ := strconv.ParseInt(ids[j], 10, 64)
		return a < b
	})
	return ids, nil
}

func (c *Chain) Position(_ context.Context, id string) (*model.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrPositionNotFound, id)
	}
	a0, a1 := c.amountsLocked(p.tickLower, p.tickUpper, p.liquidity)
	d0, d1 := c.token0.Decimals, c.token1.Decimals
	return &model.Position{
		ID:          p.id,
		Token0:      c.token0,
		Token1:      c.token1,
		Fee:         c.cfg.Fee,
		TickLower:   p.tickLower,
		TickUpper:   p.tickUpper,
		TickCurrent: c.tickLocked(),
		Liquidity:   p.liquidity,
		Amount0:     a0,
		Amount1:     a1,
		TokensOwed0: p.owed0,
		TokensOwed1: p.owed1,
		Price:       c.price,
		LowerPrice:  liquidity.PriceAtTick(p.tickLower, d0, d1),
		UpperPrice:  liquidity.PriceAtTick(p.tickUpper, d0, d1),
	}, nil
}

func (c *Chain) PoolAddress(_ context.Context, key chain.PoolKey) (common.Address, error) {
	k := key.Canonical()
	if !k.TokenA.Equal(c.token0) || !k.TokenB.Equal(c.token1) {
		return common.Address{}, fmt.Errorf("%w: %s/%s", chain.ErrPoolNotFound, key.TokenA.Symbol, key.TokenB.Symbol)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled[liquidity.FeeTier(k.Fee)] {
		return common.Address{}, fmt.Errorf("%w: fee %d", chain.ErrPoolNotFound, k.Fee)
	}
	return poolAddress(k.Fee), nil
}

func (c *Chain) PoolState(_ context.Context, pool common.Address) (*model.PoolState, error) {
	fee, ok := feeOfPool(pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrPoolNotFound, pool.Hex())
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	d0, d1 := c.token0.Decimals, c.token1.Decimals
	return &model.PoolState{
		Address:      pool,
		Token0:       c.token0,
		Token1:       c.token1,
		Fee:          fee,
		SqrtPriceX96: liquidity.SqrtX96FromPrice(c.price, d0, d1),
		Tick:         c.tickLocked(),
		TickSpacing:  TickSpacing(fee),
		Liquidity:    c.totalLiquidityLocked(),
	}, nil
}

func (c *Chain) Balances(_ context.Context, tokens ...model.Token) (chain.Balances, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := chain.Balances{Native: c.native, Tokens: make(map[common.Address]decimal.Decimal, len(tokens))}
	for _, t := range tokens {
		b.Tokens[t.Address] = c.balances[t.Address]
	}
	return b, nil
}

// --- chain.Quoter ---

func (c *Chain) QuoteExactInput(_ context.Context, tokenIn, tokenOut model.Token, fee liquidity.FeeTier, amountIn decimal.Decimal) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quoteLocked(tokenIn, tokenOut, fee, amountIn)
}

func (c *Chain) quoteLocked(tokenIn, tokenOut model.Token, fee liquidity.FeeTier, amountIn decimal.Decimal) (decimal.Decimal, error) {
	if c.disabled[fee] {
		return decimal.Zero, fmt.Errorf("%w: fee %d", chain.ErrPoolNotFound, fee)
	}
	afterFee := amountIn.Sub(fee.SwapCost(amountIn))
	switch {
	case tokenIn.Equal(c.token0) && tokenOut.Equal(c.token1):
		return afterFee.Mul(c.price).RoundFloor(tokenOut.Decimals), nil
	case tokenIn.Equal(c.token1) && tokenOut.Equal(c.token0):
		return afterFee.Div(c.price).RoundFloor(tokenOut.Decimals), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrUnknownToken, tokenIn.Symbol, tokenOut.Symbol)
	}
}

// --- chain.Submitter ---

func (c *Chain) Mint(_ context.Context, p chain.MintParams) (common.Hash, error) {
	return c.submit(KindMint, func() error {
		token0, token1 := p.Token0, p.Token1
		a0, a1 := p.Amount0Desired, p.Amount1Desired
		if token1.SortsBefore(token0) {
			token0, token1 = token1, token0
			a0, a1 = a1, a0
		}
		if !token0.Equal(c.token0) || !token1.Equal(c.token1) {
			return ErrUnknownToken
		}
		if p.TickLower >= p.TickUpper {
			return liquidity.ErrInvalidRange
		}
		if err := c.debitPairLocked(a0, a1); err != nil {
			return err
		}

		l := c.liquidityForLocked(p.TickLower, p.TickUpper, a0, a1)
		if !l.IsPositive() {
			c.creditPairLocked(a0, a1)
			return ErrZeroLiquidity
		}
		used0, used1 := c.amountsLocked(p.TickLower, p.TickUpper, l)
		c.creditPairLocked(a0.Sub(used0), a1.Sub(used1))

		id := strconv.FormatInt(c.nextID, 10)
		c.nextID++
		c.positions[id] = &position{
			id:        id,
			tickLower: p.TickLower,
			tickUpper: p.TickUpper,
			liquidity: l,
		}
		return nil
	})
}

func (c *Chain) Increase(_ context.Context, p chain.IncreaseParams) (common.Hash, error) {
	return c.submit(KindIncrease, func() error {
		pos, ok := c.positions[p.PositionID]
		if !ok {
			return fmt.Errorf("%w: %s", chain.ErrPositionNotFound, p.PositionID)
		}
		if err := c.debitPairLocked(p.Amount0Desired, p.Amount1Desired); err != nil {
			return err
		}
		l := c.liquidityForLocked(pos.tickLower, pos.tickUpper, p.Amount0Desired, p.Amount1Desired)
		if !l.IsPositive() {
			c.creditPairLocked(p.Amount0Desired, p.Amount1Desired)
			return ErrZeroLiquidity
		}
		used0, used1 := c.amountsLocked(pos.tickLower, pos.tickUpper, l)
		c.creditPairLocked(p.Amount0Desired.Sub(used0), p.Amount1Desired.Sub(used1))
		pos.liquidity = pos.liquidity.Add(l)
		return nil
	})
}

func (c *Chain) Collect(_ context.Context, positionID string) (common.Hash, error) {
	return c.submit(KindCollect, func() error {
		pos, ok := c.positions[positionID]
		if !ok {
			return fmt.Errorf("%w: %s", chain.ErrPositionNotFound, positionID)
		}
		c.creditPairLocked(pos.owed0, pos.owed1)
		pos.owed0, pos.owed1 = decimal.Zero, decimal.Zero
		return nil
	})
}

func (c *Chain) Close(_ context.Context, p chain.CloseParams) (common.Hash, error) {
	return c.submit(KindClose, func() error {
		pos, ok := c.positions[p.PositionID]
		if !ok {
			return fmt.Errorf("%w: %s", chain.ErrPositionNotFound, p.PositionID)
		}
		a0, a1 := c.amountsLocked(pos.tickLower, pos.tickUpper, pos.liquidity)
		c.creditPairLocked(a0.Add(pos.owed0), a1.Add(pos.owed1))
		delete(c.positions, p.PositionID)
		return nil
	})
}

func (c *Chain) Swap(_ context.Context, p chain.SwapParams) (common.Hash, error) {
	return c.submit(KindSwap, func() error {
		out, err := c.quoteLocked(p.TokenIn, p.TokenOut, liquidity.FeeTier(p.Fee), p.AmountIn)
		if err != nil {
			return err
		}
		if out.LessThan(p.AmountOutMinimum) {
			return fmt.Errorf("%w: %s < %s", ErrSlippage, out, p.AmountOutMinimum)
		}
		if err := c.debitLocked(p.TokenIn, p.AmountIn); err != nil {
			return err
		}
		c.balances[p.TokenOut.Address] = c.balances[p.TokenOut.Address].Add(out)
		return nil
	})
}

func (c *Chain) Wrap(_ context.Context, amount decimal.Decimal) (common.Hash, error) {
	return c.submit(KindWrap, func() error {
		if amount.GreaterThan(c.native) {
			return fmt.Errorf("%w: wrap %s of %s", model.ErrInsufficientFunds, amount, c.native)
		}
		c.native = c.native.Sub(amount)
		addr := c.cfg.WrappedNative.Address
		c.balances[addr] = c.balances[addr].Add(amount)
		return nil
	})
}

func (c *Chain) Unwrap(_ context.Context, amount decimal.Decimal) (common.Hash, error) {
	return c.submit(KindUnwrap, func() error {
		if err := c.debitLocked(c.cfg.WrappedNative, amount); err != nil {
			return err
		}
		c.native = c.native.Add(amount)
		return nil
	})
}

func (c *Chain) Transfer(_ context.Context, token model.Token, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	return c.submit(KindTransfer, func() error {
		if err := c.debitLocked(token, amount); err != nil {
			return err
		}
		c.transfers = append(c.transfers, Transfer{Token: token, To: to, Amount: amount})
		return nil
	})
}

// --- chain.ReceiptSource ---

func (c *Chain) Receipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[hash]
	if !ok || c.stalled {
		return nil, chain.ErrReceiptNotFound
	}
	if tx.polls < c.cfg.ConfirmAfter {
		tx.polls++
		return nil, chain.ErrReceiptNotFound
	}
	r := *tx.receipt
	return &r, nil
}

// submit runs apply under the lock and records a receipt. A reverted
// transaction keeps state untouched but still burns gas.
func (c *Chain) submit(kind string, apply func() error) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.failNext[kind]; ok {
		delete(c.failNext, kind)
		return common.Hash{}, err
	}

	gas := gasUsed[kind]
	cost := decimal.NewFromBigInt(c.cfg.GasPrice, 0).Mul(decimal.NewFromInt(int64(gas))).Shift(-18)
	if cost.GreaterThan(c.native) {
		return common.Hash{}, fmt.Errorf("%w: gas %s exceeds native balance %s", model.ErrInsufficientFunds, cost, c.native)
	}

	status := chain.ReceiptStatusSuccessful
	if c.revert[kind] {
		delete(c.revert, kind)
		status = 0
	} else if err := apply(); err != nil {
		return common.Hash{}, err
	}
	c.native = c.native.Sub(cost)

	c.nonce++
	c.block++
	hash := common.BigToHash(new(big.Int).SetUint64(c.nonce))
	c.txs[hash] = &pendingTx{receipt: &chain.Receipt{
		TxHash:            hash,
		Status:            status,
		BlockNumber:       c.block,
		GasUsed:           gas,
		EffectiveGasPrice: new(big.Int).Set(c.cfg.GasPrice),
	}}
	return hash, nil
}

// --- Curve math, all called with the lock held ---

func (c *Chain) tickLocked() int32 {
	return liquidity.TickAtPrice(c.price, c.token0.Decimals, c.token1.Decimals)
}

func (c *Chain) sqrtBounds(lower, upper int32) (sqrtP, sqrtL, sqrtU float64) {
	d0, d1 := c.token0.Decimals, c.token1.Decimals
	sqrtP = math.Sqrt(c.price.InexactFloat64())
	sqrtL = math.Sqrt(liquidity.PriceAtTick(lower, d0, d1).InexactFloat64())
	sqrtU = math.Sqrt(liquidity.PriceAtTick(upper, d0, d1).InexactFloat64())
	return
}

func (c *Chain) amountsLocked(lower, upper int32, l decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	sqrtP, sqrtL, sqrtU := c.sqrtBounds(lower, upper)
	liq := l.InexactFloat64()

	var a0, a1 float64
	switch {
	case sqrtP <= sqrtL:
		a0 = liq * (1/sqrtL - 1/sqrtU)
	case sqrtP >= sqrtU:
		a1 = liq * (sqrtU - sqrtL)
	default:
		a0 = liq * (1/sqrtP - 1/sqrtU)
		a1 = liq * (sqrtP - sqrtL)
	}
	return decimal.NewFromFloat(a0).RoundFloor(c.token0.Decimals),
		decimal.NewFromFloat(a1).RoundFloor(c.token1.Decimals)
}

func (c *Chain) liquidityForLocked(lower, upper int32, a0, a1 decimal.Decimal) decimal.Decimal {
	sqrtP, sqrtL, sqrtU := c.sqrtBounds(lower, upper)
	x, y := a0.InexactFloat64(), a1.InexactFloat64()

	var l float64
	switch {
	case sqrtP <= sqrtL:
		l = x / (1/sqrtL - 1/sqrtU)
	case sqrtP >= sqrtU:
		l = y / (sqrtU - sqrtL)
	default:
		l = math.Min(x/(1/sqrtP-1/sqrtU), y/(sqrtP-sqrtL))
	}
	if l <= 0 || math.IsInf(l, 0) || math.IsNaN(l) {
		return decimal.Zero
	}
	// Shave a hair so the derived amounts never exceed the deposit.
	return decimal.NewFromFloat(l * (1 - 1e-9)).Round(6)
}

func (c *Chain) totalLiquidityLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range c.positions {
		if p.tickLower <= c.tickLocked() && c.tickLocked() < p.tickUpper {
			total = total.Add(p.liquidity)
		}
	}
	return total
}

func (c *Chain) debitLocked(token model.Token, amount decimal.Decimal) error {
	if !token.Equal(c.token0) && !token.Equal(c.token1) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Symbol)
	}
	bal := c.balances[token.Address]
	if amount.GreaterThan(bal) {
		return fmt.Errorf("%w: %s %s requested, %s held", model.ErrInsufficientFunds, amount, token.Symbol, bal)
	}
	c.balances[token.Address] = bal.Sub(amount)
	return nil
}

func (c *Chain) debitPairLocked(a0, a1 decimal.Decimal) error {
	if err := c.debitLocked(c.token0, a0); err != nil {
		return err
	}
	if err := c.debitLocked(c.token1, a1); err != nil {
		c.balances[c.token0.Address] = c.balances[c.token0.Address].Add(a0)
		return err
	}
	return nil
}

func (c *Chain) creditPairLocked(a0, a1 decimal.Decimal) {
	c.balances[c.token0.Address] = c.balances[c.token0.Address].Add(a0)
	c.balances[c.token1.Address] = c.balances[c.token1.Address].Add(a1)
}

// poolAddress derives a stable fake address per fee tier.
func poolAddress(fee uint32) common.Address {
	return common.BigToAddress(new(big.Int).SetUint64(0x900000 + uint64(fee)))
}

func feeOfPool(addr common.Address) (uint32, bool) {
	n := new(big.Int).SetBytes(addr.Bytes()).Uint64()
	if n < 0x900000 {
		return 0, false
	}
	fee := uint32(n - 0x900000)
	for _, f := range liquidity.AllFeeTiers {
		if uint32(f) == fee {
			return fee, true
		}
	}
	return 0, false
}

var _ chain.Client = (*Chain)(nil)
