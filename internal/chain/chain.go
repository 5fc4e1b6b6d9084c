// Package chain defines the on-chain collaborators of the rebalancer:
// reading positions and pools, submitting transactions, fetching receipts
// and quoting swaps. Only the contracts live here, together with the
// confirmation poller and the pool address cache. Calldata encoding is
// left to the implementations; internal/chain/sim provides an in-memory
// one for paper trading and tests.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/lp-rebalancer/internal/liquidity"
	"github.com/atmx/lp-rebalancer/internal/model"
)

var (
	// ErrReceiptNotFound is returned by a ReceiptSource while a
	// transaction is still pending.
	ErrReceiptNotFound = errors.New("chain: receipt not found")

	// ErrPoolNotFound is returned when no pool exists for a key.
	ErrPoolNotFound = errors.New("chain: pool not found")

	// ErrPositionNotFound is returned for an unknown or burned position.
	ErrPositionNotFound = errors.New("chain: position not found")
)

// ReceiptStatusSuccessful matches the EVM receipt status of a successful
// transaction.
const ReceiptStatusSuccessful uint64 = 1

// PoolKey identifies a pool by its pair and fee tier.
type PoolKey struct {
	TokenA model.Token
	TokenB model.Token
	Fee    uint32
}

// Canonical returns the key with tokens in pool order.
func (k PoolKey) Canonical() PoolKey {
	if k.TokenB.SortsBefore(k.TokenA) {
		k.TokenA, k.TokenB = k.TokenB, k.TokenA
	}
	return k
}

type poolCacheKey struct {
	token0, token1 common.Address
	fee            uint32
}

func (k PoolKey) cacheKey() poolCacheKey {
	c := k.Canonical()
	return poolCacheKey{token0: c.TokenA.Address, token1: c.TokenB.Address, fee: c.Fee}
}

// Balances is a wallet snapshot.
type Balances struct {
	Native decimal.Decimal
	Tokens map[common.Address]decimal.Decimal
}

// Of returns the balance of token, zero if it was not requested.
func (b Balances) Of(token model.Token) decimal.Decimal {
	return b.Tokens[token.Address]
}

// Reader queries chain state.
type Reader interface {
	// PositionIDs lists every position NFT owned by the wallet.
	PositionIDs(ctx context.Context) ([]string, error)

	// Position reads one position, valued at the current pool price.
	Position(ctx context.Context, id string) (*model.Position, error)

	// PoolAddress resolves the pool of a pair and fee tier.
	PoolAddress(ctx context.Context, key PoolKey) (common.Address, error)

	// PoolState reads slot0 and static parameters of a pool.
	PoolState(ctx context.Context, pool common.Address) (*model.PoolState, error)

	// Balances reads the native balance and the balances of tokens.
	Balances(ctx context.Context, tokens ...model.Token) (Balances, error)
}

// MintParams opens a new position.
type MintParams struct {
	Token0          model.Token
	Token1          model.Token
	Fee             uint32
	TickLower       int32
	TickUpper       int32
	Amount0Desired  decimal.Decimal
	Amount1Desired  decimal.Decimal
	SlippagePercent decimal.Decimal
}

// IncreaseParams adds liquidity to an existing position.
type IncreaseParams struct {
	PositionID      string
	Amount0Desired  decimal.Decimal
	Amount1Desired  decimal.Decimal
	SlippagePercent decimal.Decimal
}

// CloseParams collects, removes all liquidity and burns a position.
type CloseParams struct {
	PositionID      string
	SlippagePercent decimal.Decimal
}

// SwapParams is an exact-input single-pool swap.
type SwapParams struct {
	TokenIn          model.Token
	TokenOut         model.Token
	Fee              uint32
	AmountIn         decimal.Decimal
	AmountOutMinimum decimal.Decimal
}

// Submitter sends transactions. Every method returns the hash of the
// submitted transaction without waiting for it to be mined.
type Submitter interface {
	Mint(ctx context.Context, p MintParams) (common.Hash, error)
	Increase(ctx context.Context, p IncreaseParams) (common.Hash, error)
	Collect(ctx context.Context, positionID string) (common.Hash, error)
	Close(ctx context.Context, p CloseParams) (common.Hash, error)
	Swap(ctx context.Context, p SwapParams) (common.Hash, error)
	Wrap(ctx context.Context, amount decimal.Decimal) (common.Hash, error)
	Unwrap(ctx context.Context, amount decimal.Decimal) (common.Hash, error)
	Transfer(ctx context.Context, token model.Token, to common.Address, amount decimal.Decimal) (common.Hash, error)
}

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccessful
}

// GasCost is gasUsed·effectiveGasPrice in whole native units.
func (r *Receipt) GasCost() decimal.Decimal {
	if r.EffectiveGasPrice == nil {
		return decimal.Zero
	}
	price := decimal.NewFromBigInt(r.EffectiveGasPrice, 0)
	return price.Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(r.GasUsed), 0)).Shift(-18)
}

// ReceiptSource fetches receipts. Pending transactions yield
// ErrReceiptNotFound.
type ReceiptSource interface {
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// Quoter quotes exact-input swaps per fee tier.
type Quoter interface {
	QuoteExactInput(ctx context.Context, tokenIn, tokenOut model.Token, fee liquidity.FeeTier, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// Client bundles every collaborator. Implementations usually provide all
// of them from one connection.
type Client interface {
	Reader
	Submitter
	ReceiptSource
	Quoter
}

var _ liquidity.Quoter = (Quoter)(nil)
