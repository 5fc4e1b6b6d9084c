// Package model defines the core domain types shared across the rebalancer.
// All token amounts and prices use shopspring/decimal, never float64.
package model

import (
	"bytes"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token identifies an ERC-20 asset.
type Token struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals int32          `json:"decimals"`
}

// NewToken builds a token from a hex address. The symbol is upper-cased.
func NewToken(symbol, address string, decimals int32) Token {
	return Token{
		Symbol:   strings.ToUpper(symbol),
		Address:  common.HexToAddress(address),
		Decimals: decimals,
	}
}

// SortsBefore reports whether t is token0 of a pool containing t and o.
func (t Token) SortsBefore(o Token) bool {
	return bytes.Compare(t.Address.Bytes(), o.Address.Bytes()) < 0
}

// Equal compares tokens by address.
func (t Token) Equal(o Token) bool {
	return t.Address == o.Address
}

// Position is a live concentrated-liquidity position as read from the chain.
// It is rebuilt on every cycle and never persisted directly.
type Position struct {
	ID          string          `json:"id"`
	Token0      Token           `json:"token0"`
	Token1      Token           `json:"token1"`
	Fee         uint32          `json:"fee"`
	TickLower   int32           `json:"tick_lower"`
	TickUpper   int32           `json:"tick_upper"`
	TickCurrent int32           `json:"tick_current"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	Amount0     decimal.Decimal `json:"amount0"`
	Amount1     decimal.Decimal `json:"amount1"`
	TokensOwed0 decimal.Decimal `json:"tokens_owed0"`
	TokensOwed1 decimal.Decimal `json:"tokens_owed1"`
	Price       decimal.Decimal `json:"price"` // token1 per token0
	LowerPrice  decimal.Decimal `json:"lower_price"`
	UpperPrice  decimal.Decimal `json:"upper_price"`
}

// OutOfRange reports whether the current tick lies outside [lower, upper).
func (p *Position) OutOfRange() bool {
	return p.OutOfRangeAt(p.TickCurrent)
}

// OutOfRangeAt is OutOfRange evaluated against an arbitrary tick.
func (p *Position) OutOfRangeAt(tick int32) bool {
	return tick < p.TickLower || tick >= p.TickUpper
}

// QuotePrice returns the price of one base token in quote tokens.
func (p *Position) QuotePrice(quote Token) decimal.Decimal {
	if p.Token0.Equal(quote) {
		if p.Price.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1).Div(p.Price)
	}
	return p.Price
}

// ValueInQuote converts a pair of token0/token1 amounts into quote terms.
func (p *Position) ValueInQuote(quote Token, amount0, amount1 decimal.Decimal) decimal.Decimal {
	base, q := p.BaseQuote(quote, amount0, amount1)
	return base.Mul(p.QuotePrice(quote)).Add(q)
}

// BaseQuote reorders token0/token1 amounts into (base, quote).
func (p *Position) BaseQuote(quote Token, amount0, amount1 decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if p.Token0.Equal(quote) {
		return amount1, amount0
	}
	return amount0, amount1
}

// StakeValue is the staked liquidity valued in the quote token.
func (p *Position) StakeValue(quote Token) decimal.Decimal {
	return p.ValueInQuote(quote, p.Amount0, p.Amount1)
}

// OwedValue is the uncollected fee balance valued in the quote token.
func (p *Position) OwedValue(quote Token) decimal.Decimal {
	return p.ValueInQuote(quote, p.TokensOwed0, p.TokensOwed1)
}

// HasOwedFees reports whether either owed balance is positive.
func (p *Position) HasOwedFees() bool {
	return p.TokensOwed0.IsPositive() || p.TokensOwed1.IsPositive()
}

// PoolState is a snapshot of a pool's slot0 plus static parameters.
type PoolState struct {
	Address      common.Address  `json:"address"`
	Token0       Token           `json:"token0"`
	Token1       Token           `json:"token1"`
	Fee          uint32          `json:"fee"`
	SqrtPriceX96 decimal.Decimal `json:"sqrt_price_x96"`
	Tick         int32           `json:"tick"`
	TickSpacing  int32           `json:"tick_spacing"`
	Liquidity    decimal.Decimal `json:"liquidity"`
}

// PositionRecord is the persisted tracking row for one live position id.
type PositionRecord struct {
	PositionID                 string          `json:"position_id" db:"position_id"`
	OutOfRangeSince            *time.Time      `json:"out_of_range_since,omitempty" db:"out_of_range_since"`
	LastRewardsCollected       *time.Time      `json:"last_rewards_collected,omitempty" db:"last_rewards_collected"`
	PreviousPrice              decimal.Decimal `json:"previous_price" db:"previous_price"`
	PreviousOwedFeesTokenA     decimal.Decimal `json:"previous_owed_fees_token_a" db:"previous_owed_fees_token_a"`
	PreviousOwedFeesTokenB     decimal.Decimal `json:"previous_owed_fees_token_b" db:"previous_owed_fees_token_b"`
	PreviousOwedFeesTotalUSD   decimal.Decimal `json:"previous_owed_fees_total_usd" db:"previous_owed_fees_total_usd"`
	RedepositAttemptsRemaining int             `json:"redeposit_attempts_remaining" db:"redeposit_attempts_remaining"`
	CreatedAt                  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt                  time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionHistory is the append-only lifetime entry of a position.
// Token A is the base token and token B the quote token.
type PositionHistory struct {
	ID                 string              `json:"id" db:"id"`
	PositionID         string              `json:"position_id" db:"position_id"`
	EnteredPriceUSD    decimal.Decimal     `json:"entered_price_usd" db:"entered_price_usd"`
	LiquidityAtOpen    decimal.Decimal     `json:"liquidity_at_open" db:"liquidity_at_open"`
	ClosedPriceUSD     decimal.NullDecimal `json:"closed_price_usd" db:"closed_price_usd"`
	LiquidityAtClose   decimal.NullDecimal `json:"liquidity_at_close" db:"liquidity_at_close"`
	ReceivedFeesTokenA decimal.Decimal     `json:"received_fees_token_a" db:"received_fees_token_a"`
	ReceivedFeesTokenB decimal.Decimal     `json:"received_fees_token_b" db:"received_fees_token_b"`
	Closed             *time.Time          `json:"closed,omitempty" db:"closed"`
	CreatedAt          time.Time           `json:"created_at" db:"created_at"`
}

// IsOpen reports whether the entry has not been sealed yet.
func (h *PositionHistory) IsOpen() bool {
	return h.Closed == nil
}

// Property is a key-value row. Ledger counters and scheduler markers
// live here.
type Property struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeficitEntry is an immutable record of an operating cost.
type DeficitEntry struct {
	ID        string          `json:"id" db:"id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Reason    string          `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ProfitEntry is an immutable record of profit moved into holdings.
type ProfitEntry struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Stat is an hourly snapshot of balances, profits and deficits.
// Token A is the base token and token B the quote token.
type Stat struct {
	ID                   string          `json:"id" db:"id"`
	TokenABalance        decimal.Decimal `json:"token_a_balance" db:"token_a_balance"`
	TokenBBalance        decimal.Decimal `json:"token_b_balance" db:"token_b_balance"`
	TotalUSDBalance      decimal.Decimal `json:"total_usd_balance" db:"total_usd_balance"`
	TokenAPriceUSD       decimal.Decimal `json:"token_a_price_usd" db:"token_a_price_usd"`
	ProfitTakenTokenA    decimal.Decimal `json:"profit_taken_token_a" db:"profit_taken_token_a"`
	ProfitTakenTokenB    decimal.Decimal `json:"profit_taken_token_b" db:"profit_taken_token_b"`
	FeesReceivedTokenA   decimal.Decimal `json:"fees_received_token_a" db:"fees_received_token_a"`
	FeesReceivedTokenB   decimal.Decimal `json:"fees_received_token_b" db:"fees_received_token_b"`
	TotalPositions       int             `json:"total_positions" db:"total_positions"`
	DeficitsTokenA       decimal.Decimal `json:"deficits_token_a" db:"deficits_token_a"`
	DeficitsTokenB       decimal.Decimal `json:"deficits_token_b" db:"deficits_token_b"`
	AvgPositionTimeHours decimal.Decimal `json:"avg_position_time_hours" db:"avg_position_time_hours"`
	DailyPercentEMA      decimal.Decimal `json:"daily_percent_ema" db:"daily_percent_ema"`
	TotalLiquidity       decimal.Decimal `json:"total_liquidity" db:"total_liquidity"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}
