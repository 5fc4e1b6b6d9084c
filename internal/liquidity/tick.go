package liquidity

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// MinTick and MaxTick bound the discretized price index.
	MinTick int32 = -887272
	MaxTick int32 = 887272

	// tickBase is the price ratio between adjacent ticks.
	tickBase = 1.0001
)

// q96 is 2^96, the fixed-point scale of sqrtPriceX96.
var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// PriceAtTick returns token1 per token0 in whole-token units at tick.
func PriceAtTick(tick int32, decimals0, decimals1 int32) decimal.Decimal {
	raw := math.Pow(tickBase, float64(tick))
	return decimal.NewFromFloat(raw).Shift(decimals0 - decimals1)
}

// TickAtPrice returns the greatest tick whose price does not exceed price.
func TickAtPrice(price decimal.Decimal, decimals0, decimals1 int32) int32 {
	if !price.IsPositive() {
		return MinTick
	}
	raw := price.Shift(decimals1 - decimals0).InexactFloat64()
	tick := math.Floor(math.Log(raw) / math.Log(tickBase))
	return clampTick(tick)
}

// PriceFromSqrtX96 converts a Q64.96 square-root price into token1 per
// token0 in whole-token units.
func PriceFromSqrtX96(sqrtPriceX96 decimal.Decimal, decimals0, decimals1 int32) decimal.Decimal {
	ratio := sqrtPriceX96.DivRound(q96, 40)
	return ratio.Mul(ratio).Shift(decimals0 - decimals1).Round(RatioScale)
}

// SqrtX96FromPrice is the inverse of PriceFromSqrtX96, truncated to an
// integer.
func SqrtX96FromPrice(price decimal.Decimal, decimals0, decimals1 int32) decimal.Decimal {
	raw := price.Shift(decimals1 - decimals0).InexactFloat64()
	return decimal.NewFromFloat(math.Sqrt(raw)).Mul(q96).Truncate(0)
}

// TickFromSqrtX96 returns the tick that contains the given sqrt price.
func TickFromSqrtX96(sqrtPriceX96 decimal.Decimal) int32 {
	ratio := sqrtPriceX96.DivRound(q96, 40).InexactFloat64()
	if ratio <= 0 {
		return MinTick
	}
	return clampTick(math.Floor(2 * math.Log(ratio) / math.Log(tickBase)))
}

// NearestUsableTick rounds tick to the closest multiple of spacing that
// stays within [MinTick, MaxTick].
func NearestUsableTick(tick, spacing int32) int32 {
	if spacing <= 0 {
		return tick
	}
	rounded := int32(math.Round(float64(tick)/float64(spacing))) * spacing
	if rounded < MinTick {
		rounded += spacing
	} else if rounded > MaxTick {
		rounded -= spacing
	}
	return rounded
}

// RangeAround computes a [lower, upper) tick range centred on price, each
// side rangePercent/2 percent away, snapped to usable ticks.
func RangeAround(price, rangePercent decimal.Decimal, spacing, decimals0, decimals1 int32) (int32, int32, error) {
	if !price.IsPositive() {
		return 0, 0, ErrInvalidPrice
	}
	half := rangePercent.Div(decimal.NewFromInt(2))
	hundred := decimal.NewFromInt(100)
	if !half.IsPositive() || half.GreaterThanOrEqual(hundred) {
		return 0, 0, ErrInvalidRange
	}

	up := price.Mul(hundred.Add(half)).Div(hundred)
	down := price.Mul(hundred.Sub(half)).Div(hundred)

	lower := NearestUsableTick(TickAtPrice(down, decimals0, decimals1), spacing)
	upper := NearestUsableTick(TickAtPrice(up, decimals0, decimals1), spacing)
	if lower > upper {
		lower, upper = upper, lower
	}
	if lower == upper {
		step := spacing
		if step <= 0 {
			step = 1
		}
		upper += step
	}
	return lower, upper, nil
}

func clampTick(t float64) int32 {
	if t < float64(MinTick) {
		return MinTick
	}
	if t > float64(MaxTick) {
		return MaxTick
	}
	return int32(t)
}
