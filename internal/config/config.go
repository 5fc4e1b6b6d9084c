// Package config loads the rebalancer configuration from a YAML file,
// defaults and REBALANCER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/engine"
	"github.com/atmx/lp-rebalancer/internal/logging"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/redeposit"
)

// EnvPrefix prefixes every environment override, e.g.
// REBALANCER_STRATEGY_TOLERANCE=0s.
const EnvPrefix = "REBALANCER"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Sim       SimConfig       `mapstructure:"sim"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Gas       GasConfig       `mapstructure:"gas"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PriceFeed PriceFeedConfig `mapstructure:"pricefeed"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays  int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress    bool   `mapstructure:"compress"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres sqlite"`
	URL    string `mapstructure:"url"`
	Path   string `mapstructure:"path"`
}

type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	NotifyChannel string        `mapstructure:"notify_channel"`
}

type ChainConfig struct {
	Mode            string        `mapstructure:"mode" validate:"oneof=sim"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout" validate:"gt=0"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ReadConcurrency int           `mapstructure:"read_concurrency" validate:"gte=1,lte=64"`
	NativeSymbol    string        `mapstructure:"native_symbol" validate:"required"`
}

// SimConfig seeds the simulated chain used in paper mode.
type SimConfig struct {
	// Price is one base token in quote tokens.
	Price        decimal.Decimal `mapstructure:"price"`
	Native       decimal.Decimal `mapstructure:"native"`
	BaseBalance  decimal.Decimal `mapstructure:"base_balance"`
	QuoteBalance decimal.Decimal `mapstructure:"quote_balance"`
	ConfirmAfter int             `mapstructure:"confirm_after" validate:"gte=0"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol" validate:"required,alphanum,max=16"`
	Address  string `mapstructure:"address" validate:"required,eth_addr"`
	Decimals int32  `mapstructure:"decimals" validate:"gte=0,lte=36"`
}

// Token converts the entry to a domain token.
func (t TokenConfig) Token() model.Token {
	return model.NewToken(t.Symbol, t.Address, t.Decimals)
}

type PoolConfig struct {
	Base  TokenConfig `mapstructure:"base"`
	Quote TokenConfig `mapstructure:"quote"`
	Fee   uint32      `mapstructure:"fee" validate:"oneof=100 500 3000 10000"`

	// WrappedNative names which of base or quote wraps the gas coin.
	WrappedNative string `mapstructure:"wrapped_native" validate:"required"`
}

type StrategyConfig struct {
	TickInterval         time.Duration   `mapstructure:"tick_interval" validate:"gt=0"`
	Tolerance            time.Duration   `mapstructure:"tolerance" validate:"gte=0"`
	RangePercent         decimal.Decimal `mapstructure:"range_percent"`
	TakeProfitPercent    decimal.Decimal `mapstructure:"take_profit_percent"`
	RedepositPercent     decimal.Decimal `mapstructure:"redeposit_percent"`
	RedepositHours       decimal.Decimal `mapstructure:"redeposit_hours"`
	BoundaryGuardPercent decimal.Decimal `mapstructure:"boundary_guard_percent"`
	RedepositAttempts    int             `mapstructure:"redeposit_attempts" validate:"gte=1"`
	MinDepositUSD        decimal.Decimal `mapstructure:"min_deposit_usd"`
	DepositSlippage      decimal.Decimal `mapstructure:"deposit_slippage"`
	SwapSlippage         decimal.Decimal `mapstructure:"swap_slippage"`
	WithdrawSlippage     decimal.Decimal `mapstructure:"withdraw_slippage"`
}

type GasConfig struct {
	MinReserve decimal.Decimal `mapstructure:"min_reserve"`
	MaxReserve decimal.Decimal `mapstructure:"max_reserve"`
}

type NotifyConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
}

type PriceFeedConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

var defaults = map[string]any{
	"log.level":        "info",
	"log.development":  false,
	"log.file":         "",
	"log.max_size_mb":  100,
	"log.max_backups":  5,
	"log.max_age_days": 30,
	"log.compress":     true,

	"http.addr":             ":8080",
	"http.read_timeout":     "10s",
	"http.write_timeout":    "40s",
	"http.shutdown_timeout": "15s",

	"database.driver": "memory",
	"database.url":    "",
	"database.path":   "rebalancer.db",

	"redis.url":            "",
	"redis.cache_ttl":      "30s",
	"redis.notify_channel": "lp-rebalancer:notifications",

	"chain.mode":             "sim",
	"chain.confirm_timeout":  "5m",
	"chain.poll_interval":    "1s",
	"chain.read_concurrency": 5,
	"chain.native_symbol":    "ETH",

	"sim.price":         "2000",
	"sim.native":        "0.02",
	"sim.base_balance":  "1",
	"sim.quote_balance": "2000",
	"sim.confirm_after": 1,

	"pool.base.symbol":    "WETH",
	"pool.base.address":   "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	"pool.base.decimals":  18,
	"pool.quote.symbol":   "USDC",
	"pool.quote.address":  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	"pool.quote.decimals": 6,
	"pool.fee":            3000,
	"pool.wrapped_native": "WETH",

	"strategy.tick_interval":          "1m",
	"strategy.tolerance":              "5m",
	"strategy.range_percent":          "10",
	"strategy.take_profit_percent":    "50",
	"strategy.redeposit_percent":      "1",
	"strategy.redeposit_hours":        "0",
	"strategy.boundary_guard_percent": "0",
	"strategy.redeposit_attempts":     redeposit.DefaultAttempts,
	"strategy.min_deposit_usd":        "5",
	"strategy.deposit_slippage":       "3",
	"strategy.swap_slippage":          "1",
	"strategy.withdraw_slippage":      "3",

	"gas.min_reserve": "0.005",
	"gas.max_reserve": "0.01",

	"notify.heartbeat_interval": "1h",

	"pricefeed.url": "",
}

// Load reads path (skipped when empty), applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalHook,
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes YAML numbers and env strings into decimals. Floats
// go through their shortest string form so 0.005 stays exact.
func decimalHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromString(fmt.Sprint(v))
	default:
		return data, nil
	}
}

var validate = validator.New()

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	base, quote := c.Pool.Base.Token(), c.Pool.Quote.Token()
	check(!base.Equal(quote), "pool.base and pool.quote must be different tokens")
	check(!strings.EqualFold(base.Symbol, quote.Symbol), "pool.base and pool.quote must have different symbols")
	check(strings.EqualFold(c.Pool.WrappedNative, base.Symbol) || strings.EqualFold(c.Pool.WrappedNative, quote.Symbol),
		"pool.wrapped_native %q must be the base or quote symbol", c.Pool.WrappedNative)

	switch c.Database.Driver {
	case "postgres":
		check(c.Database.URL != "", "database.url is required for the postgres driver")
	case "sqlite":
		check(c.Database.Path != "", "database.path is required for the sqlite driver")
	}

	s := c.Strategy
	zero, hundred := decimal.Zero, decimal.NewFromInt(100)
	check(s.RangePercent.IsPositive() && s.RangePercent.LessThan(decimal.NewFromInt(200)),
		"strategy.range_percent must be in (0, 200)")
	check(between(s.TakeProfitPercent, zero, hundred), "strategy.take_profit_percent must be in [0, 100]")
	check(!s.RedepositPercent.IsNegative(), "strategy.redeposit_percent must not be negative")
	check(!s.RedepositHours.IsNegative(), "strategy.redeposit_hours must not be negative")
	check(between(s.BoundaryGuardPercent, zero, decimal.NewFromInt(50)), "strategy.boundary_guard_percent must be in [0, 50]")
	check(!s.MinDepositUSD.IsNegative(), "strategy.min_deposit_usd must not be negative")
	for name, v := range map[string]decimal.Decimal{
		"deposit_slippage":  s.DepositSlippage,
		"swap_slippage":     s.SwapSlippage,
		"withdraw_slippage": s.WithdrawSlippage,
	} {
		check(v.GreaterThanOrEqual(zero) && v.LessThan(hundred), "strategy.%s must be in [0, 100)", name)
	}

	check(!c.Gas.MinReserve.IsNegative(), "gas.min_reserve must not be negative")
	check(c.Gas.MinReserve.LessThanOrEqual(c.Gas.MaxReserve), "gas.min_reserve must not exceed gas.max_reserve")

	if c.Chain.Mode == "sim" {
		check(c.Sim.Price.IsPositive(), "sim.price must be positive")
		check(!c.Sim.Native.IsNegative() && !c.Sim.BaseBalance.IsNegative() && !c.Sim.QuoteBalance.IsNegative(),
			"sim balances must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func between(v, lo, hi decimal.Decimal) bool {
	return v.GreaterThanOrEqual(lo) && v.LessThanOrEqual(hi)
}

// Tokens returns the base, quote and wrapped native tokens.
func (c *Config) Tokens() (base, quote, wrapped model.Token) {
	base, quote = c.Pool.Base.Token(), c.Pool.Quote.Token()
	wrapped = quote
	if strings.EqualFold(c.Pool.WrappedNative, base.Symbol) {
		wrapped = base
	}
	return base, quote, wrapped
}

// Engine builds the engine configuration.
func (c *Config) Engine() engine.Config {
	base, quote, wrapped := c.Tokens()
	ec := engine.DefaultConfig(base, quote, wrapped, c.Pool.Fee)

	s := c.Strategy
	ec.TickInterval = s.TickInterval
	ec.Tolerance = s.Tolerance
	ec.HeartbeatInterval = c.Notify.HeartbeatInterval
	ec.ReadConcurrency = c.Chain.ReadConcurrency
	ec.RangePercent = s.RangePercent
	ec.TakeProfitPercent = s.TakeProfitPercent
	ec.MinDepositUSD = s.MinDepositUSD
	ec.DepositSlippage = s.DepositSlippage
	ec.SwapSlippage = s.SwapSlippage
	ec.WithdrawSlippage = s.WithdrawSlippage
	ec.GasMinReserve = c.Gas.MinReserve
	ec.GasMaxReserve = c.Gas.MaxReserve
	ec.Redeposit = redeposit.Config{
		Percent:              s.RedepositPercent,
		Hours:                s.RedepositHours,
		BoundaryGuardPercent: s.BoundaryGuardPercent,
		Attempts:             s.RedepositAttempts,
	}
	return ec
}

// Tx builds the confirmation poller configuration.
func (c *Config) Tx() chain.TxConfig {
	_, _, wrapped := c.Tokens()
	return chain.TxConfig{
		ConfirmTimeout: c.Chain.ConfirmTimeout,
		PollInterval:   c.Chain.PollInterval,
		GasSymbol:      wrapped.Symbol,
	}
}

// Logging builds the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:       c.Log.Level,
		Development: c.Log.Development,
		File:        c.Log.File,
		MaxSizeMB:   c.Log.MaxSizeMB,
		MaxBackups:  c.Log.MaxBackups,
		MaxAgeDays:  c.Log.MaxAgeDays,
		Compress:    c.Log.Compress,
	}
}

// SimPoolPrice converts sim.price into the pool's orientation, token1
// per token0.
func (c *Config) SimPoolPrice() decimal.Decimal {
	base, quote, _ := c.Tokens()
	if base.SortsBefore(quote) {
		return c.Sim.Price
	}
	return decimal.NewFromInt(1).Div(c.Sim.Price)
}
