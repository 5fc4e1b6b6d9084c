package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Strategy.Tolerance)
	assert.Equal(t, 5*time.Minute, cfg.Chain.ConfirmTimeout)
	assert.Equal(t, uint32(3000), cfg.Pool.Fee)
	assert.True(t, cfg.Strategy.RangePercent.Equal(decimal.NewFromInt(10)))
	assert.True(t, cfg.Gas.MinReserve.Equal(decimal.RequireFromString("0.005")))

	ec := cfg.Engine()
	assert.Equal(t, "WETH", ec.Base.Symbol)
	assert.Equal(t, "USDC", ec.Quote.Symbol)
	assert.Equal(t, "WETH", ec.WrappedNative.Symbol)
	assert.Equal(t, time.Hour, ec.HeartbeatInterval)
	assert.Equal(t, 10, ec.Redeposit.Attempts)
	assert.True(t, ec.Redeposit.Percent.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "WETH", cfg.Tx().GasSymbol)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: /tmp/lp.db
strategy:
  tolerance: 0s
  range_percent: 4.5
  take_profit_percent: 25
gas:
  min_reserve: 0.002
  max_reserve: 0.004
pricefeed:
  url: wss://feed.example.com/swaps
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Duration(0), cfg.Strategy.Tolerance)
	assert.True(t, cfg.Strategy.RangePercent.Equal(decimal.RequireFromString("4.5")))
	assert.True(t, cfg.Strategy.TakeProfitPercent.Equal(decimal.NewFromInt(25)))
	assert.True(t, cfg.Gas.MinReserve.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, "wss://feed.example.com/swaps", cfg.PriceFeed.URL)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REBALANCER_STRATEGY_TOLERANCE", "90s")
	t.Setenv("REBALANCER_STRATEGY_MIN_DEPOSIT_USD", "12.5")
	t.Setenv("REBALANCER_POOL_FEE", "500")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Strategy.Tolerance)
	assert.True(t, cfg.Strategy.MinDepositUSD.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, uint32(500), cfg.Pool.Fee)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }},
		{"negative tolerance", func(c *Config) { c.Strategy.Tolerance = -time.Second }},
		{"zero range", func(c *Config) { c.Strategy.RangePercent = decimal.Zero }},
		{"take profit above 100", func(c *Config) { c.Strategy.TakeProfitPercent = decimal.NewFromInt(101) }},
		{"slippage of 100", func(c *Config) { c.Strategy.SwapSlippage = decimal.NewFromInt(100) }},
		{"gas min above max", func(c *Config) { c.Gas.MinReserve = decimal.NewFromInt(1) }},
		{"same tokens", func(c *Config) { c.Pool.Quote = c.Pool.Base }},
		{"bad token address", func(c *Config) { c.Pool.Base.Address = "0x1234" }},
		{"unsupported fee", func(c *Config) { c.Pool.Fee = 2500 }},
		{"wrapped native outside pair", func(c *Config) { c.Pool.WrappedNative = "DAI" }},
		{"zero read concurrency", func(c *Config) { c.Chain.ReadConcurrency = 0 }},
		{"non-url feed", func(c *Config) { c.PriceFeed.URL = "not a url" }},
		{"zero sim price", func(c *Config) { c.Sim.Price = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSimPoolPrice_FollowsCanonicalOrder(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	// USDC sorts before WETH, so the pool quotes WETH per USDC.
	assert.True(t, cfg.SimPoolPrice().Equal(decimal.RequireFromString("0.0005")))

	cfg.Pool.Base, cfg.Pool.Quote = cfg.Pool.Quote, cfg.Pool.Base
	cfg.Sim.Price = decimal.RequireFromString("0.0005")
	assert.True(t, cfg.SimPoolPrice().Equal(decimal.RequireFromString("0.0005")))
}
