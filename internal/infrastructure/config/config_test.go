package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"APP_ENVIRONMENT", "APP_INTERVAL", "FEED_SOURCE", "FEED_BASE_URL", "FEED_WS_URL", "FEED_TESTNET",
	"TRADING_ENABLED", "TRADING_INITIAL_BALANCE", "RISK_MAX_POSITION_SIZE_PCT", "RISK_MAX_LEVERAGE",
	"STORAGE_DRIVER", "STORAGE_PATH", "STORAGE_POSTGRES_DSN", "STORAGE_POSTGRES_PASSWORD",
	"DECISION_PATH", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3*time.Minute, cfg.App.Interval)
	assert.Equal(t, 10000.0, cfg.Trading.InitialBalance)
	assert.Equal(t, 20, cfg.Trading.DefaultLeverage)
	assert.Equal(t, 20.0, cfg.Trading.DefaultPositionSizePct)
	assert.True(t, cfg.Trading.EnableTrading)
	assert.Equal(t, 25.0, cfg.Risk.MaxPositionSizePct)
	assert.Equal(t, 3, cfg.Risk.MaxSimultaneousPositions)
	assert.Equal(t, 20.0, cfg.Risk.MaxDrawdownPct)
	assert.Equal(t, 500, cfg.Portfolio.MaxEquityPoints)
	assert.Equal(t, StorageFile, cfg.Storage.Driver)
	assert.Equal(t, ExchangeModePaper, cfg.Exchange.Mode)
}

func TestLoad_FileMergesWithDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
app:
  interval: 5m
feed:
  source: static
  prices:
    BTC: 50000
    eth: 3000
trading:
  symbols: [btc, " eth "]
  enable_trading: false
risk:
  max_leverage: 50
  max_simultaneous_positions: 5
storage:
  driver: postgres
  postgres:
    host: db
    params:
      application_name: papertrader
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.App.Interval)
	assert.Equal(t, FeedStatic, cfg.Feed.Source)
	assert.Equal(t, 50000.0, cfg.Feed.Prices["BTC"])
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Trading.Symbols)
	assert.False(t, cfg.Trading.EnableTrading)
	assert.Equal(t, 50, cfg.Risk.MaxLeverage)
	assert.Equal(t, 5, cfg.Risk.MaxSimultaneousPositions)
	assert.Equal(t, 25.0, cfg.Risk.MaxPositionSizePct, "untouched keys keep defaults")
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, "db", cfg.Storage.Postgres.Host)
	assert.Equal(t, "papertrader", cfg.Storage.Postgres.Params["application_name"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_INTERVAL", "1m")
	t.Setenv("TRADING_INITIAL_BALANCE", "2500.5")
	t.Setenv("TRADING_ENABLED", "0")
	t.Setenv("RISK_MAX_LEVERAGE", "40")
	t.Setenv("STORAGE_PATH", "/tmp/ledger.json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.App.Interval)
	assert.Equal(t, 2500.5, cfg.Trading.InitialBalance)
	assert.False(t, cfg.Trading.EnableTrading)
	assert.Equal(t, 40, cfg.Risk.MaxLeverage)
	assert.Equal(t, "/tmp/ledger.json", cfg.Storage.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("RISK_MAX_LEVERAGE", "lots")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "app: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, ok: true},
		{name: "live mode", mutate: func(c *Config) { c.Exchange.Mode = "live" }},
		{name: "zero interval", mutate: func(c *Config) { c.App.Interval = 0 }},
		{name: "unknown feed", mutate: func(c *Config) { c.Feed.Source = "carrier-pigeon" }},
		{name: "static feed without prices", mutate: func(c *Config) { c.Feed.Source = FeedStatic }},
		{name: "static feed with bad price", mutate: func(c *Config) {
			c.Feed.Source = FeedStatic
			c.Feed.Prices = map[string]float64{"BTC": -1}
		}},
		{name: "no symbols", mutate: func(c *Config) { c.Trading.Symbols = nil }},
		{name: "blank symbol", mutate: func(c *Config) { c.Trading.Symbols = []string{"BTC", " "} }},
		{name: "zero balance", mutate: func(c *Config) { c.Trading.InitialBalance = 0 }},
		{name: "default leverage above max", mutate: func(c *Config) { c.Trading.DefaultLeverage = 21 }},
		{name: "max leverage above 100", mutate: func(c *Config) { c.Risk.MaxLeverage = 101 }},
		{name: "position pct above 100", mutate: func(c *Config) { c.Risk.MaxPositionSizePct = 150 }},
		{name: "zero drawdown", mutate: func(c *Config) { c.Risk.MaxDrawdownPct = 0 }},
		{name: "no positions allowed", mutate: func(c *Config) { c.Risk.MaxSimultaneousPositions = 0 }},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "s3" }},
		{name: "file storage without path", mutate: func(c *Config) { c.Storage.Path = "" }},
		{name: "negative equity cap", mutate: func(c *Config) { c.Portfolio.MaxEquityPoints = -1 }},
		{name: "unbounded equity curve", mutate: func(c *Config) { c.Portfolio.MaxEquityPoints = 0 }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
