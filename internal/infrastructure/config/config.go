package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Feed sources
const (
	FeedStatic = "static"
	FeedREST   = "rest"
	FeedWS     = "ws"
)

// Storage drivers
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// ExchangeModePaper is the only supported exchange mode
const ExchangeModePaper = "paper"

// Config represents application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Feed      FeedConfig      `yaml:"feed"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Storage   StorageConfig   `yaml:"storage"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
	Decision  DecisionConfig  `yaml:"decision"`
	Log       LogConfig       `yaml:"log"`
}

// AppConfig represents application settings
type AppConfig struct {
	Name        string        `yaml:"name"`
	Environment string        `yaml:"environment"`
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// ExchangeConfig selects the exchange implementation
type ExchangeConfig struct {
	Mode string `yaml:"mode"`
}

// FeedConfig represents mark price feed settings
type FeedConfig struct {
	Source  string             `yaml:"source"`
	BaseURL string             `yaml:"base_url"`
	WSURL   string             `yaml:"ws_url"`
	Testnet bool               `yaml:"testnet"`
	Timeout time.Duration      `yaml:"timeout"`
	Prices  map[string]float64 `yaml:"prices"`
}

// TradingConfig represents account and order defaults
type TradingConfig struct {
	Symbols                []string `yaml:"symbols"`
	InitialBalance         float64  `yaml:"initial_balance"`
	DefaultLeverage        int      `yaml:"default_leverage"`
	DefaultPositionSizePct float64  `yaml:"default_position_size_pct"`
	EnableTrading          bool     `yaml:"enable_trading"`
}

// RiskConfig represents risk management settings
type RiskConfig struct {
	MaxPositionSizePct       float64 `yaml:"max_position_size_pct"`
	MaxSimultaneousPositions int     `yaml:"max_simultaneous_positions"`
	MaxDrawdownPct           float64 `yaml:"max_drawdown_pct"`
	MaxLeverage              int     `yaml:"max_leverage"`
}

// StorageConfig represents ledger persistence settings
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Account  string         `yaml:"account"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig represents PostgreSQL connection settings
type PostgresConfig struct {
	DSN          string            `yaml:"dsn"`
	Host         string            `yaml:"host"`
	Port         int               `yaml:"port"`
	User         string            `yaml:"user"`
	Password     string            `yaml:"password"`
	Database     string            `yaml:"database"`
	SSLMode      string            `yaml:"sslmode"`
	Params       map[string]string `yaml:"params"`
	MaxOpenConns int               `yaml:"max_open_conns"`
}

// PortfolioConfig represents performance tracking settings
type PortfolioConfig struct {
	MaxEquityPoints int `yaml:"max_equity_points"`
}

// DecisionConfig represents the trade decision input
type DecisionConfig struct {
	Path string `yaml:"path"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "papertrader",
			Environment: "development",
			Interval:    3 * time.Minute,
			GracePeriod: 10 * time.Second,
		},
		Exchange: ExchangeConfig{Mode: ExchangeModePaper},
		Feed: FeedConfig{
			Source:  FeedREST,
			Timeout: 10 * time.Second,
		},
		Trading: TradingConfig{
			Symbols:                []string{"BTC", "ETH", "SOL"},
			InitialBalance:         10000,
			DefaultLeverage:        20,
			DefaultPositionSizePct: 20,
			EnableTrading:          true,
		},
		Risk: RiskConfig{
			MaxPositionSizePct:       25,
			MaxSimultaneousPositions: 3,
			MaxDrawdownPct:           20,
			MaxLeverage:              20,
		},
		Storage: StorageConfig{
			Driver:  StorageFile,
			Path:    "data/ledger.json",
			Account: "default",
		},
		Portfolio: PortfolioConfig{MaxEquityPoints: 500},
		Decision:  DecisionConfig{Path: "data/decision.json"},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load loads configuration from YAML file with env overrides. Keys missing
// from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from YAML file
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	if err := cfg.loadEnvOverrides(); err != nil {
		return nil, err
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvOverrides overrides config with environment variables
func (c *Config) loadEnvOverrides() error {
	// App settings
	if v := os.Getenv("APP_ENVIRONMENT"); v != "" {
		c.App.Environment = v
	}
	if v := os.Getenv("APP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("APP_INTERVAL: %w", err)
		}
		c.App.Interval = d
	}

	// Feed settings
	if v := os.Getenv("FEED_SOURCE"); v != "" {
		c.Feed.Source = v
	}
	if v := os.Getenv("FEED_BASE_URL"); v != "" {
		c.Feed.BaseURL = v
	}
	if v := os.Getenv("FEED_WS_URL"); v != "" {
		c.Feed.WSURL = v
	}
	if v := os.Getenv("FEED_TESTNET"); v != "" {
		c.Feed.Testnet = parseBool(v)
	}

	// Trading settings
	if v := os.Getenv("TRADING_ENABLED"); v != "" {
		c.Trading.EnableTrading = parseBool(v)
	}
	if v := os.Getenv("TRADING_INITIAL_BALANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TRADING_INITIAL_BALANCE: %w", err)
		}
		c.Trading.InitialBalance = f
	}

	// Risk settings
	if v := os.Getenv("RISK_MAX_POSITION_SIZE_PCT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RISK_MAX_POSITION_SIZE_PCT: %w", err)
		}
		c.Risk.MaxPositionSizePct = f
	}
	if v := os.Getenv("RISK_MAX_LEVERAGE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RISK_MAX_LEVERAGE: %w", err)
		}
		c.Risk.MaxLeverage = n
	}

	// Storage settings
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("STORAGE_POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("STORAGE_POSTGRES_PASSWORD"); v != "" {
		c.Storage.Postgres.Password = v
	}

	// Decision settings
	if v := os.Getenv("DECISION_PATH"); v != "" {
		c.Decision.Path = v
	}

	// Log settings
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	if c.App.Interval <= 0 {
		return fmt.Errorf("app.interval must be positive")
	}
	if c.App.GracePeriod < 0 {
		return fmt.Errorf("app.grace_period must not be negative")
	}

	if c.Exchange.Mode != ExchangeModePaper {
		return fmt.Errorf("exchange.mode %q not supported, only %q", c.Exchange.Mode, ExchangeModePaper)
	}

	switch c.Feed.Source {
	case FeedStatic:
		if len(c.Feed.Prices) == 0 {
			return fmt.Errorf("feed.prices is required for the static feed")
		}
		for symbol, price := range c.Feed.Prices {
			if price <= 0 {
				return fmt.Errorf("feed.prices.%s must be positive", symbol)
			}
		}
	case FeedREST, FeedWS:
	default:
		return fmt.Errorf("feed.source %q must be one of static, rest, ws", c.Feed.Source)
	}
	if c.Feed.Timeout <= 0 {
		return fmt.Errorf("feed.timeout must be positive")
	}

	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols is required")
	}
	for i, s := range c.Trading.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return fmt.Errorf("trading.symbols[%d] is empty", i)
		}
		c.Trading.Symbols[i] = s
	}
	if c.Trading.InitialBalance <= 0 {
		return fmt.Errorf("trading.initial_balance must be positive")
	}
	if !validPct(c.Trading.DefaultPositionSizePct) {
		return fmt.Errorf("trading.default_position_size_pct must be in (0, 100]")
	}

	if c.Risk.MaxLeverage < 1 || c.Risk.MaxLeverage > 100 {
		return fmt.Errorf("risk.max_leverage must be in 1..100")
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.DefaultLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("trading.default_leverage must be in 1..%d", c.Risk.MaxLeverage)
	}
	if !validPct(c.Risk.MaxPositionSizePct) {
		return fmt.Errorf("risk.max_position_size_pct must be in (0, 100]")
	}
	if c.Risk.MaxSimultaneousPositions < 1 {
		return fmt.Errorf("risk.max_simultaneous_positions must be at least 1")
	}
	if !validPct(c.Risk.MaxDrawdownPct) {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 100]")
	}

	switch c.Storage.Driver {
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file driver")
		}
	case StoragePostgres:
	default:
		return fmt.Errorf("storage.driver %q must be file or postgres", c.Storage.Driver)
	}
	if c.Storage.Account == "" {
		c.Storage.Account = "default"
	}

	if c.Portfolio.MaxEquityPoints < 0 {
		return fmt.Errorf("portfolio.max_equity_points must not be negative")
	}
	return nil
}

func validPct(v float64) bool {
	return v > 0 && v <= 100
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}
