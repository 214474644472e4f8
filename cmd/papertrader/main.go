package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/adapter/gateway"
	"github.com/zono819/papertrade-engine/internal/domain/repository"
	"github.com/zono819/papertrade-engine/internal/infrastructure/config"
	"github.com/zono819/papertrade-engine/internal/infrastructure/decision"
	"github.com/zono819/papertrade-engine/internal/infrastructure/feed"
	"github.com/zono819/papertrade-engine/internal/infrastructure/hyperliquid"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
	"github.com/zono819/papertrade-engine/internal/infrastructure/statestore"
	"github.com/zono819/papertrade-engine/internal/usecase"
	"github.com/zono819/papertrade-engine/internal/usecase/portfolio"
	"github.com/zono819/papertrade-engine/internal/usecase/risk"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config/config.yaml", "path to config file (empty for defaults)")
	showVersion := flag.Bool("version", false, "show version")
	once := flag.Bool("once", false, "run a single cycle and exit")
	status := flag.Bool("status", false, "print the account status as JSON and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("papertrader %s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, closer, err := logger.Open(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger.SetDefault(log)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("Received signal: %v, initiating graceful shutdown...", sig)
		cancel()
	}()

	if err := run(ctx, cfg, mode{once: *once, status: *status}, log); err != nil {
		log.Error("Paper trader error: %v", err)
		closer.Close()
		os.Exit(1)
	}
}

type mode struct {
	once   bool
	status bool
}

func run(ctx context.Context, cfg *config.Config, m mode, log *logger.Logger) error {
	log.Info("Starting %s in %s mode (%s exchange)", cfg.App.Name, cfg.App.Environment, cfg.Exchange.Mode)
	log.Info("Symbols: %v, feed: %s, storage: %s", cfg.Trading.Symbols, cfg.Feed.Source, cfg.Storage.Driver)

	priceFeed, closeFeed, err := newFeed(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create feed: %w", err)
	}
	defer closeFeed()

	store, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStore()

	engine, err := newEngine(ctx, cfg, priceFeed, store, log)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if m.status {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(engine.Status(ctx))
	}

	parser := decision.NewParser(firstSymbol(cfg.Trading.Symbols), log)
	src := decision.NewFileSource(cfg.Decision.Path, parser, engine.SavedAt(), log)

	if m.once {
		trade, err := src.Next(ctx)
		if err != nil {
			return fmt.Errorf("read decision: %w", err)
		}
		res, err := engine.RunCycle(ctx, &trade)
		if err != nil {
			return err
		}
		log.Info("Cycle %d finished: %s %s", res.Cycle, res.Outcome, res.Reason)
		return nil
	}

	// Run until the context is cancelled
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, src, cfg.App.Interval) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	log.Info("Shutting down...")
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(cfg.App.GracePeriod):
		return fmt.Errorf("cycle did not stop within %s", cfg.App.GracePeriod)
	}

	log.Info("Paper trader stopped")
	return nil
}

func newFeed(ctx context.Context, cfg *config.Config, log *logger.Logger) (gateway.PriceFeed, func(), error) {
	switch cfg.Feed.Source {
	case config.FeedStatic:
		return feed.NewStatic(cfg.Feed.Prices), func() {}, nil
	case config.FeedWS:
		stream := hyperliquid.NewStream(hyperliquid.StreamConfig{
			WSURL:   cfg.Feed.WSURL,
			Testnet: cfg.Feed.Testnet,
			MaxAge:  2 * cfg.App.Interval,
		}, log)
		if err := stream.Connect(ctx); err != nil {
			log.Warn("WebSocket connect failed, retrying on first cycle: %v", err)
		}
		return stream, func() { stream.Close() }, nil
	default:
		client := hyperliquid.NewClient(hyperliquid.ClientConfig{
			BaseURL: cfg.Feed.BaseURL,
			Testnet: cfg.Feed.Testnet,
			Timeout: cfg.Feed.Timeout,
		}, log)
		return client, func() {}, nil
	}
}

func newStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.LedgerRepository, func(), error) {
	initial := decimal.NewFromFloat(cfg.Trading.InitialBalance)

	if cfg.Storage.Driver != config.StoragePostgres {
		return statestore.NewFileStore(cfg.Storage.Path, initial, log), func() {}, nil
	}

	pg := cfg.Storage.Postgres
	store, err := statestore.OpenPostgres(ctx, statestore.PostgresOptions{
		Host:         pg.Host,
		Port:         pg.Port,
		User:         pg.User,
		Password:     pg.Password,
		Database:     pg.Database,
		SSLMode:      pg.SSLMode,
		Params:       pg.Params,
		DSN:          pg.DSN,
		MaxOpenConns: pg.MaxOpenConns,
	}, cfg.Storage.Account, initial, log)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn("Close storage: %v", err)
		}
	}, nil
}

func newEngine(ctx context.Context, cfg *config.Config, priceFeed gateway.PriceFeed,
	store repository.LedgerRepository, log *logger.Logger) (*usecase.Engine, error) {
	riskChecker := risk.NewChecker(&risk.Config{
		Symbols:                  cfg.Trading.Symbols,
		EnableTrading:            cfg.Trading.EnableTrading,
		MaxPositionSizePct:       decimal.NewFromFloat(cfg.Risk.MaxPositionSizePct),
		MaxSimultaneousPositions: cfg.Risk.MaxSimultaneousPositions,
		MaxDrawdownPct:           decimal.NewFromFloat(cfg.Risk.MaxDrawdownPct),
		MaxLeverage:              cfg.Risk.MaxLeverage,
	})

	tracker := portfolio.NewTracker(portfolio.Config{
		Interval:        cfg.App.Interval,
		MaxEquityPoints: cfg.Portfolio.MaxEquityPoints,
	}, log)

	engine, err := usecase.NewEngine(ctx, usecase.Config{
		Symbols:                cfg.Trading.Symbols,
		DefaultPositionSizePct: decimal.NewFromFloat(cfg.Trading.DefaultPositionSizePct),
		DefaultLeverage:        cfg.Trading.DefaultLeverage,
		MaxLeverage:            cfg.Risk.MaxLeverage,
		FeedTimeout:            cfg.Feed.Timeout,
	}, priceFeed, store, riskChecker, tracker, log)
	if errors.Is(err, usecase.ErrFatal) {
		log.Error("Stored ledger rejected, refusing to start")
	}
	return engine, err
}

func firstSymbol(symbols []string) string {
	if len(symbols) == 0 {
		return ""
	}
	return symbols[0]
}
