package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/adapter/gateway"
	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

const (
	mainnetURL = "https://api.hyperliquid.xyz"
	testnetURL = "https://api.hyperliquid-testnet.xyz"
)

// ErrNoPrices is returned when none of the requested symbols has a usable price
var ErrNoPrices = errors.New("no mark prices for requested symbols")

// Ensure Client implements PriceFeed
var _ gateway.PriceFeed = (*Client)(nil)

// ClientConfig holds configuration for the Hyperliquid API client
type ClientConfig struct {
	BaseURL string
	Testnet bool
	Timeout time.Duration
}

// Client is a Hyperliquid info API client
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a new Hyperliquid API client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.BaseURL == "" {
		if config.Testnet {
			config.BaseURL = testnetURL
		} else {
			config.BaseURL = mainnetURL
		}
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		log: log.WithField("component", "hyperliquid"),
	}
}

// InfoRequest represents an info API request
type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// GetAllMids retrieves mid prices for all assets
func (c *Client) GetAllMids(ctx context.Context) (map[string]string, error) {
	req := InfoRequest{Type: "allMids"}
	respBody, err := c.doRequest(ctx, "/info", req)
	if err != nil {
		return nil, err
	}

	var result map[string]string
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return result, nil
}

// MarkPrices polls allMids and returns the mids of symbols as mark prices
func (c *Client) MarkPrices(ctx context.Context, symbols []string) (entity.MarkPrices, error) {
	mids, err := c.GetAllMids(ctx)
	if err != nil {
		return nil, fmt.Errorf("allMids: %w", err)
	}
	return pickMids(mids, symbols, c.log)
}

// pickMids converts the requested mids, skipping unparsable or missing ones
func pickMids(mids map[string]string, symbols []string, log *logger.Logger) (entity.MarkPrices, error) {
	marks := make(entity.MarkPrices, len(symbols))
	for _, symbol := range symbols {
		raw, ok := mids[symbol]
		if !ok {
			log.Warn("No mid for %s", symbol)
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil || !price.IsPositive() {
			log.Warn("Bad mid for %s: %q", symbol, raw)
			continue
		}
		marks[symbol] = price
	}
	if len(symbols) > 0 && len(marks) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoPrices, symbols)
	}
	return marks, nil
}
