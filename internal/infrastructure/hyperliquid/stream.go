package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/adapter/gateway"
	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

const (
	mainnetWSURL = "wss://api.hyperliquid.xyz/ws"
	testnetWSURL = "wss://api.hyperliquid-testnet.xyz/ws"
)

var (
	ErrNotConnected = errors.New("websocket not connected")
	ErrStalePrices  = errors.New("mark prices are stale")
)

// Ensure Stream implements PriceFeed
var _ gateway.PriceFeed = (*Stream)(nil)

// StreamConfig contains WebSocket feed configuration
type StreamConfig struct {
	WSURL   string
	Testnet bool
	// MaxAge is how old a cached mid may be before it is refused
	MaxAge time.Duration
}

// Stream keeps the latest allMids push per symbol. A dropped connection is
// redialed on the next MarkPrices call.
type Stream struct {
	config StreamConfig
	log    *logger.Logger
	dialer *websocket.Dialer

	// WebSocket
	wsConn      *websocket.Conn
	wsMu        sync.RWMutex
	wsConnected bool
	wsDone      chan struct{}
	wsReady     chan struct{}

	// Cache
	tickers  map[string]entity.Ticker
	tickerMu sync.RWMutex
}

// NewStream creates a new allMids stream
func NewStream(config StreamConfig, log *logger.Logger) *Stream {
	if config.WSURL == "" {
		if config.Testnet {
			config.WSURL = testnetWSURL
		} else {
			config.WSURL = mainnetWSURL
		}
	}
	if config.MaxAge <= 0 {
		config.MaxAge = time.Minute
	}
	if log == nil {
		log = logger.Default()
	}

	return &Stream{
		config:  config,
		log:     log.WithField("component", "hyperliquid-ws"),
		dialer:  websocket.DefaultDialer,
		tickers: make(map[string]entity.Ticker),
	}
}

// Connect dials the WebSocket and subscribes to allMids
func (s *Stream) Connect(ctx context.Context) error {
	s.log.Info("Connecting to %s", s.config.WSURL)

	conn, _, err := s.dialer.DialContext(ctx, s.config.WSURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	sub := map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]interface{}{
			"type": "allMids",
		},
	}
	data, err := json.Marshal(sub)
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe allMids: %w", err)
	}

	done := make(chan struct{})
	ready := make(chan struct{})
	s.wsMu.Lock()
	if s.wsConn != nil {
		// previous connection dropped without Close
		close(s.wsDone)
		s.wsConn.Close()
	}
	s.wsConn = conn
	s.wsConnected = true
	s.wsDone = done
	s.wsReady = ready
	s.wsMu.Unlock()

	// Start read loop
	go s.wsReadLoop(conn, done, ready)

	s.log.Info("Subscribed to allMids")
	return nil
}

// Close closes the WebSocket
func (s *Stream) Close() error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	if s.wsConn == nil {
		return nil
	}
	s.wsConnected = false
	close(s.wsDone)
	err := s.wsConn.Close()
	s.wsConn = nil
	return err
}

// Connected reports whether the read loop is running
func (s *Stream) Connected() bool {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	return s.wsConnected
}

// MarkPrices returns cached mids for symbols. Mids older than MaxAge are
// skipped; if nothing usable is cached the call fails. After a redial it
// waits for the first allMids push until ctx is done.
func (s *Stream) MarkPrices(ctx context.Context, symbols []string) (entity.MarkPrices, error) {
	if !s.Connected() {
		if err := s.Connect(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		s.awaitFirstPush(ctx)
	}

	cutoff := time.Now().Add(-s.config.MaxAge)
	marks := make(entity.MarkPrices, len(symbols))

	s.tickerMu.RLock()
	defer s.tickerMu.RUnlock()
	for _, symbol := range symbols {
		t, ok := s.tickers[symbol]
		if !ok || t.Timestamp.Before(cutoff) {
			continue
		}
		marks[symbol] = t.MarkPrice
	}
	if len(symbols) > 0 && len(marks) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrStalePrices, symbols)
	}
	return marks, nil
}

func (s *Stream) awaitFirstPush(ctx context.Context) {
	s.wsMu.RLock()
	ready, done := s.wsReady, s.wsDone
	s.wsMu.RUnlock()

	select {
	case <-ready:
	case <-done:
	case <-ctx.Done():
		s.log.Warn("No allMids push since reconnect: %v", ctx.Err())
	}
}

// Ticker returns the cached observation for symbol
func (s *Stream) Ticker(symbol string) (entity.Ticker, bool) {
	s.tickerMu.RLock()
	defer s.tickerMu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

// wsReadLoop reads messages from WebSocket
func (s *Stream) wsReadLoop(conn *websocket.Conn, done, ready chan struct{}) {
	defer func() {
		s.wsMu.Lock()
		if s.wsConn == conn {
			s.wsConnected = false
		}
		s.wsMu.Unlock()
	}()

	for {
		select {
		case <-done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error("WebSocket read error: %v", err)
			}
			return
		}

		if s.handleWSMessage(message) && ready != nil {
			close(ready)
			ready = nil
		}
	}
}

// handleWSMessage processes incoming WebSocket messages and reports
// whether mids were stored
func (s *Stream) handleWSMessage(data []byte) bool {
	var msg struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}

	if msg.Channel == "allMids" {
		return s.handleAllMids(msg.Data)
	}
	return false
}

// handleAllMids stores every parsable mid
func (s *Stream) handleAllMids(data json.RawMessage) bool {
	var midsData struct {
		Mids map[string]string `json:"mids"`
	}
	if err := json.Unmarshal(data, &midsData); err != nil {
		return false
	}

	now := time.Now()
	s.tickerMu.Lock()
	defer s.tickerMu.Unlock()
	for symbol, raw := range midsData.Mids {
		mid, err := decimal.NewFromString(raw)
		if err != nil || !mid.IsPositive() {
			continue
		}
		s.tickers[symbol] = entity.Ticker{Symbol: symbol, MarkPrice: mid, Timestamp: now}
	}
	return true
}
