package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func infoServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/info", r.URL.Path)
		var req InfoRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "allMids", req.Type)

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_DefaultURLs(t *testing.T) {
	assert.Equal(t, mainnetURL, NewClient(ClientConfig{}, logger.Discard()).config.BaseURL)
	assert.Equal(t, testnetURL, NewClient(ClientConfig{Testnet: true}, logger.Discard()).config.BaseURL)
	assert.Equal(t, "http://x", NewClient(ClientConfig{BaseURL: "http://x", Testnet: true}, logger.Discard()).config.BaseURL)
}

func TestClient_MarkPrices(t *testing.T) {
	srv := infoServer(t, http.StatusOK, `{"BTC":"50000.5","ETH":"3000","SOL":"oops","DOGE":"0"}`)
	c := NewClient(ClientConfig{BaseURL: srv.URL}, logger.Discard())

	marks, err := c.MarkPrices(context.Background(), []string{"BTC", "ETH", "SOL", "DOGE", "XRP"})
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.True(t, marks["BTC"].Equal(d("50000.5")))
	assert.True(t, marks["ETH"].Equal(d("3000")))
}

func TestClient_MarkPricesNothingUsable(t *testing.T) {
	srv := infoServer(t, http.StatusOK, `{"BTC":"50000"}`)
	c := NewClient(ClientConfig{BaseURL: srv.URL}, logger.Discard())

	_, err := c.MarkPrices(context.Background(), []string{"XRP"})
	assert.ErrorIs(t, err, ErrNoPrices)
}

func TestClient_APIError(t *testing.T) {
	srv := infoServer(t, http.StatusTooManyRequests, `rate limited`)
	c := NewClient(ClientConfig{BaseURL: srv.URL}, logger.Discard())

	_, err := c.MarkPrices(context.Background(), []string{"BTC"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestClient_HonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	c := NewClient(ClientConfig{BaseURL: srv.URL}, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.MarkPrices(ctx, []string{"BTC"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func wsServer(t *testing.T, pushes ...string) *httptest.Server {
	t.Helper()
	return delayedWSServer(t, 0, pushes...)
}

// delayedWSServer waits delay after the subscription before pushing
func delayedWSServer(t *testing.T, delay time.Duration, pushes ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.Contains(t, string(msg), `"allMids"`)
		time.Sleep(delay)

		for _, p := range pushes {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// hold the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_MarkPrices(t *testing.T) {
	srv := wsServer(t,
		`{"channel":"subscriptionResponse","data":{}}`,
		`{"channel":"allMids","data":{"mids":{"BTC":"50000","ETH":"bad"}}}`,
		`{"channel":"allMids","data":{"mids":{"BTC":"50100","SOL":"150.25"}}}`,
	)
	s := NewStream(StreamConfig{WSURL: wsURL(srv)}, logger.Discard())
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Connected())

	require.Eventually(t, func() bool {
		tk, ok := s.Ticker("SOL")
		return ok && tk.MarkPrice.Equal(d("150.25"))
	}, 2*time.Second, 10*time.Millisecond)

	marks, err := s.MarkPrices(context.Background(), []string{"BTC", "ETH", "SOL"})
	require.NoError(t, err)
	assert.True(t, marks["BTC"].Equal(d("50100")))
	assert.True(t, marks["SOL"].Equal(d("150.25")))
	_, hasETH := marks["ETH"]
	assert.False(t, hasETH)
}

func TestStream_StalePrices(t *testing.T) {
	srv := wsServer(t, `{"channel":"allMids","data":{"mids":{"BTC":"50000"}}}`)
	s := NewStream(StreamConfig{WSURL: wsURL(srv), MaxAge: time.Nanosecond}, logger.Discard())
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := s.Ticker("BTC")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(time.Millisecond)
	_, err := s.MarkPrices(context.Background(), []string{"BTC"})
	assert.ErrorIs(t, err, ErrStalePrices)
}

func TestStream_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	s := NewStream(StreamConfig{WSURL: wsURL(srv)}, logger.Discard())

	_, err := s.MarkPrices(context.Background(), []string{"BTC"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, s.Connected())
}

func TestStream_RedialWaitsForFirstPush(t *testing.T) {
	srv := delayedWSServer(t, 100*time.Millisecond,
		`{"channel":"subscriptionResponse","data":{}}`,
		`{"channel":"allMids","data":{"mids":{"BTC":"50000"}}}`,
	)
	s := NewStream(StreamConfig{WSURL: wsURL(srv)}, logger.Discard())
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	marks, err := s.MarkPrices(ctx, []string{"BTC"})
	require.NoError(t, err)
	assert.True(t, marks["BTC"].Equal(d("50000")))
	assert.True(t, s.Connected())
}

func TestStream_RedialWaitBoundedByContext(t *testing.T) {
	srv := wsServer(t)
	s := NewStream(StreamConfig{WSURL: wsURL(srv)}, logger.Discard())
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.MarkPrices(ctx, []string{"BTC"})
	assert.ErrorIs(t, err, ErrStalePrices)
	assert.Less(t, time.Since(start), 2*time.Second)
}
