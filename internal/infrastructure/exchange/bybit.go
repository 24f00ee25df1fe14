package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/option_price_monitor/internal/domain"
)

const (
	MainnetRESTURL = "https://api.bybit.com"
	MainnetWSURL   = "wss://stream.bybit.com/v5/public/option"
	TestnetRESTURL = "https://api-testnet.bybit.com"
	TestnetWSURL   = "wss://stream-testnet.bybit.com/v5/public/option"

	maxReconnectWait = 60 * time.Second
)

// BybitFeed streams option ticker prices over the Bybit v5 public websocket
// and serves spot prices over REST. It reconnects with capped exponential
// backoff; subscription state does not survive a reconnect, so registered
// reconnect hooks must re-issue it.
type BybitFeed struct {
	wsURL   string
	restURL string
	client  *http.Client
	logger  *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	closing        bool
	callbacks      []func(domain.PriceUpdate)
	reconnectHooks []func()
}

func NewBybitFeed(restURL, wsURL string, logger *zap.Logger) *BybitFeed {
	return &BybitFeed{
		wsURL:   wsURL,
		restURL: restURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (b *BybitFeed) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.wsURL, err)
	}
	b.conn = conn
	b.connected = true
	b.closing = false
	b.logger.Info("Connected to Bybit option stream", zap.String("url", b.wsURL))

	go b.readLoop(conn)
	return nil
}

func (b *BybitFeed) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closing = true
	b.connected = false
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

func (b *BybitFeed) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *BybitFeed) OnPriceUpdate(callback func(domain.PriceUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

func (b *BybitFeed) OnReconnect(hook func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectHooks = append(b.reconnectHooks, hook)
}

func (b *BybitFeed) Subscribe(symbols []string) error {
	return b.sendOp("subscribe", symbols)
}

func (b *BybitFeed) Unsubscribe(symbols []string) error {
	return b.sendOp("unsubscribe", symbols)
}

func (b *BybitFeed) sendOp(op string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "tickers." + s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return domain.ErrFeedNotConnected
	}
	return b.conn.WriteJSON(map[string]any{"op": op, "args": args})
}

type wsMessage struct {
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type wsTicker struct {
	Symbol     string `json:"symbol"`
	MarkPrice  string `json:"markPrice"`
	LastPrice  string `json:"lastPrice"`
	IndexPrice string `json:"indexPrice"`
}

func (b *BybitFeed) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			closing := b.closing
			b.connected = false
			b.conn = nil
			b.mu.Unlock()

			if closing {
				return
			}
			b.logger.Warn("Websocket read failed, reconnecting", zap.Error(err))
			b.reconnect()
			return
		}
		b.handleMessage(message)
	}
}

func (b *BybitFeed) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		b.logger.Warn("Failed to decode websocket message", zap.Error(err))
		return
	}

	switch {
	case msg.Op == "ping":
		b.mu.Lock()
		if b.conn != nil {
			_ = b.conn.WriteJSON(map[string]any{"op": "pong"})
		}
		b.mu.Unlock()
	case msg.Op == "subscribe" || msg.Op == "unsubscribe":
		if !msg.Success {
			b.logger.Warn("Subscription op rejected", zap.String("op", msg.Op), zap.String("ret_msg", msg.RetMsg))
		}
	case strings.HasPrefix(msg.Topic, "tickers."):
		update, ok := parseTickerUpdate(msg.Topic, msg.Data)
		if !ok {
			return
		}
		b.mu.Lock()
		callbacks := make([]func(domain.PriceUpdate), len(b.callbacks))
		copy(callbacks, b.callbacks)
		b.mu.Unlock()
		for _, cb := range callbacks {
			cb(update)
		}
	}
}

// parseTickerUpdate normalizes a ticker push into a PriceUpdate. Option
// tickers carry the mark price; last and index price are fallbacks.
func parseTickerUpdate(topic string, data json.RawMessage) (domain.PriceUpdate, bool) {
	var ticker wsTicker
	if err := json.Unmarshal(data, &ticker); err != nil {
		return domain.PriceUpdate{}, false
	}

	symbol := ticker.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(topic, "tickers.")
	}

	for _, raw := range []string{ticker.MarkPrice, ticker.LastPrice, ticker.IndexPrice} {
		if raw == "" {
			continue
		}
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price <= 0 {
			continue
		}
		return domain.PriceUpdate{Symbol: symbol, Price: price, ObservedAt: time.Now()}, true
	}
	return domain.PriceUpdate{}, false
}

func (b *BybitFeed) reconnect() {
	wait := time.Second
	for attempt := 1; ; attempt++ {
		b.mu.Lock()
		if b.closing {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		time.Sleep(wait)
		if wait *= 2; wait > maxReconnectWait {
			wait = maxReconnectWait
		}

		if err := b.Connect(context.Background()); err != nil {
			b.logger.Error("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		b.logger.Info("Websocket reconnected", zap.Int("attempt", attempt))
		b.mu.Lock()
		hooks := make([]func(), len(b.reconnectHooks))
		copy(hooks, b.reconnectHooks)
		b.mu.Unlock()
		for _, hook := range hooks {
			hook()
		}
		return
	}
}

// GetSpotPrice fetches the latest spot price over REST. It is the polled
// fallback for instruments the option stream does not cover.
func (b *BybitFeed) GetSpotPrice(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/v5/market/tickers?category=spot&symbol=%s", b.restURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("spot tickers: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				LastPrice  string `json:"lastPrice"`
				MarkPrice  string `json:"markPrice"`
				IndexPrice string `json:"indexPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit spot tickers error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("symbol %s not found", symbol)
	}

	record := result.Result.List[0]
	for _, raw := range []string{record.LastPrice, record.MarkPrice, record.IndexPrice} {
		if raw == "" {
			continue
		}
		if price, err := strconv.ParseFloat(raw, 64); err == nil && price > 0 {
			return price, nil
		}
	}
	return 0, fmt.Errorf("no usable price for %s", symbol)
}
