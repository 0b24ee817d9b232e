package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickBufferSize   = 1024             // buffer for high-rate trade streams
)

// StreamConfig parameterizes a StreamClient for one venue's websocket.
type StreamConfig struct {
	Venue   string
	URL     string
	Symbols []string

	// Subscribe builds the message sent after every (re)connect. Nil skips
	// the subscription handshake.
	Subscribe func(symbols []string) any

	// Parse decodes one stream message into zero or more ticks. Nil uses
	// ParseTradeMessage.
	Parse func(data []byte) ([]RawTick, error)

	// OnDown is invoked once per disconnect, before the reconnect backoff.
	OnDown func(since time.Time)
}

// StreamClient is a generic websocket trade stream. It handles connection
// lifecycle, the subscription handshake, message decoding, and automatic
// reconnection with exponential backoff; the venue-specific wire shape lives
// in the configured Subscribe and Parse functions.
type StreamClient struct {
	cfg    StreamConfig
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes
	ticks  chan RawTick
	logger *slog.Logger
}

// NewStreamClient builds a client for one venue stream.
func NewStreamClient(cfg StreamConfig, logger *slog.Logger) *StreamClient {
	if cfg.Parse == nil {
		cfg.Parse = ParseTradeMessage
	}
	if cfg.Subscribe == nil {
		cfg.Subscribe = DefaultSubscribe
	}
	return &StreamClient{
		cfg:    cfg,
		ticks:  make(chan RawTick, tickBufferSize),
		logger: logger.With("component", "stream", "venue", cfg.Venue),
	}
}

// Name returns the venue this stream serves.
func (c *StreamClient) Name() string { return c.cfg.Venue }

// Ticks returns the decoded trade stream.
func (c *StreamClient) Ticks() <-chan RawTick { return c.ticks }

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled; the tick channel is closed on return.
func (c *StreamClient) Run(ctx context.Context) error {
	defer close(c.ticks)
	backoff := time.Second

	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.cfg.OnDown != nil {
			c.cfg.OnDown(time.Now())
		}
		c.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close tears down the current connection; Run will reconnect unless its
// context is cancelled.
func (c *StreamClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *StreamClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if c.cfg.Subscribe != nil {
		if err := c.writeJSON(c.cfg.Subscribe(c.cfg.Symbols)); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.logger.Info("stream connected", "symbols", len(c.cfg.Symbols))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.dispatchMessage(ctx, msg)
	}
}

func (c *StreamClient) dispatchMessage(ctx context.Context, data []byte) {
	ticks, err := c.cfg.Parse(data)
	if err != nil {
		c.logger.Error("decode stream message", "error", err)
		return
	}
	for _, t := range ticks {
		select {
		case c.ticks <- t:
		case <-ctx.Done():
			return
		default:
			c.logger.Warn("tick channel full, dropping tick", "symbol", t.Symbol)
		}
	}
}

func (c *StreamClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *StreamClient) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *StreamClient) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}

// DefaultSubscribe builds the plain subscription handshake most bridge
// streams accept.
func DefaultSubscribe(symbols []string) any {
	return map[string]any{"op": "subscribe", "args": symbols}
}

// tradeMessage is the bridge wire shape trade streams are normalized to:
//
//	{"type":"trade","symbol":"BTC-USDT","price":"64123.5","qty":"0.25",
//	 "side":"SELL","trade_id":"8841034","ts":1718000000123}
//
// ts is unix milliseconds. side may be omitted.
type tradeMessage struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
	Side    string `json:"side"`
	TradeID string `json:"trade_id"`
	TS      int64  `json:"ts"`
}

// ParseTradeMessage decodes one bridge-shape message. Non-trade messages
// (heartbeats, subscription acks) decode to no ticks and no error.
func ParseTradeMessage(data []byte) ([]RawTick, error) {
	var msg tradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal trade: %w", err)
	}
	if msg.Type != "trade" {
		return nil, nil
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("trade price %q: %w", msg.Price, err)
	}
	qty, err := decimal.NewFromString(msg.Qty)
	if err != nil {
		return nil, fmt.Errorf("trade qty %q: %w", msg.Qty, err)
	}
	return []RawTick{{
		Symbol:    msg.Symbol,
		Timestamp: time.UnixMilli(msg.TS).UTC(),
		Price:     price,
		Volume:    qty,
		Side:      msg.Side,
		TradeID:   msg.TradeID,
	}}, nil
}
