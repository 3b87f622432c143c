// Package ris implements the RIS Live WebSocket feed: dial, UPDATE
// subscription, and typed frames. Reconnect policy belongs to the caller.
package ris

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const subscribeFrame = `{"type":"ris_subscribe","data":{"type":"UPDATE"}}`

type Client struct {
	url       string
	logger    *zap.Logger
	conn      *websocket.Conn
	connected atomic.Bool
}

func NewClient(url string, logger *zap.Logger) *Client {
	return &Client{url: url, logger: logger}
}

// Connect dials the feed and sends the UPDATE subscription frame.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(subscribeFrame)); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.logger.Info("connected to RIS Live", zap.String("url", c.url))
	return nil
}

// ReadFrame blocks on the socket and returns the next raw frame.
func (c *Client) ReadFrame() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		c.connected.Store(false)
		return nil, err
	}
	return msg, nil
}

func (c *Client) Close() {
	c.connected.Store(false)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// IsReady reports whether the socket is currently connected.
func (c *Client) IsReady() bool {
	return c.connected.Load()
}
