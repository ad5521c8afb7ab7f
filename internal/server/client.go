// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Client is one authenticated WebSocket connection. It is bound to a single
// user identity for its whole lifetime.
type Client struct {
	id             string
	user           chat.UserIdentity
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool // guarded by the registry lock
	maxMessageSize int64
	limiter        *rate.Limiter
	kickOnce       sync.Once
	log            *zap.Logger
}

// NewClient creates a Client for an upgraded connection. conn may be nil
// for connections that are driven directly through the Hub, as in tests.
func NewClient(conn *websocket.Conn, hub *Hub, user chat.UserIdentity, addr string) *Client {
	opts := hub.opts
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:             id,
		user:           user,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: opts.MaxMessageSize,
		limiter:        newRateLimiter(opts.RateLimit),
		log: hub.log.With(
			zap.String("conn", id),
			zap.String("user", user.ID),
			zap.String("addr", addr),
		),
	}
}

// ID returns the connection ID.
func (c *Client) ID() string { return c.id }

// UserID returns the ID of the user bound to the connection.
func (c *Client) UserID() string { return c.user.ID }

// User returns the identity bound to the connection.
func (c *Client) User() chat.UserIdentity { return c.user }

// kick closes the transport so the read pump unwinds and unregisters the
// client. Safe to call more than once.
func (c *Client) kick() {
	c.kickOnce.Do(func() {
		if c.conn == nil {
			go c.hub.Unregister(c)
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("close connection", zap.Error(err))
		}
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("set read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError records why the read loop stopped.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("frame exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether another inbound event may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.hub.metrics.rejected.WithLabelValues("rate_limited").Inc()
		c.log.Warn("rate limit exceeded; discarding event",
			zap.Int("burst", c.limiter.Burst()),
			zap.Float64("per_second", float64(c.limiter.Limit())))
		return false
	}
	return true
}

// processFrame decodes every newline-separated envelope in a frame and
// dispatches them in order.
func (c *Client) processFrame(frame []byte) {
	for _, raw := range bytes.Split(frame, []byte{'\n'}) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		if !c.checkRateLimit() {
			continue
		}

		ev, err := chat.DecodeInbound(raw)
		if err != nil {
			c.hub.reject(c, "", err)
			continue
		}
		c.hub.dispatch(c, ev)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("close connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.processFrame(frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("close connection in writePump", zap.Error(err))
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("write close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes a message and everything already queued behind it
// into one frame, separated by newlines.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Warn("create writer", zap.Error(err))
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.log.Warn("write message", zap.Error(err))
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Warn("write separator", zap.Error(err))
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.log.Warn("write queued message", zap.Error(err))
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Warn("close writer", zap.Error(err))
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("write ping", zap.Error(err))
		return false
	}
	return true
}
