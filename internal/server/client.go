package server

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/logging"
)

const writeWait = 10 * time.Second

// inboundFrame is a raw frame read from a client, on its way to the hub loop.
type inboundFrame struct {
	client *Client
	data   []byte
}

// Client is the transport half of a session: one WebSocket connection and
// its read and write pumps. The hub owns the send channel and is the only
// goroutine that closes it.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	addr      string
	ip        string
	sessionID string

	rateLimiter    *rateLimiter
	maxMessageSize int64
	heartbeat      HeartbeatConfig

	// set by the hub before it closes send; read by writePump afterwards
	closeCode   int
	closeReason string
}

// NewClient wraps an upgraded connection. ip is the address the ban check
// ran against.
func NewClient(conn *websocket.Conn, hub *Hub, addr, ip string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		addr:           addr,
		ip:             ip,
		rateLimiter:    newRateLimiter(cfg.FrameLimit),
		maxMessageSize: cfg.MaxMessageSize,
		heartbeat:      cfg.Heartbeat,
		closeCode:      websocket.CloseNormalClosure,
	}
}

// setupReadConnection arms the read deadline and refreshes it, and the
// session's liveness, on every pong.
func (c *Client) setupReadConnection() {
	timeout := c.heartbeat.Timeout()
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		logging.Debug("Failed to set initial read deadline", zap.String("remote_addr", c.addr), zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			logging.Debug("Failed to set read deadline in pong handler", zap.String("remote_addr", c.addr), zap.Error(err))
		}
		c.hub.touch(c)
		return nil
	})
}

// handleReadError logs the read failure at a level matching how expected it
// was. Every read error ends the pump.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logging.Warn("Message exceeded maximum size",
			zap.String("remote_addr", c.addr),
			zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		logging.Debug("Client disconnected", zap.String("remote_addr", c.addr), zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		logging.Debug("Client connection closed", zap.String("remote_addr", c.addr), zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		logging.Warn("Unexpected WebSocket close", zap.String("remote_addr", c.addr), zap.Error(err))
	default:
		logging.Debug("WebSocket read error", zap.String("remote_addr", c.addr), zap.Error(err))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logging.Debug("Error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.heartbeat.Timeout())); err != nil {
			logging.Debug("Failed to extend read deadline", zap.String("remote_addr", c.addr), zap.Error(err))
		}

		if !c.rateLimiter.allow() {
			c.hub.metrics.RecordFrameLimited()
			logging.Debug("Frame rate limit exceeded, discarding frame", zap.String("remote_addr", c.addr))
			continue
		}

		if !c.hub.deliver(inboundFrame{client: c, data: data}) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat.Interval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			c.writeCloseMessage()
			return false
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.writePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		logging.Debug("Error closing connection in writePump", zap.Error(err))
	}
}

func (c *Client) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		logging.Debug("Error writing close message", zap.String("remote_addr", c.addr), zap.Error(err))
	}
}

// writeTextMessage writes one JSON frame. Frames are never coalesced.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Debug("Error setting write deadline", zap.String("remote_addr", c.addr), zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			logging.Debug("Error writing message", zap.String("remote_addr", c.addr), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			logging.Debug("Error writing ping", zap.String("remote_addr", c.addr), zap.Error(err))
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
