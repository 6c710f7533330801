package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
// In production this is *websocket.Conn; tests substitute mocks.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Frame is the transport wire format in both directions: one event name and
// its payload.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Client represents a single live transport connection. It implements
// types.ClientInterface.
type Client struct {
	conn     wsConnection
	hub      *Hub
	id       types.SessionIDType
	playerID types.PlayerIDType

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte // Buffered channel of outbound frames
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// GetID returns the session id minted at connect time.
func (c *Client) GetID() types.SessionIDType {
	return c.id
}

// GetPlayerID returns the player identity behind this session.
func (c *Client) GetPlayerID() types.PlayerIDType {
	return c.playerID
}

// SendEvent marshals and queues an {event, payload} frame. It never blocks;
// frames to a slow or closed session are dropped.
func (c *Client) SendEvent(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event payload",
			zap.String("sessionId", string(c.id)), zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Frame{Event: event, Payload: data})
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame",
			zap.String("sessionId", string(c.id)), zap.String("event", event), zap.Error(err))
		return
	}
	c.SendRaw(frame)
}

// SendRaw queues a pre-serialized frame.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed session", zap.String("sessionId", string(c.id)))
		return
	}
	c.mu.RUnlock()

	// Safety net: the send channel may be closed concurrently by Disconnect.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw",
				zap.String("sessionId", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Session send channel full, dropping frame",
			zap.String("sessionId", string(c.id)))
	}
}

// Disconnect closes the outbound channel, which drives writePump to send a
// close frame and tear down the connection. Safe to call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump continuously processes incoming frames until the connection
// drops, then runs the hub's disconnect cleanup exactly once.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Failed to unmarshal frame",
				zap.String("sessionId", string(c.id)), zap.Error(err))
			c.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeBadPayload, Message: "malformed frame"})
			continue
		}

		c.hub.route(context.Background(), c, frame)
	}
}

// writePump flushes queued frames and drives the heartbeat.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message",
					zap.String("sessionId", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
