// Package realtime implements the persistent duplex channel used for
// low-latency command delivery and signaling relay.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
)

// authFrame is the first client frame on every connect.
type authFrame struct {
	Type         string `json:"type"`
	Role         string `json:"role"`
	DeviceID     string `json:"deviceId"`
	Token        string `json:"token,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

// FrameHandler consumes inbound frames, dispatched by type.
type FrameHandler func(ctx context.Context, frameType string, raw json.RawMessage)

// Channel maintains the websocket connection to the server. Opened only in
// ACTIVE/IDLE, never in OFF. Reconnects with exponential backoff between a
// floor and ceiling, resetting to the floor after a successful connect.
type Channel struct {
	url      string
	identity func() domain.AgentIdentity
	handler  FrameHandler
	logger   *zap.Logger

	floor   time.Duration
	ceiling time.Duration

	// OnDisconnect fires after the connection drops (clears the
	// being-observed flag before the reconnect attempt).
	OnDisconnect func()

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	running bool
	gen     uint64
}

// NewChannel creates a realtime channel client.
func NewChannel(url string, identity func() domain.AgentIdentity, handler FrameHandler, floor, ceiling time.Duration, logger *zap.Logger) *Channel {
	return &Channel{
		url:      url,
		identity: identity,
		handler:  handler,
		floor:    floor,
		ceiling:  ceiling,
		logger:   logger,
	}
}

// Start launches the connect/read loop. Idempotent while running. Each
// loop is bound to the generation it was started with, so a Start issued
// after a Stop always wins: the stale loop's context is canceled and its
// connection bookkeeping is fenced off by the generation check.
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.gen++

	go c.run(ctx, c.gen)
}

// Stop tears the connection down and cancels any pending reconnect.
// Idempotent while stopped. Stop does not wait for the connect loop to
// exit, so it is safe to call from the read path.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Send marshals and writes a frame. Write access is serialized.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run is the connect loop: dial, authenticate, read until failure,
// back off, repeat. A successful connect resets the backoff to the floor.
func (c *Channel) run(ctx context.Context, gen uint64) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.floor
	bo.MaxInterval = c.ceiling
	bo.MaxElapsedTime = 0 // never abandoned permanently

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			c.logger.Debug("realtime connect failed",
				zap.Duration("retry_in", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		bo.Reset()

		c.mu.Lock()
		if ctx.Err() != nil || c.gen != gen {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("realtime channel connected")
		c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		if c.OnDisconnect != nil {
			c.OnDisconnect()
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("realtime channel disconnected")
	}
}

// dial opens the connection and sends the authenticated identity frame.
// Token is preferred; the account email is the legacy fallback.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, err
	}

	id := c.identity()
	auth := authFrame{Type: "auth", Role: "agent", DeviceID: id.DeviceID}
	if id.AuthToken != "" {
		auth.Token = id.AuthToken
	} else {
		auth.AccountEmail = id.AccountEmail
	}

	data, err := json.Marshal(auth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// readLoop pumps inbound frames to the handler until the connection fails.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	go c.pingLoop(conn, pingDone)
	defer close(pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("realtime read error", zap.Error(err))
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
			c.logger.Warn("invalid realtime frame")
			continue
		}
		c.handler(ctx, envelope.Type, json.RawMessage(data))
	}
}

// pingLoop keeps the connection alive until done closes.
func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
