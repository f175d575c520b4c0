package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a single WebSocket connection to the peer.
type Client interface {
	Transport

	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	events chan TransportEvent
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	lastPongAt time.Time
	closed     bool
	staleErr   error
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		events: make(chan TransportEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		return nil
	})

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		// Never connected: no read loop will emit the close event.
		c.events <- TransportEvent{Kind: TransportClose, ReceivedAt: time.Now()}
		close(c.events)
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return conn.Close()
}

// Send writes one text frame.
func (c *client) Send(text string) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Events returns the ordered event stream.
func (c *client) Events() <-chan TransportEvent {
	return c.events
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// readLoop reads frames until the connection fails or is closed, then emits
// the final events and closes the event channel.
func (c *client) readLoop() {
	var closeErr error

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		c.events <- TransportEvent{Kind: TransportClose, Err: closeErr, ReceivedAt: time.Now()}
		close(c.events)
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
				// Close() was called; not an error.
				return
			default:
			}

			c.mu.RLock()
			if c.staleErr != nil {
				err = c.staleErr
			}
			c.mu.RUnlock()

			closeErr = err
			if !isNormalClose(err) {
				c.events <- TransportEvent{Kind: TransportError, Err: err, ReceivedAt: receivedAt}
			}

			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.conn.Close()
			return
		}

		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}

		c.events <- TransportEvent{
			Kind:       TransportMessage,
			Data:       data,
			ReceivedAt: receivedAt,
		}
	}
}

// heartbeatLoop pings the peer and tears the connection down when pongs stop.
func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			lastPong := c.lastPongAt
			c.mu.RUnlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPong) > c.cfg.PingTimeout {
				c.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", c.cfg.PingTimeout,
				)
				c.mu.Lock()
				c.staleErr = ErrStaleConnection
				c.mu.Unlock()
				conn.Close()
				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

// WebSocketDialer opens gorilla WebSocket clients.
type WebSocketDialer struct {
	Config ClientConfig
	Logger *slog.Logger
}

// Dial connects a new client to url.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	cfg := d.Config
	cfg.URL = url

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := NewClient(cfg, logger.With("url", url))
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
