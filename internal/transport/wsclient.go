package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSClient is the node's control-plane WebSocket connection to the hub:
// a reconnect loop with exponential backoff and a status channel,
// generalised from a reconnecting TCP link to a WS link and from line
// frames to JSON text frames.
type WSClient struct {
	log      *zap.Logger
	hubAddr  string
	retryMin time.Duration
	retryMax time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	inbound chan json.RawMessage
	status  chan bool
}

// NewWSClient returns a WSClient targeting hubAddr (host:port, no
// scheme or path -- WSPath is appended).
func NewWSClient(log *zap.Logger, hubAddr string, retryMin, retryMax time.Duration) *WSClient {
	if log == nil {
		log = zap.NewNop()
	}
	if retryMin <= 0 {
		retryMin = 1 * time.Second
	}
	if retryMax <= 0 {
		retryMax = 30 * time.Second
	}
	return &WSClient{
		log:      log,
		hubAddr:  hubAddr,
		retryMin: retryMin,
		retryMax: retryMax,
		inbound:  make(chan json.RawMessage, 32),
		status:   make(chan bool, 4),
	}
}

// Inbound returns the channel of raw hub->node JSON messages.
func (c *WSClient) Inbound() <-chan json.RawMessage { return c.inbound }

// StatusChanges returns the channel of connect/disconnect transitions.
func (c *WSClient) StatusChanges() <-chan bool { return c.status }

// IsConnected reports the current link state.
func (c *WSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Run drives the reconnect loop until ctx is cancelled.
func (c *WSClient) Run(ctx context.Context, wsPath string) {
	backoff := c.retryMin
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempt++
		if err := c.connectAndServe(ctx, wsPath); err != nil {
			c.log.Warn("ws client connection failed", zap.Int("attempt", attempt), zap.Error(err))
			c.setConnected(false)
		} else {
			attempt = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			if attempt == 0 {
				backoff = c.retryMin
			} else {
				backoff *= 2
				if backoff > c.retryMax {
					backoff = c.retryMax
				}
			}
		}
	}
}

func (c *WSClient) connectAndServe(ctx context.Context, wsPath string) error {
	u := url.URL{Scheme: "ws", Host: c.hubAddr, Path: wsPath}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info("ws client connected", zap.String("hub", c.hubAddr))
	c.setConnected(true)

	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.inbound <- data:
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.log.Warn("ws client inbound buffer full, dropping message")
		}
	}
}

func (c *WSClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
	select {
	case c.status <- v:
	default:
	}
}

// Send marshals v and writes it to the current connection, if any.
func (c *WSClient) Send(v interface{}) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return fmt.Errorf("ws client: not connected")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}
