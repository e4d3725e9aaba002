package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// InboundHandler processes one decoded node->hub WS message. conn
// identifies the originating connection so replies can be addressed to
// it via WSServer.Send.
type InboundHandler func(conn *websocket.Conn, kind string, raw json.RawMessage)

// WSServer is the hub's control-plane WebSocket endpoint: a
// mutex-protected client set, one read-loop goroutine per connection
// dispatching inbound frames, and direct per-connection writes for
// replies and fanout.
type WSServer struct {
	log *zap.Logger

	mu         sync.RWMutex
	clients    map[*websocket.Conn]struct{}
	remoteAddr map[*websocket.Conn]string

	handler    InboundHandler
	onDisconnect func(conn *websocket.Conn)
}

// NewWSServer returns a WSServer that dispatches inbound messages to fn.
func NewWSServer(log *zap.Logger, fn InboundHandler) *WSServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSServer{
		log:        log,
		clients:    map[*websocket.Conn]struct{}{},
		remoteAddr: map[*websocket.Conn]string{},
		handler:    fn,
	}
}

// OnDisconnect registers a callback fired when a client connection closes,
// letting the hub coordinator drop any show-UDP destination and registry
// bookkeeping tied to that connection.
func (s *WSServer) OnDisconnect(fn func(conn *websocket.Conn)) {
	s.onDisconnect = fn
}

// RemoteAddr returns the host:port the connection was accepted from, as
// recorded by http.Request.RemoteAddr at accept time.
func (s *WSServer) RemoteAddr(conn *websocket.Conn) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.remoteAddr[conn]
	return addr, ok
}

// ClientCount returns the number of currently connected WS clients.
func (s *WSServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Handler returns the http.HandlerFunc to mount at the control-plane
// WS path.
func (s *WSServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			http.Error(w, "websocket_accept_failed", http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.remoteAddr[c] = r.RemoteAddr
		n := len(s.clients)
		s.mu.Unlock()
		s.log.Info("ws client connected", zap.Int("clients", n))

		defer func() {
			s.mu.Lock()
			delete(s.clients, c)
			delete(s.remoteAddr, c)
			s.mu.Unlock()
			if s.onDisconnect != nil {
				s.onDisconnect(c)
			}
			c.Close(websocket.StatusNormalClosure, "")
		}()

		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				s.log.Debug("ws client disconnected", zap.Error(err))
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				s.log.Warn("ws inbound: malformed JSON", zap.Error(err))
				continue
			}
			kind := env.Kind()
			if kind == "" {
				s.log.Warn("ws inbound: missing t/type discriminator")
				continue
			}
			if s.handler != nil {
				s.handler(c, kind, data)
			}
		}
	}
}

// Send marshals v and writes it to conn. Errors are logged, not
// returned -- a slow or gone client must never block the caller's
// critical section.
func (s *WSServer) Send(conn *websocket.Conn, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("ws marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		s.log.Debug("ws write failed", zap.Error(err))
	}
}

// Broadcast sends v to every connected client.
func (s *WSServer) Broadcast(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("ws marshal failed", zap.Error(err))
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		conn := c
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn.Write(ctx, websocket.MessageText, b)
		}()
	}
}
