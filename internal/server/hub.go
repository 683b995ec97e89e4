package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	tangerr "github.com/nmxmxh/tangled/pkg/errors"
	"github.com/nmxmxh/tangled/pkg/json"
	"github.com/nmxmxh/tangled/pkg/metrics"
	"github.com/nmxmxh/tangled/pkg/winreg"
	"github.com/nmxmxh/tangled/pkg/winreg/wsstore"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	readLimit  = 1 << 20
	sendBuffer = 256
)

// Joiner returns a fresh participant of the backing store for each
// connecting window.
type Joiner func() (winreg.Store, error)

// Hub exposes a winreg.Store to remote windows over websockets. Every
// connection gets its own backing participant, so writes made through one
// connection are pushed to every other subscribed connection and never
// echoed back.
type Hub struct {
	join     Joiner
	log      *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(log *zap.Logger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithHubMetrics records client counts and frames.
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithAllowedOrigins restricts the websocket handshake to origins. "*" or no
// origins allows any.
func WithAllowedOrigins(origins ...string) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = checkOrigin(origins)
	}
}

// NewHub creates a hub backed by join.
func NewHub(join Joiner, opts ...HubOption) *Hub {
	h := &Hub{
		join:    join,
		log:     zap.NewNop(),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(nil),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(zap.String("module", "hub"))
	return h
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 || allowed[0] == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}
		return false
	}
}

// Clients returns the number of connected windows.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	store, err := h.join()
	if err != nil {
		_ = tangerr.LogWithError(r.Context(), h.log, "join backing store", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("WebSocket upgrade failed", zap.Error(err))
		store.Close()
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		store: store,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		subs:  make(map[string]func()),
		log:   h.log.With(zap.String("remote", r.RemoteAddr)),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
	c.log.Info("Client connected")

	go c.writePump()
	c.readPump()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	store winreg.Store
	send  chan []byte
	done  chan struct{}
	subs  map[string]func()
	log   *zap.Logger
}

// readPump serves requests until the connection fails, then releases the
// client's subscriptions and backing participant.
func (c *client) readPump() {
	defer func() {
		close(c.done)
		for _, cancel := range c.subs {
			cancel()
		}
		if err := c.store.Close(); err != nil {
			c.log.Warn("close backing store", zap.Error(err))
		}
		c.conn.Close()
		c.hub.remove(c)
		c.log.Info("Client disconnected")
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Error reading from client", zap.Error(err))
			}
			return
		}
		if c.hub.metrics != nil {
			c.hub.metrics.Frame(true)
		}
		var req wsstore.Frame
		if err := json.Unmarshal(data, &req); err != nil {
			c.log.Warn("malformed frame", zap.Error(err))
			c.reply(wsstore.Frame{Error: tangerr.ErrInvalidFrame.Error()})
			continue
		}
		c.reply(c.handle(req))
	}
}

func (c *client) handle(req wsstore.Frame) wsstore.Frame {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	resp := wsstore.Frame{ID: req.ID, Op: req.Op, Key: req.Key}
	var err error
	switch req.Op {
	case wsstore.OpLoad:
		resp.Value, err = c.store.Load(ctx, req.Key)
	case wsstore.OpPublish:
		err = c.store.Publish(ctx, req.Key, req.Value)
	case wsstore.OpDelete:
		err = c.store.Delete(ctx, req.Key)
	case wsstore.OpIncr:
		resp.N, err = c.store.Incr(ctx, req.Key)
	case wsstore.OpSubscribe:
		if _, ok := c.subs[req.Key]; !ok {
			key := req.Key
			var stop func()
			stop, err = c.store.Subscribe(key, func(v []byte) { c.push(key, v) })
			if err == nil {
				c.subs[key] = stop
			}
		}
	case wsstore.OpUnsubscribe:
		if stop, ok := c.subs[req.Key]; ok {
			stop()
			delete(c.subs, req.Key)
		}
	default:
		err = tangerr.ErrUnknownOp
	}
	if err != nil {
		c.log.Warn("request failed", zap.String("op", string(req.Op)), zap.String("key", req.Key), zap.Error(err))
		resp.Error = err.Error()
	}
	return resp
}

func (c *client) reply(f wsstore.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("encode reply", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// push forwards another participant's write. Slow clients lose events rather
// than stall the writer.
func (c *client) push(key string, value []byte) {
	data, err := json.Marshal(wsstore.Frame{Op: wsstore.OpEvent, Key: key, Value: value})
	if err != nil {
		c.log.Error("encode event", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, dropping event", zap.String("key", key))
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Warn("Write error", zap.Error(err))
				}
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.Frame(false)
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("Ping error", zap.Error(err))
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		}
	}
}
