// Package ws pushes channel and session events to websocket clients. Events
// come from the event bus, so every API replica serves the transitions of
// the coordinator wherever it runs.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/predicta/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// maxReplay caps the stream entries sent for one replay request.
	maxReplay = 500
)

// DefaultChannels are the bus channels forwarded to clients.
var DefaultChannels = []string{domain.BusChannelEvents, domain.BusSessionEvents}

// Message is the frame sent to clients. Data is the bus payload verbatim.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// clientMsg is what a client may send: subscription changes, or a replay
// of the durable event stream after the given stream id ("0" for all).
type clientMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Since    string   `json:"since"`
}

// Config holds hub settings.
type Config struct {
	// Channels overrides DefaultChannels.
	Channels []string
	// AllowedOrigins restricts upgrades by Origin; empty allows all.
	AllowedOrigins []string
	// Status, when set, is sent to each client on connect.
	Status func() any
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Hub manages connected websocket clients and fans bus events out to them.
type Hub struct {
	bus      domain.EventBus
	channels []string
	status   func() any
	upgrader websocket.Upgrader
	logger   *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan broadcastMsg
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.EventBus, cfg Config, logger *slog.Logger) *Hub {
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	h := &Hub{
		bus:        bus,
		channels:   channels,
		status:     cfg.Status,
		logger:     logger.With(slog.String("component", "ws_hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan broadcastMsg, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// Run subscribes to the bus and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for _, ch := range h.channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "ws: failed to subscribe",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		go h.forward(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			frame, err := json.Marshal(Message{Type: "event", Channel: msg.channel, Data: asJSON(msg.data)})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					c.enqueue(frame)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward moves one bus subscription's payloads into the broadcast loop.
func (h *Hub) forward(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- broadcastMsg{channel: channel, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(h.channels)),
	}
	for _, ch := range h.channels {
		c.subs[ch] = true
	}

	if h.status != nil {
		if data, err := json.Marshal(h.status()); err == nil {
			if frame, err := json.Marshal(Message{Type: "status", Data: data}); err == nil {
				c.enqueue(frame)
			}
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// replay sends the stream entries after since to c.
func (h *Hub) replay(c *client, since string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	entries, err := h.bus.StreamRead(ctx, domain.StreamChannelEvents, since, maxReplay)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		frame, err := json.Marshal(Message{
			Type:    "replay",
			Channel: domain.StreamChannelEvents,
			ID:      e.ID,
			Data:    asJSON(e.Payload),
		})
		if err != nil {
			continue
		}
		h.mu.RLock()
		if h.clients[c] {
			c.enqueue(frame)
		}
		h.mu.RUnlock()
	}
}

// --------------------------------------------------------------------------
// client
// --------------------------------------------------------------------------

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// enqueue drops the frame when the client's buffer is full.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.hub.logger.Warn("ws: dropping message for slow client")
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.setSubs(msg.Channels, true)
		case "unsubscribe":
			c.setSubs(msg.Channels, false)
		case "replay":
			since := msg.Since
			if since == "" {
				since = "0"
			}
			c.hub.replay(c, since)
		}
	}
}

func (c *client) setSubs(channels []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if on {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
}

// isSubscribed matches exactly or by a trailing "*" prefix pattern.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// asJSON passes valid JSON through and quotes anything else.
func asJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}
