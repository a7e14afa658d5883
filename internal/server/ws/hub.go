package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/fanout"
	"github.com/alanyoungcy/polychain/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// idleWait is how long a connection may stay silent. Clients ping about
	// every five minutes.
	idleWait = 6 * time.Minute

	// pingPeriod sends protocol-level pings so intermediaries keep the
	// connection open between client pings.
	pingPeriod = 50 * time.Second

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client represents a single WebSocket connection on one channel.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	channel string
}

// Hub tracks connected subscribers and pushes channel messages to them.
// Messages may arrive directly through Broadcast or from a pub/sub bus shared
// by every server instance.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	busPrefix  string
	snapshots  domain.SnapshotReader
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// broadcastMsg carries a message along with its destination channel.
type broadcastMsg struct {
	channel string
	data    []byte
}

// Config configures a Hub.
type Config struct {
	// Bus, when set, is subscribed to for messages published by other
	// instances under BusPrefix.
	Bus       domain.SignalBus
	BusPrefix string
	// Snapshots seeds admin connections with ADMIN_STATE.
	Snapshots domain.SnapshotReader
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        cfg.Bus,
		busPrefix:  cfg.BusPrefix,
		snapshots:  cfg.Snapshots,
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run starts the hub's main event loop. The loop exits when ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		for _, ch := range []string{fanout.ChannelPublic, fanout.ChannelAdmin} {
			go h.subscribeToChannel(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
				metrics.Subscribers.WithLabelValues(c.channel).Dec()
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.Subscribers.WithLabelValues(c.channel).Inc()
			h.logger.Info("ws: client connected",
				slog.String("channel", c.channel),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.Subscribers.WithLabelValues(c.channel).Dec()
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.String("channel", c.channel),
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.channel != msg.channel {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Subscribers that fall behind miss the message and
					// recover from the snapshot on reconnect.
					h.logger.Warn("ws: dropping message for slow client", slog.String("channel", c.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues payload for every client on channel.
func (h *Hub) Broadcast(ctx context.Context, channel string, payload []byte) error {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribeToChannel forwards bus messages for one channel to the local
// clients.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	name := fanout.BusChannel(h.busPrefix, channel)
	msgCh, err := h.bus.Subscribe(ctx, name)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", name),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("ws: subscribed to channel", slog.String("channel", name))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", name))
				return
			}
			if err := h.Broadcast(ctx, channel, data); err != nil {
				return
			}
		}
	}
}

// HandlePublic serves the public "new bet" channel.
// GET /ws/public
func (h *Hub) HandlePublic(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, fanout.ChannelPublic)
}

// HandleAdmin serves the admin channel. The connection starts with a full
// ADMIN_STATE snapshot.
// GET /ws/admin
func (h *Hub) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, fanout.ChannelAdmin)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		channel: channel,
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	if channel == fanout.ChannelAdmin {
		c.sendSnapshot(r.Context())
	}

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendSnapshot pushes the full state so the subscriber can resynchronise
// after missing updates while disconnected.
func (c *client) sendSnapshot(ctx context.Context) {
	if c.hub.snapshots == nil {
		return
	}
	snap, err := c.hub.snapshots.Snapshot(ctx)
	if err != nil {
		c.hub.logger.Error("ws: snapshot failed", slog.String("error", err.Error()))
		return
	}
	msg, err := fanout.Encode(fanout.Envelope{Type: fanout.TypeAdminState, Data: snap})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// readPump reads client messages and answers keepalive pings.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(idleWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idleWait))
		return nil
	})

	pong, _ := fanout.Encode(fanout.Envelope{Type: fanout.TypePong})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idleWait))

		var in struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(message, &in) == nil && in.Type == fanout.TypePing {
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and keeps the connection alive with protocol pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
