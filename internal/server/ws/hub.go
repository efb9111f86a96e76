// Package ws bridges the Redis signal bus to WebSocket clients so dashboards
// learn about new snapshot generations without polling.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 64
)

// snapshotChannel mirrors the channel the rebuilder announces on.
const snapshotChannel = "polyledger:snapshots"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware in front.
		return true
	},
}

// client is one connected WebSocket consumer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans snapshot announcements out to every connected client. Slow
// clients drop messages rather than stall the hub; announcements are
// best-effort hints, the REST API is the source of truth.
type Hub struct {
	bus        domain.SignalBus
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	logger     *slog.Logger
	mu         sync.RWMutex
}

func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
	}
}

// Run subscribes to the announcement channel and serves the client set until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	announcements, err := h.bus.Subscribe(ctx, snapshotChannel)
	if err != nil {
		return err
	}
	h.logger.Info("ws hub subscribed", slog.String("channel", snapshotChannel))

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
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client disconnected", slog.Int("total_clients", n))

		case data, ok := <-announcements:
			if !ok {
				return nil
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.logger.Warn("dropping announcement for slow ws client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleWS upgrades the request and registers the connection.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

// readPump drains client frames (clients send nothing meaningful) and
// detects disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards queued announcements and keeps the connection alive
// with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
