package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// DropCounter is told about every message dropped for a slow client.
type DropCounter interface {
	DropNotification()
	SetWebsockets(n int)
}

// Hub fans events out to connected WebSocket clients. A client whose send
// buffer is full misses the event instead of stalling the producer.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	seq      atomic.Int64
	upgrader websocket.Upgrader
	counter  DropCounter
	log      zerolog.Logger
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates an empty hub. counter may be nil.
func NewHub(counter DropCounter, log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		counter: counter,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Emit broadcasts payload under event to every client.
func (h *Hub) Emit(event string, payload any) {
	data, err := json.Marshal(newEvent(event, payload, h.seq.Add(1)))
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshaling notification")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			if h.counter != nil {
				h.counter.DropNotification()
			}
			h.log.Debug().Str("client_id", c.id).Str("event", event).Msg("client too slow, notification dropped")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	id, _ := gonanoid.New()
	c := &client{id: id, conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(c)
	h.log.Info().Str("client_id", id).Str("ip", r.RemoteAddr).Msg("notification client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
	if h.counter != nil {
		h.counter.SetWebsockets(0)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	if h.counter != nil {
		h.counter.SetWebsockets(n)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.counter != nil {
		h.counter.SetWebsockets(n)
	}
}

// readPump discards inbound messages; it exists to process control frames
// and notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.log.Info().Str("client_id", c.id).Msg("notification client disconnected")
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("client_id", c.id).Msg("websocket error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
