package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdougie/uicollage/internal/models"
)

const (
	readWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 16
	publishQueue = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is what subscribers receive
type Event struct {
	Type    string             `json:"type"`
	Message models.ChatMessage `json:"message"`
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type envelope struct {
	userID  string
	payload []byte
}

// Hub fans chat messages out to the websocket subscribers of each user
type Hub struct {
	clients    map[string]map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*client]bool),
		broadcast:  make(chan envelope, publishQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run dispatches registrations and messages until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*client]bool)
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*client]bool)
			}
			h.clients[c.userID][c] = true
			h.mutex.Unlock()
			h.logger.Info("chat subscriber connected", "user", c.userID, "total", h.ClientCount(c.userID))

		case c := <-h.unregister:
			h.remove(c)

		case env := <-h.broadcast:
			h.mutex.RLock()
			var slow []*client
			for c := range h.clients[env.userID] {
				select {
				case c.send <- env.payload:
				default:
					slow = append(slow, c)
				}
			}
			h.mutex.RUnlock()
			for _, c := range slow {
				h.logger.Warn("dropping slow chat subscriber", "user", c.userID)
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c.userID][c]; !ok {
		return
	}
	delete(h.clients[c.userID], c)
	if len(h.clients[c.userID]) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	h.logger.Info("chat subscriber disconnected", "user", c.userID)
}

// Publish queues a message for the user's subscribers. It never blocks; when
// the queue is full the message is dropped.
func (h *Hub) Publish(userID string, msg models.ChatMessage) {
	payload, err := json.Marshal(Event{Type: "message", Message: msg})
	if err != nil {
		h.logger.Error("failed to encode chat event", "error", err)
		return
	}
	select {
	case h.broadcast <- envelope{userID: userID, payload: payload}:
	default:
		h.logger.Warn("chat event queue full, dropping message", "user", userID, "message", msg.ID)
	}
}

// ClientCount returns the number of subscribers of a user
func (h *Hub) ClientCount(userID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and streams the user's chat events to it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade error", "error", err)
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump only watches for the peer going away
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(readWait / 2)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Error("error sending chat event", "user", c.userID, "error", err)
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
