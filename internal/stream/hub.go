// Package stream pushes dispatch outcomes and audit events to websocket
// subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradegate/internal/logging"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the envelope written to every subscriber.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`
}

type Hub struct {
	logger    *zap.Logger
	broadcast chan []byte

	lock    sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:    logging.OrNop(logger).Named("stream"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
	}
}

// Run fans queued messages out until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.lock.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.lock.Unlock()
			return
		case message := <-h.broadcast:
			h.lock.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.lock.Unlock()
		}
	}
}

// Publish queues one message. A full queue drops the message instead of
// blocking the caller.
func (h *Hub) Publish(kind string, data interface{}) {
	raw, err := json.Marshal(Message{Type: kind, Data: data, At: time.Now().UTC()})
	if err != nil {
		h.logger.Warn("encode stream message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.logger.Warn("stream queue full, message dropped", zap.String("type", kind))
	}
}

func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection. Inbound
// frames are discarded; a read error unregisters the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.lock.Lock()
	h.clients[conn] = true
	h.lock.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.lock.Lock()
				if h.clients[conn] {
					delete(h.clients, conn)
					_ = conn.Close()
				}
				h.lock.Unlock()
				return
			}
		}
	}()
}
